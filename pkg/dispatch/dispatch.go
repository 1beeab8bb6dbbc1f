// Package dispatch implements the non-blocking message-dispatch loop that
// drives the protocol engine (spec.md §2 item 4 / §4.4): it reads complete
// frames from every registered link and hands them, one at a time, to a
// single-threaded handler, while writes are queued per-link so a slow or
// wedged peer can never block the engine.
//
// Go has no idiomatic equivalent of a single-reactor select() loop that
// flips a socket between non-blocking and blocking mode per spec.md §4.4 —
// the netpoller already does that multiplexing under net.Conn. Instead,
// Dispatcher runs one blocking reader goroutine per link funneling into a
// single channel drained by one dispatcher goroutine, which preserves the
// spec's real invariant: the engine runs single-threaded and never blocks
// inside a state transition (see DESIGN.md).
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/transport"
)

// LinkID is an opaque handle for a registered link. The dispatcher owns the
// link table; the engine looks up protocol state by LinkID rather than
// holding a direct reference to the link, so dispatcher and engine don't
// need to reference each other cyclically (spec.md §9 design note).
type LinkID uint64

// sendQueueLen bounds the per-link outbound queue. A full queue means the
// peer (or the link) can't keep up; Send fails immediately rather than
// blocking the caller, per spec.md §5 ("best-effort non-blocking writes").
const sendQueueLen = 64

type linkEntry struct {
	link transport.Link
	out  chan cubemsg.Message
	done chan struct{}
}

// frameEvent is funneled from per-link reader goroutines to the single
// dispatcher goroutine.
type frameEvent struct {
	id  LinkID
	msg cubemsg.Message
	err error
}

// MonitorFrame describes a single frame observed by the dispatcher, used by
// Monitor for debugging (grounded on pkg/nspkt/listener.go's MonitorPacket).
type MonitorFrame struct {
	ID  LinkID
	In  bool
	Msg cubemsg.Message
}

// Handler is invoked once per received frame, always from the single
// dispatcher goroutine — never concurrently, and never for two links at
// once.
type Handler func(id LinkID, m cubemsg.Message)

// ClosedHandler is invoked once when a link's reader goroutine observes a
// framing or transport error, also from the dispatcher goroutine.
type ClosedHandler func(id LinkID, err error)

// Dispatcher multiplexes many links onto a single-threaded handler.
type Dispatcher struct {
	Logger zerolog.Logger

	mu    sync.Mutex
	links map[LinkID]*linkEntry
	seq   uint64

	events chan frameEvent

	monMu sync.Mutex
	mon   map[chan<- MonitorFrame]struct{}

	m dispatchMetrics
}

type dispatchMetrics struct {
	set           *metrics.Set
	framesIn      *metrics.Counter
	framesOut     *metrics.Counter
	readErrors    *metrics.Counter
	sendDropped   *metrics.Counter
	linksOpen     atomic.Int64
	bytesInTotal  atomic.Uint64
	bytesOutTotal atomic.Uint64
}

// New creates a Dispatcher. Call Run to start draining events.
func New(logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		Logger: logger,
		links:  make(map[LinkID]*linkEntry),
		events: make(chan frameEvent, 256),
		mon:    make(map[chan<- MonitorFrame]struct{}),
	}
	d.m.set = metrics.NewSet()
	d.m.framesIn = d.m.set.NewCounter("cube_dispatch_frames_in_total")
	d.m.framesOut = d.m.set.NewCounter("cube_dispatch_frames_out_total")
	d.m.readErrors = d.m.set.NewCounter("cube_dispatch_read_errors_total")
	d.m.sendDropped = d.m.set.NewCounter("cube_dispatch_send_dropped_total")
	return d
}

// MetricsSet exposes the dispatcher's VictoriaMetrics set for registration
// with a process-wide metrics exporter.
func (d *Dispatcher) MetricsSet() *metrics.Set { return d.m.set }

// nextLinkID derives a fresh LinkID from the link's remote address, salted
// with a monotonic sequence number so repeated connections from the same
// transport address never collide.
func (d *Dispatcher) nextLinkID(l transport.Link) LinkID {
	seq := atomic.AddUint64(&d.seq, 1)
	return LinkID(xxhash.ChecksumString64S(l.RemoteAddr().String(), seq))
}

// Add registers l with the dispatcher, starting a reader goroutine that
// funnels decoded frames (or the terminal read error) into the shared event
// channel, and a writer goroutine that drains outbound sends.
func (d *Dispatcher) Add(l transport.Link) LinkID {
	id := d.nextLinkID(l)
	e := &linkEntry{
		link: l,
		out:  make(chan cubemsg.Message, sendQueueLen),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	d.links[id] = e
	d.mu.Unlock()
	d.m.linksOpen.Add(1)

	go d.readLoop(id, e)
	go d.writeLoop(id, e)

	return id
}

func (d *Dispatcher) readLoop(id LinkID, e *linkEntry) {
	for {
		m, err := e.link.ReadFrame()
		if err != nil {
			d.m.readErrors.Inc()
			d.events <- frameEvent{id: id, err: err}
			return
		}
		d.m.framesIn.Inc()
		d.publishMonitor(id, true, m)
		d.events <- frameEvent{id: id, msg: m}
	}
}

func (d *Dispatcher) writeLoop(id LinkID, e *linkEntry) {
	for {
		select {
		case m, ok := <-e.out:
			if !ok {
				return
			}
			if err := e.link.WriteFrame(m); err != nil {
				return // the read side will observe the same failure and report it
			}
			d.m.framesOut.Inc()
			d.publishMonitor(id, false, m)
		case <-e.done:
			return
		}
	}
}

// Send queues m for link id. It never blocks: if the link's outbound queue
// is full, Send drops the message and returns an error immediately, the
// "best-effort non-blocking write" spec.md §5 requires of the engine.
func (d *Dispatcher) Send(id LinkID, m cubemsg.Message) error {
	d.mu.Lock()
	e, ok := d.links[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatch: unknown link %d", id)
	}
	select {
	case e.out <- m:
		return nil
	default:
		d.m.sendDropped.Inc()
		return fmt.Errorf("dispatch: send queue full for link %d", id)
	}
}

// Remove unregisters and closes link id, if still present. Safe to call more
// than once.
func (d *Dispatcher) Remove(id LinkID) {
	d.mu.Lock()
	e, ok := d.links[id]
	if ok {
		delete(d.links, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	close(e.done)
	e.link.Close()
	d.m.linksOpen.Add(-1)
}

// Link returns the underlying transport.Link for id, for callers (the
// admission engine) that need to open a reply path outside the Send queue
// (e.g. to hand a link off to CubeState as an adopted neighbor).
func (d *Dispatcher) Link(id LinkID) (transport.Link, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.links[id]
	if !ok {
		return nil, false
	}
	return e.link, true
}

// Run drains the event channel until ctx is cancelled or Close is called,
// invoking handle for every received frame and onClosed for every link that
// terminates. Both callbacks run only on this goroutine: this is the
// "single-threaded engine" the spec requires.
func (d *Dispatcher) Run(ctx context.Context, handle Handler, onClosed ClosedHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			if ev.err != nil {
				d.Remove(ev.id)
				onClosed(ev.id, ev.err)
				continue
			}
			handle(ev.id, ev.msg)
		}
	}
}

// Close closes every registered link. Safe to call from any goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	ids := make([]LinkID, 0, len(d.links))
	for id := range d.links {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.Remove(id)
	}
}

// Monitor writes every frame the dispatcher sees to c until ctx is
// cancelled, discarding them if c doesn't have room, exactly like
// pkg/nspkt/listener.go's Monitor.
func (d *Dispatcher) Monitor(ctx context.Context, c chan<- MonitorFrame) {
	d.monMu.Lock()
	d.mon[c] = struct{}{}
	d.monMu.Unlock()

	<-ctx.Done()

	d.monMu.Lock()
	delete(d.mon, c)
	d.monMu.Unlock()
}

func (d *Dispatcher) publishMonitor(id LinkID, in bool, m cubemsg.Message) {
	d.monMu.Lock()
	defer d.monMu.Unlock()
	for c := range d.mon {
		select {
		case c <- MonitorFrame{ID: id, In: in, Msg: m}:
		default:
		}
	}
}
