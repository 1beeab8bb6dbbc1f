package cubenode

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/r2northstar/cubenet/pkg/admission"
	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/cubestate"
	"github.com/r2northstar/cubenet/pkg/dispatch"
	"github.com/r2northstar/cubenet/pkg/transport"
)

// compressThreshold is the minimum UNICAST_MSG/BROADCAST_MSG payload size
// worth spending a gzip round trip on, mirroring pkg/memstore's PdataStore
// opt-in compression threshold.
const compressThreshold = 256

// compressedMarker/plainMarker are the one-byte envelope cubenode wraps
// application payloads in, so the wire type (cubemsg.Message.Data is just
// an opaque blob) never needs to know compression happened.
const (
	plainMarker      byte = 0
	compressedMarker byte = 1
)

// Node wires pkg/cubestate, pkg/dispatch, pkg/admission, and pkg/transport
// into the application-facing surface spec.md §6 describes.
type Node struct {
	Logger zerolog.Logger

	State      *cubestate.CubeState
	Router     *cubestate.Router
	Dispatcher *dispatch.Dispatcher
	Admission  *admission.Engine

	cfg      *Config
	dialer   transport.Dialer
	listener *transport.Listener

	denyMu   sync.RWMutex
	denyCIDR []netip.Prefix
}

// New creates a Node at cube address 0, dimension 0 (a freshly bootstrapped
// single-node cube), ready to either accept inbound Connect calls or to
// Connect itself into an existing cube via cfg.BootstrapINN.
func New(cfg *Config, logger zerolog.Logger) (*Node, error) {
	var key []byte
	if cfg.EnvelopeKey != "" {
		k, err := hex.DecodeString(cfg.EnvelopeKey)
		if err != nil {
			return nil, fmt.Errorf("cubenode: parse envelope key: %w", err)
		}
		switch len(k) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("cubenode: envelope key must decode to 16, 24, or 32 bytes, got %d", len(k))
		}
		key = k
	}

	n := &Node{
		Logger: logger,
		cfg:    cfg,
		dialer: transport.Dialer{Key: key},
	}
	if err := n.SetDenyPrefixes(cfg.DenyPrefixes); err != nil {
		return nil, err
	}

	n.State = cubestate.New(0, 0, logger)
	n.Dispatcher = dispatch.New(logger)
	n.Router = cubestate.NewRouter(n.State, n.Dispatcher)
	n.Admission = admission.New(n.State, n.Router, n.Dispatcher, n.dialer, admission.Policy{
		AmWilling:            n.amWilling,
		NeighborDisconnected: nil, // set below, then registered with n.State.OnDisconnect
	}, logger)
	n.Admission.Policy.NeighborDisconnected = func(link int) {
		logger.Info().Int("link", link).Msg("cubenode: neighbor disconnected")
	}
	n.State.OnDisconnect(n.Admission.Policy.NeighborDisconnected)

	return n, nil
}

// SetDenyPrefixes replaces the am_willing deny list, reparsing every CIDR in
// prefixes. Safe to call while the node is running (e.g. from a SIGHUP
// reload hook).
func (n *Node) SetDenyPrefixes(prefixes []string) error {
	parsed := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		pfx, err := netip.ParsePrefix(p)
		if err != nil {
			return fmt.Errorf("cubenode: parse deny prefix %q: %w", p, err)
		}
		parsed = append(parsed, pfx)
	}
	n.denyMu.Lock()
	n.denyCIDR = parsed
	n.denyMu.Unlock()
	return nil
}

// amWilling is the default am_willing policy hook (spec.md §6): refuse
// candidates whose transport address falls within a configured deny prefix.
func (n *Node) amWilling(addr netip.AddrPort) bool {
	n.denyMu.RLock()
	defer n.denyMu.RUnlock()
	for _, pfx := range n.denyCIDR {
		if pfx.Contains(addr.Addr()) {
			return false
		}
	}
	return true
}

// handle is the single dispatch.Handler driving both the admission engine
// and the application router, the "engine runs on the dispatcher thread"
// invariant spec.md §4.4 requires.
func (n *Node) handle(id dispatch.LinkID, m cubemsg.Message) {
	switch m.Type {
	case cubemsg.UnicastMsg:
		n.Router.RouteUnicast(m)
	case cubemsg.BroadcastMsg, cubemsg.ReverseBroadcastMsg:
		n.Router.Broadcast(m)
	case cubemsg.NodeShutdown:
		n.Logger.Info().Uint64("link", uint64(id)).Msg("cubenode: neighbor shut down gracefully")
		n.State.RemoveByLinkID(id)
		n.Admission.ForgetLink(id)
		n.Dispatcher.Remove(id)
	default:
		n.Admission.Handle(id, m)
	}
}

func (n *Node) onClosed(id dispatch.LinkID, err error) {
	n.Logger.Debug().Uint64("link", uint64(id)).Err(err).Msg("cubenode: link closed")
	n.Admission.ForgetLink(id)
	n.State.RemoveByLinkID(id)
}

// Serve binds cfg.Addr, accepts inbound links until ctx is cancelled, and
// runs the dispatcher loop. It blocks until ctx is done or the listener
// fails.
func (n *Node) Serve(ctx context.Context) error {
	ln, err := n.dialer.Listen(n.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cubenode: listen: %w", err)
	}
	n.listener = ln

	go n.Dispatcher.Run(ctx, n.handle, n.onClosed)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		l, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("cubenode: accept: %w", err)
			}
		}
		id := n.Dispatcher.Add(l)
		n.Admission.NoteLink(id, l.RemoteAddr())
		n.Logger.Debug().Stringer("from", l.RemoteAddr()).Msg("cubenode: accepted link")
	}
}

// Connect implements spec.md §6's connect(inn_addr): join an existing cube
// by attaching through the node at innAddr.
func (n *Node) Connect(ctx context.Context, innAddr netip.AddrPort) (cubeaddr.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()
	return n.Admission.Connect(ctx, innAddr)
}

// Send implements spec.md §4.8's send(Message): a non-blocking unicast of
// payload to dst. It returns true if the router accepted it for delivery or
// forwarding, false on an immediate routing failure.
func (n *Node) Send(dst cubeaddr.Addr, payload []byte) bool {
	return n.Router.RouteUnicast(cubemsg.Message{
		Src: n.State.Addr(), Dst: dst, Type: cubemsg.UnicastMsg, Data: wrapPayload(payload),
	})
}

// Reply sends payload back to the sender of a previously received message,
// per spec.md §6's reply(received_msg, payload).
func (n *Node) Reply(received cubemsg.Message, payload []byte) bool {
	return n.Send(received.Src, payload)
}

// Broadcast implements spec.md §4.8's broadcast(payload): delivers payload
// to every node's inbox exactly once.
func (n *Node) Broadcast(payload []byte) {
	n.Router.SendBroadcast(wrapPayload(payload))
}

// Received is one inbox entry with its application payload already
// decompressed, the cubenode-level counterpart of cubestate.Delivered.
type Received struct {
	Src    cubeaddr.Addr
	Data   []byte
	Failed bool
	Err    error
}

func (n *Node) unwrap(d cubestate.Delivered) Received {
	r := Received{Src: d.Msg.Src, Failed: d.Failed, Err: d.Err}
	if !d.Failed {
		data, err := unwrapPayload(d.Msg.Data)
		if err != nil {
			r.Failed = true
			r.Err = err
		} else {
			r.Data = data
		}
	}
	return r
}

// Recv implements spec.md §4.8's recv(): blocks until the inbox is
// non-empty or the node is shut down.
func (n *Node) Recv() (Received, bool) {
	d, ok := n.State.Inbox.Recv()
	if !ok {
		return Received{}, false
	}
	return n.unwrap(d), true
}

// RecvNow is the non-blocking variant of Recv.
func (n *Node) RecvNow() (Received, bool) {
	d, ok := n.State.Inbox.RecvNow()
	if !ok {
		return Received{}, false
	}
	return n.unwrap(d), true
}

// Available reports whether this node has a vacant link to offer a new
// neighbor without growing its dimension, spec.md §6's available().
func (n *Node) Available() bool {
	_, ok := n.State.Vacancy()
	return ok
}

// CubeAddress returns this node's own cube address, spec.md §6's
// cube_address().
func (n *Node) CubeAddress() cubeaddr.Addr { return n.State.Addr() }

// Dimension returns this node's current hypercube dimension, spec.md §6's
// dimension().
func (n *Node) Dimension() uint32 { return n.State.Dim() }

// Neighbors returns the cube address of every live neighbor, indexed by
// link number, spec.md §6's neighbors().
func (n *Node) Neighbors() map[int]cubeaddr.Addr {
	out := make(map[int]cubeaddr.Addr)
	self := n.State.Addr()
	for link := range n.State.Neighbors() {
		out[link] = self.FollowLink(link)
	}
	return out
}

// Shutdown implements spec.md §6/§7's shutdown(): notify every live
// neighbor with NODE_SHUTDOWN, then close every link and wake blocked
// Recv callers.
func (n *Node) Shutdown() {
	for link, id := range n.State.Neighbors() {
		_ = n.Dispatcher.Send(id, cubemsg.Message{
			Src: n.State.Addr(), Dst: n.State.Addr().FollowLink(link), Type: cubemsg.NodeShutdown,
		})
	}
	if n.listener != nil {
		n.listener.Close()
	}
	n.Dispatcher.Close()
	n.State.Inbox.Close()
}

// WritePrometheus writes every component's VictoriaMetrics set to w, the
// same aggregation pkg/atlas/server.go's /metrics endpoint performs over
// s.API0/s.API0.NSPkt/s.API0.ServerList.
func (n *Node) WritePrometheus(w io.Writer) {
	metrics.WriteProcessMetrics(w)
	n.Dispatcher.MetricsSet().WritePrometheus(w)
	n.Router.MetricsSet().WritePrometheus(w)
	n.Admission.MetricsSet().WritePrometheus(w)
}

// wrapPayload prefixes payload with a one-byte marker, gzip-compressing it
// first if it's large enough to be worth the round trip (grounded on
// pkg/memstore's PdataStore opt-in compression).
func wrapPayload(payload []byte) []byte {
	if len(payload) < compressThreshold {
		return append([]byte{plainMarker}, payload...)
	}
	var buf bytes.Buffer
	buf.WriteByte(compressedMarker)
	gw := gzip.NewWriter(&buf)
	_, _ = gw.Write(payload)
	_ = gw.Close()
	return buf.Bytes()
}

// unwrapPayload is the inverse of wrapPayload.
func unwrapPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	marker, rest := data[0], data[1:]
	switch marker {
	case plainMarker:
		return rest, nil
	case compressedMarker:
		gr, err := gzip.NewReader(bytes.NewReader(rest))
		if err != nil {
			return nil, fmt.Errorf("cubenode: open compressed payload: %w", err)
		}
		defer gr.Close()
		out, err := io.ReadAll(gr)
		if err != nil {
			return nil, fmt.Errorf("cubenode: decompress payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cubenode: unknown payload marker %d", marker)
	}
}
