// Package transport implements the point-to-point reliable, ordered byte
// stream cube links are built on (spec.md §2 item 3 / §4.5): open, accept,
// read-frame, write-frame, close, plus an optional pre-shared-key frame
// encryption policy.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/r2northstar/cubenet/pkg/cubemsg"
)

// ErrLinkClosed is returned by ReadFrame/WriteFrame after Close.
var ErrLinkClosed = errors.New("transport: link closed")

// Link is one reliable, ordered, full-duplex byte stream between two cube
// nodes or between a node and an as-yet-unaddressed external client.
type Link interface {
	// ReadFrame blocks until a complete frame has been read, decoded, and
	// (if an envelope is configured) authenticated and decrypted.
	ReadFrame() (cubemsg.Message, error)

	// WriteFrame encodes and writes m as a single frame. Concurrent calls
	// are serialized; a write never interleaves with another.
	WriteFrame(m cubemsg.Message) error

	// RemoteAddr is the transport address of the peer, never the cube
	// address (spec.md §2: the core never reveals that mapping).
	RemoteAddr() netip.AddrPort

	Close() error
}

// tcpLink is the default [Link] implementation over net.TCPConn.
type tcpLink struct {
	conn     net.Conn
	r        *bufio.Reader
	env      *envelope
	wmu      sync.Mutex
	remote   netip.AddrPort
	closed   chan struct{}
	closeErr error
	closeMu  sync.Mutex
}

func newTCPLink(c net.Conn, env *envelope) *tcpLink {
	remote, _ := netip.ParseAddrPort(c.RemoteAddr().String())
	return &tcpLink{
		conn:   c,
		r:      bufio.NewReaderSize(c, 4096),
		env:    env,
		remote: remote,
		closed: make(chan struct{}),
	}
}

func (l *tcpLink) RemoteAddr() netip.AddrPort { return l.remote }

func (l *tcpLink) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	select {
	case <-l.closed:
		return l.closeErr
	default:
	}
	l.closeErr = l.conn.Close()
	close(l.closed)
	return l.closeErr
}

// ReadFrame reads one u32-length-prefixed frame (spec.md §4.5) and decodes
// it as a cubemsg.Message. A framing error (bad length, truncated body,
// undecodable payload, or a failed envelope open) is always accompanied by
// closing the underlying connection, so callers don't need to call Close
// themselves on error — it's still safe to do so.
func (l *tcpLink) ReadFrame() (cubemsg.Message, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(l.r, lenbuf[:]); err != nil {
		l.Close()
		return cubemsg.Message{}, l.wrapReadErr(err)
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > cubemsg.MaxFrameLen {
		l.Close()
		return cubemsg.Message{}, fmt.Errorf("transport: frame length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		l.Close()
		return cubemsg.Message{}, l.wrapReadErr(err)
	}
	if l.env != nil {
		plain, err := l.env.open(buf)
		if err != nil {
			l.Close()
			return cubemsg.Message{}, err
		}
		buf = plain
	}
	m, err := cubemsg.Decode(buf)
	if err != nil {
		l.Close()
		return cubemsg.Message{}, err
	}
	return m, nil
}

func (l *tcpLink) wrapReadErr(err error) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
		return fmt.Errorf("transport: read frame: %w", err)
	}
}

// WriteFrame encodes m, optionally seals it, and writes the length-prefixed
// frame as a single Write call so concurrent WriteFrame calls can't
// interleave partial frames on the wire.
func (l *tcpLink) WriteFrame(m cubemsg.Message) error {
	payload := m.Encode(nil)
	if l.env != nil {
		sealed, err := l.env.seal(payload)
		if err != nil {
			return err
		}
		payload = sealed
	}
	if len(payload) > cubemsg.MaxFrameLen {
		return fmt.Errorf("transport: encoded frame too large (%d bytes)", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.conn.Write(frame); err != nil {
		l.Close()
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// Dialer opens outbound links and accepts inbound ones, optionally sealing
// frames with a pre-shared key.
type Dialer struct {
	// Key, if non-nil, is an AES key (16/24/32 bytes) used to seal every
	// frame exchanged over links created by this Dialer.
	Key []byte

	env *envelope
}

// init lazily derives the envelope from Key; it's idempotent and safe to
// call from Dial/Listen.
func (d *Dialer) init() (*envelope, error) {
	if d.Key == nil {
		return nil, nil
	}
	if d.env == nil {
		env, err := newEnvelope(d.Key)
		if err != nil {
			return nil, err
		}
		d.env = env
	}
	return d.env, nil
}

// Dial opens a new outbound link to addr.
func (d *Dialer) Dial(addr netip.AddrPort) (Link, error) {
	env, err := d.init()
	if err != nil {
		return nil, err
	}
	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		if err := tuneSocket(tc); err != nil {
			c.Close()
			return nil, fmt.Errorf("transport: tune socket: %w", err)
		}
	}
	return newTCPLink(c, env), nil
}

// Listener accepts inbound links on a bound TCP socket.
type Listener struct {
	ln  net.Listener
	env *envelope
}

// Listen binds addr and returns a Listener. If d.Key is set, accepted links
// seal frames with it.
func (d *Dialer) Listen(addr netip.AddrPort) (*Listener, error) {
	env, err := d.init()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, env: env}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next inbound connection and wraps it as a Link.
func (l *Listener) Accept() (Link, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		if err := tuneSocket(tc); err != nil {
			c.Close()
			return nil, fmt.Errorf("transport: tune socket: %w", err)
		}
	}
	return newTCPLink(c, l.env), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
