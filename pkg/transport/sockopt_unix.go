//go:build unix

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket sets TCP_NODELAY and widens the socket buffers on a freshly
// dialed or accepted cube link, the way a long-lived point-to-point overlay
// link should be tuned: cube frames are small and latency-sensitive (router
// hops and admission handshakes), so Nagle's algorithm only adds delay.
func tuneSocket(c *net.TCPConn) error {
	if err := c.SetNoDelay(true); err != nil {
		return err
	}
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20); e != nil {
			opErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 1<<20); e != nil {
			opErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
