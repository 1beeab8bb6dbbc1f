//go:build !unix

package transport

import "net"

// tuneSocket only sets TCP_NODELAY on non-Unix platforms; the socket buffer
// tuning via golang.org/x/sys/unix is only done on Unix.
func tuneSocket(c *net.TCPConn) error {
	return c.SetNoDelay(true)
}
