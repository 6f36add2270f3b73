//go:build unix

package rudp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Clears IPV6_V6ONLY before the socket is bound so that it also accepts IPv4 traffic.
func dualStackControl(network, address string, c syscall.RawConn) error {
	var serr error

	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}

	return serr
}
