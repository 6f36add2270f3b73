//go:build !unix

package rudp

import "syscall"

// Leaves the socket untouched, the platform default is used.
func dualStackControl(network, address string, c syscall.RawConn) error {
	return nil
}
