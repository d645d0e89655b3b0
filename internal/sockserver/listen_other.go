//go:build !unix

package sockserver

import "syscall"

// reuseAddrControl is a no-op where SO_REUSEADDR has different semantics
// (Windows lets a second socket steal the port).
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
