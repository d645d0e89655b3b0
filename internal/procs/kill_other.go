//go:build !unix

package procs

import (
	"os"
	"syscall"
)

// signalProcess can only terminate on platforms without POSIX signals; sig is
// ignored.
func signalProcess(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
