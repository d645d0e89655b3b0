//go:build unix

package procs

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func signalProcess(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}
