package main

import "github.com/zerolethanh/sysutil/internal/procs"

// sample is one refresh of everything the top view shows.
type sample struct {
	stats        procs.Stats
	dlSpeed      float64 // KB/s
	ulSpeed      float64
	procList     []procs.Process
	totalProcCPU float64
	connList     []ConnRow
}

// ConnRow is a connection ready for display, with the remote host resolved
// when a reverse lookup has completed.
type ConnRow struct {
	PID         int32
	ProcessName string
	LocalAddr   string
	RemoteAddr  string
	RemoteIP    string
	Status      string
}

// netCounters remembers the previous byte totals for rate calculation.
type netCounters struct {
	recv, sent uint64
}
