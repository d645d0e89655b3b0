// Package procs queries the process table, kills processes, and runs
// subprocesses that are cleaned up together.
package procs

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Process is a point-in-time view of one process.
type Process struct {
	Owner         string
	PID           int32
	CPUPercent    float64
	MemoryPercent float32
	Cmd           string
	Name          string
	Exe           string
}

// Executable returns the path the process was started with, falling back to the
// resolved binary when the command line does not name one.
func (p Process) Executable() string {
	if exe := ExecutableFromCmd(p.Cmd, pathExists); exe != "" {
		return exe
	}
	return p.Exe
}

// Snapshot lists running processes ordered by PID. Processes that exit while
// being inspected are skipped.
func Snapshot(ctx context.Context) ([]Process, error) {
	handles, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	procs := make([]Process, 0, len(handles))
	for _, h := range handles {
		name, err := h.NameWithContext(ctx)
		if err != nil {
			continue
		}
		owner, _ := h.UsernameWithContext(ctx)
		cpuPercent, _ := h.CPUPercentWithContext(ctx)
		memPercent, _ := h.MemoryPercentWithContext(ctx)
		cmdline, _ := h.CmdlineWithContext(ctx)
		exe, _ := h.ExeWithContext(ctx)
		if cmdline == "" {
			cmdline = name
		}

		procs = append(procs, Process{
			Owner:         owner,
			PID:           h.Pid,
			CPUPercent:    cpuPercent,
			MemoryPercent: memPercent,
			Cmd:           cmdline,
			Name:          name,
			Exe:           exe,
		})
	}

	sort.Slice(procs, func(i, j int) bool {
		return procs[i].PID < procs[j].PID
	})
	return procs, nil
}

// SortByMemory orders procs by memory share, largest first.
func SortByMemory(procs []Process) {
	sort.SliceStable(procs, func(i, j int) bool {
		return procs[i].MemoryPercent > procs[j].MemoryPercent
	})
}

// nameFromCmd derives a display name from the first word of a command line.
func nameFromCmd(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// Stats is a system-wide CPU and memory reading.
type Stats struct {
	CPUPercent float64
	Memory     *mem.VirtualMemoryStat
}

// SystemStats retrieves CPU and memory statistics.
func SystemStats(ctx context.Context) (Stats, error) {
	var stats Stats
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, err
	}
	if len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	}

	stats.Memory, err = mem.VirtualMemoryWithContext(ctx)
	return stats, err
}
