package procs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/zerolethanh/sysutil/internal/logger"
)

// ErrGroupClosed is returned by Run after Close.
var ErrGroupClosed = errors.New("procs: group is closed")

// RunOptions controls how Group.Run wires and waits for a subprocess.
type RunOptions struct {
	// Read captures stdout and returns it. Implies Wait.
	Read bool
	// Wait blocks until the subprocess exits.
	Wait bool
	// Suppress discards output instead of inheriting this process's stdout and
	// stderr. Captured stdout is still returned when Read is set.
	Suppress bool
	Dir      string
	Env      []string
}

// Group owns the subprocesses it starts. When any Run fails every process still
// running in the group is killed, and Close kills the rest; callers should
// `defer g.Close()`.
type Group struct {
	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
	closed  bool
	wg      sync.WaitGroup
	log     *logger.Logger
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{
		running: make(map[*exec.Cmd]struct{}),
		log:     logger.Global().WithPrefix("procs"),
	}
}

// Run starts name with args. ctx bounds the subprocess lifetime, including for
// processes that are not waited on.
func (g *Group) Run(ctx context.Context, opts RunOptions, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var out bytes.Buffer
	switch {
	case opts.Read:
		cmd.Stdout = &out
		if !opts.Suppress {
			cmd.Stderr = os.Stderr
		}
	case opts.Suppress:
		// nil Stdout/Stderr are connected to the null device
	default:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", ErrGroupClosed
	}
	if err := cmd.Start(); err != nil {
		g.mu.Unlock()
		g.terminateAll()
		return "", fmt.Errorf("failed to start %s: %w", name, err)
	}
	g.running[cmd] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	g.log.Debug("Started %s (pid %d)", name, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		defer g.wg.Done()
		err := cmd.Wait()
		g.mu.Lock()
		delete(g.running, cmd)
		g.mu.Unlock()
		done <- err
	}()

	if !opts.Wait && !opts.Read {
		return "", nil
	}

	if err := <-done; err != nil {
		g.terminateAll()
		return out.String(), fmt.Errorf("%s failed: %w", name, err)
	}
	return out.String(), nil
}

// Len returns the number of subprocesses still running.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

func (g *Group) terminateAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for cmd := range g.running {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			g.log.Warn("Failed to kill pid %d: %v", cmd.Process.Pid, err)
		}
	}
}

// Close kills every running subprocess and waits for them to be reaped. Run
// fails with ErrGroupClosed afterwards.
func (g *Group) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.terminateAll()
	g.wg.Wait()
	return nil
}
