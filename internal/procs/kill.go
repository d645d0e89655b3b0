package procs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrInvalidPID is returned for process IDs that cannot name a single process.
var ErrInvalidPID = errors.New("procs: pid must be a positive integer")

// Kill sends sig to pid. A zero sig sends SIGKILL.
func Kill(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if sig == 0 {
		sig = syscall.SIGKILL
	}
	if err := signalProcess(pid, sig); err != nil {
		return fmt.Errorf("failed to signal pid %d with %v: %w", pid, sig, err)
	}
	return nil
}

// KillByName signals the first process whose executable base name equals name,
// either as started (symlinks kept) or as resolved by the kernel.
// No match is not an error: it returns false and a nil error. The calling
// process is never matched.
func KillByName(ctx context.Context, name string, sig syscall.Signal) (Process, bool, error) {
	procs, err := Snapshot(ctx)
	if err != nil {
		return Process{}, false, err
	}

	p, ok := findByName(procs, name, int32(os.Getpid()), pathExists)
	if !ok {
		return Process{}, false, nil
	}
	return p, true, Kill(int(p.PID), sig)
}

func findByName(procs []Process, name string, self int32, exists func(string) bool) (Process, bool) {
	if name == "" {
		return Process{}, false
	}
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		if matchesName(p, name, exists) {
			return p, true
		}
	}
	return Process{}, false
}

// matchesName compares name against the executable the command line was started
// with, which keeps symlinked names such as python3 or node. The resolved binary
// from Exe is accepted too.
func matchesName(p Process, name string, exists func(string) bool) bool {
	if exe := ExecutableFromCmd(p.Cmd, exists); exe != "" && filepath.Base(exe) == name {
		return true
	}
	return p.Exe != "" && filepath.Base(p.Exe) == name
}

// ExecutableFromCmd recovers the executable path from a command line whose path
// may contain spaces. Starting at the root it extends the path one segment at a
// time, keeping the longest existing prefix; inside a segment, trailing words
// that do not exist are treated as arguments and end the walk. Commands that do
// not start with "/" resolve to their first word.
func ExecutableFromCmd(cmd string, exists func(string) bool) string {
	cmd = strings.TrimSpace(cmd)
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	if !strings.HasPrefix(cmd, "/") {
		return fields[0]
	}

	resolved := ""
	for _, part := range strings.Split(cmd[1:], "/") {
		candidate, whole := longestExisting(resolved, part, exists)
		if candidate == "" {
			break
		}
		resolved = candidate
		if !whole {
			break
		}
	}
	if resolved == "" {
		return fields[0]
	}
	return resolved
}

// longestExisting tries dir/part, then dir/ with part trimmed word by word from
// the end. whole reports whether all of part was used.
func longestExisting(dir, part string, exists func(string) bool) (string, bool) {
	words := strings.Split(part, " ")
	for n := len(words); n > 0; n-- {
		segment := strings.Join(words[:n], " ")
		if segment == "" {
			continue
		}
		candidate := dir + "/" + segment
		if exists(candidate) {
			return candidate, n == len(words)
		}
	}
	return "", false
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
