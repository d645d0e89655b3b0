package procs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoHeader is returned by ParsePS when the input has no header line.
var ErrNoHeader = errors.New("procs: ps output has no header")

// ParseError describes a ps line that does not fit the column contract.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("procs: ps line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// psColumns holds the positions of the columns ParsePS reads.
type psColumns struct {
	user, pid, cpu, mem int
	count               int
}

// ParsePS parses `ps aux` style output.
//
// The header names the columns and must include USER, PID, %CPU and %MEM, with
// COMMAND (or CMD) last. Every column before the command is a single
// whitespace-free token; the command is the rest of the line, spaces included.
func ParsePS(r io.Reader) ([]Process, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		cols   psColumns
		header bool
		procs  []Process
		lineNo int
	)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if !header {
			c, err := parseHeader(line)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Text: line, Reason: err.Error()}
			}
			cols, header = c, true
			continue
		}

		p, err := parseRow(line, cols)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Text: line, Reason: err.Error()}
		}
		procs = append(procs, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !header {
		return nil, ErrNoHeader
	}
	return procs, nil
}

func parseHeader(line string) (psColumns, error) {
	fields := strings.Fields(line)
	cols := psColumns{user: -1, pid: -1, cpu: -1, mem: -1, count: len(fields)}

	for i, f := range fields {
		switch strings.ToUpper(f) {
		case "USER", "UID":
			cols.user = i
		case "PID":
			cols.pid = i
		case "%CPU":
			cols.cpu = i
		case "%MEM":
			cols.mem = i
		}
	}

	last := strings.ToUpper(fields[len(fields)-1])
	switch {
	case cols.user < 0 || cols.pid < 0 || cols.cpu < 0 || cols.mem < 0:
		return cols, errors.New("header lacks USER, PID, %CPU or %MEM")
	case last != "COMMAND" && last != "CMD":
		return cols, errors.New("header does not end with COMMAND")
	}
	return cols, nil
}

func parseRow(line string, cols psColumns) (Process, error) {
	fields, command := splitColumns(line, cols.count-1)
	if len(fields) < cols.count-1 || command == "" {
		return Process{}, fmt.Errorf("expected %d columns", cols.count)
	}

	pid, err := strconv.ParseInt(fields[cols.pid], 10, 32)
	if err != nil {
		return Process{}, fmt.Errorf("bad PID %q", fields[cols.pid])
	}
	cpuPercent, err := strconv.ParseFloat(fields[cols.cpu], 64)
	if err != nil {
		return Process{}, fmt.Errorf("bad %%CPU %q", fields[cols.cpu])
	}
	memPercent, err := strconv.ParseFloat(fields[cols.mem], 32)
	if err != nil {
		return Process{}, fmt.Errorf("bad %%MEM %q", fields[cols.mem])
	}

	return Process{
		Owner:         fields[cols.user],
		PID:           int32(pid),
		CPUPercent:    cpuPercent,
		MemoryPercent: float32(memPercent),
		Cmd:           command,
		Name:          nameFromCmd(command),
	}, nil
}

// splitColumns returns the first n whitespace-separated tokens of line and the
// remainder with its inner spacing intact.
func splitColumns(line string, n int) ([]string, string) {
	fields := make([]string, 0, n)
	rest := line
	for len(fields) < n {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return fields, ""
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			fields = append(fields, rest)
			return fields, ""
		}
		fields = append(fields, rest[:end])
		rest = rest[end:]
	}
	return fields, strings.TrimSpace(rest)
}

// SnapshotPS runs `ps aux` and parses its output. It is the fallback for
// platforms where Snapshot is unavailable.
func SnapshotPS(ctx context.Context) ([]Process, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "ps", "aux")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run ps: %w", err)
	}
	return ParsePS(&out)
}
