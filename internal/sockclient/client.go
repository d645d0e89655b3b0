// Package sockclient dials sockserver instances and exchanges raw payloads.
package sockclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DetectionTimeout bounds the dial performed by IsServing.
const DetectionTimeout = time.Second

type dialOptions struct {
	maxElapsed  time.Duration
	dialTimeout time.Duration
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

// WithMaxElapsed caps the total time spent retrying. Zero retries until ctx ends.
func WithMaxElapsed(d time.Duration) DialOption {
	return func(o *dialOptions) {
		o.maxElapsed = d
	}
}

// WithDialTimeout bounds each individual connection attempt.
func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		o.dialTimeout = d
	}
}

// Dial connects to network/address, retrying with exponential backoff while the
// server is not yet accepting.
func Dial(ctx context.Context, network, address string, opts ...DialOption) (net.Conn, error) {
	o := dialOptions{
		maxElapsed:  10 * time.Second,
		dialTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = o.maxElapsed

	dialer := net.Dialer{Timeout: o.dialTimeout}
	var conn net.Conn
	operation := func() error {
		c, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to %s %s: %w", network, address, err)
	}
	return conn, nil
}

// Send writes data to conn and collects whatever the peer sends back until it
// closes the connection or wait passes without new data. Cancelling ctx
// interrupts the exchange and returns ctx's error with the reply read so far.
func Send(ctx context.Context, conn net.Conn, data []byte, wait time.Duration) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(data); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to send: %w", err)
	}
	if wait <= 0 {
		return nil, nil
	}

	var reply []byte
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(wait))
		// checked after setting the deadline so a cancel cannot be overwritten
		if ctx.Err() != nil {
			return reply, ctx.Err()
		}
		n, err := conn.Read(buf)
		reply = append(reply, buf[:n]...)
		if err != nil {
			if ctx.Err() != nil {
				return reply, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				return reply, nil
			}
			return reply, fmt.Errorf("failed to read reply: %w", err)
		}
	}
}

// IsServing reports whether a server is accepting on the Unix socket at path:
// the file exists, is a socket, and a dial succeeds.
func IsServing(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Mode()&os.ModeSocket == 0 {
		return false
	}

	conn, err := net.DialTimeout("unix", path, DetectionTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
