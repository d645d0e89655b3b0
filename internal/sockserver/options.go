package sockserver

import (
	"os"
	"time"

	"github.com/zerolethanh/sysutil/internal/logger"
)

// Option is a functional server option.
type Option func(*Server)

// WithOnConnect hands every accepted connection to fn instead of the built-in
// receive loop. OnRecv is ignored and OnDisconnect is not called when it is set.
func WithOnConnect(fn ConnectFunc) Option {
	return func(s *Server) {
		s.onConnect = fn
	}
}

// WithOnRecv sets the callback invoked for each chunk read by the receive loop.
func WithOnRecv(fn RecvFunc) Option {
	return func(s *Server) {
		s.onRecv = fn
	}
}

// WithChunkSize sets the read buffer size of the receive loop.
func WithChunkSize(n int) Option {
	return func(s *Server) {
		s.chunkSize = n
	}
}

// WithWorkers runs OnRecv on a fixed pool of n goroutines. Chunks of one
// connection may then be handled out of order. With n <= 0 (the default) OnRecv
// runs in the connection goroutine, in read order.
func WithWorkers(n int) Option {
	return func(s *Server) {
		s.workers = n
	}
}

// WithMaxConns bounds the number of connections served at once. Accepting pauses
// while the limit is reached.
func WithMaxConns(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

// WithReadTimeout closes connections that stay idle longer than d.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}

// WithLogger sets the logger for server events.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithSocketMode sets permissions on the Unix socket file after binding.
func WithSocketMode(mode os.FileMode) Option {
	return func(s *Server) {
		s.socketMode = mode
	}
}

// WithSocketWatch stops a Unix socket server when its socket file is removed or
// renamed by someone else, since clients can no longer reach it.
func WithSocketWatch() Option {
	return func(s *Server) {
		s.watchSocket = true
	}
}
