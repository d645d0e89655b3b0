// Package sockserver is a small callback-driven stream socket server for TCP and
// Unix domain sockets.
//
// A Server owns one listener. Each accepted connection is served by its own
// goroutine which either hands the connection to the OnConnect callback, or runs
// the built-in receive loop: read up to ChunkSize bytes, deliver them to OnRecv,
// and call OnDisconnect exactly once when the peer goes away. No framing is
// applied; chunks are delivered as the kernel returns them.
//
// Stop closes the listener and every live connection and then waits for all
// connection goroutines and pool workers to finish. Callbacks must not call Stop
// or Shutdown on their own server.
package sockserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/zerolethanh/sysutil/internal/logger"
)

// DefaultChunkSize is the largest chunk handed to OnRecv in one call.
const DefaultChunkSize = 1024

var (
	// ErrNoDisconnect is returned when a server is built without a disconnect callback.
	ErrNoDisconnect = errors.New("sockserver: on_disconnect callback is required")
	// ErrNoHandler is returned when neither OnConnect nor OnRecv is configured.
	ErrNoHandler = errors.New("sockserver: one of on_connect or on_recv is required")
	// ErrInvalidPort is returned for ports outside 0-65535.
	ErrInvalidPort = errors.New("sockserver: port out of range")
	// ErrServerClosed is returned by Start once the server has been stopped.
	ErrServerClosed = errors.New("sockserver: server closed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("sockserver: server already started")
)

// ConnectFunc takes ownership of a connection. The server closes conn when it returns.
type ConnectFunc func(ctx context.Context, conn net.Conn, addr net.Addr)

// RecvFunc receives one chunk read from conn. data is owned by the callee.
type RecvFunc func(conn net.Conn, addr net.Addr, data []byte)

// DisconnectFunc is called once the receive loop for conn has ended.
type DisconnectFunc func(conn net.Conn, addr net.Addr)

// Server is a stream socket server bound at construction time.
type Server struct {
	network  string
	address  string
	listener net.Listener

	onConnect    ConnectFunc
	onRecv       RecvFunc
	onDisconnect DisconnectFunc

	chunkSize   int
	workers     int
	maxConns    int
	readTimeout time.Duration
	socketMode  os.FileMode
	watchSocket bool
	log         *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	alive   atomic.Bool
	started atomic.Bool
	stopped atomic.Bool

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	watcher *fsnotify.Watcher

	group      errgroup.Group
	pool       *workerPool
	acceptDone chan struct{}

	listenerOnce sync.Once
	listenerErr  error
	stopOnce     sync.Once
}

// New validates the callbacks and binds a TCP listener on host:port with
// SO_REUSEADDR set. Port 0 picks a free port; see Addr.
func New(onDisconnect DisconnectFunc, host string, port int, opts ...Option) (*Server, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	s, err := newServer("tcp", net.JoinHostPort(host, strconv.Itoa(port)), onDisconnect, opts)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", s.address)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = ln
	return s, nil
}

// NewUnix validates the callbacks and binds a Unix stream socket at path. Any
// existing non-directory file at path is removed first.
func NewUnix(onDisconnect DisconnectFunc, path string, opts ...Option) (*Server, error) {
	if path == "" {
		return nil, fmt.Errorf("sockserver: socket path is empty")
	}

	s, err := newServer("unix", path, onDisconnect, opts)
	if err != nil {
		return nil, err
	}

	if err := prepareSocketPath(path); err != nil {
		s.release()
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "unix", path)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("failed to listen on Unix socket %s: %w", path, err)
	}
	s.listener = ln

	if s.socketMode != 0 {
		if err := os.Chmod(path, s.socketMode); err != nil {
			s.log.Warn("Failed to set socket permissions on %s: %v", path, err)
		}
	}
	return s, nil
}

// newServer applies options and checks the callback contract shared by both
// constructors. It does not bind anything.
func newServer(network, address string, onDisconnect DisconnectFunc, opts []Option) (*Server, error) {
	s := &Server{
		network:      network,
		address:      address,
		onDisconnect: onDisconnect,
		chunkSize:    DefaultChunkSize,
		conns:        make(map[net.Conn]struct{}),
		acceptDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.onDisconnect == nil {
		return nil, ErrNoDisconnect
	}
	if s.onConnect == nil && s.onRecv == nil {
		return nil, ErrNoHandler
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.log == nil {
		s.log = logger.Global().WithPrefix("sockserver")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.workers > 0 {
		s.pool = newWorkerPool(s.workers)
	}
	return s, nil
}

func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to stat socket path %s: %w", path, err)
	case info.IsDir():
		return fmt.Errorf("sockserver: socket path %s is a directory", path)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}
	return nil
}

// release frees what newServer allocated when binding fails.
func (s *Server) release() {
	s.cancel()
	s.pool.close()
}

// Start marks the server alive and accepts connections until Stop is called or
// ctx is cancelled, in which case it returns nil. When ctx ends, Start stops the
// server and returns only after every connection has been joined.
func (s *Server) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.stopped.Load() {
		close(s.acceptDone)
		return ErrServerClosed
	}

	if s.maxConns > 0 {
		s.group.SetLimit(s.maxConns)
	}
	if s.watchSocket && s.network == "unix" {
		if err := s.startWatch(); err != nil {
			s.log.Warn("Socket watch disabled for %s: %v", s.address, err)
		}
	}

	s.alive.Store(true)
	if s.stopped.Load() {
		// Stop ran after the checks above and may have cleared alive first
		s.alive.Store(false)
	}
	s.log.Info("Listening on %s %s", s.network, s.listener.Addr())

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.closeListener()
		case <-ctxDone:
		}
	}()

	err := s.acceptLoop(ctx)
	close(ctxDone)
	close(s.acceptDone)

	if ctx.Err() != nil {
		return s.Stop()
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	var tempDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = nextDelay(tempDelay)
				s.log.Warn("Accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			s.log.Error("Accept error on %s: %v", s.address, err)
			return err
		}
		tempDelay = 0

		if !s.trackConn(conn) {
			conn.Close()
			return nil
		}

		addr := conn.RemoteAddr()
		s.log.Debug("Accepted connection from %s", addr)
		s.group.Go(func() error {
			defer s.untrackConn(conn)
			s.serveConn(conn, addr)
			return nil
		})
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Stop marks the server dead, closes the listener and all live connections, and
// waits for connection goroutines and pool workers to exit. It is safe to call
// more than once and from any goroutine other than a callback of this server.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.alive.Store(false)

		err = s.closeListener()
		s.cancel()

		// Connections are closed before joining the accept loop, which may be
		// parked in group.Go waiting for a free slot under WithMaxConns.
		s.closeConns()
		if s.started.Load() {
			<-s.acceptDone
		}
		s.group.Wait()
		s.pool.close()
		s.stopWatch()

		s.log.Info("Stopped %s server on %s", s.network, s.address)
	})
	return err
}

// Shutdown closes the listener and waits for connected clients to finish on
// their own. When ctx ends first, the remaining connections are closed and
// ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.alive.Store(false)
	s.stopped.Store(true)
	s.closeListener()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for s.ConnCount() > 0 {
		select {
		case <-ctx.Done():
			s.log.Warn("Shutdown deadline reached with %d open connections", s.ConnCount())
			s.Stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return s.Stop()
}

func (s *Server) closeListener() error {
	s.listenerOnce.Do(func() {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.listenerErr = err
		}
	})
	return s.listenerErr
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.stopped.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if len(s.conns) > 0 {
		s.log.Info("Closing %d active connections", len(s.conns))
	}
	for conn := range s.conns {
		conn.Close()
	}
}

// Addr returns the bound address. For port 0 it carries the chosen port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Network returns "tcp" or "unix".
func (s *Server) Network() string {
	return s.network
}

// IsAlive reports whether Start is accepting and Stop has not been called.
func (s *Server) IsAlive() bool {
	return s.alive.Load()
}

// ConnCount returns the number of connections currently being served.
func (s *Server) ConnCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}
