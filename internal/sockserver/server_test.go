package sockserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerolethanh/sysutil/internal/logger"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// recorder collects callback invocations.
type recorder struct {
	mu          sync.Mutex
	chunks      [][]byte
	disconnects []net.Addr
	recvAtClose []int
}

func (r *recorder) onRecv(conn net.Conn, addr net.Addr, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, data)
}

func (r *recorder) onDisconnect(conn net.Conn, addr net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, addr)
	r.recvAtClose = append(r.recvAtClose, r.receivedLocked())
}

func (r *recorder) receivedLocked() int {
	n := 0
	for _, c := range r.chunks {
		n += len(c)
	}
	return n
}

func (r *recorder) joined() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Join(r.chunks, nil)
}

func (r *recorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func quietLogger() *logger.Logger {
	return logger.New(logger.LevelNone, nil, "")
}

// run starts s in the background and stops it at cleanup, checking Start's result.
func run(t *testing.T, s *Server) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(context.Background())
	}()
	require.Eventually(t, s.IsAlive, waitFor, tick)

	t.Cleanup(func() {
		require.NoError(t, s.Stop())
		select {
		case err, ok := <-errCh:
			if ok {
				assert.NoError(t, err)
			}
		case <-time.After(waitFor):
			t.Error("Start did not return after Stop")
		}
	})
	return errCh
}

func shortSocketPath(t *testing.T) string {
	t.Helper()
	// t.TempDir can exceed the sun_path limit on macOS.
	dir, err := os.MkdirTemp("", "ss")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func TestNewValidatesCallbacks(t *testing.T) {
	noop := func(net.Conn, net.Addr) {}
	recv := func(net.Conn, net.Addr, []byte) {}

	for _, host := range []string{"127.0.0.1", "localhost"} {
		_, err := New(noop, host, 0)
		assert.ErrorIs(t, err, ErrNoHandler, host)

		_, err = New(nil, host, 0, WithOnRecv(recv))
		assert.ErrorIs(t, err, ErrNoDisconnect, host)
	}

	_, err := New(noop, "127.0.0.1", 70000, WithOnRecv(recv))
	assert.ErrorIs(t, err, ErrInvalidPort)
	_, err = New(noop, "127.0.0.1", -1, WithOnRecv(recv))
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = NewUnix(noop, shortSocketPath(t))
	assert.ErrorIs(t, err, ErrNoHandler)
	_, err = NewUnix(noop, "", WithOnRecv(recv))
	assert.Error(t, err)
}

func TestRecvThenDisconnect(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0, WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, "tcp", s.Network())
	run(t, s)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return string(rec.joined()) == "ping" }, waitFor, tick)
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.disconnectCount())

	rec.mu.Lock()
	assert.Equal(t, client.LocalAddr().String(), rec.disconnects[0].String())
	rec.mu.Unlock()
	assert.Eventually(t, func() bool { return s.ConnCount() == 0 }, waitFor, tick)
}

func TestChunksArriveInOrderWithoutWorkers(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0,
		WithOnRecv(rec.onRecv), WithChunkSize(4), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	_, err = client.Write(payload)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, waitFor, tick)
	assert.Equal(t, payload, rec.joined())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, c := range rec.chunks {
		assert.LessOrEqual(t, len(c), 4)
	}
}

func TestWorkersHandleEveryChunkBeforeDisconnect(t *testing.T) {
	rec := &recorder{}
	slowRecv := func(conn net.Conn, addr net.Addr, data []byte) {
		time.Sleep(time.Millisecond)
		rec.onRecv(conn, addr, data)
	}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0,
		WithOnRecv(slowRecv), WithWorkers(4), WithChunkSize(16), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("0123456789"), 100)
	_, err = client.Write(payload)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, waitFor, tick)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, len(payload), rec.recvAtClose[0], "disconnect reported before all chunks were handled")
}

func TestOnConnectOwnsConnection(t *testing.T) {
	rec := &recorder{}
	onConnect := func(ctx context.Context, conn net.Conn, addr net.Addr) {
		conn.Write([]byte("hello"))
	}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0,
		WithOnConnect(onConnect), WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(waitFor))
	got, err := io.ReadAll(client)
	require.NoError(t, err, "server closes the connection when on_connect returns")
	assert.Equal(t, "hello", string(got))

	assert.Equal(t, 0, rec.disconnectCount())
	assert.Empty(t, rec.joined())
}

func TestStopRefusesNewConnections(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0, WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)
	addr := s.Addr().String()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()
	require.Eventually(t, s.IsAlive, waitFor, tick)

	idle, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer idle.Close()
	require.Eventually(t, func() bool { return s.ConnCount() == 1 }, waitFor, tick)

	require.NoError(t, s.Stop())
	// Stop joins connection goroutines, so the disconnect has already been reported.
	assert.Equal(t, 1, rec.disconnectCount())
	assert.False(t, s.IsAlive())
	require.NoError(t, <-errCh)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)

	assert.ErrorIs(t, s.Start(context.Background()), ErrServerClosed)
	require.NoError(t, s.Stop(), "second Stop is a no-op")
}

func TestStartTwice(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0, WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopWithoutStart(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0,
		WithOnRecv(rec.onRecv), WithWorkers(2), WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrServerClosed)
}

func TestContextCancelStopsServer(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0, WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()
	require.Eventually(t, s.IsAlive, waitFor, tick)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return s.ConnCount() == 1 }, waitFor, tick)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Start did not return after cancel")
	}
	assert.Equal(t, 1, rec.disconnectCount())
}

func TestPanickingCallbackDoesNotStopServer(t *testing.T) {
	rec := &recorder{}
	onRecv := func(conn net.Conn, addr net.Addr, data []byte) {
		if string(data) == "boom" {
			panic("boom")
		}
		rec.onRecv(conn, addr, data)
	}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0, WithOnRecv(onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	bad, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	_, err = bad.Write([]byte("boom"))
	require.NoError(t, err)
	bad.Close()
	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, waitFor, tick)

	good, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer good.Close()
	_, err = good.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return string(rec.joined()) == "ok" }, waitFor, tick)
}

func TestReadTimeoutDisconnectsIdleClient(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0,
		WithOnRecv(rec.onRecv), WithReadTimeout(50*time.Millisecond), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	assert.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, waitFor, tick)
}

func TestShutdownWaitsForClients(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0, WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ConnCount() == 1 }, waitFor, tick)

	go func() {
		time.Sleep(50 * time.Millisecond)
		client.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 1, rec.disconnectCount())
}

func TestShutdownDeadlineClosesClients(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0, WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return s.ConnCount() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, rec.disconnectCount())
}

func TestMaxConnsDefersExtraClients(t *testing.T) {
	rec := &recorder{}
	s, err := New(rec.onDisconnect, "127.0.0.1", 0,
		WithOnRecv(rec.onRecv), WithMaxConns(1), WithLogger(quietLogger()))
	require.NoError(t, err)
	run(t, s)

	first, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	second, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	_, err = second.Write([]byte("queued"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.joined(), "second client served while the first holds the only slot")

	first.Close()
	assert.Eventually(t, func() bool { return string(rec.joined()) == "queued" }, waitFor, tick)
}

func TestUnixReplacesStaleFile(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))

	rec := &recorder{}
	s, err := NewUnix(rec.onDisconnect, path,
		WithOnRecv(rec.onRecv), WithSocketMode(0600), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, "unix", s.Network())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()
	require.Eventually(t, s.IsAlive, waitFor, tick)

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(rec.joined()) == "ping" }, waitFor, tick)
	client.Close()
	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, waitFor, tick)

	require.NoError(t, s.Stop())
	require.NoError(t, <-errCh)
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "socket file removed on Stop")
}

func TestUnixRefusesDirectory(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.Mkdir(path, 0755))

	rec := &recorder{}
	_, err := NewUnix(rec.onDisconnect, path, WithOnRecv(rec.onRecv), WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestSocketWatchStopsServer(t *testing.T) {
	path := shortSocketPath(t)
	rec := &recorder{}
	s, err := NewUnix(rec.onDisconnect, path,
		WithOnRecv(rec.onRecv), WithSocketWatch(), WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()
	require.Eventually(t, s.IsAlive, waitFor, tick)
	// give the watcher a moment to register before removing the file
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, os.Remove(path))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("server kept running after its socket file was removed")
	}
	assert.Eventually(t, func() bool { return !s.IsAlive() }, waitFor, tick)
}

func TestIsDisconnect(t *testing.T) {
	assert.True(t, isDisconnect(io.EOF))
	assert.True(t, isDisconnect(net.ErrClosed))
	assert.True(t, isDisconnect(&net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}))
	assert.True(t, isDisconnect(os.ErrDeadlineExceeded))
	assert.False(t, isDisconnect(errors.New("tls: bad record MAC")))
}

func TestStopCancelsOnConnectContext(t *testing.T) {
	entered := make(chan struct{})
	var ctxErr error
	onConnect := func(ctx context.Context, conn net.Conn, addr net.Addr) {
		close(entered)
		<-ctx.Done()
		ctxErr = ctx.Err()
	}
	s, err := New(func(net.Conn, net.Addr) {}, "127.0.0.1", 0,
		WithOnConnect(onConnect), WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()
	require.Eventually(t, s.IsAlive, waitFor, tick)

	client, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("on_connect was not called")
	}

	require.NoError(t, s.Stop())
	// Stop joins the callback, so its write is visible here.
	assert.ErrorIs(t, ctxErr, context.Canceled)
	require.NoError(t, <-errCh)
}

func TestConcurrentStartStopLeavesServerDead(t *testing.T) {
	recv := func(net.Conn, net.Addr, []byte) {}
	for i := 0; i < 100; i++ {
		s, err := New(func(net.Conn, net.Addr) {}, "127.0.0.1", 0,
			WithOnRecv(recv), WithLogger(quietLogger()))
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() { errCh <- s.Start(context.Background()) }()
		go s.Stop()

		select {
		case err := <-errCh:
			if err != nil {
				assert.ErrorIs(t, err, ErrServerClosed)
			}
		case <-time.After(waitFor):
			t.Fatal("Start did not return")
		}
		require.NoError(t, s.Stop())
		assert.False(t, s.IsAlive(), "iteration %d", i)
	}
}
