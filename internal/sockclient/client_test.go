package sockclient

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerolethanh/sysutil/internal/logger"
	"github.com/zerolethanh/sysutil/internal/sockserver"
)

func echoServer(t *testing.T, s *sockserver.Server) {
	t.Helper()
	go s.Start(context.Background())
	t.Cleanup(func() { s.Stop() })
}

func echo(conn net.Conn, addr net.Addr, data []byte) {
	conn.Write(data)
}

func noop(net.Conn, net.Addr) {}

func quiet() sockserver.Option {
	return sockserver.WithLogger(logger.New(logger.LevelNone, nil, ""))
}

func TestDialAndSend(t *testing.T) {
	s, err := sockserver.New(noop, "127.0.0.1", 0, sockserver.WithOnRecv(echo), quiet())
	require.NoError(t, err)
	echoServer(t, s)

	conn, err := Dial(context.Background(), "tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	reply, err := Send(context.Background(), conn, []byte("ping"), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
}

func TestDialRetriesUntilServerAppears(t *testing.T) {
	dir, err := os.MkdirTemp("", "sc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "s.sock")

	servers := make(chan *sockserver.Server, 1)
	go func() {
		defer close(servers)
		time.Sleep(100 * time.Millisecond)
		s, err := sockserver.NewUnix(noop, path, sockserver.WithOnRecv(echo), quiet())
		if err != nil {
			return
		}
		go s.Start(context.Background())
		servers <- s
	}()

	conn, err := Dial(context.Background(), "unix", path, WithMaxElapsed(3*time.Second))
	require.NoError(t, err)
	conn.Close()

	s, ok := <-servers
	require.True(t, ok)
	defer s.Stop()
	assert.True(t, IsServing(path))
}

func TestDialGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), "tcp", addr, WithMaxElapsed(100*time.Millisecond))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Dial(ctx, "tcp", addr)
	assert.Error(t, err)
}

func TestIsServing(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, IsServing(filepath.Join(dir, "missing.sock")))

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, nil, 0600))
	assert.False(t, IsServing(plain))
}

func TestSendStopsOnCancel(t *testing.T) {
	// accepts and reads but never answers or closes
	s, err := sockserver.New(noop, "127.0.0.1", 0,
		sockserver.WithOnRecv(func(net.Conn, net.Addr, []byte) {}), quiet())
	require.NoError(t, err)
	echoServer(t, s)

	conn, err := Dial(context.Background(), "tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Send(ctx, conn, []byte("ping"), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDialTimeoutBoundsEachAttempt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// 192.0.2.0/24 is reserved for documentation; connects there hang or fail fast
	start := time.Now()
	_, err := Dial(ctx, "tcp", "192.0.2.1:9", WithDialTimeout(50*time.Millisecond), WithMaxElapsed(300*time.Millisecond))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
