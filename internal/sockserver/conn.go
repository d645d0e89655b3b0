package sockserver

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// serveConn runs in the connection's goroutine and owns conn until it returns.
func (s *Server) serveConn(conn net.Conn, addr net.Addr) {
	if s.onConnect != nil {
		defer conn.Close()
		s.invoke("on_connect", addr, func() {
			s.onConnect(s.ctx, conn, addr)
		})
		return
	}
	s.receive(conn, addr)
}

// receive reads chunks until the peer disconnects or the connection fails, then
// reports the disconnect once every chunk of this connection has been handled.
func (s *Server) receive(conn net.Conn, addr net.Addr) {
	var inflight sync.WaitGroup
	buf := make([]byte, s.chunkSize)

	for {
		if s.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 && s.onRecv != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.dispatch(&inflight, conn, addr, data)
		}
		if err != nil {
			if isDisconnect(err) {
				s.log.Debug("Client %s disconnected: %v", addr, err)
			} else {
				s.log.Warn("Read from %s failed: %v", addr, err)
			}
			break
		}
	}

	conn.Close()
	inflight.Wait()
	s.invoke("on_disconnect", addr, func() {
		s.onDisconnect(conn, addr)
	})
}

func (s *Server) dispatch(inflight *sync.WaitGroup, conn net.Conn, addr net.Addr, data []byte) {
	call := func() {
		s.invoke("on_recv", addr, func() {
			s.onRecv(conn, addr, data)
		})
	}

	if s.pool == nil {
		call()
		return
	}
	inflight.Add(1)
	s.pool.submit(func() {
		defer inflight.Done()
		call()
	})
}

// invoke runs a user callback; a panic ends only the callback, not the server.
func (s *Server) invoke(name string, addr net.Addr, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("%s callback for %s panicked: %v", name, addr, r)
		}
	}()
	fn()
}

// isDisconnect reports whether err is an ordinary end of a connection rather
// than an unexpected failure.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
