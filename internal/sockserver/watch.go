package sockserver

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// startWatch watches the socket's directory; removing or renaming the socket
// file stops the server.
func (s *Server) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.address)); err != nil {
		w.Close()
		return err
	}

	s.connMu.Lock()
	s.watcher = w
	s.connMu.Unlock()

	target := filepath.Clean(s.address)
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Remove|fsnotify.Rename) {
					continue
				}
				if !s.IsAlive() {
					return
				}
				s.log.Warn("Socket file %s was removed, stopping server", s.address)
				// Stop closes this watcher, so it cannot run on this goroutine.
				go s.Stop()
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Error("Socket watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (s *Server) stopWatch() {
	s.connMu.Lock()
	w := s.watcher
	s.watcher = nil
	s.connMu.Unlock()

	if w != nil {
		w.Close()
	}
}
