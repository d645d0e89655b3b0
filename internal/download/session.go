// Package download wraps an HTTP client that keeps cookies and default headers
// across requests and downloads files with progress reporting.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zerolethanh/sysutil/internal/logger"
)

// ProgressFunc receives the fraction of the body written so far, from 0 to 1.
// It is called on the downloading goroutine.
type ProgressFunc func(done float64)

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download: %s: %s", e.URL, e.Status)
}

// Config holds session settings.
type Config struct {
	Headers http.Header
	// Timeout bounds each request, body included. Zero means no limit.
	Timeout time.Duration
	// MaxRetryElapsed caps how long Download retries connection failures and
	// 5xx responses. Zero disables retries.
	MaxRetryElapsed time.Duration
	HTTPClient      *http.Client
}

// Session sends requests with shared cookies and default headers.
type Session struct {
	client  *http.Client
	headers http.Header
	retry   time.Duration
	log     *logger.Logger

	mu      sync.RWMutex
	cookies []*http.Cookie
}

// NewSession creates a session with its own cookie jar. A client passed in
// Config keeps its transport but gets the jar when it has none.
func NewSession(cfg Config) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if client.Jar == nil {
		client.Jar = jar
	}

	return &Session{
		client:  client,
		headers: cfg.Headers.Clone(),
		retry:   cfg.MaxRetryElapsed,
		log:     logger.Global().WithPrefix("download"),
	}, nil
}

// InjectCookie adds a cookie that is sent with every request of the session,
// whatever the host.
func (s *Session) InjectCookie(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.cookies {
		if c.Name == name {
			c.Value = value
			return
		}
	}
	s.cookies = append(s.cookies, &http.Cookie{Name: name, Value: value})
}

func (s *Session) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	s.mu.RLock()
	for _, c := range s.cookies {
		req.AddCookie(c)
	}
	s.mu.RUnlock()
	return req, nil
}

// Do sends method to url. The caller closes the response body.
func (s *Session) Do(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := s.newRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.client.Do(req)
}

func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	return s.Do(ctx, http.MethodGet, url, "", nil)
}

func (s *Session) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	return s.Do(ctx, http.MethodPost, url, contentType, body)
}

func (s *Session) Put(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	return s.Do(ctx, http.MethodPut, url, contentType, body)
}

// open issues the GET for Download, retrying while the server is unreachable or
// answers 5xx.
func (s *Session) open(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		r, err := s.Get(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			r.Body.Close()
			statusErr := &StatusError{URL: url, StatusCode: r.StatusCode, Status: r.Status}
			if r.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		resp = r
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.retry > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 100 * time.Millisecond
		eb.MaxElapsedTime = s.retry
		b = eb
	}
	notify := func(err error, d time.Duration) {
		s.log.Debug("Retrying %s in %v: %v", url, d, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// Download streams url into path and returns the number of bytes written.
// progress, when set, is called after every chunk while the length is known and
// always once with 1 on success. The body is written to a temporary file next
// to path and renamed into place, so a failed download leaves no partial file.
func (s *Session) Download(ctx context.Context, url, path string, progress ProgressFunc) (int64, error) {
	resp, err := s.open(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".part*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := &progressWriter{w: tmp, total: resp.ContentLength, progress: progress}
	n, err := io.CopyBuffer(w, resp.Body, make([]byte, 32*1024))
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("failed to download %s: %w", url, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("failed to download %s: %w", url, io.ErrUnexpectedEOF)
	}

	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("failed to move download into place: %w", err)
	}
	tmp = nil

	if progress != nil {
		progress(1)
	}
	s.log.Info("Downloaded %s to %s (%d bytes)", url, path, n)
	return n, nil
}

// progressWriter reports written/total after every write when total is known.
type progressWriter struct {
	w        io.Writer
	total    int64
	written  int64
	progress ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.progress != nil && p.total > 0 {
		p.progress(float64(p.written) / float64(p.total))
	}
	return n, err
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
