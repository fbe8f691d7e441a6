package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingSource is a refreshable credential for tests.
type countingSource struct {
	mu        sync.Mutex
	token     string
	refreshed int
	fail      bool
}

func (s *countingSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *countingSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed++
	if s.fail {
		return "", fmt.Errorf("refresh denied")
	}
	s.token = fmt.Sprintf("fresh-%d", s.refreshed)
	return s.token, nil
}

func (s *countingSource) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshed
}

func TestUnauthorizedRefreshRetry(t *testing.T) {
	var requests int32
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Header.Get("Authorization") != "Bearer fresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer ts.Close()

	src := &countingSource{token: "stale"}
	c := NewClient(src)
	c.HTTPClient = ts.Client()

	data, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL})
	if err != nil {
		t.Fatalf("error on call with refreshable credential: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("got body %q, expected %q", data, "payload")
	}
	if src.refreshCount() != 1 {
		t.Errorf("got %d refreshes, expected exactly 1", src.refreshCount())
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("got %d requests, expected 2", n)
	}
}

func TestRefreshFailureIsFatal(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	src := &countingSource{token: "stale", fail: true}
	c := NewClient(src)
	c.HTTPClient = ts.Client()

	if _, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL}); err == nil {
		t.Fatalf("expected error when refresh fails, got none")
	}
	if src.refreshCount() != 1 {
		t.Errorf("got %d refreshes, expected exactly 1", src.refreshCount())
	}
}

func TestTransientRetryWithoutRefresh(t *testing.T) {
	var requests int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.Write([]byte("late but fine"))
	}))
	defer ts.Close()

	src := &countingSource{token: "unused"}
	c := NewClient(src)
	c.Backoff = time.Millisecond

	data, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL})
	if err != nil {
		t.Fatalf("error on call with one gateway timeout: %v", err)
	}
	if string(data) != "late but fine" {
		t.Errorf("got body %q, expected %q", data, "late but fine")
	}
	if src.refreshCount() != 0 {
		t.Errorf("got %d refreshes on 504s, expected none", src.refreshCount())
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("got %d requests, expected 2", n)
	}
}

func TestTransientRetryBounded(t *testing.T) {
	var requests int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer ts.Close()

	c := NewClient(nil)
	c.Backoff = time.Millisecond
	c.MaxTransient = 2

	_, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL})
	if err == nil {
		t.Fatalf("expected error after repeated gateway timeouts, got none")
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected wrapped 504 StatusError, got %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Errorf("got %d requests with MaxTransient=2, expected 3", n)
	}
}

func TestFatalNoRetry(t *testing.T) {
	var requests int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	src := &countingSource{token: "unused"}
	c := NewClient(src)

	_, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL})
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if serr.Code != http.StatusNotFound || serr.Kind() != Fatal {
		t.Errorf("got %d/%s, expected 404/fatal", serr.Code, serr.Kind())
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("got %d requests for fatal status, expected 1", n)
	}
	if src.refreshCount() != 0 {
		t.Errorf("got %d refreshes for fatal status, expected none", src.refreshCount())
	}
}

func TestCancellationDistinctFromFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := NewClient(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Call{Method: http.MethodGet, URL: ts.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestCancellationDuringBackoff(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer ts.Close()

	c := NewClient(nil)
	c.Backoff = time.Hour // cancellation must interrupt the wait

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Do(ctx, Call{Method: http.MethodGet, URL: ts.URL})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled during backoff, got %v", err)
	}
}

func TestUnauthorizedWithoutAttachedTokenIsFatal(t *testing.T) {
	// Over plain http the token is withheld, so a 401 can never be cured
	// by refreshing; the client must not loop refresh/retry.
	var requests int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	src := &countingSource{token: "secret"}
	c := NewClient(src)

	_, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL})
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("got %d requests for tokenless 401, expected 1", n)
	}
	if src.refreshCount() != 0 {
		t.Errorf("got %d refreshes for tokenless 401, expected none", src.refreshCount())
	}
}

func TestEmptyTokenUsesNoAuthHeader(t *testing.T) {
	var sawAuth int32
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			atomic.StoreInt32(&sawAuth, 1)
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := NewClient(StaticSource(""))
	c.HTTPClient = ts.Client()

	if _, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL}); err != nil {
		t.Fatalf("error on call with empty token: %v", err)
	}
	if atomic.LoadInt32(&sawAuth) != 0 {
		t.Errorf("empty credential must fall back to cookie mode, but Authorization header was sent")
	}
}

func TestInsecureSchemeGetsNoToken(t *testing.T) {
	var sawAuth int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			atomic.StoreInt32(&sawAuth, 1)
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := NewClient(StaticSource("super-secret"))
	if _, err := c.Do(context.Background(), Call{Method: http.MethodGet, URL: ts.URL}); err != nil {
		t.Fatalf("error on plain http call: %v", err)
	}
	if atomic.LoadInt32(&sawAuth) != 0 {
		t.Errorf("bearer token must not be sent over insecure scheme")
	}
}
