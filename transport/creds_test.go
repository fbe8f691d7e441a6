package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// mintingSource is a base oauth2.TokenSource that mints a new token per
// call, optionally blocking on a gate so tests can pile up callers.
type mintingSource struct {
	minted int32
	gate   chan struct{}
}

func (m *mintingSource) Token() (*oauth2.Token, error) {
	if m.gate != nil {
		<-m.gate
	}
	atomic.AddInt32(&m.minted, 1)
	return &oauth2.Token{AccessToken: "minted", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
}

func TestRefreshCoalescing(t *testing.T) {
	base := &mintingSource{gate: make(chan struct{})}
	src := NewOAuth2Source(base)

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if _, err := src.Refresh(context.Background()); err != nil {
				t.Errorf("refresh error: %v", err)
			}
		}()
	}

	// Give every caller time to join the in-flight refresh, then open the gate.
	time.Sleep(100 * time.Millisecond)
	close(base.gate)
	wg.Wait()

	if n := atomic.LoadInt32(&base.minted); n != 1 {
		t.Errorf("got %d token mints for %d concurrent refreshes, expected 1", n, callers)
	}
}

func TestTokenServedFromCache(t *testing.T) {
	base := &mintingSource{}
	src := NewOAuth2Source(base)

	first, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("error getting first token: %v", err)
	}
	second, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("error getting second token: %v", err)
	}
	if first != second {
		t.Errorf("got differing tokens %q / %q from cache", first, second)
	}
	if n := atomic.LoadInt32(&base.minted); n != 1 {
		t.Errorf("got %d token mints for two Token calls, expected 1", n)
	}
}

func TestStaticSourceCannotRefresh(t *testing.T) {
	src := StaticSource("fixed")
	tok, err := src.Token(context.Background())
	if err != nil || tok != "fixed" {
		t.Fatalf("got token %q (err %v), expected %q", tok, err, "fixed")
	}
	if _, err := src.Refresh(context.Background()); err == nil {
		t.Errorf("expected refresh of static credential to fail")
	}
}

func TestRefreshHonorsCancellation(t *testing.T) {
	base := &mintingSource{gate: make(chan struct{})} // never opened
	src := NewOAuth2Source(base)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := src.Refresh(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	close(base.gate)
}
