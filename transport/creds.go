package transport

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// CredentialSource supplies bearer tokens for calls to the remote service.
// Implementations must be safe for concurrent use; Refresh must coalesce
// concurrent callers so a burst of 401s from in-flight requests produces a
// single refresh.
type CredentialSource interface {
	// Token returns the current token, which may be empty if the caller
	// should rely on ambient cookies instead.
	Token(ctx context.Context) (string, error)

	// Refresh obtains a new token after an authorization failure and
	// returns it.  An error means the provider cannot produce a usable
	// token and the call should fail.
	Refresh(ctx context.Context) (string, error)
}

// StaticSource is a fixed token, e.g. from a flag or environment variable.
// It cannot be refreshed, so a 401/403 with a static token is final.
type StaticSource string

// FromEnv returns a static source read from the named environment variable.
// The token may be empty, which selects cookie-based requests.
func FromEnv(name string) StaticSource {
	return StaticSource(os.Getenv(name))
}

func (s StaticSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

func (s StaticSource) Refresh(ctx context.Context) (string, error) {
	return "", fmt.Errorf("static credential rejected by server and cannot be refreshed")
}

// oauth2Source adapts an oauth2.TokenSource.  Token serves the cached token
// while valid; Refresh always mints a new one, with concurrent refreshes
// coalesced into a single round-trip to the token endpoint.
type oauth2Source struct {
	base oauth2.TokenSource

	mu  sync.Mutex
	tok *oauth2.Token

	group singleflight.Group
}

// NewOAuth2Source wraps a token source, typically built from a JWT config
// file.  The passed source should mint a fresh token on every Token() call
// (i.e. not be wrapped in oauth2.ReuseTokenSource); caching and refresh
// coalescing are handled here.
func NewOAuth2Source(ts oauth2.TokenSource) CredentialSource {
	return &oauth2Source{base: ts}
}

func (s *oauth2Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	tok := s.tok
	s.mu.Unlock()
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	return s.Refresh(ctx)
}

func (s *oauth2Source) Refresh(ctx context.Context) (string, error) {
	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		tok, err := s.base.Token()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tok = tok
		s.mu.Unlock()
		return tok.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}
