/*
Package transport executes single HTTP calls against a remote volume or
key-value service with bearer-token credentials, classifying failures into
unauthorized (refresh credentials and retry), transient (wait and retry),
and fatal outcomes.  It has no knowledge of mesh or annotation semantics.
*/
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/janelia-flyem/meshpull/meshpull"
)

const (
	// DefaultTimeout is the per-request timeout for the underlying HTTP client.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTransient bounds retries of gateway timeouts per call.
	DefaultMaxTransient = 3

	// DefaultBackoff is the wait before the first transient retry, doubling
	// on each subsequent retry.
	DefaultBackoff = 500 * time.Millisecond
)

// Call describes one request to the remote service.
type Call struct {
	Method  string
	URL     string
	Payload []byte
}

// Client issues credentialed calls with retry on authorization and
// gateway-timeout failures.  A single Client may be shared by concurrent
// callers.
type Client struct {
	// HTTPClient is the underlying client.  NewClient installs one with a
	// cookie jar so that calls made without a bearer token still carry any
	// ambient session cookies.
	HTTPClient *http.Client

	// Creds supplies the bearer token.  May be nil, in which case calls are
	// made with cookies only and 401/403 responses are fatal.
	Creds CredentialSource

	// MaxTransient bounds the number of retries after 504 responses.
	MaxTransient int

	// Backoff is the wait before the first transient retry; it doubles on
	// each subsequent one.
	Backoff time.Duration
}

// NewClient returns a Client with default timeout and retry settings.
func NewClient(creds CredentialSource) *Client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		meshpull.Errorf("unable to create cookie jar, proceeding without: %v\n", err)
	}
	return &Client{
		HTTPClient:   &http.Client{Timeout: DefaultTimeout, Jar: jar},
		Creds:        creds,
		MaxTransient: DefaultMaxTransient,
		Backoff:      DefaultBackoff,
	}
}

// Do executes the call, refreshing credentials on 401/403 and backing off
// then retrying on 504.  Any other non-2xx status is returned immediately
// as a *StatusError.  Cancellation of ctx at any wait point returns the
// context's error untouched.
func (c *Client) Do(ctx context.Context, call Call) ([]byte, error) {
	var transient int
	for {
		data, authed, err := c.attempt(ctx, call)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var serr *StatusError
		if !errors.As(err, &serr) {
			return nil, err
		}
		switch serr.Kind() {
		case Unauthorized:
			if c.Creds == nil {
				return nil, err
			}
			if !authed {
				// No token went out on this attempt (empty token, or an
				// insecure scheme that withholds it), so a refreshed token
				// cannot change the outcome.
				meshpull.Warningf("got %d from %s but no credential was attached; not retrying\n", serr.Code, call.URL)
				return nil, err
			}
			// Refresh is the progress guarantee: the provider blocks until a
			// new token is available or reports that it cannot get one.
			if _, rerr := c.Creds.Refresh(ctx); rerr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("credential refresh after %d response from %s: %v", serr.Code, call.URL, rerr)
			}
			meshpull.Debugf("refreshed credentials after %d from %s, retrying\n", serr.Code, call.URL)

		case Transient:
			transient++
			if transient > c.MaxTransient {
				return nil, fmt.Errorf("giving up on %s after %d gateway timeouts: %w", call.URL, transient, serr)
			}
			wait := c.Backoff << (transient - 1)
			meshpull.Debugf("gateway timeout %d/%d from %s, retrying in %s\n", transient, c.MaxTransient, call.URL, wait)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}

		default:
			return nil, err
		}
	}
}

// attempt runs a single request/response cycle.  authed reports whether a
// bearer token went out with the request.
func (c *Client) attempt(ctx context.Context, call Call) (data []byte, authed bool, err error) {
	var body io.Reader
	if len(call.Payload) > 0 {
		body = bytes.NewReader(call.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return nil, false, err
	}
	authed, err = c.authorize(ctx, req)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, authed, ctx.Err()
		}
		return nil, authed, err
	}
	defer resp.Body.Close()
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, authed, ctx.Err()
		}
		return nil, authed, fmt.Errorf("reading response from %s: %v", call.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, authed, &StatusError{Code: resp.StatusCode, URL: call.URL}
	}
	return data, authed, nil
}

// authorize attaches a bearer token if the target is secure and a non-empty
// token is held.  Otherwise the request goes out with only the client's
// ambient cookies; the two modes are mutually exclusive per attempt.
func (c *Client) authorize(ctx context.Context, req *http.Request) (bool, error) {
	if c.Creds == nil || req.URL.Scheme != "https" {
		return false, nil
	}
	token, err := c.Creds.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("unable to get credential for %s: %v", req.URL, err)
	}
	if token == "" {
		return false, nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return true, nil
}
