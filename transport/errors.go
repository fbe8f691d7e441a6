package transport

import (
	"fmt"
	"net/http"
)

// Kind classifies a failed response by what the caller should do about it.
type Kind int

const (
	// Fatal statuses are propagated immediately with no retry.
	Fatal Kind = iota

	// Unauthorized statuses trigger a credential refresh before retry.
	Unauthorized

	// Transient statuses are retried after a backoff wait, no refresh.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Transient:
		return "transient"
	}
	return "fatal"
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d %s (%s)", e.Code, http.StatusText(e.Code), e.URL)
}

// Kind returns the retry classification for this status.
func (e *StatusError) Kind() Kind {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized
	case http.StatusGatewayTimeout:
		return Transient
	}
	return Fatal
}
