// Package transport performs the GET requests that bring script source into the loader.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Mode selects blocking or continuation-based fetching.
type Mode int

const (
	// Synchronous blocks the caller until the body is available.
	Synchronous Mode = iota
	// Asynchronous returns immediately and delivers the body to a continuation.
	Asynchronous
)

func (m Mode) String() string {
	switch m {
	case Synchronous:
		return "sync"
	case Asynchronous:
		return "async"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the config spelling of a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "sync", "synchronous", "":
		return Synchronous, nil
	case "async", "asynchronous":
		return Asynchronous, nil
	}
	return Synchronous, fmt.Errorf("unknown transport mode %q", s)
}

// Result is the outcome of one completed GET.
type Result struct {
	URL        string
	StatusCode int
	Body       string
}

// Continuation receives the completion of an asynchronous fetch.
type Continuation func(Result, error)

// Poster schedules fn on the caller's thread of control.
type Poster func(fn func())

// Transport fetches script source.
type Transport interface {
	// Fetch blocks until the response body has been read.
	Fetch(ctx context.Context, url string) (Result, error)
	// FetchAsync returns immediately. The continuation is invoked at most once.
	FetchAsync(ctx context.Context, url string, then Continuation) error
}

// TransportUnavailableError reports that no HTTP client could be constructed.
type TransportUnavailableError struct {
	Reason string
}

func (e *TransportUnavailableError) Error() string {
	if e.Reason == "" {
		return "no transport available"
	}
	return "no transport available: " + e.Reason
}

// NetworkFailure reports a connection error or a non-success status.
type NetworkFailure struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *NetworkFailure) Unwrap() error {
	return e.Err
}

// IsComplete reports whether status counts as a completed load.
func IsComplete(status int) bool {
	return status == http.StatusOK || status == http.StatusNotModified
}

// ErrNilContinuation is returned by FetchAsync when no continuation is given.
var ErrNilContinuation = errors.New("nil continuation")

// readBody reads the whole response body.
func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
