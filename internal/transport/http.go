package transport

import (
	"context"
	"net/http"
)

// Version is reported in the User-Agent header.
var Version = "0.1.0"

const acceptHeader = "text/x-lua, text/plain, */*"

// HTTPTransport is a Transport backed by net/http.
type HTTPTransport struct {
	client              *http.Client
	post                Poster
	reportAsyncFailures bool
	log                 func(level int, format string, args ...any)
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithPoster routes asynchronous completions through post.
// Without one, continuations run on the fetching goroutine.
func WithPoster(post Poster) Option {
	return func(t *HTTPTransport) {
		t.post = post
	}
}

// WithReportAsyncFailures controls whether asynchronous non-success completions
// reach the continuation as a NetworkFailure. When false they are only logged.
func WithReportAsyncFailures(report bool) Option {
	return func(t *HTTPTransport) {
		t.reportAsyncFailures = report
	}
}

// WithLogger sets the verbosity-levelled log function.
func WithLogger(log func(level int, format string, args ...any)) Option {
	return func(t *HTTPTransport) {
		t.log = log
	}
}

// New creates an HTTPTransport. A nil client uses http.DefaultClient.
func New(client *http.Client, opts ...Option) (*HTTPTransport, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return NewFromFactory(func() *http.Client { return client }, opts...)
}

// NewFromFactory creates an HTTPTransport from a client factory.
// A factory that yields no client means no transport can be used at all.
func NewFromFactory(factory func() *http.Client, opts ...Option) (*HTTPTransport, error) {
	if factory == nil {
		return nil, &TransportUnavailableError{Reason: "no client factory"}
	}
	client := factory()
	if client == nil {
		return nil, &TransportUnavailableError{Reason: "client factory returned nil"}
	}
	t := &HTTPTransport{
		client:              client,
		reportAsyncFailures: true,
		log:                 func(int, string, ...any) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Fetch performs a blocking GET. 200 and 304 are success; anything else is a NetworkFailure.
func (t *HTTPTransport) Fetch(ctx context.Context, url string) (Result, error) {
	res, err := t.do(ctx, url)
	if err != nil {
		return res, err
	}
	if !IsComplete(res.StatusCode) {
		return res, &NetworkFailure{URL: url, StatusCode: res.StatusCode}
	}
	return res, nil
}

// FetchAsync performs the GET on its own goroutine and returns immediately.
// Completed responses always reach then. Failures reach then only when
// failure reporting is enabled; otherwise the load stalls and is logged.
func (t *HTTPTransport) FetchAsync(ctx context.Context, url string, then Continuation) error {
	if then == nil {
		return ErrNilContinuation
	}
	go func() {
		res, err := t.Fetch(ctx, url)
		if err != nil && !t.reportAsyncFailures {
			t.log(1, "transport: async fetch of %s did not complete: %v", url, err)
			return
		}
		t.deliver(func() { then(res, err) })
	}()
	return nil
}

func (t *HTTPTransport) deliver(fn func()) {
	if t.post != nil {
		t.post(fn)
		return
	}
	fn()
}

func (t *HTTPTransport) do(ctx context.Context, url string) (Result, error) {
	res := Result{URL: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return res, &NetworkFailure{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", "lua-include/"+Version)
	req.Header.Set("Accept", acceptHeader)

	t.log(2, "transport: GET %s", url)
	resp, err := t.client.Do(req)
	if err != nil {
		return res, &NetworkFailure{URL: url, Err: err}
	}
	res.StatusCode = resp.StatusCode
	body, err := readBody(resp)
	if err != nil {
		return res, &NetworkFailure{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	res.Body = body
	t.log(3, "transport: %s -> %d (%d bytes)", url, res.StatusCode, len(body))
	return res, nil
}
