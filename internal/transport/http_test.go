package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/lua-include/internal/transport"
)

// newTestServer creates a test server with keep-alives disabled so closing it
// does not disturb other tests sharing the default transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func TestFetch_Success(t *testing.T) {
	t.Parallel()

	var userAgent, accept string
	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		_, _ = w.Write([]byte("x = 1"))
	}))
	defer srv.Close()

	tr, err := transport.New(nil)
	require.NoError(t, err)

	res, err := tr.Fetch(context.Background(), srv.URL+"/x.lua")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "x = 1", res.Body)
	assert.Equal(t, srv.URL+"/x.lua", res.URL)
	assert.Equal(t, "lua-include/"+transport.Version, userAgent)
	assert.Contains(t, accept, "text/x-lua")
}

func TestFetch_NotModifiedIsSuccess(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	tr, err := transport.New(srv.Client())
	require.NoError(t, err)

	res, err := tr.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, res.StatusCode)
}

func TestFetch_HTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
	}{
		{name: "404 Not Found", statusCode: http.StatusNotFound},
		{name: "500 Internal Server Error", statusCode: http.StatusInternalServerError},
		{name: "204 No Content", statusCode: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			tr, err := transport.New(srv.Client())
			require.NoError(t, err)

			_, err = tr.Fetch(context.Background(), srv.URL)
			var nf *transport.NetworkFailure
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, tt.statusCode, nf.StatusCode)
			assert.Contains(t, err.Error(), "HTTP")
		})
	}
}

func TestFetch_ConnectionError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := transport.New(nil)
	require.NoError(t, err)

	_, err = tr.Fetch(context.Background(), url)
	var nf *transport.NetworkFailure
	require.ErrorAs(t, err, &nf)
	assert.Error(t, nf.Err)
	assert.Zero(t, nf.StatusCode)
}

func TestNewFromFactory_Unavailable(t *testing.T) {
	t.Parallel()

	_, err := transport.NewFromFactory(func() *http.Client { return nil })
	var tue *transport.TransportUnavailableError
	require.ErrorAs(t, err, &tue)

	_, err = transport.NewFromFactory(nil)
	require.ErrorAs(t, err, &tue)
}

func TestFetchAsync_DeliversThroughPoster(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("return 42"))
	}))
	defer srv.Close()

	var posted atomic.Int32
	queue := make(chan func(), 1)
	tr, err := transport.New(srv.Client(), transport.WithPoster(func(fn func()) {
		posted.Add(1)
		queue <- fn
	}))
	require.NoError(t, err)

	done := make(chan transport.Result, 1)
	err = tr.FetchAsync(context.Background(), srv.URL, func(res transport.Result, err error) {
		assert.NoError(t, err)
		done <- res
	})
	require.NoError(t, err)

	select {
	case fn := <-queue:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("completion was never posted")
	}

	res := <-done
	assert.Equal(t, "return 42", res.Body)
	assert.Equal(t, int32(1), posted.Load())
}

func TestFetchAsync_ReportsFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr, err := transport.New(srv.Client())
	require.NoError(t, err)

	errs := make(chan error, 1)
	require.NoError(t, tr.FetchAsync(context.Background(), srv.URL, func(_ transport.Result, err error) {
		errs <- err
	}))

	select {
	case err := <-errs:
		var nf *transport.NetworkFailure
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, http.StatusNotFound, nf.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("continuation not invoked")
	}
}

func TestFetchAsync_SilentStall(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logged := make(chan string, 1)
	tr, err := transport.New(srv.Client(),
		transport.WithReportAsyncFailures(false),
		transport.WithLogger(func(level int, format string, _ ...any) {
			if level == 1 {
				logged <- format
			}
		}))
	require.NoError(t, err)

	var called atomic.Bool
	require.NoError(t, tr.FetchAsync(context.Background(), srv.URL, func(transport.Result, error) {
		called.Store(true)
	}))

	select {
	case <-logged:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled fetch was not logged")
	}
	assert.False(t, called.Load(), "continuation must not run for a stalled fetch")
}

func TestFetchAsync_NilContinuation(t *testing.T) {
	t.Parallel()

	tr, err := transport.New(nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(tr.FetchAsync(context.Background(), "http://127.0.0.1/", nil), transport.ErrNilContinuation))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := transport.ParseMode("async")
	require.NoError(t, err)
	assert.Equal(t, transport.Asynchronous, m)

	m, err = transport.ParseMode("sync")
	require.NoError(t, err)
	assert.Equal(t, transport.Synchronous, m)
	assert.Equal(t, "sync", m.String())

	_, err = transport.ParseMode("later")
	assert.Error(t, err)
}
