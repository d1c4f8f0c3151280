package console

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/lua-include/internal/config"
	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/registry"
)

// fakeLoader answers from a map of locator -> error.
type fakeLoader struct {
	mu      sync.Mutex
	errs    map[string]error
	calls   []string
	records []*registry.SourceRecord
}

func (f *fakeLoader) Include(_ context.Context, loc string) (bool, error) {
	return f.call("include " + loc)
}

func (f *fakeLoader) Reload(_ context.Context, loc string) (bool, error) {
	return f.call("reload " + loc)
}

func (f *fakeLoader) call(cmd string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	loc := cmd[strings.Index(cmd, " ")+1:]
	if err := f.errs[loc]; err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeLoader) Records(ctx context.Context) ([]*registry.SourceRecord, error) {
	return f.records, nil
}

func newTestEndpoint(t *testing.T, l Loader) (*Endpoint, *websocket.Conn) {
	t.Helper()
	e := NewEndpoint(config.DefaultConfig(), l)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return e, ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, cmd string) Reply {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(cmd)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))
	return reply
}

func TestConsoleInclude(t *testing.T) {
	fl := &fakeLoader{errs: map[string]error{}}
	_, ws := newTestEndpoint(t, fl)

	reply := roundTrip(t, ws, "include /scripts/widgets.lua")
	assert.True(t, reply.OK)
	assert.Equal(t, "include", reply.Op)
	assert.Equal(t, "widgets.lua", reply.Identifier)
	assert.Empty(t, reply.Error)

	reply = roundTrip(t, ws, "reload /scripts/widgets.lua")
	assert.True(t, reply.OK)
	assert.Equal(t, "reload", reply.Op)

	assert.Equal(t, []string{"include /scripts/widgets.lua", "reload /scripts/widgets.lua"}, fl.calls)
}

func TestConsoleReportsErrorKind(t *testing.T) {
	fl := &fakeLoader{errs: map[string]error{
		"http://evil/x.lua": &locator.CrossOriginError{Locator: "http://evil/x.lua"},
	}}
	_, ws := newTestEndpoint(t, fl)

	reply := roundTrip(t, ws, "include http://evil/x.lua")
	assert.False(t, reply.OK)
	assert.Equal(t, "CrossOriginError", reply.Kind)
	assert.Contains(t, reply.Error, "same origin")
}

func TestConsoleList(t *testing.T) {
	fl := &fakeLoader{records: []*registry.SourceRecord{
		registry.NewRecord("a.lua", "/a.lua", "a = 1"),
	}}
	_, ws := newTestEndpoint(t, fl)

	reply := roundTrip(t, ws, "list")
	assert.True(t, reply.OK)
	require.Len(t, reply.Records, 1)
	assert.Equal(t, locator.Identifier("a.lua"), reply.Records[0].Identifier)
	assert.Empty(t, reply.Records[0].Source, "source is not sent over the wire")
}

func TestConsoleUsageErrors(t *testing.T) {
	e := NewEndpoint(config.DefaultConfig(), &fakeLoader{})
	ctx := context.Background()

	tests := []string{"", "include", "reload a b", "frobnicate /x.lua"}
	for _, cmd := range tests {
		reply := e.Handle(ctx, cmd)
		assert.False(t, reply.OK, cmd)
		assert.Equal(t, "UsageError", reply.Kind, cmd)
	}
}

func TestConsoleBroadcastsChanges(t *testing.T) {
	e, ws := newTestEndpoint(t, &fakeLoader{})
	require.Eventually(t, func() bool { return e.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)

	e.NotifyChanged("lib/a.lua")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "changed", reply.Op)
	assert.Equal(t, "lib/a.lua", reply.Identifier)
}
