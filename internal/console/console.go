// Package console is a websocket endpoint for driving include and reload by hand.
//
// Each text frame is one command:
//
//	include <locator>
//	reload <locator>
//	list
//
// and each command gets one JSON reply.
package console

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zot/lua-include/internal/config"
	"github.com/zot/lua-include/internal/loader"
	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Loader is the part of *loader.Loader the console drives.
type Loader interface {
	Include(ctx context.Context, loc string) (bool, error)
	Reload(ctx context.Context, loc string) (bool, error)
	Records(ctx context.Context) ([]*registry.SourceRecord, error)
}

// Reply is the JSON answer to one command, or an unsolicited "changed" notice.
type Reply struct {
	OK         bool                     `json:"ok"`
	Op         string                   `json:"op"`
	Identifier string                   `json:"identifier,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Kind       string                   `json:"kind,omitempty"`
	Records    []*registry.SourceRecord `json:"records,omitempty"`
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) send(reply *Reply) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(reply)
}

// Endpoint handles console connections.
type Endpoint struct {
	config      *config.Config
	loader      Loader
	connections map[string]*conn
	mu          sync.RWMutex
}

// NewEndpoint creates a console backed by l.
func NewEndpoint(cfg *config.Config, l Loader) *Endpoint {
	return &Endpoint{
		config:      cfg,
		loader:      l,
		connections: make(map[string]*conn),
	}
}

// Log logs a message via the config.
func (e *Endpoint) Log(level int, format string, args ...any) {
	e.config.Log(level, format, args...)
}

// ServeHTTP upgrades the request and serves commands until the peer closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.config.Error("console: websocket upgrade failed: %v", err)
		return
	}
	id := generateConnectionID()
	c := &conn{ws: ws}

	e.mu.Lock()
	e.connections[id] = c
	e.mu.Unlock()
	e.Log(1, "console: connected %s", id)

	go e.readPump(r.Context(), id, c)
}

func (e *Endpoint) readPump(ctx context.Context, id string, c *conn) {
	defer func() {
		e.mu.Lock()
		delete(e.connections, id)
		e.mu.Unlock()
		c.ws.Close()
		e.Log(1, "console: disconnected %s", id)
	}()

	// The request context ends with the handler, so commands get their own.
	ctx = context.WithoutCancel(ctx)
	for {
		msgType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.config.Error("console: websocket error: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		e.Log(2, "console: [IN] %s: %s", id, message)
		reply := e.Handle(ctx, string(message))
		if err := c.send(reply); err != nil {
			e.config.Error("console: write to %s failed: %v", id, err)
			return
		}
	}
}

// Handle runs one command line and returns its reply.
func (e *Endpoint) Handle(ctx context.Context, line string) (reply *Reply) {
	defer func() {
		if r := recover(); r != nil {
			e.config.Error("console: PANIC handling %q: %v", line, r)
			reply = &Reply{Error: fmt.Sprintf("internal error: %v", r), Kind: "Error"}
		}
	}()

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return &Reply{Op: "", Error: "empty command", Kind: "UsageError"}
	}
	op := fields[0]
	switch op {
	case "include", "reload":
		if len(fields) != 2 {
			return &Reply{Op: op, Error: "usage: " + op + " <locator>", Kind: "UsageError"}
		}
		loc := fields[1]
		call := e.loader.Include
		if op == "reload" {
			call = e.loader.Reload
		}
		ok, err := call(ctx, loc)
		res := &Reply{OK: ok && err == nil, Op: op}
		if id, idErr := locator.Normalize(loc); idErr == nil {
			res.Identifier = string(id)
		}
		if err != nil {
			res.Error = err.Error()
			res.Kind = loader.Kind(err)
		}
		return res
	case "list":
		recs, err := e.loader.Records(ctx)
		if err != nil {
			return &Reply{Op: op, Error: err.Error(), Kind: loader.Kind(err)}
		}
		return &Reply{OK: true, Op: op, Records: recs}
	}
	return &Reply{Op: op, Error: "unknown command " + op, Kind: "UsageError"}
}

// Broadcast sends reply to every connected console.
func (e *Endpoint) Broadcast(reply *Reply) {
	e.mu.RLock()
	conns := make([]*conn, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(reply); err != nil {
			e.Log(1, "console: broadcast failed: %v", err)
		}
	}
}

// NotifyChanged tells consoles that a served file changed on disk.
func (e *Endpoint) NotifyChanged(key string) {
	e.Broadcast(&Reply{OK: true, Op: "changed", Identifier: key})
}

// Connections returns the number of open consoles.
func (e *Endpoint) Connections() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.connections)
}

func generateConnectionID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return "console-" + hex.EncodeToString(bytes)
}
