// Package mcp exposes include and reload to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/lua-include/internal/config"
	"github.com/zot/lua-include/internal/loader"
	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/registry"
)

// RegistryURI names the resource listing loaded scripts.
const RegistryURI = "lua-include://registry"

// Loader is the part of *loader.Loader the MCP tools call.
type Loader interface {
	Include(ctx context.Context, loc string) (bool, error)
	Reload(ctx context.Context, loc string) (bool, error)
	Records(ctx context.Context) ([]*registry.SourceRecord, error)
}

// Server wraps an mcp-go server bound to a Loader.
type Server struct {
	config *config.Config
	loader Loader
	mcp    *server.MCPServer
}

// NewServer registers the include and reload tools and the registry resource.
func NewServer(cfg *config.Config, l Loader, version string) *Server {
	s := &Server{
		config: cfg,
		loader: l,
		mcp: server.NewMCPServer("lua-include", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}

	s.mcp.AddTool(mcp.NewTool("include",
		mcp.WithDescription("Fetch a Lua script from the document origin and run it, unless a script with the same file name is already loaded"),
		mcp.WithString("locator", mcp.Required(), mcp.Description("Same-origin path of the script, e.g. /scripts/widgets.lua")),
	), s.handleInclude)

	s.mcp.AddTool(mcp.NewTool("reload",
		mcp.WithDescription("Run an already loaded script again from its cached source; loads it first if needed"),
		mcp.WithString("locator", mcp.Required(), mcp.Description("Same-origin path of the script")),
	), s.handleReload)

	s.mcp.AddResource(mcp.NewResource(RegistryURI, "Loaded scripts",
		mcp.WithResourceDescription("Scripts recorded by include, sorted by identifier"),
		mcp.WithMIMEType("application/json"),
	), s.handleRegistry)

	return s
}

// ServeStdio serves MCP on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.config.Log(1, "mcp: serving on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleInclude(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.call(ctx, req, "include", s.loader.Include)
}

func (s *Server) handleReload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.call(ctx, req, "reload", s.loader.Reload)
}

func (s *Server) call(ctx context.Context, req mcp.CallToolRequest, op string,
	fn func(context.Context, string) (bool, error)) (*mcp.CallToolResult, error) {
	loc, err := req.RequireString("locator")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.config.Log(2, "mcp: %s %s", op, loc)

	if _, err := fn(ctx, loc); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", loader.Kind(err), err)), nil
	}
	id, _ := locator.Normalize(loc)
	verb := "loaded"
	if op == "reload" {
		verb = "reloaded"
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %s", verb, id)), nil
}

func (s *Server) handleRegistry(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	recs, err := s.loader.Records(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      RegistryURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
