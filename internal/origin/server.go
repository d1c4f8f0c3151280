package origin

import (
	"context"
	"errors"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zot/lua-include/internal/config"
)

// LuaContentType is sent for .lua files.
const LuaContentType = "text/x-lua; charset=utf-8"

// ServerOption configures the origin server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	routes      map[string]http.Handler
}

// WithMiddlewares adds middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHandler mounts h at pattern, ahead of the script catch-all.
func WithHandler(pattern string, h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.routes[pattern] = h
	}
}

// NewRouter creates the router serving files from cache.
func NewRouter(cache *Cache, log func(level int, format string, args ...any), opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{routes: map[string]http.Handler{}}
	for _, opt := range opts {
		opt(cfg)
	}
	if log == nil {
		log = func(int, string, ...any) {}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}
	for pattern, h := range cfg.routes {
		r.Handle(pattern, h)
	}
	h := &scriptHandler{cache: cache, log: log}
	r.Get("/*", h.ServeHTTP)
	r.Head("/*", h.ServeHTTP)
	return r
}

// LoggingMiddleware logs each request at verbosity 2.
func LoggingMiddleware(log func(level int, format string, args ...any)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log(2, "origin: %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

type scriptHandler struct {
	cache *Cache
	log   func(level int, format string, args ...any)
}

func (h *scriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := Key(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	body, etag, modTime, err := h.cache.Get(key)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.log(1, "origin: reading %s: %v", key, err)
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	ctype := LuaContentType
	if ext := path.Ext(key); ext != ".lua" {
		if t := mime.TypeByExtension(ext); t != "" {
			ctype = t
		} else {
			ctype = "application/octet-stream"
		}
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

// Server is the same-origin script server.
type Server struct {
	cfg     *config.Config
	cache   *Cache
	watcher *Watcher
	handler http.Handler
	http    *http.Server
}

// New creates a Server for cfg.Server.Dir. With cfg.Server.Watch set, file
// changes invalidate the cache.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	cache, err := NewCache(cfg.Server.Dir)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(cache.Root()); err != nil || !info.IsDir() {
		return nil, errors.New("script directory " + cache.Root() + " does not exist")
	}

	s := &Server{cfg: cfg, cache: cache}
	if cfg.Server.Watch {
		w, err := NewWatcher(cache, cfg.Server.Debounce.Duration(), cfg.Log)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}
	opts = append([]ServerOption{WithMiddlewares(LoggingMiddleware(cfg.Log))}, opts...)
	s.handler = NewRouter(cache, cfg.Log, opts...)
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Watcher returns the file watcher, nil when watching is off.
func (s *Server) Watcher() *Watcher {
	return s.watcher
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
		defer s.watcher.Stop()
	}

	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()
	s.cfg.Log(0, "origin: serving %s on http://%s/", s.cache.Root(), ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
