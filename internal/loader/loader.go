// Package loader implements include and reload: fetch a script once, run it,
// and remember it so later includes are no-ops.
//
// All loader state lives on the runtime's executor goroutine. Public methods
// queue onto the executor; the *FromScript methods are called by Lua code that
// is already running there.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/lua"
	"github.com/zot/lua-include/internal/registry"
	"github.com/zot/lua-include/internal/transport"
)

// State is the load state of one identifier.
type State int

const (
	NotRequested State = iota
	Fetching
	Evaluating
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case NotRequested:
		return "NotRequested"
	case Fetching:
		return "Fetching"
	case Evaluating:
		return "Evaluating"
	case Loaded:
		return "Loaded"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DoneFunc receives the outcome of an asynchronous include.
type DoneFunc func(ok bool, err error)

// Loader ties a Registry, a Transport and a Runtime together.
type Loader struct {
	registry  *registry.Registry
	transport transport.Transport
	runtime   *lua.Runtime
	origin    *url.URL
	mode      transport.Mode
	logf      func(level int, format string, args ...any)
	metrics   *Metrics
	promReg   prometheus.Registerer

	// executor-only state
	states  map[locator.Identifier]State
	stack   []locator.Identifier
	pending map[locator.Identifier][]DoneFunc
	ctx     context.Context
}

// Option configures a Loader.
type Option func(*Loader)

// WithOrigin sets the document origin locators are resolved against.
func WithOrigin(origin *url.URL) Option {
	return func(l *Loader) {
		l.origin = origin
	}
}

// WithMode sets the mode Request uses.
func WithMode(mode transport.Mode) Option {
	return func(l *Loader) {
		l.mode = mode
	}
}

// WithLogger sets the verbosity-levelled log function, usually config.Log.
func WithLogger(log func(level int, format string, args ...any)) Option {
	return func(l *Loader) {
		l.logf = log
	}
}

// WithMetrics registers the loader's collectors with reg.
// Without it the collectors go to a private registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Loader) {
		l.promReg = reg
	}
}

// New creates a Loader and installs it as rt's Includer.
func New(reg *registry.Registry, tr transport.Transport, rt *lua.Runtime, opts ...Option) (*Loader, error) {
	if reg == nil || rt == nil {
		return nil, fmt.Errorf("loader needs a registry and a runtime")
	}
	if tr == nil {
		return nil, &transport.TransportUnavailableError{Reason: "loader created without a transport"}
	}
	l := &Loader{
		registry:  reg,
		transport: tr,
		runtime:   rt,
		logf:      func(int, string, ...any) {},
		states:    make(map[locator.Identifier]State),
		pending:   make(map[locator.Identifier][]DoneFunc),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.origin == nil {
		origin, err := locator.ParseOrigin("http://127.0.0.1:8080/")
		if err != nil {
			return nil, err
		}
		l.origin = origin
	}
	if l.promReg == nil {
		l.promReg = prometheus.NewRegistry()
	}
	m, err := NewMetrics(l.promReg)
	if err != nil {
		return nil, fmt.Errorf("failed to register loader metrics: %w", err)
	}
	l.metrics = m

	rt.SetIncluder(l)
	return l, nil
}

// Origin returns the document origin.
func (l *Loader) Origin() *url.URL {
	return l.origin
}

// Include loads loc unless its identifier is already loaded, and blocks until
// the script has run. The result is true on success, including a registry hit.
func (l *Loader) Include(ctx context.Context, loc string) (bool, error) {
	return l.run(ctx, func() (bool, error) { return l.include(loc) })
}

// Reload re-runs a loaded script from its cached source without fetching.
// A locator that was never loaded is included instead.
func (l *Loader) Reload(ctx context.Context, loc string) (bool, error) {
	return l.run(ctx, func() (bool, error) { return l.reload(loc) })
}

// Request includes loc in the loader's mode and reports to done.
// In synchronous mode done has been called when Request returns.
func (l *Loader) Request(ctx context.Context, loc string, done DoneFunc) {
	if l.mode == transport.Asynchronous {
		l.IncludeAsync(ctx, loc, done)
		return
	}
	ok, err := l.Include(ctx, loc)
	if done != nil {
		done(ok, err)
	}
}

// IncludeFromScript implements lua.Includer.
func (l *Loader) IncludeFromScript(loc string) (bool, error) {
	return l.include(loc)
}

// ReloadFromScript implements lua.Includer.
func (l *Loader) ReloadFromScript(loc string) (bool, error) {
	return l.reload(loc)
}

// State returns the load state of loc's identifier.
func (l *Loader) State(ctx context.Context, loc string) State {
	id, err := locator.Normalize(loc)
	if err != nil {
		return NotRequested
	}
	v, err := l.runtime.DoContext(ctx, func() (any, error) {
		return l.states[id], nil
	})
	if err != nil {
		return NotRequested
	}
	return v.(State)
}

// Records returns a snapshot of the registry.
func (l *Loader) Records(ctx context.Context) ([]*registry.SourceRecord, error) {
	v, err := l.runtime.DoContext(ctx, func() (any, error) {
		return l.registry.Records(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*registry.SourceRecord), nil
}

// run executes fn on the executor with ctx as the current request context.
// ctx also bounds the wait for a free executor slot.
func (l *Loader) run(ctx context.Context, fn func() (bool, error)) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	v, err := l.runtime.DoContext(ctx, func() (any, error) {
		return l.withContext(ctx, fn)
	})
	ok, _ := v.(bool)
	return ok, err
}

func (l *Loader) withContext(ctx context.Context, fn func() (bool, error)) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	prev := l.ctx
	l.ctx = ctx
	defer func() { l.ctx = prev }()
	return fn()
}

// include runs on the executor.
func (l *Loader) include(loc string) (bool, error) {
	return l.load("include", loc)
}

// load fetches and runs loc unless it is loaded; op labels the request metric.
func (l *Loader) load(op, loc string) (bool, error) {
	id, err := locator.Normalize(loc)
	if err != nil {
		l.finish(op, err)
		return false, err
	}
	if l.registry.Contains(id) {
		l.logf(2, "loader: %s already loaded", id)
		l.metrics.request(op, "hit")
		return true, nil
	}
	if err := l.checkCycle(id); err != nil {
		l.finish(op, err)
		return false, err
	}
	target, err := locator.Resolve(l.origin, loc)
	if err != nil {
		l.finish(op, err)
		return false, err
	}

	l.push(id)
	defer l.pop()

	l.states[id] = Fetching
	res, err := l.transport.Fetch(l.ctx, target)
	if err == nil {
		err = checkBody(res)
	}
	l.metrics.fetch(err)
	if err != nil {
		l.states[id] = Failed
		l.finish(op, err)
		return false, err
	}

	if err := l.evaluate(id, loc, res.Body); err != nil {
		l.finish(op, err)
		return false, err
	}
	l.finish(op, nil)
	return true, nil
}

// reload runs on the executor.
func (l *Loader) reload(loc string) (bool, error) {
	id, err := locator.Normalize(loc)
	if err != nil {
		l.finish("reload", err)
		return false, err
	}
	rec, ok := l.registry.Get(id)
	if !ok {
		l.logf(2, "loader: %s not loaded yet, including", id)
		return l.load("reload", loc)
	}
	if err := l.checkCycle(id); err != nil {
		l.finish("reload", err)
		return false, err
	}

	l.push(id)
	defer l.pop()

	l.states[id] = Evaluating
	err = l.runtime.ExecuteDirect(id, rec.Source)
	l.metrics.evaluation(err)
	// The cached record stays valid whatever the re-run did.
	l.states[id] = Loaded
	if err != nil {
		l.finish("reload", err)
		return false, err
	}
	l.logf(1, "loader: reloaded %s", id)
	l.finish("reload", nil)
	return true, nil
}

// evaluate runs fetched source and registers it on success.
func (l *Loader) evaluate(id locator.Identifier, loc, source string) error {
	l.states[id] = Evaluating
	err := l.runtime.ExecuteDirect(id, source)
	l.metrics.evaluation(err)
	if err != nil {
		l.states[id] = Failed
		return err
	}
	l.registry.Put(registry.NewRecord(id, loc, source))
	l.states[id] = Loaded
	l.metrics.setRecords(l.registry.Len())
	l.logf(1, "loader: loaded %s (%d bytes)", id, len(source))
	return nil
}

// errNotModifiedNoBody is the cause of a 304 that arrives without a body.
// Nothing is cached locally, so there is no source to evaluate.
var errNotModifiedNoBody = errors.New("304 Not Modified without a body on a script that is not loaded")

func checkBody(res transport.Result) error {
	if res.StatusCode == http.StatusNotModified && res.Body == "" {
		return &transport.NetworkFailure{URL: res.URL, StatusCode: res.StatusCode, Err: errNotModifiedNoBody}
	}
	return nil
}

func (l *Loader) checkCycle(id locator.Identifier) error {
	for i, entry := range l.stack {
		if entry == id {
			chain := append(append([]locator.Identifier{}, l.stack[i:]...), id)
			return &CycleError{Chain: chain}
		}
	}
	return nil
}

func (l *Loader) push(id locator.Identifier) {
	l.stack = append(l.stack, id)
}

func (l *Loader) pop() {
	l.stack = l.stack[:len(l.stack)-1]
}

// finish records the outcome of one include or reload.
func (l *Loader) finish(op string, err error) {
	if err == nil {
		l.metrics.request(op, "loaded")
		return
	}
	l.metrics.request(op, Kind(err))
	l.logf(1, "loader: %s failed: %v", op, err)
}
