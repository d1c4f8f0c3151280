package cli

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zot/lua-include/internal/config"
	"github.com/zot/lua-include/internal/loader"
	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/lua"
	"github.com/zot/lua-include/internal/registry"
	"github.com/zot/lua-include/internal/transport"
)

// stack is one runtime with its loader, built from config.
type stack struct {
	cfg     *config.Config
	runtime *lua.Runtime
	loader  *loader.Loader
	metrics *prometheus.Registry
}

// loadConfig loads config from the command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg.SetOutput(cmd.ErrOrStderr())
	return cfg, nil
}

// newStack builds a runtime, transport, registry and loader. Lua print()
// output goes to out.
func newStack(cfg *config.Config, out io.Writer, mode transport.Mode) (*stack, error) {
	origin, err := locator.ParseOrigin(cfg.Origin.Base)
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(nil,
		transport.WithReportAsyncFailures(cfg.Transport.ReportAsyncFailures),
		transport.WithLogger(cfg.Log),
	)
	if err != nil {
		return nil, err
	}
	rt, err := lua.NewRuntime(cfg)
	if err != nil {
		return nil, err
	}
	rt.SetOutput(out)

	metrics := prometheus.NewRegistry()
	l, err := loader.New(registry.New(), tr, rt,
		loader.WithOrigin(origin),
		loader.WithMode(mode),
		loader.WithLogger(cfg.Log),
		loader.WithMetrics(metrics),
	)
	if err != nil {
		rt.Shutdown()
		return nil, err
	}
	return &stack{cfg: cfg, runtime: rt, loader: l, metrics: metrics}, nil
}

// Close shuts the runtime down.
func (s *stack) Close() {
	s.runtime.Shutdown()
}
