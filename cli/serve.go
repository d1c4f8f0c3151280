package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zot/lua-include/internal/console"
	"github.com/zot/lua-include/internal/loader"
	"github.com/zot/lua-include/internal/origin"
	"github.com/zot/lua-include/internal/transport"
)

func newServeCommand() *cobra.Command {
	var preload []string

	cmd := &cobra.Command{
		Use:   "serve [--dir DIR] [--preload LOCATOR]...",
		Short: "Serve a script directory with a websocket console",
		Long: `Serve the script directory (--dir) as the document origin.

  /*         script files, with ETag and 304 support
  /console   websocket console: "include <loc>", "reload <loc>", "list"
  /metrics   prometheus metrics of the console's loader

The console's loader resolves locators against --origin, which defaults to
this server. --preload includes locators once the server is listening.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := newStack(cfg, cmd.OutOrStdout(), transport.Synchronous)
			if err != nil {
				return err
			}
			defer st.Close()

			endpoint := console.NewEndpoint(cfg, st.loader)
			cfg.Log(1, "console: resolving locators against %s", st.loader.Origin())
			srv, err := origin.New(cfg,
				origin.WithHandler("/console", endpoint),
				origin.WithHandler("/metrics", promhttp.HandlerFor(st.metrics, promhttp.HandlerOpts{})),
			)
			if err != nil {
				return err
			}
			if w := srv.Watcher(); w != nil {
				w.OnInvalidate = endpoint.NotifyChanged
			}

			ln, err := net.Listen("tcp", cfg.Addr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Serve(ctx, ln)
			})
			g.Go(func() error {
				return preloadAll(ctx, cmd, st.loader, preload)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringSliceVar(&preload, "preload", nil, "Locators to include once listening")
	return cmd
}

// preloadAll includes locators in order. A failed preload is reported and
// does not stop the server.
func preloadAll(ctx context.Context, cmd *cobra.Command, l *loader.Loader, locs []string) error {
	for _, loc := range locs {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := l.Include(ctx, loc); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "preload %s: %s: %v\n", loc, loader.Kind(err), err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "preloaded %s\n", loc)
	}
	return nil
}
