package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/zot/lua-include/internal/loader"
	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/transport"
)

func newRunCommand() *cobra.Command {
	var reload, async bool

	cmd := &cobra.Command{
		Use:   "run [--reload] [--async] <locator>...",
		Short: "Include scripts in order against the origin",
		Long: `Include each locator in order. With --reload every locator is
reloaded once after the first pass. With --async the includes are issued
without waiting and the command waits for their completions. When
transport.report_async_failures is false a failed asynchronous fetch never
completes, so run waits until interrupted.

Exit status is 1 if any include or reload failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mode, err := transport.ParseMode(cfg.Transport.Mode)
			if err != nil {
				return err
			}
			if async {
				mode = transport.Asynchronous
			}

			// Async completions report while later scripts print.
			out := &syncWriter{w: cmd.OutOrStdout()}
			st, err := newStack(cfg, out, mode)
			if err != nil {
				return err
			}
			defer st.Close()

			r := &runner{out: out, errOut: cmd.ErrOrStderr()}
			ctx := cmd.Context()

			var wg sync.WaitGroup
			for _, loc := range args {
				loc := loc
				wg.Add(1)
				st.loader.Request(ctx, loc, func(ok bool, err error) {
					defer wg.Done()
					r.report("include", loc, err)
				})
			}
			wg.Wait()

			if reload {
				for _, loc := range args {
					_, err := st.loader.Reload(ctx, loc)
					r.report("reload", loc, err)
				}
			}

			if r.failed() {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "Reload every locator after the first pass")
	cmd.Flags().BoolVar(&async, "async", false, "Issue includes asynchronously")
	return cmd
}

// syncWriter serializes writes from the executor and from completions.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// runner prints outcomes; async completions arrive on their own goroutines.
type runner struct {
	out      io.Writer
	errOut   io.Writer
	mu       sync.Mutex
	failures int
}

func (r *runner) report(op, loc string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		fmt.Fprintf(r.errOut, "%s %s: %s: %v\n", op, loc, loader.Kind(err), err)
		return
	}
	id, _ := locator.Normalize(loc)
	verb := "loaded"
	if op == "reload" {
		verb = "reloaded"
	}
	fmt.Fprintf(r.out, "%s %s\n", verb, id)
}

func (r *runner) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures > 0
}
