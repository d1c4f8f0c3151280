// Package cli provides the command-line interface for lua-include.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zot/lua-include/internal/config"
	"github.com/zot/lua-include/internal/transport"
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// AddCommands is called with the root command before execution.
	AddCommands func(root *cobra.Command)

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// ExitError carries a process exit code out of a command.
// The command has already reported the failure.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	return execute(context.Background(), args, os.Stdout, os.Stderr, hooks)
}

func execute(ctx context.Context, args []string, out, errOut io.Writer, hooks *Hooks) int {
	root := NewRootCommand(hooks)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree.
func NewRootCommand(hooks *Hooks) *cobra.Command {
	root := &cobra.Command{
		Use:   "lua-include",
		Short: "Load Lua scripts from a same-origin server, once each",
		Long: `lua-include fetches Lua scripts over HTTP and runs each one once.

A locator such as /scripts/widgets.lua is resolved against the document
origin (--origin). Scripts are keyed by file name, so a second include of
any path ending in widgets.lua is a no-op; reload re-runs the cached source
without fetching. Scripts can call include(), reload() and namespace()
themselves.

Examples:
  lua-include serve --dir site/
  lua-include run /scripts/app.lua
  lua-include run --reload /scripts/widgets.lua
  lua-include mcp --origin http://127.0.0.1:8080/`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newRunCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newMCPCommand())
	root.AddCommand(newVersionCommand(hooks))

	if hooks != nil && hooks.AddCommands != nil {
		hooks.AddCommands(root)
	}
	return root
}

func newVersionCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "lua-include v%s\n", transport.Version)
			if hooks != nil && hooks.CustomVersion != nil {
				fmt.Fprintln(cmd.OutOrStdout(), hooks.CustomVersion())
			}
			return nil
		},
	}
}
