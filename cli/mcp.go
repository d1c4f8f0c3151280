package cli

import (
	"github.com/spf13/cobra"

	"github.com/zot/lua-include/internal/mcp"
	"github.com/zot/lua-include/internal/transport"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve include and reload as MCP tools on stdio",
		Long: `Run an MCP server on stdin/stdout with tools "include" and "reload"
and the resource lua-include://registry. Lua print() output and logs go to
stderr so stdout carries only the protocol.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := newStack(cfg, cmd.ErrOrStderr(), transport.Synchronous)
			if err != nil {
				return err
			}
			defer st.Close()

			return mcp.NewServer(cfg, st.loader, transport.Version).ServeStdio()
		},
	}
}
