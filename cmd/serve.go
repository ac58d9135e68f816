package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/rulebridge/internal/bridge"
	"github.com/agentic-research/rulebridge/internal/control"
	"github.com/agentic-research/rulebridge/internal/mcpserver"
)

func newServeMCPCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve-mcp",
		Short: "Watch the bridge folder and expose refresh, status and list_rules over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := ro.lockBridge()
			if err != nil {
				return err
			}
			defer lock.Close()

			host, err := ro.openHost()
			if err != nil {
				return err
			}
			defer host.Close()

			s, err := bridge.New(host, ro.bridgeOptions(true), ro.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := refreshAndBump(cmd.Context(), s, lock); err != nil {
				ro.logger.Warn("initial refresh failed", zap.Error(err))
			}

			tools := mcpserver.NewTools(&bumpingBridge{Synchronizer: s, lock: lock}, host, ro.logger.Named("mcp"))
			return mcpserver.Serve(mcpserver.New(tools))
		},
	}
}

// bumpingBridge advances the control generation after tool-driven refreshes.
type bumpingBridge struct {
	*bridge.Synchronizer
	lock *control.Controller
}

func (b *bumpingBridge) Refresh(ctx context.Context) error {
	return refreshAndBump(ctx, b.Synchronizer, b.lock)
}
