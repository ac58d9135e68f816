package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/rulebridge/internal/bridge"
	"github.com/agentic-research/rulebridge/internal/config"
	"github.com/agentic-research/rulebridge/internal/control"
	"github.com/agentic-research/rulebridge/internal/graph"
	"github.com/agentic-research/rulebridge/internal/mirror"
)

func newRefreshCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the bridge folder once without watching it",
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

			s, err := bridge.New(host, ro.bridgeOptions(false), ro.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := refreshAndBump(cmd.Context(), s, lock); err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), "Mirrored", s.Status().LastBuild, ro.opts.BridgeFolder)
			return nil
		},
	}
}

func newStoreCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "store [folder]",
		Short: "Snapshot the active document's rules into the storage folder",
		Long: `Writes the same tree as refresh into the storage folder. The snapshot is
for reference only: edits to it are never written back.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ro.opts.StorageFolder
			if len(args) == 1 {
				dir = args[0]
			}
			host, err := ro.openHost()
			if err != nil {
				return err
			}
			defer host.Close()

			s, err := bridge.New(host, ro.bridgeOptions(false), ro.logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return runStore(cmd.OutOrStdout(), s, dir)
		},
	}
}

func runStore(out io.Writer, s *bridge.Synchronizer, dir string) error {
	stats, err := s.Store(dir)
	if err != nil {
		return err
	}
	printStats(out, "Stored", stats, dir)
	return nil
}

func newImportCommand(ro *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <hierarchy.json>",
		Short: "Load a document hierarchy into the workspace database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				mem := graph.NewMemoryHost()
				if err := graph.LoadHierarchy(args[0], mem); err != nil {
					return err
				}
				return describeActive(cmd.OutOrStdout(), mem, "Hierarchy is valid")
			}

			host, err := ro.openHost()
			if err != nil {
				return err
			}
			defer host.Close()
			if err := graph.LoadHierarchy(args[0], host); err != nil {
				return err
			}
			return describeActive(cmd.OutOrStdout(), host, "Imported into "+host.Path())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate into memory without touching the database")
	return cmd
}

func describeActive(out io.Writer, host graph.Host, prefix string) error {
	doc, err := host.ActiveDocument()
	if errors.Is(err, graph.ErrNoActiveDocument) {
		fmt.Fprintf(out, "%s (no active document)\n", prefix)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s, active document %s (%s)\n", prefix, doc.DisplayName(), doc.Kind())
	return nil
}

func newSetCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <option> <value>",
		Short: "Change an option and save the options file",
		Long:  "Options: " + fmt.Sprint(config.Names()),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd.OutOrStdout(), ro, args[0], args[1])
		},
	}
}

func runSet(out io.Writer, ro *rootOptions, name, value string) error {
	next := ro.opts
	if err := config.Set(&next, name, value); err != nil {
		return err
	}
	ro.opts = next
	if err := ro.save(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s\n", ro.configPath)
	return nil
}

func newShowOptionsCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "showoptions",
		Short: "Print the current options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showOptions(cmd.OutOrStdout(), ro)
		},
	}
}

func showOptions(out io.Writer, ro *rootOptions) error {
	s, err := config.Format(ro.opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s\n%s", ro.configPath, s)
	return nil
}

func newStatusCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a bridge is watching the bridge folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			info, err := control.Inspect(control.PathFor(ro.opts.BridgeFolder))
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(out, "No bridge has used %s\n", ro.opts.BridgeFolder)
				return nil
			}
			if err != nil {
				return err
			}
			state := "idle"
			if info.Held {
				state = fmt.Sprintf("held by pid %d", info.PID)
			}
			fmt.Fprintf(out, "Bridge folder: %s\nState: %s\nRefreshes: %d\n", info.BridgePath, state, info.Generation)
			return nil
		},
	}
}

func printStats(out io.Writer, verb string, st mirror.Stats, dir string) {
	fmt.Fprintf(out, "%s %d rules from %d documents into %s", verb, st.Rules, st.Documents, dir)
	if st.Skipped > 0 {
		fmt.Fprintf(out, " (%d skipped, see log)", st.Skipped)
	}
	fmt.Fprintln(out)
}

// refreshAndBump refreshes and advances the control generation on success.
func refreshAndBump(ctx context.Context, s *bridge.Synchronizer, lock *control.Controller) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	lock.Bump()
	return nil
}
