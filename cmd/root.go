package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentic-research/rulebridge/api"
	"github.com/agentic-research/rulebridge/internal/bridge"
	"github.com/agentic-research/rulebridge/internal/config"
	"github.com/agentic-research/rulebridge/internal/graph"
)

// rootOptions holds global flags and the state PersistentPreRunE builds
// from them.
type rootOptions struct {
	configPath string
	dbPath     string
	verbose    bool

	opts   api.Options
	logger *zap.Logger
}

// NewRootCommand creates the rulebridge command tree.
func NewRootCommand() *cobra.Command {
	ro := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rulebridge",
		Short: "Edit a document hierarchy's rules as a directory of files",
		Long: `rulebridge mirrors the rules of the active document, and optionally of
every sub-assembly, into a directory tree. Edits saved in that tree are
written back to the documents while the bridge is watching.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ro.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if ro.logger != nil {
				_ = ro.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&ro.configPath, "config", "c", "", "Path to options file (default ~/.agentic-research/rulebridge/options.yaml)")
	cmd.PersistentFlags().StringVar(&ro.dbPath, "db", "", "Workspace database (overrides the database option)")
	cmd.PersistentFlags().BoolVarP(&ro.verbose, "verbose", "v", false, "Debug logging")

	cmd.AddCommand(newWatchCommand(ro))
	cmd.AddCommand(newRefreshCommand(ro))
	cmd.AddCommand(newStoreCommand(ro))
	cmd.AddCommand(newImportCommand(ro))
	cmd.AddCommand(newSetCommand(ro))
	cmd.AddCommand(newShowOptionsCommand(ro))
	cmd.AddCommand(newStatusCommand(ro))
	cmd.AddCommand(newServeMCPCommand(ro))

	return cmd
}

func (ro *rootOptions) init(cmd *cobra.Command) error {
	cfg := zap.NewProductionConfig()
	if ro.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	ro.logger = logger

	if ro.configPath == "" {
		if ro.configPath, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	opts, created, err := config.Load(ro.configPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(cmd.ErrOrStderr(), "Created options file %s\n", ro.configPath)
	}
	if ro.dbPath != "" {
		opts.Database = ro.dbPath
	}
	ro.opts = opts
	return nil
}

func (ro *rootOptions) save() error {
	return config.Save(ro.configPath, ro.opts)
}

// openHost opens the workspace database named by the options.
func (ro *rootOptions) openHost() (*graph.SQLiteHost, error) {
	if ro.opts.Database == "" {
		return nil, fmt.Errorf("no workspace database configured, pass --db or set database")
	}
	if err := os.MkdirAll(filepath.Dir(ro.opts.Database), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	host, err := graph.OpenSQLiteHost(ro.opts.Database)
	if err != nil {
		return nil, err
	}
	if err := host.SetBlocking(ro.opts.Blocking); err != nil {
		_ = host.Close()
		return nil, err
	}
	return host, nil
}

func (ro *rootOptions) bridgeOptions(watch bool) bridge.Options {
	return bridge.Options{
		BridgeFolder: ro.opts.BridgeFolder,
		Extension:    ro.opts.Extension,
		Recursive:    ro.opts.Recursive,
		SwapPatterns: ro.opts.SwapPatterns,
		RenameWindow: ro.opts.RenameWindow,
		Blocking:     ro.opts.Blocking,
		Watch:        watch,
	}
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
