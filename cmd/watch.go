package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/rulebridge/internal/bridge"
	"github.com/agentic-research/rulebridge/internal/control"
)

func newWatchCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Mirror the active document and write edits back until quit",
		Long: `Rebuilds the bridge folder, then watches it. Saving a rule file updates
the rule, creating one adds a rule, deleting one removes the rule, and
renaming one renames the rule. Type help at the prompt for commands.`,
		Args: cobra.NoArgs,
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := &console{ro: ro, sync: s, lock: lock, out: cmd.OutOrStdout()}
			if err := refreshAndBump(ctx, s, lock); err != nil {
				// The watcher is installed even when the first build fails,
				// so the user can fix the host and refresh from the prompt.
				ro.logger.Error("initial refresh failed", zap.Error(err))
			} else {
				c.status()
			}
			return runConsole(ctx, cmd.InOrStdin(), c)
		},
	}
}

// lockBridge takes the single-instance lock of the bridge folder.
func (ro *rootOptions) lockBridge() (*control.Controller, error) {
	abs, err := filepath.Abs(ro.opts.BridgeFolder)
	if err != nil {
		return nil, err
	}
	return control.Acquire(control.PathFor(abs), abs)
}

// console executes prompt commands against a running bridge.
type console struct {
	ro   *rootOptions
	sync *bridge.Synchronizer
	lock *control.Controller
	out  io.Writer
}

var errQuit = errors.New("quit")

// runConsole reads commands from in until quit, EOF or ctx ends. Lines are
// read on their own goroutine so a signal never waits on a blocked read.
func runConsole(ctx context.Context, in io.Reader, c *console) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		fmt.Fprint(c.out, "> ")
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := c.exec(gctx, line); errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprint(c.out, "> ")
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.sync.Close()
	})
	return g.Wait()
}

// exec runs one console line. Command errors are printed, not returned, so
// the prompt survives them.
func (c *console) exec(ctx context.Context, line string) error {
	fields := splitArgs(line)
	if len(fields) == 0 {
		return nil
	}
	var err error
	switch strings.ToLower(fields[0]) {
	case "quit", "exit", "q":
		return errQuit
	case "help":
		c.help()
	case "refresh":
		if err = refreshAndBump(ctx, c.sync, c.lock); err == nil {
			c.status()
		}
	case "run":
		if len(fields) < 2 {
			err = errors.New("usage: run <rule name>")
			break
		}
		name := strings.Join(fields[1:], " ")
		if err = c.sync.Run(name); err == nil {
			fmt.Fprintf(c.out, "Ran %s\n", name)
		}
	case "store":
		dir := c.ro.opts.StorageFolder
		if len(fields) > 1 {
			dir = fields[1]
		}
		err = runStore(c.out, c.sync, dir)
	case "status":
		c.status()
	case "set":
		if len(fields) != 3 {
			err = errors.New("usage: set <option> <value>")
			break
		}
		if err = runSet(c.out, c.ro, fields[1], fields[2]); err == nil {
			fmt.Fprintln(c.out, "Options take effect on the next start.")
		}
	case "showoptions":
		err = showOptions(c.out, c.ro)
	default:
		err = fmt.Errorf("unknown command %q, type help", fields[0])
	}
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return nil
}

func (c *console) status() {
	data, err := json.MarshalIndent(c.sync.Status(), "", "  ")
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(data))
}

func (c *console) help() {
	fmt.Fprint(c.out, `Commands:
  refresh               rebuild the bridge folder from the active document
  run <rule name>       run a rule of the active document
  store ["folder"]      snapshot rules into the storage folder (read only)
  status                show mirrored assemblies and event counters
  set <option> <value>  change and save an option
  showoptions           print the current options
  quit                  stop watching and exit
`)
}

// splitArgs splits on whitespace, keeping double-quoted runs together.
func splitArgs(line string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
		inArg  bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			inArg = true
		case !quoted && (r == ' ' || r == '\t'):
			if inArg {
				out = append(out, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		out = append(out, cur.String())
	}
	return out
}
