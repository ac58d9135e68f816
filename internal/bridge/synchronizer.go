// Package bridge owns the refresh cycle: it rebuilds the mirror from the
// host's active document and keeps a watcher feeding edits to the
// reconciler between rebuilds.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/agentic-research/rulebridge/internal/graph"
	"github.com/agentic-research/rulebridge/internal/mirror"
	"github.com/agentic-research/rulebridge/internal/reconcile"
	"github.com/agentic-research/rulebridge/internal/registry"
	"github.com/agentic-research/rulebridge/internal/watch"
)

var (
	// ErrReentrantRefresh is returned when a refresh is already running.
	ErrReentrantRefresh = errors.New("refresh already in progress")
	// ErrHostConnection wraps failures fetching the active document.
	ErrHostConnection = errors.New("host unavailable")
	// ErrRunUnsupported is returned by Run when the host cannot execute rules.
	ErrRunUnsupported = errors.New("running rules is not supported by this host")
	// ErrClosed is returned by Refresh after Close.
	ErrClosed = errors.New("synchronizer closed")
)

// Options configures a Synchronizer.
type Options struct {
	// BridgeFolder is the mirror root on disk.
	BridgeFolder string
	Extension    string
	Recursive    bool
	SwapPatterns []string
	RenameWindow time.Duration
	// Blocking is passed to the host when a rule is run.
	Blocking bool
	// Watch installs a watcher after each refresh. One-shot builds leave
	// it off.
	Watch bool
}

// Status is a point-in-time view for the CLI and the tool surface.
type Status struct {
	BridgeFolder string       `json:"bridge_folder"`
	Refreshing   bool         `json:"refreshing"`
	Watching     bool         `json:"watching"`
	Root         string       `json:"root,omitempty"`
	Assemblies   []string     `json:"assemblies"`
	Dirty        []string     `json:"dirty"`
	LastBuild    mirror.Stats `json:"last_build"`
	Refreshes    uint64       `json:"refreshes"`
	Dropped      uint64       `json:"dropped_events"`
	Failed       uint64       `json:"failed_events"`
}

// Synchronizer mirrors a host's rules into BridgeFolder and reconciles
// edits back. Refresh and the watcher goroutine share only the refresh
// flag and the registry.
type Synchronizer struct {
	host graph.Host
	opts Options
	log  *zap.Logger

	// fs is rooted at the parent of BridgeFolder; base is its last element.
	fs   billy.Filesystem
	base string
	abs  string

	reg  *registry.Registry
	swap *mirror.SwapDetector
	rec  *reconcile.Reconciler

	refreshing atomic.Bool
	refreshes  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watcher *watch.Watcher
	root    string
	stats   mirror.Stats
	closed  bool
}

// New validates opts and wires a Synchronizer to host. Nothing is built or
// watched until the first Refresh.
func New(host graph.Host, opts Options, log *zap.Logger) (*Synchronizer, error) {
	if host == nil {
		return nil, errors.New("bridge: host is required")
	}
	if opts.BridgeFolder == "" {
		return nil, errors.New("bridge: bridge folder is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(opts.BridgeFolder)
	if err != nil {
		return nil, fmt.Errorf("resolve bridge folder: %w", err)
	}
	opts.Extension = mirror.NormalizeExtension(opts.Extension)

	swap, err := mirror.NewSwapDetector(opts.SwapPatterns)
	if err != nil {
		return nil, err
	}

	s := &Synchronizer{
		host: host,
		opts: opts,
		log:  log,
		fs:   osfs.New(filepath.Dir(abs)),
		base: filepath.Base(abs),
		abs:  abs,
		reg:  registry.New(),
		swap: swap,
	}
	s.rec, err = reconcile.New(reconcile.Config{
		Registry:  s.reg,
		Rules:     host,
		FS:        s.fs,
		Root:      s.base,
		Extension: opts.Extension,
		Swap:      swap,
		Guard:     s,
		Logger:    log.Named("reconcile"),
	})
	if err != nil {
		return nil, err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// IsRefreshing reports whether a rebuild is running.
func (s *Synchronizer) IsRefreshing() bool { return s.refreshing.Load() }

// Registry returns the name registry populated by the last refresh.
func (s *Synchronizer) Registry() *registry.Registry { return s.reg }

// Reconciler returns the handler fed by the watcher.
func (s *Synchronizer) Reconciler() *reconcile.Reconciler { return s.rec }

// Refresh rebuilds the mirror from the host's active document. Whatever
// happens, the watcher is reinstalled and the refreshing flag cleared
// before it returns.
func (s *Synchronizer) Refresh(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		return ErrReentrantRefresh
	}
	defer func() {
		if werr := s.installWatcher(); werr != nil {
			err = errors.Join(err, werr)
		}
		s.refreshing.Store(false)
	}()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.stopWatcher()
	start := time.Now()

	doc, err := s.host.ActiveDocument()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHostConnection, err)
	}

	if err := mirror.Reset(s.fs, s.base); err != nil {
		return fmt.Errorf("reset mirror: %w", err)
	}

	b := mirror.NewBuilder(s.fs, s.reg, s.host, mirror.Options{
		Extension: s.opts.Extension,
		Recursive: s.opts.Recursive,
	}, s.log.Named("mirror"))
	stats, err := b.Build(s.base, doc)
	if err != nil {
		return fmt.Errorf("build mirror: %w", err)
	}

	s.mu.Lock()
	s.stats = stats
	s.root = doc.DisplayName()
	s.mu.Unlock()
	s.refreshes.Add(1)

	s.log.Info("mirror rebuilt",
		zap.String("root", doc.DisplayName()),
		zap.String("folder", s.abs),
		zap.Int("documents", stats.Documents),
		zap.Int("rules", stats.Rules),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Store writes a snapshot of the active document's rules under dir. The
// snapshot has its own registry and is never watched.
func (s *Synchronizer) Store(dir string) (mirror.Stats, error) {
	if dir == "" {
		return mirror.Stats{}, errors.New("storage folder is not set")
	}
	doc, err := s.host.ActiveDocument()
	if err != nil {
		return mirror.Stats{}, fmt.Errorf("%w: %w", ErrHostConnection, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return mirror.Stats{}, err
	}
	fs := osfs.New(filepath.Dir(abs))
	base := filepath.Base(abs)
	if err := fs.MkdirAll(base, 0o755); err != nil {
		return mirror.Stats{}, fmt.Errorf("create %s: %w", abs, err)
	}

	b := mirror.NewBuilder(fs, registry.New(), s.host, mirror.Options{
		Extension: s.opts.Extension,
		Recursive: s.opts.Recursive,
	}, s.log.Named("store"))
	stats, err := b.Build(base, doc)
	if err != nil {
		return stats, fmt.Errorf("store rules: %w", err)
	}
	s.log.Info("stored rules",
		zap.String("root", doc.DisplayName()),
		zap.String("folder", abs),
		zap.Int("rules", stats.Rules))
	return stats, nil
}

// Run executes the named rule of the active document on hosts that
// implement graph.RuleRunner.
func (s *Synchronizer) Run(name string) error {
	runner, ok := s.host.(graph.RuleRunner)
	if !ok {
		return ErrRunUnsupported
	}
	doc, err := s.host.ActiveDocument()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHostConnection, err)
	}
	if err := runner.RunRule(doc, name, s.opts.Blocking); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	s.log.Info("ran rule",
		zap.String("document", doc.DisplayName()),
		zap.String("rule", name),
		zap.Bool("blocking", s.opts.Blocking))
	return nil
}

// Status reports the current state.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		BridgeFolder: s.abs,
		Refreshing:   s.IsRefreshing(),
		Watching:     s.watcher != nil,
		Root:         s.root,
		Assemblies:   s.reg.Names(),
		Dirty:        s.reg.Dirty(),
		LastBuild:    s.stats,
		Refreshes:    s.refreshes.Load(),
		Dropped:      s.rec.Dropped(),
		Failed:       s.rec.Failed(),
	}
}

// Close stops the watcher. Later refreshes fail with ErrClosed.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopWatcher()
	s.cancel()
	return nil
}

func (s *Synchronizer) stopWatcher() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (s *Synchronizer) installWatcher() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Watch || s.closed || s.watcher != nil {
		return nil
	}
	if err := s.fs.MkdirAll(s.base, 0o755); err != nil {
		return fmt.Errorf("create bridge folder: %w", err)
	}
	w, err := watch.New(s.abs, s.rec.Handle, watch.Options{
		Extension:    s.opts.Extension,
		RenameWindow: s.opts.RenameWindow,
		Swap:         s.swap,
	}, s.log.Named("watch"))
	if err != nil {
		return err
	}
	if err := w.Start(s.ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	s.watcher = w
	return nil
}
