// Package watch turns fsnotify notifications under the mirror root into
// rule-level events delivered one at a time to a handler.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentic-research/rulebridge/internal/mirror"
)

// DefaultRenameWindow is how long a Rename waits for the matching Create.
const DefaultRenameWindow = 100 * time.Millisecond

var ErrNotDirectory = errors.New("watch root is not a directory")

// Kind is the kind of a mirror event.
type Kind int

const (
	Created Kind = iota
	Changed
	Deleted
	Renamed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one filesystem change below the mirror root. Paths are relative
// to the root and slash separated. OldPath is set for Renamed only.
type Event struct {
	Kind    Kind
	Path    string
	OldPath string
}

// Handler receives events sequentially on the watcher goroutine.
type Handler func(Event)

// Options tunes event filtering.
type Options struct {
	Extension    string
	RenameWindow time.Duration
	// Swap drops renames that are editor housekeeping. Nil uses the defaults.
	Swap *mirror.SwapDetector
}

// Watcher recursively watches a directory tree.
type Watcher struct {
	root    string
	handler Handler
	opts    Options
	log     *zap.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	delivered atomic.Uint64
	filtered  atomic.Uint64

	// owned by the run goroutine
	pendingOld   string
	pendingTimer *time.Timer
}

// New prepares a watcher over root, which must be a directory. Events are
// delivered to handler once Start is called.
func New(root string, handler Handler, opts Options, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	opts.Extension = mirror.NormalizeExtension(opts.Extension)
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = DefaultRenameWindow
	}
	if opts.Swap == nil {
		if opts.Swap, err = mirror.NewSwapDetector(nil); err != nil {
			return nil, err
		}
	}
	return &Watcher{root: abs, handler: handler, opts: opts, log: log}, nil
}

// Root returns the absolute path being watched.
func (w *Watcher) Root() string { return w.root }

// Delivered counts events handed to the handler.
func (w *Watcher) Delivered() uint64 { return w.delivered.Load() }

// Filtered counts notifications dropped by the extension or swap filters.
func (w *Watcher) Filtered() uint64 { return w.filtered.Load() }

// Start registers every directory under the root and begins delivering
// events. It returns once the watches are in place.
func (w *Watcher) Start(ctx context.Context) error {
	err := errors.New("watcher already started")
	w.startOnce.Do(func() {
		err = w.start(ctx)
	})
	return err
}

func (w *Watcher) start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	if err := w.addRecursive(w.root); err != nil {
		_ = fsw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	w.log.Debug("watching mirror", zap.String("root", w.root))
	return nil
}

// Stop ends delivery and waits for the watcher goroutine to exit. It is
// safe to call more than once and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		// Prevent a later Start from spawning a goroutine nobody stops.
		w.startOnce.Do(func() {})
		if w.cancel == nil {
			return
		}
		w.cancel()
		<-w.done
	})
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() { _ = w.fsw.Close() }()
	defer w.stopPending()

	for {
		var expired <-chan time.Time
		if w.pendingTimer != nil {
			expired = w.pendingTimer.C
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleNotify(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-expired:
			old := w.pendingOld
			w.stopPending()
			// Moved out of the mirror, or renamed over with no Create.
			w.emit(Event{Kind: Deleted, Path: old})
		}
	}
}

func (w *Watcher) handleNotify(ev fsnotify.Event) {
	rel, ok := w.rel(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if isDir(ev.Name) {
			if err := w.addRecursive(ev.Name); err != nil {
				w.log.Warn("failed to watch new directory", zap.String("path", rel), zap.Error(err))
			}
		}
		if w.pendingTimer != nil {
			old := w.pendingOld
			w.stopPending()
			w.emit(Event{Kind: Renamed, Path: rel, OldPath: old})
			return
		}
		if !isDir(ev.Name) {
			w.emit(Event{Kind: Created, Path: rel})
		}
	case ev.Has(fsnotify.Write):
		w.emit(Event{Kind: Changed, Path: rel})
	case ev.Has(fsnotify.Remove):
		w.emit(Event{Kind: Deleted, Path: rel})
	case ev.Has(fsnotify.Rename):
		if w.pendingTimer != nil {
			old := w.pendingOld
			w.stopPending()
			w.emit(Event{Kind: Deleted, Path: old})
		}
		w.pendingOld = rel
		w.pendingTimer = time.NewTimer(w.opts.RenameWindow)
	}
}

func (w *Watcher) stopPending() {
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = nil
	w.pendingOld = ""
}

// emit applies the filters and calls the handler.
func (w *Watcher) emit(ev Event) {
	ext := w.opts.Extension
	switch ev.Kind {
	case Renamed:
		if !mirror.IsRuleFile(ev.Path, ext) && !mirror.IsRuleFile(ev.OldPath, ext) {
			w.filtered.Add(1)
			return
		}
		if w.opts.Swap.IsSwapRename(ev.OldPath, ev.Path) {
			w.filtered.Add(1)
			w.log.Debug("ignoring editor rename",
				zap.String("old", ev.OldPath), zap.String("new", ev.Path))
			return
		}
	default:
		if !mirror.IsRuleFile(ev.Path, ext) {
			w.filtered.Add(1)
			return
		}
	}

	w.delivered.Add(1)
	if w.handler != nil {
		w.handler(ev)
	}
}

func (w *Watcher) rel(name string) (string, bool) {
	r, err := filepath.Rel(w.root, name)
	if err != nil || r == "." || r == ".." || len(r) > 2 && r[:3] == ".."+string(filepath.Separator) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func isDir(p string) bool {
	info, err := os.Lstat(p)
	return err == nil && info.IsDir()
}
