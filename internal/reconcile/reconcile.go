// Package reconcile applies mirror edits back to the document model. Each
// handler maps one filesystem event to rule mutations through a
// graph.RuleStore.
package reconcile

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	billy "github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentic-research/rulebridge/internal/graph"
	"github.com/agentic-research/rulebridge/internal/mirror"
	"github.com/agentic-research/rulebridge/internal/registry"
	"github.com/agentic-research/rulebridge/internal/watch"
)

var (
	ErrUnknownAssembly   = errors.New("unknown assembly")
	ErrRuleNotFound      = errors.New("rule not found")
	ErrRuleAlreadyExists = errors.New("rule already exists")
	ErrOldRuleNotFound   = errors.New("old rule not found")
)

// Guard reports whether a rebuild is in progress. While it is, every
// handler is a no-op so the rebuild's own writes never flow back.
type Guard interface {
	IsRefreshing() bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc func() bool

func (f GuardFunc) IsRefreshing() bool { return f() }

// Config wires a Reconciler.
type Config struct {
	Registry *registry.Registry
	Rules    graph.RuleStore
	// FS holds the mirror; Root is the mirror root inside FS. Event paths
	// are resolved against it.
	FS        billy.Filesystem
	Root      string
	Extension string
	Swap      *mirror.SwapDetector
	Guard     Guard
	Logger    *zap.Logger
}

// Reconciler maps events to rule mutations.
type Reconciler struct {
	reg   *registry.Registry
	rules graph.RuleStore
	fs    billy.Filesystem
	root  string
	ext   string
	swap  *mirror.SwapDetector
	guard Guard
	log   *zap.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New returns a Reconciler for cfg. Registry, Rules and FS are required;
// a nil Guard never suppresses and a nil Logger discards output.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Registry == nil || cfg.Rules == nil || cfg.FS == nil {
		return nil, errors.New("reconcile: registry, rule store and filesystem are required")
	}
	r := &Reconciler{
		reg:   cfg.Registry,
		rules: cfg.Rules,
		fs:    cfg.FS,
		root:  cfg.Root,
		ext:   mirror.NormalizeExtension(cfg.Extension),
		swap:  cfg.Swap,
		guard: cfg.Guard,
		log:   cfg.Logger,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.guard == nil {
		r.guard = GuardFunc(func() bool { return false })
	}
	if r.swap == nil {
		var err error
		if r.swap, err = mirror.NewSwapDetector(nil); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Dropped counts events ignored because a rebuild was running.
func (r *Reconciler) Dropped() uint64 { return r.dropped.Load() }

// Failed counts events whose handler reported an error.
func (r *Reconciler) Failed() uint64 { return r.failed.Load() }

// Handle dispatches ev to its handler. Failures and panics are logged and
// never escape, so one bad event cannot stop the stream.
func (r *Reconciler) Handle(ev watch.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.failed.Add(1)
			r.log.Error("event handler panicked",
				zap.Stringer("kind", ev.Kind), zap.String("path", ev.Path), zap.Any("panic", p))
		}
	}()

	var err error
	switch ev.Kind {
	case watch.Changed:
		err = r.OnChanged(ev.Path)
	case watch.Created:
		err = r.OnCreated(ev.Path)
	case watch.Deleted:
		err = r.OnDeleted(ev.Path)
	case watch.Renamed:
		err = r.OnRenamed(ev.OldPath, ev.Path)
	default:
		err = fmt.Errorf("unsupported event kind %s", ev.Kind)
	}
	if err != nil {
		r.failed.Add(1)
		r.log.Error("failed to reconcile event",
			zap.Stringer("kind", ev.Kind),
			zap.String("path", ev.Path),
			zap.String("old_path", ev.OldPath),
			zap.Error(err))
	}
}

// suppressed reports (and counts) events arriving during a rebuild.
func (r *Reconciler) suppressed(kind watch.Kind, rel string) bool {
	if !r.guard.IsRefreshing() {
		return false
	}
	r.dropped.Add(1)
	r.log.Debug("dropping event during refresh", zap.Stringer("kind", kind), zap.String("path", rel))
	return true
}

// OnChanged overwrites an existing rule with the file content. Rules are
// never created on change.
func (r *Reconciler) OnChanged(rel string) error {
	if r.suppressed(watch.Changed, rel) {
		return nil
	}
	rp, doc, err := r.resolve(rel)
	if err != nil {
		return err
	}
	rule, err := r.rules.GetRule(doc, rp.Rule)
	if errors.Is(err, graph.ErrRuleNotFound) {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rp)
	}
	if err != nil {
		return fmt.Errorf("get rule %s: %w", rp, err)
	}
	return r.update(rp, doc, rule, rel)
}

func (r *Reconciler) update(rp mirror.RulePath, doc graph.Document, rule graph.Rule, rel string) error {
	text, err := r.read(rel)
	if err != nil {
		return err
	}
	if err := rule.SetText(text); err != nil {
		return fmt.Errorf("update rule %s: %w", rp, err)
	}
	r.log.Info("updated rule", zap.String("assembly", rp.Assembly), zap.String("rule", rp.Rule))
	r.reg.MarkDirty(rp.Assembly)
	return r.nudge(doc)
}

// nudge adds and removes a throwaway rule so the host re-evaluates state
// that depends on the edited rule.
func (r *Reconciler) nudge(doc graph.Document) error {
	name := "rulebridge-" + uuid.NewString()
	if _, err := r.rules.CreateRule(doc, name, ""); err != nil {
		return fmt.Errorf("create placeholder rule: %w", err)
	}
	if err := r.rules.DeleteRule(doc, name); err != nil {
		return fmt.Errorf("delete placeholder rule %s: %w", name, err)
	}
	return nil
}

// OnCreated creates a rule from a new file, auto-run disabled. An existing
// rule of the same name is left alone.
func (r *Reconciler) OnCreated(rel string) error {
	if r.suppressed(watch.Created, rel) {
		return nil
	}
	rp, doc, err := r.resolve(rel)
	if err != nil {
		return err
	}
	_, err = r.rules.GetRule(doc, rp.Rule)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrRuleAlreadyExists, rp)
	case !errors.Is(err, graph.ErrRuleNotFound):
		return fmt.Errorf("get rule %s: %w", rp, err)
	}
	text, err := r.read(rel)
	if err != nil {
		return err
	}
	return r.create(rp, doc, text)
}

func (r *Reconciler) create(rp mirror.RulePath, doc graph.Document, text string) error {
	rule, err := r.rules.CreateRule(doc, rp.Rule, text)
	if err != nil {
		return fmt.Errorf("create rule %s: %w", rp, err)
	}
	r.reg.MarkDirty(rp.Assembly)
	if err := r.rules.SetRuleAutoRun(rule, false); err != nil {
		return fmt.Errorf("disable auto-run on %s: %w", rp, err)
	}
	r.log.Info("created rule", zap.String("assembly", rp.Assembly), zap.String("rule", rp.Rule))
	return nil
}

// OnDeleted removes the rule if it still exists.
func (r *Reconciler) OnDeleted(rel string) error {
	if r.suppressed(watch.Deleted, rel) {
		return nil
	}
	rp, doc, err := r.resolve(rel)
	if err != nil {
		return err
	}
	_, err = r.rules.GetRule(doc, rp.Rule)
	if errors.Is(err, graph.ErrRuleNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get rule %s: %w", rp, err)
	}
	r.log.Warn("removing rule from document, this cannot be undone",
		zap.String("assembly", rp.Assembly), zap.String("rule", rp.Rule))
	if err := r.rules.DeleteRule(doc, rp.Rule); err != nil {
		return fmt.Errorf("delete rule %s: %w", rp, err)
	}
	r.reg.MarkDirty(rp.Assembly)
	return nil
}

// OnRenamed moves a rule to its new name by delete and create, keeping the
// text. Editor housekeeping renames are ignored; a temporary file renamed
// onto a rule file is an atomic save of that rule.
func (r *Reconciler) OnRenamed(oldRel, newRel string) error {
	if r.suppressed(watch.Renamed, newRel) {
		return nil
	}
	if r.swap.IsSwapRename(oldRel, newRel) {
		r.log.Debug("ignoring swap file rename", zap.String("old", oldRel), zap.String("new", newRel))
		return nil
	}

	oldIsRule := mirror.IsRuleFile(oldRel, r.ext)
	newIsRule := mirror.IsRuleFile(newRel, r.ext)
	switch {
	case !oldIsRule && newIsRule:
		return r.saveOver(newRel)
	case oldIsRule && !newIsRule:
		r.log.Warn("rule file renamed away from the rule extension, document left unchanged",
			zap.String("old", oldRel), zap.String("new", newRel))
		return nil
	case !oldIsRule && !newIsRule:
		return nil
	}

	oldRP, oldDoc, err := r.resolve(oldRel)
	if err != nil {
		return err
	}
	newRP, newDoc, err := r.resolve(newRel)
	if err != nil {
		return err
	}
	if oldRP == newRP {
		return nil
	}

	old, err := r.rules.GetRule(oldDoc, oldRP.Rule)
	if errors.Is(err, graph.ErrRuleNotFound) {
		return fmt.Errorf("%w: %s", ErrOldRuleNotFound, oldRP)
	}
	if err != nil {
		return fmt.Errorf("get rule %s: %w", oldRP, err)
	}
	text := old.Text()

	if _, err := r.rules.GetRule(newDoc, newRP.Rule); err == nil {
		return fmt.Errorf("%w: %s", ErrRuleAlreadyExists, newRP)
	}

	if err := r.rules.DeleteRule(oldDoc, oldRP.Rule); err != nil {
		return fmt.Errorf("delete rule %s: %w", oldRP, err)
	}
	r.reg.MarkDirty(oldRP.Assembly)
	r.log.Info("renaming rule", zap.Stringer("old", oldRP), zap.Stringer("new", newRP))
	return r.create(newRP, newDoc, text)
}

// saveOver handles a file moved onto a rule path: update the rule if it
// exists, otherwise create it.
func (r *Reconciler) saveOver(rel string) error {
	rp, doc, err := r.resolve(rel)
	if err != nil {
		return err
	}
	rule, err := r.rules.GetRule(doc, rp.Rule)
	switch {
	case err == nil:
		return r.update(rp, doc, rule, rel)
	case errors.Is(err, graph.ErrRuleNotFound):
		text, err := r.read(rel)
		if err != nil {
			return err
		}
		return r.create(rp, doc, text)
	default:
		return fmt.Errorf("get rule %s: %w", rp, err)
	}
}

func (r *Reconciler) resolve(rel string) (mirror.RulePath, graph.Document, error) {
	rp, err := mirror.ParseRulePath(rel, r.ext)
	if err != nil {
		return rp, nil, err
	}
	doc, err := r.reg.Lookup(rp.Assembly)
	if err != nil {
		return rp, nil, fmt.Errorf("%w: %s", ErrUnknownAssembly, rp.Assembly)
	}
	return rp, doc, nil
}

func (r *Reconciler) read(rel string) (string, error) {
	p := r.fs.Join(r.root, rel)
	f, err := r.fs.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(b), nil
}
