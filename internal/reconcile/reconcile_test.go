package reconcile

import (
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentic-research/rulebridge/internal/graph"
	"github.com/agentic-research/rulebridge/internal/registry"
	"github.com/agentic-research/rulebridge/internal/watch"
)

type fixture struct {
	host       *graph.MemoryHost
	fs         billy.Filesystem
	reg        *registry.Registry
	rec        *Reconciler
	refreshing bool
	logs       *observer.ObservedLogs
}

// newFixture mirrors Top (rules rule1, rule2) and its sub-assembly Frame
// (rule Size) under "mirror/".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := graph.NewMemoryHost()
	require.NoError(t, h.AddDocument("Top", graph.KindAssembly))
	require.NoError(t, h.AddDocument("Frame", graph.KindAssembly))
	require.NoError(t, h.AddOccurrence("Top", "Frame:1", "Frame"))
	require.NoError(t, h.PutRule("Top", "rule1", "A = 1"))
	require.NoError(t, h.PutRule("Top", "rule2", "B = 2"))
	require.NoError(t, h.PutRule("Frame", "Size", "L = 3"))
	require.NoError(t, h.SetActive("Top"))

	f := &fixture{host: h, fs: memfs.New(), reg: registry.New()}
	for _, name := range []string{"Top", "Frame"} {
		doc, err := h.Document(name)
		require.NoError(t, err)
		require.NoError(t, f.reg.Register(name, doc))
	}
	f.write(t, "Top/rule1.vb", "A = 1")
	f.write(t, "Top/rule2.vb", "B = 2")
	f.write(t, "Top/Frame/Size.vb", "L = 3")

	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	rec, err := New(Config{
		Registry:  f.reg,
		Rules:     h,
		FS:        f.fs,
		Root:      "mirror",
		Extension: ".vb",
		Guard:     GuardFunc(func() bool { return f.refreshing }),
		Logger:    zap.New(core),
	})
	require.NoError(t, err)
	f.rec = rec
	return f
}

func (f *fixture) write(t *testing.T, rel, text string) {
	t.Helper()
	require.NoError(t, util.WriteFile(f.fs, f.fs.Join("mirror", rel), []byte(text), 0o644))
}

func (f *fixture) text(name, rule string) string {
	s, _ := f.host.RuleText(name, rule)
	return s
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestOnChanged_UpdatesText(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/rule1.vb", "A = 10")

	require.NoError(t, f.rec.OnChanged("Top/rule1.vb"))
	assert.Equal(t, "A = 10", f.text("Top", "rule1"))
	assert.Equal(t, []string{"rule1", "rule2"}, f.host.RuleNames("Top"), "placeholder rule must not survive")
	// set text, create placeholder, delete placeholder
	assert.Equal(t, 3, f.host.Mutations())
	assert.Equal(t, []string{"Top"}, f.reg.Dirty())
}

func TestOnChanged_NestedAssembly(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/Frame/Size.vb", "L = 4")

	require.NoError(t, f.rec.OnChanged("Top/Frame/Size.vb"))
	assert.Equal(t, "L = 4", f.text("Frame", "Size"))
	assert.Equal(t, "A = 1", f.text("Top", "rule1"))
}

func TestOnChanged_MissingRuleIsNotCreated(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/ghost.vb", "G")

	err := f.rec.OnChanged("Top/ghost.vb")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, ok := f.host.RuleText("Top", "ghost")
	assert.False(t, ok)
	assert.Zero(t, f.host.Mutations())
}

func TestOnChanged_UnknownAssembly(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Stray/rule1.vb", "x")

	err := f.rec.OnChanged("Stray/rule1.vb")
	assert.ErrorIs(t, err, ErrUnknownAssembly)
	assert.Zero(t, f.host.Mutations())
}

func TestOnCreated_CreatesWithAutoRunDisabled(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/rule3.vb", "C = 3")

	require.NoError(t, f.rec.OnCreated("Top/rule3.vb"))
	assert.Equal(t, "C = 3", f.text("Top", "rule3"))
	assert.False(t, f.host.AutoRun("Top", "rule3"))
	assert.Equal(t, []string{"Top"}, f.reg.Dirty())
}

func TestOnCreated_ExistingRuleUntouched(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/rule1.vb", "overwritten?")

	err := f.rec.OnCreated("Top/rule1.vb")
	assert.ErrorIs(t, err, ErrRuleAlreadyExists)
	assert.Equal(t, "A = 1", f.text("Top", "rule1"))
	assert.Zero(t, f.host.Mutations())
	assert.Empty(t, f.reg.Dirty())
}

func TestOnDeleted(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.rec.OnDeleted("Top/rule2.vb"))
	_, ok := f.host.RuleText("Top", "rule2")
	assert.False(t, ok)
	assert.Equal(t, 1, f.logs.FilterMessage("removing rule from document, this cannot be undone").Len())

	// Deleting again is a no-op.
	before := f.host.Mutations()
	require.NoError(t, f.rec.OnDeleted("Top/rule2.vb"))
	assert.Equal(t, before, f.host.Mutations())
}

func TestOnRenamed_MovesRule(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/renamed.vb", "A = 1")

	require.NoError(t, f.rec.OnRenamed("Top/rule1.vb", "Top/renamed.vb"))
	_, ok := f.host.RuleText("Top", "rule1")
	assert.False(t, ok)
	assert.Equal(t, "A = 1", f.text("Top", "renamed"))
	assert.False(t, f.host.AutoRun("Top", "renamed"))
}

func TestOnRenamed_SwapNameIgnored(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.rec.OnRenamed("Top/rule1.vb", "Top/rule1.vb~"))
	require.NoError(t, f.rec.OnRenamed("Top/rule1.vb", "Top/.rule1.vb.swp"))
	assert.Zero(t, f.host.Mutations())
	assert.Equal(t, "A = 1", f.text("Top", "rule1"))
}

func TestOnRenamed_OldRuleMissing(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/new.vb", "x")

	err := f.rec.OnRenamed("Top/missing.vb", "Top/new.vb")
	assert.ErrorIs(t, err, ErrOldRuleNotFound)
	assert.Zero(t, f.host.Mutations())
}

func TestOnRenamed_OntoExistingRuleRefused(t *testing.T) {
	f := newFixture(t)

	err := f.rec.OnRenamed("Top/rule1.vb", "Top/rule2.vb")
	assert.ErrorIs(t, err, ErrRuleAlreadyExists)
	assert.Equal(t, "A = 1", f.text("Top", "rule1"))
	assert.Equal(t, "B = 2", f.text("Top", "rule2"))
}

func TestOnRenamed_AtomicSave(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/rule1.vb", "A = 42")

	require.NoError(t, f.rec.OnRenamed("Top/rule1.vb.tmp", "Top/rule1.vb"))
	assert.Equal(t, "A = 42", f.text("Top", "rule1"))

	f.write(t, "Top/fresh.vb", "F")
	require.NoError(t, f.rec.OnRenamed("Top/fresh.vb.tmp", "Top/fresh.vb"))
	assert.Equal(t, "F", f.text("Top", "fresh"))
}

func TestOnRenamed_AwayFromExtensionIsHarmless(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.rec.OnRenamed("Top/rule1.vb", "Top/rule1.txt"))
	assert.Equal(t, "A = 1", f.text("Top", "rule1"))
	assert.Zero(t, f.host.Mutations())
}

func TestHandlers_SuppressedWhileRefreshing(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Top/rule1.vb", "rebuilt")
	f.write(t, "Top/rule9.vb", "new")
	f.refreshing = true

	events := []watch.Event{
		{Kind: watch.Changed, Path: "Top/rule1.vb"},
		{Kind: watch.Created, Path: "Top/rule9.vb"},
		{Kind: watch.Deleted, Path: "Top/rule2.vb"},
		{Kind: watch.Renamed, OldPath: "Top/rule1.vb", Path: "Top/other.vb"},
	}
	for _, ev := range events {
		f.rec.Handle(ev)
	}
	assert.Zero(t, f.host.Mutations())
	assert.Equal(t, uint64(len(events)), f.rec.Dropped())
	assert.Zero(t, f.rec.Failed())
	assert.Equal(t, "A = 1", f.text("Top", "rule1"))
}

func TestHandle_FailureDoesNotStopLaterEvents(t *testing.T) {
	f := newFixture(t)
	doc, err := f.host.Document("Top")
	require.NoError(t, err)
	// The rule disappears behind the mirror's back.
	require.NoError(t, f.host.DeleteRule(doc, "rule1"))
	f.write(t, "Top/rule1.vb", "edit")
	f.write(t, "Top/rule2.vb", "B = 20")

	f.rec.Handle(watch.Event{Kind: watch.Changed, Path: "Top/rule1.vb"})
	f.rec.Handle(watch.Event{Kind: watch.Changed, Path: "Top/rule2.vb"})

	assert.Equal(t, "B = 20", f.text("Top", "rule2"))
	assert.Equal(t, uint64(1), f.rec.Failed())

	entries := f.logs.FilterMessage("failed to reconcile event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Top/rule1.vb", entries[0].ContextMap()["path"])
	assert.Contains(t, entries[0].ContextMap()["error"], ErrRuleNotFound.Error())
}

type panickyStore struct{ graph.RuleStore }

func (panickyStore) GetRule(graph.Document, string) (graph.Rule, error) {
	panic("host went away")
}

func TestHandle_RecoversPanics(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	rec, err := New(Config{
		Registry: f.reg,
		Rules:    panickyStore{f.host},
		FS:       f.fs,
		Root:     "mirror",
		Logger:   zap.New(core),
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		rec.Handle(watch.Event{Kind: watch.Changed, Path: "Top/rule1.vb"})
	})
	assert.Equal(t, 1, logs.FilterMessage("event handler panicked").Len())
	assert.Equal(t, uint64(1), rec.Failed())
}
