// Package mirror lays a document hierarchy's rules out as a directory tree:
// one directory per distinct assembly, nested under the assembly that first
// discovered it, and one file per rule.
package mirror

import (
	"errors"
	"fmt"
	"os"
	"sort"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"github.com/agentic-research/rulebridge/internal/graph"
	"github.com/agentic-research/rulebridge/internal/registry"
)

var (
	// ErrOccurrenceEnumeration wraps failures confined to one occurrence branch.
	ErrOccurrenceEnumeration = errors.New("failed to enumerate occurrence")
	// ErrInvalidDocumentName is returned for display names that are empty,
	// "." or "..", or contain a path separator.
	ErrInvalidDocumentName = errors.New("document name cannot be mirrored")
)

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644
)

// Options controls a build.
type Options struct {
	// Extension of rule files, e.g. ".vb".
	Extension string
	// Recursive descends into sub-assemblies; otherwise only the root
	// document's rules are mirrored.
	Recursive bool
}

// Stats summarizes one build.
type Stats struct {
	Documents int
	Rules     int
	Skipped   int // occurrences or rules that could not be mirrored
}

// Builder writes the mirror tree into a billy.Filesystem and records every
// mirrored document in a registry.
type Builder struct {
	fs       billy.Filesystem
	registry *registry.Registry
	rules    graph.RuleStore
	opts     Options
	log      *zap.Logger

	stats   Stats
	visited map[string]struct{}
}

// NewBuilder returns a Builder writing into fs. A nil log discards output.
func NewBuilder(fs billy.Filesystem, reg *registry.Registry, rules graph.RuleStore, opts Options, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	opts.Extension = NormalizeExtension(opts.Extension)
	return &Builder{fs: fs, registry: reg, rules: rules, opts: opts, log: log}
}

// Build mirrors doc into root/<displayName>. Any previous content of that
// directory is destroyed. Failures inside one occurrence branch are logged
// and skipped; only failures on the root document abort the build.
func (b *Builder) Build(root string, doc graph.Document) (Stats, error) {
	b.stats = Stats{}
	b.registry.Clear()

	name := doc.DisplayName()
	if !validName(name) {
		return b.stats, fmt.Errorf("%w: %q", ErrInvalidDocumentName, name)
	}
	if err := b.registry.Register(name, doc); err != nil {
		return b.stats, err
	}
	b.visited = map[string]struct{}{name: {}}

	dir := b.fs.Join(root, name)
	if err := util.RemoveAll(b.fs, dir); err != nil {
		return b.stats, fmt.Errorf("remove %s: %w", dir, err)
	}
	if err := b.fs.MkdirAll(dir, dirPerm); err != nil {
		return b.stats, fmt.Errorf("create %s: %w", dir, err)
	}
	if err := b.writeRules(dir, doc); err != nil {
		return b.stats, err
	}
	b.stats.Documents++

	if doc.Kind() != graph.KindAssembly || !b.opts.Recursive {
		return b.stats, nil
	}

	occs, err := doc.Occurrences()
	if err != nil {
		b.stats.Skipped++
		b.log.Warn("failed to enumerate occurrences",
			zap.String("document", name), zap.Error(err))
		return b.stats, nil
	}
	b.walk(dir, occs)
	return b.stats, nil
}

// LastStats returns the summary of the most recent Build.
func (b *Builder) LastStats() Stats { return b.stats }

// walk visits the assembly occurrences under curPath depth-first.
func (b *Builder) walk(curPath string, occs []graph.Occurrence) {
	for _, occ := range occs {
		if occ.DefinitionKind() != graph.KindAssembly {
			continue
		}
		if err := b.visit(curPath, occ); err != nil {
			b.stats.Skipped++
			b.log.Warn("skipping occurrence",
				zap.String("occurrence", occ.Name()),
				zap.String("path", curPath),
				zap.Error(err))
		}
	}
}

func (b *Builder) visit(curPath string, occ graph.Occurrence) error {
	doc, err := occ.Document()
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrOccurrenceEnumeration, occ.Name(), err)
	}

	name := doc.DisplayName()
	if !validName(name) {
		return fmt.Errorf("%w %s: %w: %q", ErrOccurrenceEnumeration, occ.Name(), ErrInvalidDocumentName, name)
	}
	if _, seen := b.visited[name]; seen {
		return nil
	}
	b.visited[name] = struct{}{}

	if err := b.registry.Register(name, doc); err != nil {
		return fmt.Errorf("%w %s: %w", ErrOccurrenceEnumeration, occ.Name(), err)
	}

	dir := b.fs.Join(curPath, name)
	if err := b.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("%w %s: %w", ErrOccurrenceEnumeration, occ.Name(), err)
	}
	if err := b.writeRules(dir, doc); err != nil {
		return fmt.Errorf("%w %s: %w", ErrOccurrenceEnumeration, occ.Name(), err)
	}
	b.stats.Documents++

	subs, err := occ.SubOccurrences()
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrOccurrenceEnumeration, occ.Name(), err)
	}
	b.walk(dir, subs)
	return nil
}

// writeRules writes one file per rule, in name order so repeated builds
// produce identical trees.
func (b *Builder) writeRules(dir string, doc graph.Document) error {
	rules, err := b.rules.ListRules(doc)
	if err != nil {
		return fmt.Errorf("list rules of %s: %w", doc.DisplayName(), err)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name() < rules[j].Name() })

	for _, r := range rules {
		if !validName(r.Name()) {
			b.stats.Skipped++
			b.log.Warn("rule name cannot be mirrored",
				zap.String("document", doc.DisplayName()), zap.String("rule", r.Name()))
			continue
		}
		p := b.fs.Join(dir, RuleFileName(r.Name(), b.opts.Extension))
		if err := util.WriteFile(b.fs, p, []byte(r.Text()), filePerm); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		b.stats.Rules++
	}
	return nil
}

// Reset empties root, creating it if absent.
func Reset(fs billy.Filesystem, root string) error {
	entries, err := fs.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", root, err)
	}
	for _, e := range entries {
		if err := util.RemoveAll(fs, fs.Join(root, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return fs.MkdirAll(root, dirPerm)
}
