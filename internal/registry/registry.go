// Package registry maps mirror directory names back to the documents they
// were built from. The builder rebuilds it wholesale on every refresh; the
// reconciler only reads it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/rulebridge/internal/graph"
)

var (
	ErrNotFound      = errors.New("document not registered")
	ErrDuplicateName = errors.New("document already registered")
)

// Registry is safe for concurrent use. Entries are non-owning references:
// the host keeps the documents alive.
type Registry struct {
	mu   sync.RWMutex
	docs map[string]graph.Document

	// Each name gets a dense internal ID so edits since the last rebuild
	// can be tracked in a bitmap.
	ids   map[string]uint32
	names []string // reverse: ID → name
	dirty *roaring.Bitmap
}

func New() *Registry {
	return &Registry{
		docs:  make(map[string]graph.Document),
		ids:   make(map[string]uint32),
		dirty: roaring.New(),
	}
}

// Clear drops every entry and the dirty set.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = make(map[string]graph.Document)
	r.ids = make(map[string]uint32)
	r.names = r.names[:0]
	r.dirty.Clear()
}

// Register adds name → doc. Names are unique; the builder's visited set
// guarantees a name is never registered twice in one build.
func (r *Registry) Register(name string, doc graph.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.docs[name] = doc
	r.ids[name] = uint32(len(r.names))
	r.names = append(r.names, name)
	return nil
}

// Lookup returns the document registered under name.
func (r *Registry) Lookup(name string) (graph.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return doc, nil
}

// Len returns the number of registered documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Names returns registered names in registration (discovery) order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// MarkDirty records that name's rules were changed from the mirror.
// Unknown names are ignored.
func (r *Registry) MarkDirty(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[name]; ok {
		r.dirty.Add(id)
	}
}

// Dirty returns the names marked dirty since the last Clear, sorted.
func (r *Registry) Dirty() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, r.dirty.GetCardinality())
	it := r.dirty.Iterator()
	for it.HasNext() {
		out = append(out, r.names[it.Next()])
	}
	sort.Strings(out)
	return out
}
