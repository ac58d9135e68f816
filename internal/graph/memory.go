package graph

import (
	"fmt"
	"sync"
)

// MemoryHost is an in-process Host. It backs tests and dry runs, and
// supports injecting failures into individual documents.
type MemoryHost struct {
	mu        sync.RWMutex
	docs      map[string]*memDocument
	active    string
	failures  map[string]error
	mutations int
	runs      []Run
}

// Run records one RunRule call on a MemoryHost.
type Run struct {
	Document string
	Rule     string
	Blocking bool
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		docs:     make(map[string]*memDocument),
		failures: make(map[string]error),
	}
}

type memDocument struct {
	host  *MemoryHost
	name  string
	kind  Kind
	occs  []*memOccurrence
	order []string // rule names in creation order
	rules map[string]*memRule
}

type memOccurrence struct {
	host  *MemoryHost
	name  string
	child string
}

type memRule struct {
	host    *MemoryHost
	doc     *memDocument
	name    string
	text    string
	autoRun bool
	deleted bool
}

// AddDocument implements HierarchyWriter. Adding an existing name is a no-op.
func (h *MemoryHost) AddDocument(name string, kind Kind) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.docs[name]; ok {
		return nil
	}
	h.docs[name] = &memDocument{host: h, name: name, kind: kind, rules: make(map[string]*memRule)}
	return nil
}

// AddOccurrence implements HierarchyWriter. Both documents must exist.
func (h *MemoryHost) AddOccurrence(parent, name, child string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.docs[parent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, parent)
	}
	if _, ok := h.docs[child]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, child)
	}
	if p.kind != KindAssembly {
		return fmt.Errorf("document %s is a %s and cannot hold occurrences", parent, p.kind)
	}
	p.occs = append(p.occs, &memOccurrence{host: h, name: name, child: child})
	return nil
}

// PutRule implements HierarchyWriter, creating or overwriting a rule
// without counting it as a mutation.
func (h *MemoryHost) PutRule(doc, name, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, doc)
	}
	if r, ok := d.rules[name]; ok {
		r.text = text
		return nil
	}
	d.rules[name] = &memRule{host: h, doc: d, name: name, text: text, autoRun: true}
	d.order = append(d.order, name)
	return nil
}

// SetActive implements HierarchyWriter.
func (h *MemoryHost) SetActive(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.docs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, name)
	}
	h.active = name
	return nil
}

// FailDocument makes every occurrence referencing name fail to resolve
// its definition with err. A nil err clears the failure.
func (h *MemoryHost) FailDocument(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, name)
		return
	}
	h.failures[name] = err
}

// Document returns the named document.
func (h *MemoryHost) Document(name string) (Document, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.docs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, name)
	}
	return d, nil
}

// RuleText reports the current text of a rule, for assertions.
func (h *MemoryHost) RuleText(doc, name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.docs[doc]
	if !ok {
		return "", false
	}
	r, ok := d.rules[name]
	if !ok {
		return "", false
	}
	return r.text, true
}

// RuleNames lists a document's rules in creation order.
func (h *MemoryHost) RuleNames(doc string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.docs[doc]
	if !ok {
		return nil
	}
	return append([]string(nil), d.order...)
}

// AutoRun reports whether a rule runs on parameter change.
func (h *MemoryHost) AutoRun(doc, name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.docs[doc]
	if !ok {
		return false
	}
	r, ok := d.rules[name]
	return ok && r.autoRun
}

// Mutations counts rule mutations made through the RuleStore interface.
func (h *MemoryHost) Mutations() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mutations
}

// Runs returns the rules executed through RunRule, oldest first.
func (h *MemoryHost) Runs() []Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Run(nil), h.runs...)
}

// RunRule implements RuleRunner by recording the call. Running a rule
// never changes its text.
func (h *MemoryHost) RunRule(doc Document, name string, blocking bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup(doc)
	if err != nil {
		return err
	}
	if _, ok := d.rules[name]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, d.name, name)
	}
	h.runs = append(h.runs, Run{Document: d.name, Rule: name, Blocking: blocking})
	return nil
}

// ActiveDocument implements Host.
func (h *MemoryHost) ActiveDocument() (Document, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == "" {
		return nil, ErrNoActiveDocument
	}
	return h.docs[h.active], nil
}

func (h *MemoryHost) lookup(doc Document) (*memDocument, error) {
	d, ok := h.docs[doc.DisplayName()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, doc.DisplayName())
	}
	return d, nil
}

// ListRules implements RuleStore.
func (h *MemoryHost) ListRules(doc Document) ([]Rule, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, err := h.lookup(doc)
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(d.order))
	for _, name := range d.order {
		rules = append(rules, d.rules[name])
	}
	return rules, nil
}

// GetRule implements RuleStore.
func (h *MemoryHost) GetRule(doc Document, name string) (Rule, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, err := h.lookup(doc)
	if err != nil {
		return nil, err
	}
	r, ok := d.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRuleNotFound, d.name, name)
	}
	return r, nil
}

// CreateRule implements RuleStore. New rules run on parameter change
// until told otherwise, as in the authoring application.
func (h *MemoryHost) CreateRule(doc Document, name, text string) (Rule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup(doc)
	if err != nil {
		return nil, err
	}
	if _, ok := d.rules[name]; ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRuleExists, d.name, name)
	}
	r := &memRule{host: h, doc: d, name: name, text: text, autoRun: true}
	d.rules[name] = r
	d.order = append(d.order, name)
	h.mutations++
	return r, nil
}

// DeleteRule implements RuleStore.
func (h *MemoryHost) DeleteRule(doc Document, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup(doc)
	if err != nil {
		return err
	}
	r, ok := d.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, d.name, name)
	}
	r.deleted = true
	delete(d.rules, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	h.mutations++
	return nil
}

// SetRuleAutoRun implements RuleStore.
func (h *MemoryHost) SetRuleAutoRun(rule Rule, enabled bool) error {
	r, ok := rule.(*memRule)
	if !ok {
		return fmt.Errorf("rule %s does not belong to this host", rule.Name())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.deleted {
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, r.doc.name, r.name)
	}
	r.autoRun = enabled
	h.mutations++
	return nil
}

func (d *memDocument) DisplayName() string { return d.name }
func (d *memDocument) Kind() Kind          { return d.kind }

func (d *memDocument) Occurrences() ([]Occurrence, error) {
	d.host.mu.RLock()
	defer d.host.mu.RUnlock()
	if d.kind != KindAssembly {
		return nil, nil
	}
	occs := make([]Occurrence, len(d.occs))
	for i, o := range d.occs {
		occs[i] = o
	}
	return occs, nil
}

func (o *memOccurrence) Name() string { return o.name }

func (o *memOccurrence) DefinitionKind() Kind {
	o.host.mu.RLock()
	defer o.host.mu.RUnlock()
	if d, ok := o.host.docs[o.child]; ok {
		return d.kind
	}
	return KindPart
}

func (o *memOccurrence) Document() (Document, error) {
	o.host.mu.RLock()
	defer o.host.mu.RUnlock()
	if err, ok := o.host.failures[o.child]; ok {
		return nil, err
	}
	d, ok := o.host.docs[o.child]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, o.child)
	}
	return d, nil
}

func (o *memOccurrence) SubOccurrences() ([]Occurrence, error) {
	d, err := o.Document()
	if err != nil {
		return nil, err
	}
	return d.Occurrences()
}

func (r *memRule) Name() string { return r.name }

func (r *memRule) Text() string {
	r.host.mu.RLock()
	defer r.host.mu.RUnlock()
	return r.text
}

func (r *memRule) SetText(text string) error {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	if r.deleted {
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, r.doc.name, r.name)
	}
	r.text = text
	r.host.mutations++
	return nil
}
