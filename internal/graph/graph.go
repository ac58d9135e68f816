// Package graph defines the document model rulebridge mirrors: documents
// (assemblies and parts), the occurrences that link them, and the rules
// each document owns. The authoring application is reached only through
// the Host interface, so the synchronizer never depends on a concrete API.
package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound is returned by RuleStore.GetRule when the document
	// has no rule with the requested name.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrRuleExists is returned by RuleStore.CreateRule for a taken name.
	ErrRuleExists = errors.New("rule already exists")
	// ErrDocumentNotFound is returned when a document cannot be resolved.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrNoActiveDocument is returned when the host has nothing open.
	ErrNoActiveDocument = errors.New("no active document")
)

// Kind distinguishes assemblies (which own occurrences) from leaf parts.
type Kind int

const (
	KindPart Kind = iota
	KindAssembly
)

func (k Kind) String() string {
	switch k {
	case KindAssembly:
		return "assembly"
	case KindPart:
		return "part"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "assembly":
		return KindAssembly, nil
	case "part", "":
		return KindPart, nil
	default:
		return KindPart, fmt.Errorf("unknown document kind %q", s)
	}
}

// Document is a non-owning handle to a component held by the host.
// DisplayName is the traversal key and the mirror directory name.
type Document interface {
	DisplayName() string
	Kind() Kind
	// Occurrences lists the component occurrences of an assembly.
	// Parts return nil.
	Occurrences() ([]Occurrence, error)
}

// Occurrence is one placement of a document inside an assembly. Several
// occurrences may reference the same document, and the graph may cycle.
type Occurrence interface {
	Name() string
	DefinitionKind() Kind
	Document() (Document, error)
	SubOccurrences() ([]Occurrence, error)
}

// Rule is a named opaque text script owned by a document.
type Rule interface {
	Name() string
	Text() string
	SetText(text string) error
}

// RuleStore reads and mutates the rules of a document.
type RuleStore interface {
	ListRules(doc Document) ([]Rule, error)
	// GetRule returns ErrRuleNotFound when the rule is absent.
	GetRule(doc Document, name string) (Rule, error)
	CreateRule(doc Document, name, text string) (Rule, error)
	DeleteRule(doc Document, name string) error
	SetRuleAutoRun(rule Rule, enabled bool) error
}

// Host is the authoring application as seen by rulebridge.
type Host interface {
	RuleStore
	ActiveDocument() (Document, error)
}

// RuleRunner is implemented by hosts that can execute a rule. Blocking
// asks the host to lock out user input while the rule runs.
type RuleRunner interface {
	RunRule(doc Document, name string, blocking bool) error
}

// HierarchyWriter is implemented by hosts that can be populated from a
// hierarchy description (see LoadHierarchy).
type HierarchyWriter interface {
	AddDocument(name string, kind Kind) error
	AddOccurrence(parent, name, child string) error
	PutRule(doc, name, text string) error
	SetActive(name string) error
}
