package graph

import (
	"fmt"
	"os"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Hierarchy files describe a document tree as JSON:
//
//	{
//	  "active": "Top",
//	  "documents": [
//	    {"name": "Top", "kind": "assembly",
//	     "rules": [{"name": "Check", "text": "..."}],
//	     "occurrences": [{"name": "Shared:1", "document": "Shared"}, "Bolt"]}
//	  ]
//	}
//
// An occurrence may be given as a bare document name.
var (
	documentsPath   = jp.MustParseString("$.documents[*]")
	activePath      = jp.MustParseString("$.active")
	rulesPath       = jp.MustParseString("$.rules[*]")
	occurrencesPath = jp.MustParseString("$.occurrences[*]")
)

// LoadHierarchy reads a hierarchy file and writes it into target.
func LoadHierarchy(path string, target HierarchyWriter) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return ParseHierarchy(content, target)
}

// ParseHierarchy writes the hierarchy described by content into target.
// Documents are added before any occurrence so forward references resolve.
func ParseHierarchy(content []byte, target HierarchyWriter) error {
	data, err := oj.Parse(content)
	if err != nil {
		return fmt.Errorf("failed to parse hierarchy: %w", err)
	}

	docs := documentsPath.Get(data)
	for _, d := range docs {
		name, err := stringField(d, "name")
		if err != nil {
			return err
		}
		kindName, _ := stringField(d, "kind")
		kind, err := ParseKind(kindName)
		if err != nil {
			return fmt.Errorf("document %s: %w", name, err)
		}
		if err := target.AddDocument(name, kind); err != nil {
			return err
		}
	}

	for _, d := range docs {
		name, _ := stringField(d, "name")
		for _, r := range rulesPath.Get(d) {
			ruleName, err := stringField(r, "name")
			if err != nil {
				return fmt.Errorf("document %s: %w", name, err)
			}
			text, _ := stringField(r, "text")
			if err := target.PutRule(name, ruleName, text); err != nil {
				return err
			}
		}
		for i, o := range occurrencesPath.Get(d) {
			occName, child, err := occurrenceFields(o, i)
			if err != nil {
				return fmt.Errorf("document %s: %w", name, err)
			}
			if err := target.AddOccurrence(name, occName, child); err != nil {
				return err
			}
		}
	}

	if active, ok := activePath.First(data).(string); ok && active != "" {
		return target.SetActive(active)
	}
	return nil
}

func stringField(v any, key string) (string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("expected object, got %T", v)
	}
	s, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("missing string field %q", key)
	}
	return s, nil
}

func occurrenceFields(v any, index int) (name, child string, err error) {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%s:%d", s, index+1), s, nil
	}
	child, err = stringField(v, "document")
	if err != nil {
		return "", "", err
	}
	name, nameErr := stringField(v, "name")
	if nameErr != nil {
		name = fmt.Sprintf("%s:%d", child, index+1)
	}
	return name, child, nil
}
