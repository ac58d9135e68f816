package mirror

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// DefaultExtension is the file extension of mirrored rule files.
const DefaultExtension = ".vb"

var ErrNotRuleFile = errors.New("not a rule file")

// RulePath identifies a rule by its owning assembly directory and name.
type RulePath struct {
	Assembly string
	Rule     string
}

func (p RulePath) String() string { return p.Assembly + "/" + p.Rule }

// NormalizeExtension returns ext with exactly one leading dot.
func NormalizeExtension(ext string) string {
	if ext == "" {
		return DefaultExtension
	}
	return "." + strings.TrimLeft(ext, ".")
}

// RuleFileName returns the mirror file name for a rule.
func RuleFileName(rule, ext string) string {
	return rule + NormalizeExtension(ext)
}

// IsRuleFile reports whether the base name of p carries the rule extension.
func IsRuleFile(p, ext string) bool {
	base := path.Base(filepath.ToSlash(p))
	ext = NormalizeExtension(ext)
	return len(base) > len(ext) && strings.EqualFold(base[len(base)-len(ext):], ext)
}

// ParseRulePath derives (assembly, rule) from a path relative to the
// mirror root: the assembly is the parent directory name and the rule is
// the file name minus the extension. Rule names may themselves contain dots.
func ParseRulePath(rel, ext string) (RulePath, error) {
	rel = path.Clean(filepath.ToSlash(rel))
	if !IsRuleFile(rel, ext) {
		return RulePath{}, fmt.Errorf("%w: %s", ErrNotRuleFile, rel)
	}
	dir, base := path.Split(rel)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || dir == "." {
		return RulePath{}, fmt.Errorf("%w: %s has no owning assembly directory", ErrNotRuleFile, rel)
	}
	ext = NormalizeExtension(ext)
	return RulePath{
		Assembly: path.Base(dir),
		Rule:     base[:len(base)-len(ext)],
	}, nil
}

// validName rejects rule and document names that cannot map to exactly one
// entry directly under their parent directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
