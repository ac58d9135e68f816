package mirror

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/gobwas/glob"
)

// DefaultSwapPatterns match the backup and swap names common editors use
// while saving (vim, emacs, and most tmp-then-rename writers).
var DefaultSwapPatterns = []string{"*~", ".*.swp", ".*.swx", "*.tmp", "4913"}

// SwapDetector recognizes renames that are editor housekeeping rather than
// a user renaming a rule.
type SwapDetector struct {
	patterns []string
	globs    []glob.Glob
}

// NewSwapDetector compiles patterns. A nil slice selects DefaultSwapPatterns;
// an empty non-nil slice leaves only the name+"~" rule.
func NewSwapDetector(patterns []string) (*SwapDetector, error) {
	if patterns == nil {
		patterns = DefaultSwapPatterns
	}
	d := &SwapDetector{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid swap pattern %q: %w", p, err)
		}
		d.globs = append(d.globs, g)
	}
	return d, nil
}

// Patterns returns the configured glob patterns.
func (d *SwapDetector) Patterns() []string {
	return append([]string(nil), d.patterns...)
}

// IsSwapName reports whether a base name matches a swap pattern.
func (d *SwapDetector) IsSwapName(name string) bool {
	for _, g := range d.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// IsSwapRename reports whether renaming oldPath to newPath moves a file
// aside: the new name is the old one plus "~", or matches a swap pattern.
// Renames from a swap name onto a rule file are atomic saves and are not
// housekeeping.
func (d *SwapDetector) IsSwapRename(oldPath, newPath string) bool {
	oldBase := path.Base(filepath.ToSlash(oldPath))
	newBase := path.Base(filepath.ToSlash(newPath))
	if newBase == oldBase+"~" {
		return true
	}
	return d.IsSwapName(newBase)
}
