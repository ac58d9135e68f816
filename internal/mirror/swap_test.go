package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapDetector_Defaults(t *testing.T) {
	d, err := NewSwapDetector(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSwapPatterns, d.Patterns())

	tests := []struct {
		old, new string
		want     bool
	}{
		{"A/rule1.vb", "A/rule1.vb~", true},
		{"A/rule1.vb", "A/.rule1.vb.swp", true},
		{"A/rule1.vb", "A/4913", true},
		{"A/rule1.vb", "A/rule2.vb", false},
		{"A/rule1.vb.tmp", "A/rule1.vb", false}, // atomic save onto the rule
		{"A/rule1.vb", "B/rule1.vb", false},
	}
	for _, tt := range tests {
		t.Run(tt.old+"->"+tt.new, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsSwapRename(tt.old, tt.new))
		})
	}
}

func TestSwapDetector_CustomPatterns(t *testing.T) {
	d, err := NewSwapDetector([]string{"*.bak"})
	require.NoError(t, err)

	assert.True(t, d.IsSwapRename("A/r.vb", "A/r.vb.bak"))
	assert.True(t, d.IsSwapRename("A/r.vb", "A/r.vb~"), "name+~ is always housekeeping")
	assert.False(t, d.IsSwapRename("A/r.vb", "A/.r.vb.swp"))
}

func TestSwapDetector_Empty(t *testing.T) {
	d, err := NewSwapDetector([]string{})
	require.NoError(t, err)
	assert.False(t, d.IsSwapName("x~"))
	assert.True(t, d.IsSwapRename("A/x.vb", "A/x.vb~"))
}

func TestSwapDetector_InvalidPattern(t *testing.T) {
	_, err := NewSwapDetector([]string{"[unterminated"})
	assert.Error(t, err)
}
