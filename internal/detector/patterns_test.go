package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/heald/internal/store"
)

func TestDefaultPatternsClassify(t *testing.T) {
	patterns := DefaultPatterns()
	require.NotEmpty(t, patterns)

	tests := []struct {
		name     string
		text     string
		wantType string
		wantCat  store.Category
	}{
		{
			name:     "module not found wins over import error",
			text:     "ModuleNotFoundError: No module named 'requests'",
			wantType: "ModuleNotFoundError",
			wantCat:  store.CategoryDependency,
		},
		{
			name:     "database operational error",
			text:     "psycopg2.OperationalError: could not connect to server",
			wantType: "OperationalError",
			wantCat:  store.CategoryDatabase,
		},
		{
			name:     "domain validation error",
			text:     "erp.exceptions.ValidationError: Quantity must be positive",
			wantType: "ValidationError",
			wantCat:  store.CategoryDomain,
		},
		{
			name:     "scss compilation",
			text:     "Error compiling scss: undefined variable $brand",
			wantType: "SCSSCompilation",
			wantCat:  store.CategoryAsset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, p := range patterns {
				if p.Regex.MatchString(tt.text) {
					assert.Equal(t, tt.wantType, p.Name)
					assert.Equal(t, tt.wantCat, p.Category)
					return
				}
			}
			t.Fatalf("no pattern matched %q", tt.text)
		})
	}
}

func TestParsePatterns(t *testing.T) {
	data := []byte(`
patterns:
  - name: ImportError
    regex: "ImportError: (.*)"
    category: runtime
    severity: HIGH
    auto_fixable: true
  - name: DiskFull
    regex: "No space left on device"
    category: runtime
    severity: CRITICAL
    auto_fixable: false
`)
	patterns, err := ParsePatterns(data)
	require.NoError(t, err)
	require.Len(t, patterns, 2)

	assert.Equal(t, "ImportError", patterns[0].Name)
	assert.Equal(t, store.SeverityHigh, patterns[0].Severity)
	assert.True(t, patterns[0].AutoFixable)

	assert.Equal(t, "DiskFull", patterns[1].Name)
	assert.Equal(t, store.SeverityCritical, patterns[1].Severity)
	assert.False(t, patterns[1].AutoFixable)
}

func TestParsePatternsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty table", data: "patterns: []"},
		{name: "missing name", data: "patterns:\n  - regex: \"x\"\n    category: runtime\n    severity: HIGH"},
		{name: "bad regex", data: "patterns:\n  - name: X\n    regex: \"(\"\n    category: runtime\n    severity: HIGH"},
		{name: "bad severity", data: "patterns:\n  - name: X\n    regex: \"x\"\n    category: runtime\n    severity: URGENT"},
		{name: "bad category", data: "patterns:\n  - name: X\n    regex: \"x\"\n    category: cosmic\n    severity: HIGH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePatterns([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
