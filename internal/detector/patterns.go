package detector

import (
	"fmt"
	"os"
	"regexp"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/heald/internal/store"
)

// Pattern classifies one error family. Patterns are evaluated in order and
// the first match wins, so more specific regexes must come before generic
// ones.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Category    store.Category
	Severity    store.Severity
	AutoFixable bool
}

// patternSpec is the on-disk form of a Pattern.
type patternSpec struct {
	Name        string `koanf:"name"`
	Regex       string `koanf:"regex"`
	Category    string `koanf:"category"`
	Severity    string `koanf:"severity"`
	AutoFixable bool   `koanf:"auto_fixable"`
}

// DefaultPatterns returns the built-in classification table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Dependency errors first so they win over the generic import match.
		{Name: "ModuleNotFoundError", Regex: regexp.MustCompile(`ModuleNotFoundError: No module named '(.*)'`), Category: store.CategoryDependency, Severity: store.SeverityHigh, AutoFixable: true},

		// Runtime errors.
		{Name: "ImportError", Regex: regexp.MustCompile(`ImportError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityHigh, AutoFixable: true},
		{Name: "SyntaxError", Regex: regexp.MustCompile(`SyntaxError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityCritical, AutoFixable: true},
		{Name: "IndentationError", Regex: regexp.MustCompile(`IndentationError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityCritical, AutoFixable: true},
		{Name: "AttributeError", Regex: regexp.MustCompile(`AttributeError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityHigh, AutoFixable: true},
		{Name: "TypeError", Regex: regexp.MustCompile(`TypeError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityHigh, AutoFixable: true},
		{Name: "NameError", Regex: regexp.MustCompile(`NameError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityHigh, AutoFixable: true},
		{Name: "ValueError", Regex: regexp.MustCompile(`ValueError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityMedium, AutoFixable: true},
		{Name: "KeyError", Regex: regexp.MustCompile(`KeyError: (.*)`), Category: store.CategoryRuntime, Severity: store.SeverityMedium, AutoFixable: true},

		// Database-layer errors.
		{Name: "OperationalError", Regex: regexp.MustCompile(`(?:\w+\.)+OperationalError: (.*)`), Category: store.CategoryDatabase, Severity: store.SeverityCritical, AutoFixable: false},
		{Name: "IntegrityError", Regex: regexp.MustCompile(`(?:\w+\.)+IntegrityError: (.*)`), Category: store.CategoryDatabase, Severity: store.SeverityHigh, AutoFixable: false},
		{Name: "ProgrammingError", Regex: regexp.MustCompile(`(?:\w+\.)+ProgrammingError: (.*)`), Category: store.CategoryDatabase, Severity: store.SeverityHigh, AutoFixable: true},

		// Application-domain errors raised by the monitored service's
		// framework exceptions module.
		{Name: "ValidationError", Regex: regexp.MustCompile(`(?:\w+\.)+exceptions\.ValidationError: (.*)`), Category: store.CategoryDomain, Severity: store.SeverityMedium, AutoFixable: true},
		{Name: "UserError", Regex: regexp.MustCompile(`(?:\w+\.)+exceptions\.UserError: (.*)`), Category: store.CategoryDomain, Severity: store.SeverityLow, AutoFixable: false},
		{Name: "AccessError", Regex: regexp.MustCompile(`(?:\w+\.)+exceptions\.AccessError: (.*)`), Category: store.CategoryDomain, Severity: store.SeverityMedium, AutoFixable: false},
		{Name: "MissingError", Regex: regexp.MustCompile(`(?:\w+\.)+exceptions\.MissingError: (.*)`), Category: store.CategoryDomain, Severity: store.SeverityMedium, AutoFixable: true},
		{Name: "ParseError", Regex: regexp.MustCompile(`(?:\w+\.)+convert\.ParseError: (.*)`), Category: store.CategoryDomain, Severity: store.SeverityHigh, AutoFixable: true},

		// Asset pipeline errors.
		{Name: "JavaScriptError", Regex: regexp.MustCompile(`Error: (.*\.js:\d+)`), Category: store.CategoryAsset, Severity: store.SeverityMedium, AutoFixable: true},
		{Name: "SCSSCompilation", Regex: regexp.MustCompile(`Error compiling scss: (.*)`), Category: store.CategoryAsset, Severity: store.SeverityMedium, AutoFixable: true},
		{Name: "AssetError", Regex: regexp.MustCompile(`AssetError: (.*)`), Category: store.CategoryAsset, Severity: store.SeverityMedium, AutoFixable: true},
	}
}

// LoadPatternsFile parses a YAML pattern table:
//
//	patterns:
//	  - name: ImportError
//	    regex: "ImportError: (.*)"
//	    category: runtime
//	    severity: HIGH
//	    auto_fixable: true
func LoadPatternsFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patterns file: %w", err)
	}
	return ParsePatterns(data)
}

// ParsePatterns parses a YAML pattern table from raw bytes.
func ParsePatterns(data []byte) ([]Pattern, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse patterns yaml: %w", err)
	}

	var specs []patternSpec
	if err := k.Unmarshal("patterns", &specs); err != nil {
		return nil, fmt.Errorf("failed to decode patterns: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("patterns file defines no patterns")
	}

	patterns := make([]Pattern, 0, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("pattern %d: name is required", i)
		}
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: invalid regex: %w", spec.Name, err)
		}
		severity, err := parseSeverity(spec.Severity)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", spec.Name, err)
		}
		category, err := parseCategory(spec.Category)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", spec.Name, err)
		}
		patterns = append(patterns, Pattern{
			Name:        spec.Name,
			Regex:       re,
			Category:    category,
			Severity:    severity,
			AutoFixable: spec.AutoFixable,
		})
	}
	return patterns, nil
}

func parseSeverity(s string) (store.Severity, error) {
	switch store.Severity(s) {
	case store.SeverityCritical, store.SeverityHigh, store.SeverityMedium, store.SeverityLow:
		return store.Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

func parseCategory(s string) (store.Category, error) {
	switch store.Category(s) {
	case store.CategoryRuntime, store.CategoryDatabase, store.CategoryDomain,
		store.CategoryAsset, store.CategoryDependency:
		return store.Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}
