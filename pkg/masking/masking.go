// Package masking redacts credential-shaped substrings from task output and
// error text before it reaches the store, the stream, or the persistence log.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// Pattern is a compiled masking rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover the common credential shapes. The list is ordered;
// more specific patterns run before the generic key=value catch-all.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{"openai_key", `sk-[A-Za-z0-9_-]{20,}`, "***MASKED_API_KEY***"},
	{"github_token", `gh[pousr]_[A-Za-z0-9]{36,}`, "***MASKED_TOKEN***"},
	{"aws_access_key", `AKIA[0-9A-Z]{16}`, "***MASKED_AWS_KEY***"},
	{"bearer_token", `(?i)bearer\s+[A-Za-z0-9._~+/=-]{16,}`, "Bearer ***MASKED_TOKEN***"},
	{"url_credentials", `://[^/\s:@]+:[^/\s:@]+@`, "://***MASKED_CREDENTIALS***@"},
	{"assigned_secret", `(?i)\b(api[_-]?key|secret|token|password|passwd)\b(\s*[:=]\s*)\S+`, "$1$2***MASKED***"},
}

// Masker applies an ordered set of regex rules to text.
type Masker struct {
	mu       sync.RWMutex
	patterns []*Pattern
}

// NewMasker returns a masker loaded with the built-in credential patterns.
func NewMasker() *Masker {
	m := &Masker{}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &Pattern{
			Name:        p.name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}
	return m
}

// AddPattern registers a custom rule, applied after the built-ins.
func (m *Masker) AddPattern(name, pattern, replacement string) error {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("masking pattern %q: %w", name, err)
	}
	m.mu.Lock()
	m.patterns = append(m.patterns, &Pattern{
		Name:        name,
		Regex:       compiled,
		Replacement: replacement,
	})
	m.mu.Unlock()
	return nil
}

// Mask applies every rule in order and returns the redacted text.
func (m *Masker) Mask(text string) string {
	if text == "" {
		return text
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}

var defaultMasker = NewMasker()

// Apply redacts text using the default masker.
func Apply(text string) string {
	return defaultMasker.Mask(text)
}
