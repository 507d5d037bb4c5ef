// Package redact scrubs secrets out of remote command output before it
// is stored in node status, the database or the audit log.
package redact

import "sort"

// RedactionConfig controls what the Redactor redacts.
type RedactionConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RedactIPs      string   `yaml:"redact_ips"` // "private_only" | "all" | "none"
	CustomPatterns []string `yaml:"custom_patterns"`
	Placeholder    string   `yaml:"placeholder"`
}

// DefaultConfig redacts secrets but keeps node addresses readable, since
// operators need them to act on a failed update.
func DefaultConfig() RedactionConfig {
	return RedactionConfig{
		Enabled:     true,
		RedactIPs:   "none",
		Placeholder: "[REDACTED]",
	}
}

// Redactor applies a sorted set of redaction rules to strings.
type Redactor struct {
	rules       []rule
	placeholder string
}

// New compiles a Redactor from the given config. If cfg.Enabled is false,
// the returned Redactor is a passthrough.
func New(cfg RedactionConfig) *Redactor {
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	if !cfg.Enabled {
		return &Redactor{placeholder: placeholder}
	}

	var rules []rule
	rules = append(rules, builtinRules(placeholder)...)
	rules = append(rules, ipRules(cfg.RedactIPs, placeholder)...)
	rules = append(rules, customRules(cfg.CustomPatterns, placeholder)...)

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority < rules[j].priority
	})

	return &Redactor{
		rules:       rules,
		placeholder: placeholder,
	}
}

// Redact applies all compiled rules in priority order. A nil Redactor
// returns the input unchanged.
func (r *Redactor) Redact(input string) string {
	if r == nil || len(r.rules) == 0 {
		return input
	}

	result := input
	for _, rule := range r.rules {
		result = rule.pattern.ReplaceAllStringFunc(result, rule.replace)
	}
	return result
}
