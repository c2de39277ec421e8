// Package pii detects personally identifying patterns in free text. Both the
// input validator and the vector store refuse content that matches.
package pii

import "regexp"

// Detector scans text against a fixed pattern set
type Detector struct {
	patterns map[string]*regexp.Regexp
}

// NewDetector creates a detector for SSNs, credit cards, emails, and phone
// numbers.
func NewDetector() *Detector {
	return &Detector{
		patterns: map[string]*regexp.Regexp{
			"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			"credit_card": regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
			"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			"phone":       regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
		},
	}
}

// Detect reports the first matching pattern kind, if any
func (d *Detector) Detect(text string) (string, bool) {
	for kind, pattern := range d.patterns {
		if pattern.MatchString(text) {
			return kind, true
		}
	}
	return "", false
}

// Contains reports whether text matches any PII pattern
func (d *Detector) Contains(text string) bool {
	_, found := d.Detect(text)
	return found
}
