package conversation

import "strings"

// ClosingDetector decides whether an assistant reply ends the call.
type ClosingDetector interface {
	IsClosingStatement(text string) bool
}

// ClosingFunc adapts a plain function to ClosingDetector.
type ClosingFunc func(text string) bool

func (f ClosingFunc) IsClosingStatement(text string) bool { return f(text) }

// KeywordDetector matches a fixed phrase list as case-insensitive substrings.
type KeywordDetector struct {
	phrases []string
}

func NewKeywordDetector(phrases []string) *KeywordDetector {
	d := &KeywordDetector{}
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

func (d *KeywordDetector) IsClosingStatement(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
