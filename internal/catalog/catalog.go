// Package catalog holds the per-topic prompt table: system instruction,
// canned opening line and ordered fallback replies, plus the phrases that
// mark the end of a call.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"didi-voice/internal/domain"
)

//go:embed topics.yaml
var defaultDocument []byte

// UnsupportedTopicError is returned for a topic that has no catalog entry.
type UnsupportedTopicError struct {
	Topic domain.Topic
}

func (e *UnsupportedTopicError) Error() string {
	return fmt.Sprintf("catalog: unsupported topic %q", string(e.Topic))
}

// Entry is the static content bound to one topic.
type Entry struct {
	SystemPrompt string   `yaml:"system_prompt"`
	OpeningLine  string   `yaml:"opening_line"`
	Fallbacks    []string `yaml:"fallbacks"`
}

// Fallback returns the fallback at position n, wrapping around the list.
func (e Entry) Fallback(n int) string {
	if len(e.Fallbacks) == 0 {
		return ""
	}
	if n < 0 {
		n = -n
	}
	return e.Fallbacks[n%len(e.Fallbacks)]
}

type document struct {
	ClosingPhrases []string                `yaml:"closing_phrases"`
	Topics         map[domain.Topic]Entry `yaml:"topics"`
}

// Catalog is an immutable topic lookup table.
type Catalog struct {
	topics         map[domain.Topic]Entry
	closingPhrases []string
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultDocument)
}

// Load reads a catalog from a YAML file. An empty path yields the default.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if len(doc.Topics) == 0 {
		return nil, errors.New("catalog: no topics defined")
	}

	c := &Catalog{topics: make(map[domain.Topic]Entry, len(doc.Topics))}
	for topic, e := range doc.Topics {
		entry, err := normalizeEntry(topic, e)
		if err != nil {
			return nil, err
		}
		c.topics[topic] = entry
	}
	for _, p := range doc.ClosingPhrases {
		if p = strings.TrimSpace(p); p != "" {
			c.closingPhrases = append(c.closingPhrases, p)
		}
	}
	if len(c.closingPhrases) == 0 {
		return nil, errors.New("catalog: no closing phrases defined")
	}
	return c, nil
}

func normalizeEntry(topic domain.Topic, e Entry) (Entry, error) {
	if strings.TrimSpace(string(topic)) == "" {
		return Entry{}, errors.New("catalog: topic key must not be empty")
	}
	out := Entry{
		SystemPrompt: strings.TrimSpace(e.SystemPrompt),
		OpeningLine:  strings.TrimSpace(e.OpeningLine),
	}
	if out.SystemPrompt == "" {
		return Entry{}, fmt.Errorf("catalog: topic %q: system_prompt is empty", topic)
	}
	if out.OpeningLine == "" {
		return Entry{}, fmt.Errorf("catalog: topic %q: opening_line is empty", topic)
	}
	for _, f := range e.Fallbacks {
		if f = strings.TrimSpace(f); f != "" {
			out.Fallbacks = append(out.Fallbacks, f)
		}
	}
	if len(out.Fallbacks) == 0 {
		return Entry{}, fmt.Errorf("catalog: topic %q: at least one fallback is required", topic)
	}
	return out, nil
}

// Lookup returns the entry for topic.
func (c *Catalog) Lookup(topic domain.Topic) (Entry, error) {
	e, ok := c.topics[topic]
	if !ok {
		return Entry{}, &UnsupportedTopicError{Topic: topic}
	}
	return e, nil
}

// Topics returns the configured topics sorted by name.
func (c *Catalog) Topics() []domain.Topic {
	out := make([]domain.Topic, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClosingPhrases returns a copy of the end-of-call phrases.
func (c *Catalog) ClosingPhrases() []string {
	return append([]string(nil), c.closingPhrases...)
}
