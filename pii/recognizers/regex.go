package recognizers

import (
	"context"
	"regexp"
	"sort"
)

// Pattern pairs a regular expression with the entity type it detects and a
// base confidence score. Scores reflect how specifically the pattern
// identifies its target type.
type Pattern struct {
	EntityType string
	Expr       string
	Score      float64
}

// BuiltinPatterns covers the structured PII categories the NER model does not
// handle, tuned for Estonian formats where a national convention exists.
var BuiltinPatterns = []Pattern{
	{EmailAddress, `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, 1.0},
	{PhoneNumber, `(\+372[\s-]?)?\b[5-7]\d{2,3}[\s-]?\d{4}\b`, 0.75},
	{URL, `\bhttps?://[^\s<>"']+\b`, 0.85},
	{IPAddress, `\b(?:\d{1,3}\.){3}\d{1,3}\b`, 0.95},
	{IBANCode, `\bEE\d{2}[\s]?\d{4}[\s]?\d{4}[\s]?\d{4}[\s]?\d{4}\b`, 0.9},
	{Crypto, `\b(?:bc1|[13])[a-km-zA-HJ-NP-Z1-9]{25,39}\b`, 0.6},
	{CreditCard, `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`, 0.8},
}

// RegexRecognizer detects structured PII using regular expressions.
type RegexRecognizer struct {
	name     string
	language string
	patterns []compiledPattern
}

type compiledPattern struct {
	entityType string
	re         *regexp.Regexp
	score      float64
}

// NewRegexRecognizer compiles the given patterns. Invalid expressions panic,
// surfacing misconfiguration at startup rather than per request.
func NewRegexRecognizer(name, language string, patterns []Pattern) *RegexRecognizer {
	if name == "" {
		name = "pattern_recognizer"
	}
	if language == "" {
		language = LanguageAgnostic
	}

	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, compiledPattern{
			entityType: p.EntityType,
			re:         regexp.MustCompile(p.Expr),
			score:      p.Score,
		})
	}

	return &RegexRecognizer{
		name:     name,
		language: language,
		patterns: compiled,
	}
}

// Name returns the recognizer's registry name.
func (r *RegexRecognizer) Name() string {
	return r.name
}

// Language returns the language code this recognizer handles.
func (r *RegexRecognizer) Language() string {
	return r.language
}

// SupportedEntities returns the entity types covered by the pattern set,
// sorted and deduplicated.
func (r *RegexRecognizer) SupportedEntities() []string {
	seen := make(map[string]bool, len(r.patterns))
	var out []string
	for _, p := range r.patterns {
		if !seen[p.entityType] {
			seen[p.entityType] = true
			out = append(out, p.entityType)
		}
	}
	sort.Strings(out)
	return out
}

// Recognize matches every pattern against the text and returns the resulting
// spans, honoring the requested-type filter.
func (r *RegexRecognizer) Recognize(ctx context.Context, text string, requested []string) ([]Span, error) {
	want := make(map[string]bool, len(requested))
	for _, t := range requested {
		want[t] = true
	}

	spans := []Span{}
	for _, p := range r.patterns {
		if len(want) > 0 && !want[p.entityType] {
			continue
		}
		for _, match := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{
				EntityType: p.entityType,
				Start:      match[0],
				End:        match[1],
				Score:      p.score,
			})
		}
	}

	return spans, nil
}

// Close implements the Recognizer interface. Nothing to release.
func (r *RegexRecognizer) Close() error {
	return nil
}
