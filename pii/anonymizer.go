package pii

import (
	"log"
	"sort"
	"strings"

	"github.com/mkallas/estpii/pii/recognizers"
)

// Operator kinds accepted in anonymize requests.
const (
	OperatorReplace = "replace"
	OperatorMask    = "mask"
	OperatorRedact  = "redact"
)

// OperatorDirective describes how to transform a detected span's text.
type OperatorDirective struct {
	Type        string `json:"type"`
	NewValue    string `json:"new_value,omitempty"`
	MaskingChar string `json:"masking_char,omitempty"`
	CharsToMask int    `json:"chars_to_mask,omitempty"`
	FromEnd     *bool  `json:"from_end,omitempty"`
}

// AnonymizedItem reports one applied operator: the span bounds in the
// anonymized text, the entity type, the replacement text, and the operator
// kind used.
type AnonymizedItem struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	EntityType string `json:"entity_type"`
	Text       string `json:"text"`
	Operator   string `json:"operator"`
}

// AnonymizeResult is the anonymized text plus the per-span application log.
type AnonymizeResult struct {
	Text  string           `json:"text"`
	Items []AnonymizedItem `json:"items"`
}

// Anonymizer applies operator directives to detected spans. Directives are
// resolved per entity type: request override first, then the configured
// default replacement, then a generic "<TYPE>" replacement.
type Anonymizer struct {
	defaultReplacements map[string]string
}

// NewAnonymizer creates an anonymizer with the configured default
// replacements (entity type to replacement literal).
func NewAnonymizer(defaultReplacements map[string]string) *Anonymizer {
	return &Anonymizer{defaultReplacements: defaultReplacements}
}

// resolveDirective picks the operator directive for an entity type.
func (a *Anonymizer) resolveDirective(entityType string, overrides map[string]OperatorDirective) OperatorDirective {
	if d, ok := overrides[entityType]; ok {
		if d.Type == "" {
			d.Type = OperatorReplace
		}
		return d
	}
	if replacement, ok := a.defaultReplacements[entityType]; ok {
		return OperatorDirective{Type: OperatorReplace, NewValue: replacement}
	}
	return OperatorDirective{Type: OperatorReplace, NewValue: "<" + entityType + ">"}
}

// replacementFor computes the replacement text for a span under a directive.
func replacementFor(original, entityType string, d OperatorDirective) (string, string) {
	switch d.Type {
	case OperatorMask:
		maskingChar := d.MaskingChar
		if maskingChar == "" {
			maskingChar = "*"
		}
		charsToMask := d.CharsToMask
		if charsToMask <= 0 {
			charsToMask = 4
		}
		fromEnd := true
		if d.FromEnd != nil {
			fromEnd = *d.FromEnd
		}
		return maskText(original, maskingChar, charsToMask, fromEnd), OperatorMask
	case OperatorRedact:
		return "", OperatorRedact
	case OperatorReplace, "":
		newValue := d.NewValue
		if newValue == "" {
			newValue = "<" + entityType + ">"
		}
		return newValue, OperatorReplace
	default:
		log.Printf("[Anonymizer] Unknown operator %q for %s, falling back to replace", d.Type, entityType)
		return "<" + entityType + ">", OperatorReplace
	}
}

// maskText replaces charsToMask runes of s with maskingChar, from the end or
// the start. Rune-based so multibyte Estonian characters mask cleanly.
func maskText(s, maskingChar string, charsToMask int, fromEnd bool) string {
	runes := []rune(s)
	if charsToMask > len(runes) {
		charsToMask = len(runes)
	}

	mask := strings.Repeat(maskingChar, charsToMask)
	if fromEnd {
		return string(runes[:len(runes)-charsToMask]) + mask
	}
	return mask + string(runes[charsToMask:])
}

// resolveOverlaps reduces the span set to non-overlapping spans so text
// splicing stays well formed. Higher score wins; on ties the wider span wins.
// Cross-recognizer merge semantics beyond this belong to the caller's
// aggregation layer, not here.
func resolveOverlaps(spans []recognizers.Span) []recognizers.Span {
	sorted := make([]recognizers.Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].End-sorted[i].Start > sorted[j].End-sorted[j].Start
	})

	kept := []recognizers.Span{}
	for _, s := range sorted {
		overlaps := false
		for _, k := range kept {
			if s.Start < k.End && k.Start < s.End {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// Anonymize applies the resolved operator directives to the detected spans
// and returns the transformed text plus the application log. Spans are
// spliced right to left so earlier offsets stay valid; reported item bounds
// refer to positions in the anonymized text.
func (a *Anonymizer) Anonymize(text string, spans []recognizers.Span, overrides map[string]OperatorDirective) AnonymizeResult {
	spans = resolveOverlaps(spans)

	sort.Slice(spans, func(i, j int) bool {
		return spans[i].Start < spans[j].Start
	})

	type application struct {
		span        recognizers.Span
		replacement string
		operator    string
	}

	applications := make([]application, 0, len(spans))
	for _, span := range spans {
		directive := a.resolveDirective(span.EntityType, overrides)
		replacement, operator := replacementFor(text[span.Start:span.End], span.EntityType, directive)
		applications = append(applications, application{span: span, replacement: replacement, operator: operator})
	}

	// Splice from the end so unapplied span offsets remain valid.
	out := text
	for i := len(applications) - 1; i >= 0; i-- {
		app := applications[i]
		out = out[:app.span.Start] + app.replacement + out[app.span.End:]
	}

	// Item bounds shift by the cumulative length delta of the replacements
	// applied before them.
	items := make([]AnonymizedItem, 0, len(applications))
	delta := 0
	for _, app := range applications {
		start := app.span.Start + delta
		items = append(items, AnonymizedItem{
			Start:      start,
			End:        start + len(app.replacement),
			EntityType: app.span.EntityType,
			Text:       app.replacement,
			Operator:   app.operator,
		})
		delta += len(app.replacement) - (app.span.End - app.span.Start)
	}

	return AnonymizeResult{Text: out, Items: items}
}
