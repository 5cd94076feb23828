package recognizers

import (
	"log"
	"strings"
)

// stripIOB removes a B- (beginning) or I- (inside) positional prefix from a
// model label, if present.
func stripIOB(label string) string {
	if strings.HasPrefix(label, "B-") || strings.HasPrefix(label, "I-") {
		return label[2:]
	}
	return label
}

// Normalize converts a raw labeled-span stream from a sequence-labeling model
// into canonical entity spans. Labels are stripped of IOB prefixes and mapped
// through mapping; labels absent from mapping pass through unchanged so that
// new model vocabularies are not dropped silently. When requested is
// non-empty, only spans whose mapped type is requested are retained; an empty
// requested set accepts every mapped type.
//
// A malformed raw span (empty label, start >= end, negative start, score
// outside [0,1]) is skipped and logged without aborting the rest of the batch.
func Normalize(raw []RawSpan, mapping map[string]string, requested []string) []Span {
	want := make(map[string]bool, len(requested))
	for _, r := range requested {
		want[r] = true
	}

	spans := make([]Span, 0, len(raw))
	for _, rs := range raw {
		if rs.Label == "" || rs.Start < 0 || rs.Start >= rs.End || rs.Score < 0 || rs.Score > 1 {
			log.Printf("[Normalizer] Skipping malformed span label=%q range=[%d:%d] score=%.4f",
				rs.Label, rs.Start, rs.End, rs.Score)
			continue
		}

		entityType := stripIOB(rs.Label)
		if mapped, ok := mapping[entityType]; ok {
			entityType = mapped
		}

		if len(want) > 0 && !want[entityType] {
			continue
		}

		spans = append(spans, Span{
			EntityType: entityType,
			Start:      rs.Start,
			End:        rs.End,
			Score:      rs.Score,
		})
	}

	return spans
}
