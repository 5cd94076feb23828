package pii

import (
	"context"
	"log"
	"sort"

	"github.com/mkallas/estpii/config"
	"github.com/mkallas/estpii/pii/recognizers"
)

// AnalyzeRequest carries the resolved parameters of one analysis call.
type AnalyzeRequest struct {
	Text                  string
	Language              string
	Entities              []string
	ReturnDecisionProcess bool
	CorrelationID         string
}

// Analyzer orchestrates the registered recognizers for analysis requests.
// It holds no mutable state; every request is independent.
type Analyzer struct {
	registry *recognizers.Registry
	cfg      *config.Config
}

// NewAnalyzer creates an analyzer over the given registry and configuration.
func NewAnalyzer(registry *recognizers.Registry, cfg *config.Config) *Analyzer {
	return &Analyzer{registry: registry, cfg: cfg}
}

// Registry exposes the recognizer registry for capability queries.
func (a *Analyzer) Registry() *recognizers.Registry {
	return a.registry
}

// Analyze resolves the effective entity set, invokes every recognizer
// registered for the request language, and returns the collected spans
// sorted by start offset. Spans scoring below the configured threshold are
// dropped. A failing recognizer is logged and skipped; it never aborts the
// request. Context cancellation is propagated.
func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest) ([]recognizers.Span, error) {
	language := req.Language
	if language == "" {
		language = recognizers.LanguageAgnostic
	}

	entities := req.Entities
	if len(entities) == 0 {
		entities = a.cfg.EntitiesToDetect
	}

	logPrefix := "[Analyzer]"
	if req.CorrelationID != "" {
		logPrefix = "[Analyzer " + req.CorrelationID + "]"
	}

	spans := []recognizers.Span{}
	for _, rec := range a.registry.ForLanguage(language) {
		recSpans, err := rec.Recognize(ctx, req.Text, entities)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("%s Recognizer %s failed, skipping: %v", logPrefix, rec.Name(), err)
			continue
		}

		for _, span := range recSpans {
			if span.Score < a.cfg.DefaultScoreThreshold {
				continue
			}
			if span.End > len(req.Text) {
				log.Printf("%s Recognizer %s produced out-of-range span [%d:%d], skipping",
					logPrefix, rec.Name(), span.Start, span.End)
				continue
			}
			if req.ReturnDecisionProcess {
				span.Metadata = map[string]string{
					"recognizer_name": rec.Name(),
				}
			}
			spans = append(spans, span)
		}
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End < spans[j].End
	})

	log.Printf("%s Found %d span(s) in %d byte(s) of text", logPrefix, len(spans), len(req.Text))
	return spans, nil
}
