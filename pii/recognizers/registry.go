package recognizers

import (
	"fmt"
	"log"
	"sort"
)

// Registry holds the set of recognizers available to the analyzer. It is
// populated at startup and read-only afterwards.
type Registry struct {
	recognizers []Recognizer
}

// NewRegistry creates a registry with the given recognizers.
func NewRegistry(recs ...Recognizer) *Registry {
	return &Registry{recognizers: recs}
}

// Add registers another recognizer. Not safe for use after serving starts.
func (r *Registry) Add(rec Recognizer) {
	r.recognizers = append(r.recognizers, rec)
}

// ForLanguage returns the recognizers applicable to the given language.
// A recognizer registered as language-agnostic matches every language, and
// requesting the language-agnostic code matches every recognizer.
func (r *Registry) ForLanguage(language string) []Recognizer {
	if language == "" {
		language = LanguageAgnostic
	}

	var out []Recognizer
	for _, rec := range r.recognizers {
		if rec.Language() == LanguageAgnostic || language == LanguageAgnostic || rec.Language() == language {
			out = append(out, rec)
		}
	}
	return out
}

// Names returns the names of the recognizers applicable to the language.
func (r *Registry) Names(language string) []string {
	recs := r.ForLanguage(language)
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.Name())
	}
	return names
}

// SupportedEntities returns the union of entity types the applicable
// recognizers can produce, sorted and deduplicated.
func (r *Registry) SupportedEntities(language string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range r.ForLanguage(language) {
		for _, entity := range rec.SupportedEntities() {
			if !seen[entity] {
				seen[entity] = true
				out = append(out, entity)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Close closes every registered recognizer, collecting failures.
func (r *Registry) Close() error {
	var errs []error
	for _, rec := range r.recognizers {
		if err := rec.Close(); err != nil {
			log.Printf("[Registry] Failed to close recognizer %s: %v", rec.Name(), err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close %d recognizer(s): %v", len(errs), errs)
	}
	return nil
}
