package recognizers

import (
	"context"
)

// Canonical entity types produced by the recognizers in this package.
// Unmapped model labels may still appear as entity types at runtime; see
// Normalize for the passthrough behavior.
const (
	Person       = "PERSON"
	Organization = "ORGANIZATION"
	Location     = "LOCATION"
	DateTime     = "DATE_TIME"
	EmailAddress = "EMAIL_ADDRESS"
	PhoneNumber  = "PHONE_NUMBER"
	URL          = "URL"
	IPAddress    = "IP_ADDRESS"
	IBANCode     = "IBAN_CODE"
	Crypto       = "CRYPTO"
	CreditCard   = "CREDIT_CARD"
)

// LanguageAgnostic is the language code matching every recognizer.
const LanguageAgnostic = "xx"

// RawSpan is a labeled region as emitted by a sequence-labeling model,
// before label remapping. Start and End are byte offsets into the text.
type RawSpan struct {
	Label string
	Start int
	End   int
	Score float64
}

// Span is a canonical entity span over the original text. Immutable once
// produced. Start and End are byte offsets, s[Start:End] is the entity text.
type Span struct {
	EntityType string            `json:"entity_type"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Score      float64           `json:"score"`
	Metadata   map[string]string `json:"recognition_metadata,omitempty"`
}

// Recognizer detects entity spans of specific types in text.
type Recognizer interface {
	// Name returns a stable identifier for this recognizer.
	Name() string

	// Language returns the language code this recognizer handles, or
	// LanguageAgnostic when it applies to any language.
	Language() string

	// SupportedEntities returns the full set of entity types this recognizer
	// can ever produce, independent of any single call's requested set.
	SupportedEntities() []string

	// Recognize analyzes text and returns spans whose entity type is in
	// requested. An empty requested set accepts every supported type.
	// Recognize must not mutate text or shared state.
	Recognize(ctx context.Context, text string, requested []string) ([]Span, error)

	// Close releases any resources held by the recognizer.
	Close() error
}
