package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkallas/estpii/audit"
	"github.com/mkallas/estpii/pii"
	"github.com/mkallas/estpii/pii/recognizers"
)

// analyzeRequest is the body of POST /analyze. Text is a pointer so a missing
// field can be told apart from an empty string.
type analyzeRequest struct {
	Text                  *string  `json:"text"`
	Language              string   `json:"language"`
	Entities              []string `json:"entities"`
	ReturnDecisionProcess bool     `json:"return_decision_process"`
	CorrelationID         string   `json:"correlation_id"`
}

// anonymizeRequest is the body of POST /anonymize.
type anonymizeRequest struct {
	Text        *string                          `json:"text"`
	Language    string                           `json:"language"`
	Anonymizers map[string]pii.OperatorDirective `json:"anonymizers"`
	Entities    []string                         `json:"entities"`
}

// preflight handles the shared method/CORS preamble. It reports whether the
// caller should return immediately.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request, method string) bool {
	s.corsHeaders(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	if r.Method != method {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return true
	}
	return false
}

// decodeJSON enforces the JSON content type and decodes the body into dst.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		s.writeError(w, http.StatusBadRequest, "Request must be JSON")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "Request must be JSON")
		return false
	}
	return true
}

// handleRoot serves the health check on GET /.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.corsHeaders(w, r)
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if s.preflight(w, r, http.MethodGet) {
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "healthy",
		"service":             ServiceName,
		"version":             Version,
		"supported_languages": s.cfg.SupportedLanguages,
		"model":               s.modelDescription(),
	})
}

// handleAnalyze serves POST /analyze.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r, http.MethodPost) {
		return
	}

	var req analyzeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Text == nil {
		s.writeError(w, http.StatusBadRequest, "Missing required field: text")
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.RequestTimeout)
	defer cancel()

	started := time.Now()
	spans, err := s.analyzer.Analyze(ctx, pii.AnalyzeRequest{
		Text:                  *req.Text,
		Language:              req.Language,
		Entities:              req.Entities,
		ReturnDecisionProcess: req.ReturnDecisionProcess,
		CorrelationID:         correlationID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.internalError(w, "Analysis failed: request timed out", err)
		} else {
			s.internalError(w, "Analysis failed", err)
		}
		return
	}

	s.recordAudit(correlationID, "analyze", req.Language, spans, time.Since(started))

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": spans,
		"text":    *req.Text,
	})
}

// handleAnonymize serves POST /anonymize.
func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r, http.MethodPost) {
		return
	}

	var req anonymizeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Text == nil {
		s.writeError(w, http.StatusBadRequest, "Missing required field: text")
		return
	}

	correlationID := uuid.NewString()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.RequestTimeout)
	defer cancel()

	started := time.Now()
	spans, err := s.analyzer.Analyze(ctx, pii.AnalyzeRequest{
		Text:          *req.Text,
		Language:      req.Language,
		Entities:      req.Entities,
		CorrelationID: correlationID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.internalError(w, "Anonymization failed: request timed out", err)
		} else {
			s.internalError(w, "Anonymization failed", err)
		}
		return
	}

	result := s.anonymizer.Anonymize(*req.Text, spans, req.Anonymizers)

	s.recordAudit(correlationID, "anonymize", req.Language, spans, time.Since(started))

	s.writeJSON(w, http.StatusOK, result)
}

// handleRecognizers serves GET /recognizers?language=.
func (s *Server) handleRecognizers(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r, http.MethodGet) {
		return
	}

	language := r.URL.Query().Get("language")
	if language == "" {
		language = recognizers.LanguageAgnostic
	}

	names := s.analyzer.Registry().Names(language)
	if names == nil {
		names = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"recognizers": names,
		"language":    language,
		"count":       len(names),
	})
}

// handleSupportedEntities serves GET /supportedentities?language=.
func (s *Server) handleSupportedEntities(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r, http.MethodGet) {
		return
	}

	language := r.URL.Query().Get("language")
	if language == "" {
		language = recognizers.LanguageAgnostic
	}

	entities := s.analyzer.Registry().SupportedEntities(language)
	if entities == nil {
		entities = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": entities,
		"language": language,
		"count":    len(entities),
	})
}

// handleConfig serves GET /config with the sanitized configuration snapshot.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r, http.MethodGet) {
		return
	}

	s.writeJSON(w, http.StatusOK, s.cfg.Sanitized())
}

// recordAudit stores one audit row, best-effort.
func (s *Server) recordAudit(correlationID, endpoint, language string, spans []recognizers.Span, duration time.Duration) {
	counts := make(map[string]int, len(spans))
	for _, span := range spans {
		counts[span.EntityType]++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.audit.Record(ctx, audit.Entry{
		CorrelationID: correlationID,
		Endpoint:      endpoint,
		Language:      language,
		EntityCounts:  counts,
		Duration:      duration,
	}); err != nil {
		log.Printf("[Server] Failed to record audit entry: %v", err)
	}
}
