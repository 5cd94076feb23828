package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mkallas/estpii/config"
	"github.com/mkallas/estpii/pii"
	"github.com/mkallas/estpii/pii/recognizers"
)

// stubRecognizer returns canned spans for handler tests.
type stubRecognizer struct {
	name     string
	entities []string
	spans    []recognizers.Span
}

func (s *stubRecognizer) Name() string                { return s.name }
func (s *stubRecognizer) Language() string            { return recognizers.LanguageAgnostic }
func (s *stubRecognizer) SupportedEntities() []string { return s.entities }
func (s *stubRecognizer) Close() error                { return nil }

func (s *stubRecognizer) Recognize(ctx context.Context, text string, requested []string) ([]recognizers.Span, error) {
	return s.spans, nil
}

func testServer(recs ...recognizers.Recognizer) *Server {
	cfg := &config.Config{
		SupportedLanguages:    []string{"et", "xx"},
		DefaultScoreThreshold: 0.5,
		EntitiesToDetect:      []string{"PERSON", "LOCATION", "EMAIL_ADDRESS"},
		NLP:                   config.NLPConfig{EngineName: "stanza"},
		EstBERT:               config.EstBERTConfig{ModelName: "tartuNLP/EstBERT_NER"},
		Server: config.ServerConfig{
			Port:           ":8000",
			RequestTimeout: 10 * time.Second,
			RateLimitQPS:   1000,
			RateLimitBurst: 1000,
		},
	}
	analyzer := pii.NewAnalyzer(recognizers.NewRegistry(recs...), cfg)
	anonymizer := pii.NewAnonymizer(map[string]string{"PERSON": "[ISIK]", "LOCATION": "[ASUKOHT]"})
	return New(cfg, analyzer, anonymizer, nil)
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	handler := testServer().Handler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", body["status"])
	}
	if body["service"] != ServiceName {
		t.Errorf("Expected service name, got %v", body["service"])
	}
	if body["model"] != "tartuNLP/EstBERT_NER + stanza" {
		t.Errorf("Unexpected model description: %v", body["model"])
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	handler := testServer().Handler()

	req := httptest.NewRequest(http.MethodGet, "/nosuchpath", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Not found" {
		t.Errorf("Expected error body, got %s", rec.Body.String())
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	handler := testServer(&stubRecognizer{
		name:     "model",
		entities: []string{"PERSON", "LOCATION"},
		spans: []recognizers.Span{
			{EntityType: "PERSON", Start: 0, End: 9, Score: 0.98},
			{EntityType: "LOCATION", Start: 15, End: 24, Score: 0.91},
		},
	}).Handler()

	rec := postJSON(t, handler, "/analyze", `{"text": "Jaan Tamm elab Tallinnas.", "language": "et"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	results, ok := body["results"].([]interface{})
	if !ok {
		t.Fatalf("Expected results array, got %v", body["results"])
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	first := results[0].(map[string]interface{})
	if first["entity_type"] != "PERSON" {
		t.Errorf("Expected first result PERSON, got %v", first["entity_type"])
	}
	if first["start"] != float64(0) || first["end"] != float64(9) {
		t.Errorf("Unexpected span bounds: %v", first)
	}
	if body["text"] != "Jaan Tamm elab Tallinnas." {
		t.Errorf("Expected echoed text, got %v", body["text"])
	}
}

func TestAnalyzeRequiresJSONContentType(t *testing.T) {
	handler := testServer().Handler()

	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader("text=Jaan"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Request must be JSON" {
		t.Errorf("Unexpected error body: %s", rec.Body.String())
	}
}

func TestAnalyzeRejectsMalformedJSON(t *testing.T) {
	handler := testServer().Handler()

	rec := postJSON(t, handler, "/analyze", `{"text": `)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Request must be JSON" {
		t.Errorf("Unexpected error body: %s", rec.Body.String())
	}
}

func TestAnalyzeRequiresTextField(t *testing.T) {
	handler := testServer().Handler()

	rec := postJSON(t, handler, "/analyze", `{"language": "et"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Missing required field: text" {
		t.Errorf("Unexpected error body: %s", rec.Body.String())
	}
}

func TestAnalyzeAcceptsEmptyText(t *testing.T) {
	handler := testServer().Handler()

	rec := postJSON(t, handler, "/analyze", `{"text": ""}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for empty text, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAnalyzeRejectsGET(t *testing.T) {
	handler := testServer().Handler()

	req := httptest.NewRequest(http.MethodGet, "/analyze", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Method not allowed" {
		t.Errorf("Unexpected error body: %s", rec.Body.String())
	}
}

func TestAnonymizeEndpoint(t *testing.T) {
	handler := testServer(&stubRecognizer{
		name:     "model",
		entities: []string{"PERSON"},
		spans:    []recognizers.Span{{EntityType: "PERSON", Start: 0, End: 9, Score: 0.98}},
	}).Handler()

	rec := postJSON(t, handler, "/anonymize",
		`{"text": "Jaan Tamm", "anonymizers": {"PERSON": {"type": "replace", "new_value": "[NIMI]"}}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["text"] != "[NIMI]" {
		t.Errorf("Expected anonymized text, got %v", body["text"])
	}
	items, ok := body["items"].([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("Expected 1 item, got %v", body["items"])
	}
	item := items[0].(map[string]interface{})
	if item["operator"] != "replace" || item["entity_type"] != "PERSON" {
		t.Errorf("Unexpected item: %v", item)
	}
}

func TestAnonymizeUsesConfiguredDefaults(t *testing.T) {
	handler := testServer(&stubRecognizer{
		name:     "model",
		entities: []string{"PERSON"},
		spans:    []recognizers.Span{{EntityType: "PERSON", Start: 0, End: 9, Score: 0.98}},
	}).Handler()

	rec := postJSON(t, handler, "/anonymize", `{"text": "Jaan Tamm elab siin."}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["text"] != "[ISIK] elab siin." {
		t.Errorf("Expected configured default replacement, got %s", rec.Body.String())
	}
}

func TestAnonymizeRequiresTextField(t *testing.T) {
	handler := testServer().Handler()

	rec := postJSON(t, handler, "/anonymize", `{"anonymizers": {}}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Missing required field: text" {
		t.Errorf("Unexpected error body: %s", rec.Body.String())
	}
}

func TestRecognizersEndpoint(t *testing.T) {
	handler := testServer(
		&stubRecognizer{name: "model", entities: []string{"PERSON"}},
		&stubRecognizer{name: "pattern_recognizer", entities: []string{"EMAIL_ADDRESS"}},
	).Handler()

	req := httptest.NewRequest(http.MethodGet, "/recognizers?language=et", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	names, ok := body["recognizers"].([]interface{})
	if !ok {
		t.Fatalf("Expected recognizers array, got %v", body["recognizers"])
	}
	if body["count"] != float64(len(names)) {
		t.Errorf("Count %v does not match list length %d", body["count"], len(names))
	}
	if body["language"] != "et" {
		t.Errorf("Expected echoed language, got %v", body["language"])
	}
}

func TestRecognizersDefaultLanguage(t *testing.T) {
	handler := testServer(&stubRecognizer{name: "model", entities: []string{"PERSON"}}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/recognizers", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if decodeBody(t, rec)["language"] != "xx" {
		t.Errorf("Expected language to default to xx, got %s", rec.Body.String())
	}
}

func TestSupportedEntitiesEndpoint(t *testing.T) {
	handler := testServer(
		&stubRecognizer{name: "a", entities: []string{"PERSON", "LOCATION"}},
		&stubRecognizer{name: "b", entities: []string{"PERSON", "EMAIL_ADDRESS"}},
	).Handler()

	req := httptest.NewRequest(http.MethodGet, "/supportedentities?language=et", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	entities, ok := body["entities"].([]interface{})
	if !ok {
		t.Fatalf("Expected entities array, got %v", body["entities"])
	}
	if len(entities) != 3 {
		t.Errorf("Expected 3 deduplicated entities, got %v", entities)
	}
	if body["count"] != float64(3) {
		t.Errorf("Expected count 3, got %v", body["count"])
	}
}

func TestConfigEndpointExcludesSecrets(t *testing.T) {
	srv := testServer()
	srv.cfg.Audit = config.AuditConfig{Enabled: true, Password: "secret", Host: "db.internal"}
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("Sanitized config leaked credentials: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "db.internal") {
		t.Errorf("Sanitized config leaked database host: %s", rec.Body.String())
	}
}

func TestCORSPreflightOnAnalyze(t *testing.T) {
	handler := testServer().Handler()

	req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
	req.Header.Set("Origin", "https://example.ee")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://example.ee" {
		t.Errorf("Expected origin echo, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRateLimitReturns429(t *testing.T) {
	srv := testServer()
	srv.cfg.Server.RateLimitQPS = 0.001
	srv.cfg.Server.RateLimitBurst = 1
	srv.limiter = newClientLimiter(srv.cfg.Server.RateLimitQPS, srv.cfg.Server.RateLimitBurst)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.9.9.9:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected first request within burst to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 over budget, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Too many requests" {
		t.Errorf("Unexpected error body: %s", rec.Body.String())
	}
}

func TestResponsePreservesEstonianCharacters(t *testing.T) {
	handler := testServer(&stubRecognizer{
		name:     "model",
		entities: []string{"LOCATION"},
		spans:    []recognizers.Span{{EntityType: "LOCATION", Start: 0, End: 10, Score: 0.9}},
	}).Handler()

	rec := postJSON(t, handler, "/analyze", `{"text": "Jõgevamaal sajab."}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Jõgevamaal")) {
		t.Errorf("Expected Estonian text unescaped in response: %s", rec.Body.String())
	}
}
