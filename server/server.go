package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/mkallas/estpii/audit"
	"github.com/mkallas/estpii/config"
	"github.com/mkallas/estpii/pii"
)

// ServiceName and Version identify the service on the health endpoint.
const (
	ServiceName = "Estonian Presidio API"
	Version     = "1.0.0"
)

// Server is the HTTP front of the analyzer and anonymizer. All fields are
// read-only after construction; request handling shares no mutable state.
type Server struct {
	cfg        *config.Config
	analyzer   *pii.Analyzer
	anonymizer *pii.Anonymizer
	audit      audit.Store
	limiter    *clientLimiter
}

// New creates a server over the given components.
func New(cfg *config.Config, analyzer *pii.Analyzer, anonymizer *pii.Anonymizer, auditStore audit.Store) *Server {
	if auditStore == nil {
		auditStore = audit.NopStore{}
	}
	return &Server{
		cfg:        cfg,
		analyzer:   analyzer,
		anonymizer: anonymizer,
		audit:      auditStore,
		limiter:    newClientLimiter(cfg.Server.RateLimitQPS, cfg.Server.RateLimitBurst),
	}
}

// Handler builds the route table wrapped with rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/anonymize", s.handleAnonymize)
	mux.HandleFunc("/recognizers", s.handleRecognizers)
	mux.HandleFunc("/supportedentities", s.handleSupportedEntities)
	mux.HandleFunc("/config", s.handleConfig)

	return s.rateLimit(mux)
}

// Start runs the HTTP server until it fails.
func (s *Server) Start() error {
	log.Printf("Starting %s v%s on %s", ServiceName, Version, s.cfg.Server.Port)
	log.Printf("Supported languages: %v", s.cfg.SupportedLanguages)
	log.Printf("Model: %s", s.modelDescription())

	srv := &http.Server{
		Addr:         s.cfg.Server.Port,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	return srv.ListenAndServe()
}

// Close releases server-held resources.
func (s *Server) Close() error {
	return s.audit.Close()
}

// modelDescription names the model stack for the health endpoint.
func (s *Server) modelDescription() string {
	desc := s.cfg.EstBERT.ModelName
	if s.cfg.NLP.EngineName != "" {
		desc += " + " + s.cfg.NLP.EngineName
	}
	return desc
}

// rateLimit rejects requests over the per-client budget with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			s.writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsHeaders adds CORS headers to the response.
func (s *Server) corsHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes a JSON response body with the given status. HTML escaping
// is disabled so Estonian characters round-trip unmodified.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		log.Printf("[Server] Failed to write response: %v", err)
	}
}

// writeError writes the uniform {"error": msg} body.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs full detail server-side, reports to Sentry when
// configured, and returns only the public message to the client.
func (s *Server) internalError(w http.ResponseWriter, publicMsg string, err error) {
	log.Printf("[Server] %s: %v", publicMsg, err)
	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.CaptureException(err)
	}
	s.writeError(w, http.StatusInternalServerError, publicMsg)
}
