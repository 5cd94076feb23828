package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/mkallas/estpii/audit"
	"github.com/mkallas/estpii/config"
	"github.com/mkallas/estpii/pii"
	"github.com/mkallas/estpii/pii/recognizers"
	"github.com/mkallas/estpii/server"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	configPath := flag.String("config", "config.yml", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address override, e.g. :8000")
	flag.Parse()

	// An invalid configuration must never reach serving.
	if ok, msg := config.Validate(*configPath); !ok {
		log.Fatalf("Invalid configuration: %s", msg)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyEnvOverrides(cfg)
	if *addr != "" {
		cfg.Server.Port = *addr
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			log.Printf("Warning: failed to initialize Sentry: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Println("Sentry error reporting enabled")
		}
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to build recognizer registry: %v", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Printf("Warning: failed to close registry: %v", err)
		}
	}()

	auditStore, err := buildAuditStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize audit store: %v", err)
	}

	analyzer := pii.NewAnalyzer(registry, cfg)
	anonymizer := pii.NewAnonymizer(cfg.Anonymization.DefaultOperators)

	srv := server.New(cfg, analyzer, anonymizer, auditStore)
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("Warning: failed to close server: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// buildRegistry assembles the recognizers described by the configuration:
// the EstBERT NER model, the builtin structured-pattern set, and any custom
// pattern recognizers declared in the config file.
func buildRegistry(cfg *config.Config) (*recognizers.Registry, error) {
	estbert, err := recognizers.NewEstBERTRecognizer(
		cfg.EstBERT.ModelPath,
		cfg.EstBERT.TokenizerPath,
		cfg.EstBERT.LabelMapPath,
		recognizers.LanguageAgnostic,
	)
	if err != nil {
		return nil, err
	}

	registry := recognizers.NewRegistry(
		estbert,
		recognizers.NewRegexRecognizer("pattern_recognizer", recognizers.LanguageAgnostic, recognizers.BuiltinPatterns),
	)

	for _, custom := range cfg.CustomRecognizers {
		score := custom.Score
		if score == 0 {
			score = 0.8
		}
		registry.Add(recognizers.NewRegexRecognizer(custom.Name, custom.Language, []recognizers.Pattern{
			{EntityType: custom.SupportedEntity, Expr: custom.Pattern, Score: score},
		}))
		log.Printf("Registered custom recognizer %s for %s", custom.Name, custom.SupportedEntity)
	}

	return registry, nil
}

// buildAuditStore opens the Postgres audit store when enabled.
func buildAuditStore(cfg *config.Config) (audit.Store, error) {
	if !cfg.Audit.Enabled {
		return audit.NopStore{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := audit.NewPostgresStore(ctx, audit.Config{
		Host:         cfg.Audit.Host,
		Port:         cfg.Audit.Port,
		Database:     cfg.Audit.Database,
		Username:     cfg.Audit.Username,
		Password:     cfg.Audit.Password,
		SSLMode:      cfg.Audit.SSLMode,
		MaxOpenConns: cfg.Audit.MaxOpenConns,
		MaxIdleConns: cfg.Audit.MaxIdleConns,
		MaxLifetime:  5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	log.Println("Postgres audit log enabled")
	return store, nil
}

// applyEnvOverrides lets environment variables override selected settings.
func applyEnvOverrides(cfg *config.Config) {
	if port := os.Getenv("PORT"); port != "" {
		if port[0] != ':' {
			port = ":" + port
		}
		cfg.Server.Port = port
	}

	if enabled := os.Getenv("AUDIT_DB_ENABLED"); enabled != "" {
		cfg.Audit.Enabled = enabled == "true"
	}
	if host := os.Getenv("AUDIT_DB_HOST"); host != "" {
		cfg.Audit.Host = host
	}
	if name := os.Getenv("AUDIT_DB_NAME"); name != "" {
		cfg.Audit.Database = name
	}
	if user := os.Getenv("AUDIT_DB_USER"); user != "" {
		cfg.Audit.Username = user
	}
	if password := os.Getenv("AUDIT_DB_PASSWORD"); password != "" {
		cfg.Audit.Password = password
	}
}
