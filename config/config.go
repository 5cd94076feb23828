package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultScoreThreshold is used when the configuration leaves the threshold
// unset.
const DefaultScoreThreshold = 0.5

// DefaultPort is the listen address used when none is configured.
const DefaultPort = ":8000"

// requiredSections are the top-level YAML sections a configuration file must
// contain to be considered valid.
var requiredSections = []string{
	"supported_languages",
	"nlp_configuration",
	"estbert_configuration",
}

// DefaultEntities is the entity set analyzed when neither the request nor the
// configuration specifies one.
var DefaultEntities = []string{
	"PERSON", "ORGANIZATION", "LOCATION", "DATE_TIME",
	"EMAIL_ADDRESS", "PHONE_NUMBER", "URL", "IP_ADDRESS",
	"IBAN_CODE", "CRYPTO", "CREDIT_CARD",
}

// NLPConfig describes the general NLP pipeline backing the analyzer.
type NLPConfig struct {
	EngineName string     `yaml:"nlp_engine_name"`
	Models     []NLPModel `yaml:"models"`
}

// NLPModel names a per-language model of the NLP pipeline.
type NLPModel struct {
	LangCode  string `yaml:"lang_code"`
	ModelName string `yaml:"model_name"`
}

// EstBERTConfig locates the EstBERT NER model artifacts.
type EstBERTConfig struct {
	ModelName     string `yaml:"model_name"`
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	LabelMapPath  string `yaml:"label_map_path"`
}

// AnonymizationConfig holds the default per-entity-type replacements applied
// when a request supplies no anonymizers of its own.
type AnonymizationConfig struct {
	DefaultOperators map[string]string `yaml:"default_operators"`
}

// CustomRecognizer is a declarative pattern recognizer definition.
type CustomRecognizer struct {
	Name            string  `yaml:"name"`
	Type            string  `yaml:"type"`
	SupportedEntity string  `yaml:"supported_entity"`
	Pattern         string  `yaml:"pattern"`
	Score           float64 `yaml:"score"`
	Language        string  `yaml:"language"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitQPS   float64       `yaml:"rate_limit_qps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

// AuditConfig holds the optional Postgres audit log settings.
type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// Config is the effective configuration of the service. It is loaded once at
// startup, validated before use, and treated as read-only afterwards.
type Config struct {
	SupportedLanguages    []string            `yaml:"supported_languages"`
	DefaultScoreThreshold float64             `yaml:"default_score_threshold"`
	EntitiesToDetect      []string            `yaml:"entities_to_detect"`
	NLP                   NLPConfig           `yaml:"nlp_configuration"`
	EstBERT               EstBERTConfig       `yaml:"estbert_configuration"`
	Anonymization         AnonymizationConfig `yaml:"anonymization_config"`
	CustomRecognizers     []CustomRecognizer  `yaml:"custom_recognizers"`
	Server                ServerConfig        `yaml:"server"`
	Audit                 AuditConfig         `yaml:"audit"`
}

// Validate checks that the configuration file exists, parses, and contains
// every required top-level section. Problems are reported through the
// (false, message) pair; Validate never returns an error or panics.
func Validate(path string) (bool, string) {
	// #nosec G304 - Config file path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Sprintf("Configuration error: %v", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return false, fmt.Sprintf("Configuration error: %v", err)
	}

	for _, section := range requiredSections {
		if _, ok := raw[section]; !ok {
			return false, fmt.Sprintf("Missing required section: %s", section)
		}
	}

	return true, "Configuration is valid"
}

// Load parses the configuration file and resolves unset optional fields to
// their documented defaults.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills unset optional fields with their documented defaults.
func (c *Config) applyDefaults() {
	if len(c.SupportedLanguages) == 0 {
		c.SupportedLanguages = []string{"xx"}
	}
	if c.DefaultScoreThreshold == 0 {
		c.DefaultScoreThreshold = DefaultScoreThreshold
	}
	if len(c.EntitiesToDetect) == 0 {
		c.EntitiesToDetect = append([]string{}, DefaultEntities...)
	}
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.RateLimitQPS == 0 {
		c.Server.RateLimitQPS = 50
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 100
	}
	if c.Audit.SSLMode == "" {
		c.Audit.SSLMode = "disable"
	}
	if c.Audit.Port == 0 {
		c.Audit.Port = 5432
	}
	if c.Audit.MaxOpenConns == 0 {
		c.Audit.MaxOpenConns = 25
	}
	if c.Audit.MaxIdleConns == 0 {
		c.Audit.MaxIdleConns = 25
	}
}

// Sanitized returns the configuration snapshot exposed on the config
// endpoint. Credentials and filesystem paths are excluded.
func (c *Config) Sanitized() map[string]interface{} {
	custom := make([]map[string]interface{}, 0, len(c.CustomRecognizers))
	for _, rec := range c.CustomRecognizers {
		custom = append(custom, map[string]interface{}{
			"name":             rec.Name,
			"type":             rec.Type,
			"supported_entity": rec.SupportedEntity,
		})
	}

	return map[string]interface{}{
		"supported_languages":     c.SupportedLanguages,
		"default_score_threshold": c.DefaultScoreThreshold,
		"entities_to_detect":      c.EntitiesToDetect,
		"estbert_model":           c.EstBERT.ModelName,
		"nlp_engine":              c.NLP.EngineName,
		"custom_recognizers":      custom,
	}
}
