package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const completeConfig = `
supported_languages:
  - et
  - xx
default_score_threshold: 0.6
entities_to_detect:
  - PERSON
  - LOCATION
nlp_configuration:
  nlp_engine_name: stanza
  models:
    - lang_code: et
      model_name: et
estbert_configuration:
  model_name: tartuNLP/EstBERT_NER
  model_path: model/estbert_ner.onnx
  tokenizer_path: model/tokenizer.json
  label_map_path: model/label_mappings.json
anonymization_config:
  default_operators:
    PERSON: "[ISIK]"
custom_recognizers:
  - name: estonian_id_code_recognizer
    type: pattern
    supported_entity: ID_CODE
    pattern: '\b[1-6]\d{10}\b'
    score: 0.85
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestValidate_CompleteConfig(t *testing.T) {
	ok, msg := Validate(writeConfig(t, completeConfig))
	if !ok {
		t.Errorf("Expected valid config, got: %s", msg)
	}
	if msg != "Configuration is valid" {
		t.Errorf("Unexpected message: %s", msg)
	}
}

func TestValidate_MissingSections(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		section string
	}{
		{
			name: "missing supported_languages",
			content: `
nlp_configuration:
  nlp_engine_name: stanza
estbert_configuration:
  model_name: tartuNLP/EstBERT_NER
`,
			section: "supported_languages",
		},
		{
			name: "missing nlp_configuration",
			content: `
supported_languages: [et]
estbert_configuration:
  model_name: tartuNLP/EstBERT_NER
`,
			section: "nlp_configuration",
		},
		{
			name: "missing estbert_configuration",
			content: `
supported_languages: [et]
nlp_configuration:
  nlp_engine_name: stanza
`,
			section: "estbert_configuration",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ok, msg := Validate(writeConfig(t, tc.content))
			if ok {
				t.Fatal("Expected validation failure")
			}
			if !strings.Contains(msg, tc.section) {
				t.Errorf("Expected message to name section %q, got: %s", tc.section, msg)
			}
		})
	}
}

func TestValidate_MissingFile(t *testing.T) {
	ok, msg := Validate(filepath.Join(t.TempDir(), "nope.yml"))
	if ok {
		t.Fatal("Expected validation failure for missing file")
	}
	if !strings.Contains(msg, "Configuration error") {
		t.Errorf("Expected 'Configuration error' prefix, got: %s", msg)
	}
}

func TestValidate_MalformedYAML(t *testing.T) {
	ok, msg := Validate(writeConfig(t, "supported_languages: [et\n  nlp: {"))
	if ok {
		t.Fatal("Expected validation failure for malformed YAML")
	}
	if !strings.Contains(msg, "Configuration error") {
		t.Errorf("Expected 'Configuration error' prefix, got: %s", msg)
	}
}

func TestLoad_CompleteConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, completeConfig))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.DefaultScoreThreshold != 0.6 {
		t.Errorf("Expected threshold 0.6, got %f", cfg.DefaultScoreThreshold)
	}
	if len(cfg.SupportedLanguages) != 2 {
		t.Errorf("Expected 2 languages, got %d", len(cfg.SupportedLanguages))
	}
	if cfg.EstBERT.ModelName != "tartuNLP/EstBERT_NER" {
		t.Errorf("Unexpected model name: %s", cfg.EstBERT.ModelName)
	}
	if len(cfg.CustomRecognizers) != 1 || cfg.CustomRecognizers[0].SupportedEntity != "ID_CODE" {
		t.Errorf("Unexpected custom recognizers: %+v", cfg.CustomRecognizers)
	}
	if cfg.Anonymization.DefaultOperators["PERSON"] != "[ISIK]" {
		t.Errorf("Unexpected default operators: %v", cfg.Anonymization.DefaultOperators)
	}
}

func TestLoad_Defaults(t *testing.T) {
	minimal := `
supported_languages: [et]
nlp_configuration:
  nlp_engine_name: stanza
estbert_configuration:
  model_name: tartuNLP/EstBERT_NER
`
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.DefaultScoreThreshold != DefaultScoreThreshold {
		t.Errorf("Expected default threshold %f, got %f", DefaultScoreThreshold, cfg.DefaultScoreThreshold)
	}
	if len(cfg.EntitiesToDetect) != 11 {
		t.Errorf("Expected the 11 default entity categories, got %d", len(cfg.EntitiesToDetect))
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %s, got %s", DefaultPort, cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 10*time.Second {
		t.Errorf("Expected 10s request timeout, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Audit.SSLMode != "disable" {
		t.Errorf("Expected audit ssl_mode 'disable', got %s", cfg.Audit.SSLMode)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestSanitized_ExcludesSecrets(t *testing.T) {
	withAudit := completeConfig + `
audit:
  enabled: true
  password: supersecret
`
	cfg, err := Load(writeConfig(t, withAudit))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	snapshot := cfg.Sanitized()
	for key := range snapshot {
		if strings.Contains(strings.ToLower(key), "password") {
			t.Errorf("Sanitized snapshot leaks key %q", key)
		}
	}
	if snapshot["estbert_model"] != "tartuNLP/EstBERT_NER" {
		t.Errorf("Expected estbert_model in snapshot, got %v", snapshot["estbert_model"])
	}
	custom, ok := snapshot["custom_recognizers"].([]map[string]interface{})
	if !ok || len(custom) != 1 {
		t.Fatalf("Expected 1 custom recognizer in snapshot, got %v", snapshot["custom_recognizers"])
	}
	if _, leaked := custom[0]["pattern"]; leaked {
		t.Error("Sanitized snapshot leaks recognizer pattern")
	}
}
