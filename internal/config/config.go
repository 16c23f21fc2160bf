package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/dandi-tools/nwbflow/internal/logging"
)

// ProviderConfig holds credentials/endpoint overrides for one LanguageModel
// backend.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Config is the orchestrator's full runtime configuration, loaded from
// (in priority order) global config, project config, and environment
// variables.
type Config struct {
	UploadDir string `json:"uploadDir" yaml:"uploadDir"`
	OutputDir string `json:"outputDir" yaml:"outputDir"`

	// RequiredMetadataFields is the DANDI-mandated field list consulted by
	// WorkflowPolicy.ShouldRequestMetadata. Fixed by DANDI rules, not by
	// the LanguageModel.
	RequiredMetadataFields []string `json:"requiredMetadataFields" yaml:"requiredMetadataFields"`

	// MaxRetryAttempts is the soft safety-valve cap on correction attempts
	// (0 disables the cap).
	MaxRetryAttempts int `json:"maxRetryAttempts" yaml:"maxRetryAttempts"`

	LanguageModelDeadline time.Duration `json:"languageModelDeadline" yaml:"languageModelDeadline"`
	ConverterDeadline     time.Duration `json:"converterDeadline" yaml:"converterDeadline"`
	ValidatorDeadline     time.Duration `json:"validatorDeadline" yaml:"validatorDeadline"`
	ReporterDeadline      time.Duration `json:"reporterDeadline" yaml:"reporterDeadline"`

	Provider map[string]ProviderConfig `json:"provider" yaml:"provider"`
}

// DefaultRequiredMetadataFields is the DANDI-blocking field set this
// orchestrator ships with; operators may narrow or extend it via config.
var DefaultRequiredMetadataFields = []string{
	"experimenter",
	"institution",
	"subject_id",
	"species",
	"sex",
}

// Default returns a Config with sane defaults and no provider credentials.
func Default() *Config {
	return &Config{
		UploadDir:              "./data/uploads",
		OutputDir:              "./data/outputs",
		RequiredMetadataFields: append([]string(nil), DefaultRequiredMetadataFields...),
		MaxRetryAttempts:       5,
		LanguageModelDeadline:  180 * time.Second,
		ConverterDeadline:      10 * time.Minute,
		ValidatorDeadline:      5 * time.Minute,
		ReporterDeadline:       60 * time.Second,
		Provider:               map[string]ProviderConfig{},
	}
}

// Load merges config from (1) the global path, (2) a project directory's
// .nwbflow/ subdirectory, and (3) environment variables, in that priority
// order.
func Load(directory string) (*Config, error) {
	cfg := Default()

	_ = godotenv.Load() // best effort; absence is not an error

	globalDir := GetPaths().Config
	loadConfigFile(filepath.Join(globalDir, "nwbflow.json"), cfg)
	loadConfigFile(filepath.Join(globalDir, "nwbflow.jsonc"), cfg)
	loadConfigFile(filepath.Join(globalDir, "nwbflow.yaml"), cfg)

	if directory != "" {
		projectDir := filepath.Join(directory, ".nwbflow")
		loadConfigFile(filepath.Join(projectDir, "nwbflow.json"), cfg)
		loadConfigFile(filepath.Join(projectDir, "nwbflow.jsonc"), cfg)
		loadConfigFile(filepath.Join(projectDir, "nwbflow.yaml"), cfg)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadConfigFile loads and merges a single config file if present. A
// missing file is not an error; a malformed one is logged and skipped so
// that one bad layer cannot crash orchestrator startup.
func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var layer Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &layer); err != nil {
			logging.Component("config").Warn().Err(err).Str("path", path).Msg("skipping malformed config layer")
			return
		}
	default:
		// json and jsonc both parse as JSON once comments are stripped.
		if err := json.Unmarshal(jsonc.ToJSON(data), &layer); err != nil {
			logging.Component("config").Warn().Err(err).Str("path", path).Msg("skipping malformed config layer")
			return
		}
	}

	mergeConfig(cfg, &layer)
}

func mergeConfig(target, source *Config) {
	if source.UploadDir != "" {
		target.UploadDir = source.UploadDir
	}
	if source.OutputDir != "" {
		target.OutputDir = source.OutputDir
	}
	if len(source.RequiredMetadataFields) > 0 {
		target.RequiredMetadataFields = source.RequiredMetadataFields
	}
	if source.MaxRetryAttempts != 0 {
		target.MaxRetryAttempts = source.MaxRetryAttempts
	}
	if source.LanguageModelDeadline != 0 {
		target.LanguageModelDeadline = source.LanguageModelDeadline
	}
	if source.ConverterDeadline != 0 {
		target.ConverterDeadline = source.ConverterDeadline
	}
	if source.ValidatorDeadline != 0 {
		target.ValidatorDeadline = source.ValidatorDeadline
	}
	if source.ReporterDeadline != 0 {
		target.ReporterDeadline = source.ReporterDeadline
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = map[string]ProviderConfig{}
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
}

// applyEnvOverrides applies the handful of environment variables that take
// precedence over file-based config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NWBFLOW_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("NWBFLOW_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}

	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			p := cfg.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				cfg.Provider[provider] = p
			}
		}
	}
}

// Save writes cfg as indented JSON to path, creating parent directories
// as needed.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
