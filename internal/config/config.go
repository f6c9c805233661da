package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models obratrack.yml.
type Config struct {
	Uploads struct {
		MaxBytes   int64    `yaml:"max_bytes"`
		MediaTypes []string `yaml:"media_types"`
		// TimeoutSeconds bounds a single upload; large transfers are
		// cancelled past this.
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"uploads"`
	StageData map[int][]StageField `yaml:"stage_data"`
	Auth      struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// StageField declares one key of a stage's structured-data map. The engine
// surfaces required-ness to callers; it does not reject writes.
type StageField struct {
	Key      string `yaml:"key" json:"key"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	Actions        []string `yaml:"actions"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Uploads.MaxBytes = 50 << 20
	cfg.Uploads.MediaTypes = []string{
		"application/pdf",
		"image/jpeg",
		"image/png",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}
	cfg.Uploads.TimeoutSeconds = 120
	cfg.StageData = map[int][]StageField{
		1: {
			{Key: "expediente", Type: "string", Required: true},
			{Key: "contratista", Type: "string", Required: false},
		},
		5: {
			{Key: "avance_fisico", Type: "number", Required: true},
			{Key: "avance_financiero", Type: "number", Required: true},
		},
	}
	return cfg
}

func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".obratrack", "obratrack.yml")
}

// Load reads config from the workspace, falling back to defaults when no
// file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("config.uploads.max_bytes must be positive")
	}
	if c.Uploads.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.uploads.timeout_seconds must be positive")
	}
	for number, fields := range c.StageData {
		if number <= 0 {
			return fmt.Errorf("config.stage_data has invalid stage number %d", number)
		}
		for _, f := range fields {
			if f.Key == "" {
				return fmt.Errorf("stage %d has a field with empty key", number)
			}
			switch f.Type {
			case "string", "number", "bool", "date":
			default:
				return fmt.Errorf("stage %d field %s has unknown type %q", number, f.Key, f.Type)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// FieldsFor returns the declared structured-data schema for a stage number,
// or nil when the stage has no declared schema.
func (c *Config) FieldsFor(stageNumber int) []StageField {
	if c == nil {
		return nil
	}
	return c.StageData[stageNumber]
}
