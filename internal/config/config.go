package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FileName             = "pmteam.yml"
	DefaultAuditFileName = "audit_log.jsonl"
	DefaultProject       = "default"
)

// Config models pmteam.yml. It is resolved once by the CLI and passed down
// explicitly; nothing below cmd/ reads the environment.
type Config struct {
	OutputRoot     string `yaml:"output_root"`
	NonInteractive bool   `yaml:"non_interactive"`
	Audit          struct {
		FileName string `yaml:"file_name"`
		MaxBytes int64  `yaml:"max_bytes"`
	} `yaml:"audit"`
	Retention struct {
		MaxRuns int `yaml:"max_runs"`
	} `yaml:"retention"`
	Index struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"index"`
	LLM struct {
		Enabled        bool   `yaml:"enabled"`
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OutputRoot) == "" {
		return fmt.Errorf("config.output_root is required")
	}
	if c.Audit.MaxBytes < 0 {
		return fmt.Errorf("config.audit.max_bytes must be >= 0")
	}
	if c.Audit.FileName == "" || strings.ContainsAny(c.Audit.FileName, `/\`) {
		return fmt.Errorf("config.audit.file_name must be a bare file name")
	}
	if c.Retention.MaxRuns < 0 {
		return fmt.Errorf("config.retention.max_runs must be >= 0")
	}
	if c.LLM.TimeoutSeconds < 0 {
		return fmt.Errorf("config.llm.timeout_seconds must be >= 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is invalid", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format %q is invalid", c.Log.Format)
	}
	return nil
}

// IndexPath returns the SQLite event index location.
func (c *Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.OutputRoot, ".pmteam", "index.db")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `output_root: outputs
non_interactive: false

audit:
  file_name: audit_log.jsonl
  max_bytes: 0

retention:
  max_runs: 0

index:
  enabled: true

llm:
  enabled: false
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  timeout_seconds: 60

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: text
`
