// Package config loads the runtime configuration of the phase engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/vacanze/phasegate/internal/domain"
)

// Config holds the engine's runtime configuration. JSON keys come from the
// config file; PHASEGATE_* environment variables override them.
type Config struct {
	DBPath            string `json:"db_path"             env:"PHASEGATE_DB_PATH"`
	ListenAddr        string `json:"listen_addr"         env:"PHASEGATE_LISTEN_ADDR"`
	CatalogPath       string `json:"catalog_path"        env:"PHASEGATE_CATALOG_PATH"`
	AutoGenerateTasks bool   `json:"auto_generate_tasks" env:"PHASEGATE_AUTO_GENERATE_TASKS"`
	LogLevel          string `json:"log_level"           env:"PHASEGATE_LOG_LEVEL"`
	LogFormat         string `json:"log_format"          env:"PHASEGATE_LOG_FORMAT"`
	DefaultLocale     string `json:"default_locale"      env:"PHASEGATE_DEFAULT_LOCALE"`

	OTelEnabled  bool   `json:"otel_enabled"  env:"PHASEGATE_OTEL_ENABLED"`
	OTelEndpoint string `json:"otel_endpoint" env:"PHASEGATE_OTEL_ENDPOINT"`
	OTelStdout   bool   `json:"otel_stdout"   env:"PHASEGATE_OTEL_STDOUT"`
	ServiceName  string `json:"service_name"  env:"PHASEGATE_SERVICE_NAME"`
}

// Load reads a JSON config file, applies environment overrides and
// defaults, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid, "parse env", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "phasegate.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = "it"
	}
	if c.ServiceName == "" {
		c.ServiceName = "phasegate"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

func (c *Config) validate() error {
	var problems []string

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not one of text, json", c.LogFormat))
	}
	switch c.DefaultLocale {
	case "it", "en":
	default:
		problems = append(problems, fmt.Sprintf("default_locale %q is not supported", c.DefaultLocale))
	}
	if c.OTelEnabled && c.OTelEndpoint == "" && !c.OTelStdout {
		problems = append(problems, "otel_enabled needs otel_endpoint or otel_stdout")
	}

	if len(problems) > 0 {
		return domain.NewEngineError(domain.ErrConfigInvalid,
			fmt.Sprintf("%s: %s", domain.ErrConfigInvalid.Message, strings.Join(problems, "; ")))
	}
	return nil
}
