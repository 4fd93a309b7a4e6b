package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vacanze/phasegate/internal/domain"
)

// validJSON returns a minimal valid configuration JSON string.
func validJSON() string {
	return `{
		"db_path": "/tmp/test.db",
		"listen_addr": "127.0.0.1:9900",
		"auto_generate_tasks": true,
		"log_level": "DEBUG",
		"log_format": "json"
	}`
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func requireConfigInvalid(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var engineErr *domain.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if engineErr.Code != domain.ErrConfigInvalid.Code {
		t.Errorf("Code = %d, want %d", engineErr.Code, domain.ErrConfigInvalid.Code)
	}
}

func TestLoad_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validJSON())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if cfg.ListenAddr != "127.0.0.1:9900" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:9900", cfg.ListenAddr)
	}
	if !cfg.AutoGenerateTasks {
		t.Error("AutoGenerateTasks = false, want true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{not valid json}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DBPath != "phasegate.db" {
		t.Errorf("DBPath = %q, want phasegate.db", cfg.DBPath)
	}
	if cfg.ListenAddr != ":9800" {
		t.Errorf("ListenAddr = %q, want :9800", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.DefaultLocale != "it" {
		t.Errorf("DefaultLocale = %q, want it", cfg.DefaultLocale)
	}
	if cfg.ServiceName != "phasegate" {
		t.Errorf("ServiceName = %q, want phasegate", cfg.ServiceName)
	}
	if cfg.OTelEnabled {
		t.Error("OTelEnabled = true, want false")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validJSON())
	t.Setenv("PHASEGATE_DB_PATH", "/var/lib/phasegate/crm.db")
	t.Setenv("PHASEGATE_AUTO_GENERATE_TASKS", "false")
	t.Setenv("PHASEGATE_DEFAULT_LOCALE", "en")
	t.Setenv("PHASEGATE_OTEL_ENABLED", "true")
	t.Setenv("PHASEGATE_OTEL_ENDPOINT", "localhost:4318")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/phasegate/crm.db" {
		t.Errorf("DBPath = %q, want env value", cfg.DBPath)
	}
	if cfg.AutoGenerateTasks {
		t.Error("AutoGenerateTasks = true, want env override false")
	}
	if cfg.DefaultLocale != "en" {
		t.Errorf("DefaultLocale = %q, want en", cfg.DefaultLocale)
	}
	if !cfg.OTelEnabled || cfg.OTelEndpoint != "localhost:4318" {
		t.Errorf("otel = %v %q, want enabled with endpoint", cfg.OTelEnabled, cfg.OTelEndpoint)
	}
	// Untouched keys keep the file value.
	if cfg.ListenAddr != "127.0.0.1:9900" {
		t.Errorf("ListenAddr = %q, want file value", cfg.ListenAddr)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("PHASEGATE_OTEL_STDOUT", "maybe")

	_, err := Load("")
	requireConfigInvalid(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"log level", `{"log_level": "verbose"}`, "log_level"},
		{"log format", `{"log_format": "xml"}`, "log_format"},
		{"locale", `{"default_locale": "fr"}`, "default_locale"},
		{"otel without exporter", `{"otel_enabled": true}`, "otel_enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			requireConfigInvalid(t, err)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestLoad_ReportsAllProblems(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"log_level": "loud", "log_format": "yaml"}`)

	_, err := Load(path)
	requireConfigInvalid(t, err)
	for _, key := range []string{"log_level", "log_format"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}
