package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacanze/phasegate/internal/catalog"
	"github.com/vacanze/phasegate/internal/config"
	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/store"
	"github.com/vacanze/phasegate/internal/workflow"
)

func TestVersionFromSettings(t *testing.T) {
	tests := []struct {
		name       string
		settings   []debug.BuildSetting
		wantCommit string
		wantDate   string
	}{
		{
			name:       "empty settings",
			settings:   nil,
			wantCommit: "unknown",
			wantDate:   "unknown",
		},
		{
			name: "full revision and time",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "9f3c2a1b7e6d"},
				{Key: "vcs.time", Value: "2026-03-02T08:30:00Z"},
			},
			wantCommit: "9f3c2a1",
			wantDate:   "2026-03-02T08:30:00Z",
		},
		{
			name: "dirty working tree",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "9f3c2a1b7e6d"},
				{Key: "vcs.modified", Value: "true"},
			},
			wantCommit: "9f3c2a1-dirty",
			wantDate:   "unknown",
		},
		{
			name: "short revision",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "9f3c"},
			},
			wantCommit: "unknown",
			wantDate:   "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotCommit, gotDate := versionFromSettings(tt.settings)
			assert.Equal(t, tt.wantCommit, gotCommit)
			assert.Equal(t, tt.wantDate, gotDate)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogLevel: "warn", LogFormat: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "phase", "L1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"phase":"L1"`)
}

func TestNewLogger_TextDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogLevel: "debug", LogFormat: "text"}, &buf)

	logger.Debug("gate checked")
	assert.Contains(t, buf.String(), "msg=\"gate checked\"")
}

func TestDiscoverConfig_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	assert.Empty(t, discoverConfig())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0644))
	assert.Equal(t, "config.json", discoverConfig())
}

// run executes the root command against an isolated working directory and database.
func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("PHASEGATE_DB_PATH", dbPath)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPhasesCommand(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "crm.db"), "phases", "client_property")
	require.NoError(t, err)

	assert.Contains(t, out, "client_property\n")
	assert.Contains(t, out, "P0")
	assert.Contains(t, out, "P5")
	assert.Contains(t, out, "(terminal)")
	assert.NotContains(t, out, "lead\n")
}

func TestPhasesCommand_UnknownType(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "crm.db"), "phases", "boat")
	require.Error(t, err)
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crm.db")
	out, err := run(t, dbPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "database ready")

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestEvaluateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crm.db")
	db, err := store.NewDB(dbPath)
	require.NoError(t, err)
	engine := workflow.NewEngine(db, catalog.MustDefault(), nil)
	lead, err := engine.CreateLead(context.Background(), workflow.NewLead{Name: "Villa Rosa"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, err := run(t, dbPath, "evaluate", "lead", lead.ID)
	require.NoError(t, err)

	var snap domain.CompletionSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, lead.ID, snap.EntityID)
	assert.Equal(t, domain.PhaseID("L0"), snap.Phase)
}

func TestEvaluateCommand_NotFound(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "crm.db"), "evaluate", "lead", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVersionCommand(t *testing.T) {
	t.Setenv("PHASEGATE_LOG_LEVEL", "not-a-level")
	out, err := run(t, filepath.Join(t.TempDir(), "crm.db"), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "phasegate "+version)
}

func TestBadConfigFails(t *testing.T) {
	t.Setenv("PHASEGATE_LOG_FORMAT", "xml")
	_, err := run(t, filepath.Join(t.TempDir(), "crm.db"), "phases")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_format")
}
