package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Run from a directory without a config file so defaults apply.
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "https://disease.sh/v3/covid-19", cfg.Sources.DiseaseShURL)
	assert.Equal(t, 30, cfg.Sources.HistoryDays)
	assert.Equal(t, 0.02, cfg.Reconcile.AgreementPct)
	assert.Equal(t, []string{"disease.sh", "covid19api", "csv"}, cfg.Reconcile.Priority)
	assert.Equal(t, 0.03, cfg.Validate.ActiveTolerancePct)
	assert.Equal(t, int64(100), cfg.Validate.ActiveToleranceMin)
	assert.Equal(t, 4.0, cfg.Validate.SpikeStddevMult)
	assert.Equal(t, int64(500), cfg.Validate.SpikeMinFloor)
	assert.Equal(t, 4, cfg.Load.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
store:
  database_url: postgres://localhost/covid
  max_conns: 20
validate:
  spike_min_floor: 250
log:
  level: debug
  format: console
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/covid", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(20), cfg.Store.MaxConns)
	assert.Equal(t, int64(250), cfg.Validate.SpikeMinFloor)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep defaults.
	assert.Equal(t, int32(2), cfg.Store.MinConns)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("COVIDETL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}

func TestInitLogger_Console(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}

// chdir changes the working directory for the duration of the test,
// matching the semantics of testing.T.Chdir (added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
