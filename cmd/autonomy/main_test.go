package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/serialmux"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, ":50051", *grpcListen)
	assert.Equal(t, "telemetry.db", *dbPath)
	assert.Equal(t, serialmux.DefaultBaudRate, *baud)
	assert.False(t, *devMode)
	assert.Empty(t, *plotDir)
}

func TestLoadTuning(t *testing.T) {
	cfg, err := loadTuning("")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, cfg.GetEstimatorPeriod())

	cfg, err = loadTuning(filepath.Join("..", "..", "config", "autonomy.defaults.json"))
	require.NoError(t, err)
	assert.Positive(t, cfg.GetMaxLinearSpeed())

	path := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_linear_speed": 0.3, "map_frame": "odom"}`), 0o644))
	cfg, err = loadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.GetMaxLinearSpeed())
	assert.Equal(t, "odom", cfg.GetMapFrame())

	_, err = loadTuning(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestOpenSerial(t *testing.T) {
	mux, err := openSerial(false, true, "", 0)
	require.NoError(t, err)
	assert.IsType(t, &serialmux.DisabledSerialMux{}, mux)
	require.NoError(t, mux.Close())

	mux, err = openSerial(true, false, "", 0)
	require.NoError(t, err)
	assert.IsType(t, &serialmux.SerialMux[*serialmux.MockSerialPort]{}, mux)
	require.NoError(t, mux.Close())

	_, err = openSerial(false, false, filepath.Join(t.TempDir(), "no-such-tty"), 0)
	assert.Error(t, err)
}

func TestRunMode(t *testing.T) {
	assert.Equal(t, "disabled", runMode(true, true))
	assert.Equal(t, "simulated", runMode(true, false))
	assert.Equal(t, "serial", runMode(false, false))
}

func TestPlotRunName(t *testing.T) {
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "abc", plotRunName("abc", start))
	assert.Equal(t, "20260304_050607", plotRunName("", start))
}
