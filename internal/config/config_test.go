package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	content := `
server:
  addr: ":9090"
engine:
  confidence_threshold: 0.7
  debounce_seconds: 10
  lookback_days: 90
  ocr_substitutions:
    O: "0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 0.7, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, 10*time.Second, cfg.Engine.DebounceWindow())
	assert.Equal(t, 90*24*time.Hour, cfg.Engine.LookbackWindow())
	// Untouched keys keep defaults.
	assert.Equal(t, "/tmp/vigil.sock", cfg.Server.RPCSocket)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  confidence_threshold: 2.5\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroLookback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  lookback_days: 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
