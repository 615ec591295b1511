package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 8765, cfg.Gateway.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoaderReadsFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stepwire.json")

	content := `{
		"data_dir": "` + tmpDir + `",
		"gateway": {"port": 9100},
		"reasoner": {"provider": "anthropic", "model": "claude-sonnet-4"}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

	loader := NewLoader(configPath)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Gateway.Port)
	assert.Equal(t, "anthropic", cfg.Reasoner.Provider)
	assert.Equal(t, "claude-sonnet-4", cfg.Reasoner.Model)
	// Unspecified fields keep defaults
	assert.Equal(t, 20, cfg.Reasoner.MaxSteps)
	assert.Equal(t, tmpDir, cfg.DataDir)
}

func TestLoaderInvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "stepwire.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0600))

	loader := NewLoader(configPath)
	_, err := loader.Load()
	assert.Error(t, err)
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "stepwire.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Gateway.Port = 9200
	cfg.DataDir = filepath.Dir(configPath)

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9200, loaded.Gateway.Port)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stepwire.json")

	write := func(port int) {
		content := fmt.Sprintf(`{"data_dir": %q, "gateway": {"port": %d}}`, tmpDir, port)
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))
	}
	write(9000)

	loader := NewLoader(configPath)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(loader, func(c *Config) {
		reloaded <- c
	})
	require.NoError(t, err)
	defer w.Close()

	write(9001)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9001, cfg.Gateway.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
