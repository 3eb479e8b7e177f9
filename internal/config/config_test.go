package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Duration(0), cfg.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.GraphRequestTimeout)
	assert.Equal(t, 5*time.Hour, cfg.JobTimeout)
	assert.Equal(t, "v24.0", cfg.GraphAPIVersion)
	assert.Equal(t, 5000, cfg.MaxItemsPerJob)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RETRY_ATTEMPTS", "5")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("GRAPH_BASE_URL", "http://localhost:9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "http://localhost:9999", cfg.GraphBaseURL)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_concurrency: 9\njob_timeout: 2h\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Hour, cfg.JobTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RETRY_ATTEMPTS", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry_attempts")
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
