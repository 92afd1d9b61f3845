package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
workers: 8
memory_limit_mb: 2048
chunk_size: 10
checkpoint:
  dir: /var/lib/docpipe/checkpoints
  interval: 30s
  max_per_batch: 5
  max_age_days: 3
retry:
  backoff_base: 500ms
  max_backoff: 10s
  max_admission_wait: 2m
resource:
  cpu_threshold: 70
  cache_ttl: 2s
redis:
  url: redis://localhost:6379/1
  queue_key: ingest:work
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "docpipe.yaml", sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.GetWorkers())
	assert.Equal(t, 2048, cfg.GetMemoryLimitMB())
	assert.Equal(t, 10, cfg.GetChunkSize())
	assert.Equal(t, "/var/lib/docpipe/checkpoints", cfg.Checkpoint.GetDir())
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.GetInterval())
	assert.Equal(t, 5, cfg.Checkpoint.GetMaxPerBatch())
	assert.Equal(t, 3*24*time.Hour, cfg.Checkpoint.GetMaxAge())
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.GetBackoffBase())
	assert.Equal(t, 10*time.Second, cfg.Retry.GetMaxBackoff())
	assert.Equal(t, 2*time.Minute, cfg.Retry.GetMaxAdmissionWait())
	assert.Equal(t, 70.0, cfg.Resource.GetCPUThreshold())
	assert.Equal(t, 2*time.Second, cfg.Resource.GetCacheTTL())
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
	assert.Equal(t, "ingest:work", cfg.Redis.GetQueueKey())
}

func TestLoadDirectory(t *testing.T) {
	t.Run("yaml extension", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "docpipe.yaml", "workers: 2")

		cfg, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.GetWorkers())
	})

	t.Run("yml fallback", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "docpipe.yml", "workers: 3")

		cfg, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.GetWorkers())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.Error(t, err)
	})
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "docpipe.yaml", "workers: [not a number")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestDefaults(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "docpipe.yaml", "")
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 4, cfg.GetWorkers())
		assert.Equal(t, 1024, cfg.GetMemoryLimitMB())
		assert.Equal(t, 5, cfg.GetChunkSize())
	})

	t.Run("nil sections", func(t *testing.T) {
		var cfg Config
		assert.Equal(t, "checkpoints", cfg.Checkpoint.GetDir())
		assert.Equal(t, 5*time.Minute, cfg.Checkpoint.GetInterval())
		assert.Equal(t, 10, cfg.Checkpoint.GetMaxPerBatch())
		assert.Equal(t, 7*24*time.Hour, cfg.Checkpoint.GetMaxAge())
		assert.Equal(t, time.Second, cfg.Retry.GetBackoffBase())
		assert.Equal(t, 60*time.Second, cfg.Retry.GetMaxBackoff())
		assert.Equal(t, 5*time.Minute, cfg.Retry.GetMaxAdmissionWait())
		assert.Equal(t, 80.0, cfg.Resource.GetCPUThreshold())
		assert.Equal(t, time.Second, cfg.Resource.GetCacheTTL())
		assert.Equal(t, "docpipe:work", cfg.Redis.GetQueueKey())
	})

	t.Run("invalid duration falls back", func(t *testing.T) {
		cp := &CheckpointConfig{Interval: "soon"}
		assert.Equal(t, 5*time.Minute, cp.GetInterval())
	})
}

func TestLoadFromDir(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "docpipe.yaml", "workers: 6")

	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, err := LoadFromDir(nested)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.GetWorkers())
}
