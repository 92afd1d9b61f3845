// Package config provides loading and parsing of docpipe.yaml configuration
// files. A configuration file tunes batch processing: worker and memory caps,
// checkpoint persistence, retry policy, and the pipeline transport.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a docpipe.yaml configuration file.
// Every section is optional; zero values fall back to the accessor defaults.
type Config struct {
	// Workers caps concurrently processing documents.
	// Default: 4
	Workers int `yaml:"workers,omitempty"`

	// MemoryLimitMB is the memory pool budget in megabytes.
	// Default: 1024
	MemoryLimitMB int `yaml:"memory_limit_mb,omitempty"`

	// ChunkSize is the number of documents streamed per chunk.
	// Default: 5
	ChunkSize int `yaml:"chunk_size,omitempty"`

	// Checkpoint configures durable batch snapshots.
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty"`

	// Retry configures the scheduler's failure handling.
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// Resource configures host resource admission control.
	Resource *ResourceConfig `yaml:"resource,omitempty"`

	// Redis configures the pipeline transport.
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// CheckpointConfig configures the checkpoint store and background monitor.
type CheckpointConfig struct {
	// Dir is the directory checkpoint files are written to.
	// Default: "checkpoints"
	Dir string `yaml:"dir,omitempty"`

	// Interval is the background checkpoint period.
	// Format: Go duration string (e.g., "30s", "5m")
	// Default: 5m
	Interval string `yaml:"interval,omitempty"`

	// MaxPerBatch is how many checkpoints are retained per batch.
	// Default: 10
	MaxPerBatch int `yaml:"max_per_batch,omitempty"`

	// MaxAgeDays is the age past which checkpoints are cleanup candidates.
	// Default: 7
	MaxAgeDays int `yaml:"max_age_days,omitempty"`
}

// GetDir returns the checkpoint directory or the default value.
func (c *CheckpointConfig) GetDir() string {
	if c == nil || c.Dir == "" {
		return "checkpoints"
	}
	return c.Dir
}

// GetInterval parses the checkpoint interval string and returns a duration.
// Returns the default value if not set or invalid.
func (c *CheckpointConfig) GetInterval() time.Duration {
	if c == nil || c.Interval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetMaxPerBatch returns the per-batch retention cap or the default value.
func (c *CheckpointConfig) GetMaxPerBatch() int {
	if c == nil || c.MaxPerBatch <= 0 {
		return 10
	}
	return c.MaxPerBatch
}

// GetMaxAge returns the checkpoint retention age or the default value.
func (c *CheckpointConfig) GetMaxAge() time.Duration {
	if c == nil || c.MaxAgeDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// RetryConfig configures retry and starvation behavior in the scheduler.
type RetryConfig struct {
	// BackoffBase scales the exponential retry backoff.
	// Format: Go duration string (e.g., "1s")
	// Default: 1s
	BackoffBase string `yaml:"backoff_base,omitempty"`

	// MaxBackoff caps a single retry delay.
	// Format: Go duration string (e.g., "60s")
	// Default: 60s
	MaxBackoff string `yaml:"max_backoff,omitempty"`

	// MaxAdmissionWait is how long a ready job may be deferred for
	// resources before it is admitted regardless.
	// Format: Go duration string (e.g., "5m")
	// Default: 5m
	MaxAdmissionWait string `yaml:"max_admission_wait,omitempty"`
}

// GetBackoffBase parses the backoff base or returns the default value.
func (r *RetryConfig) GetBackoffBase() time.Duration {
	return r.duration(func() string { return r.BackoffBase }, time.Second)
}

// GetMaxBackoff parses the backoff cap or returns the default value.
func (r *RetryConfig) GetMaxBackoff() time.Duration {
	return r.duration(func() string { return r.MaxBackoff }, 60*time.Second)
}

// GetMaxAdmissionWait parses the starvation guard or returns the default value.
func (r *RetryConfig) GetMaxAdmissionWait() time.Duration {
	return r.duration(func() string { return r.MaxAdmissionWait }, 5*time.Minute)
}

func (r *RetryConfig) duration(get func() string, def time.Duration) time.Duration {
	if r == nil {
		return def
	}
	s := get()
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ResourceConfig configures admission control thresholds.
type ResourceConfig struct {
	// CPUThreshold is the CPU usage percentage above which new jobs are
	// deferred.
	// Default: 80
	CPUThreshold float64 `yaml:"cpu_threshold,omitempty"`

	// CacheTTL is how long a host resource sample stays fresh.
	// Format: Go duration string (e.g., "1s")
	// Default: 1s
	CacheTTL string `yaml:"cache_ttl,omitempty"`
}

// GetCPUThreshold returns the CPU ceiling or the default value.
func (r *ResourceConfig) GetCPUThreshold() float64 {
	if r == nil || r.CPUThreshold <= 0 {
		return 80
	}
	return r.CPUThreshold
}

// GetCacheTTL parses the sample cache TTL or returns the default value.
func (r *ResourceConfig) GetCacheTTL() time.Duration {
	if r == nil || r.CacheTTL == "" {
		return time.Second
	}
	d, err := time.ParseDuration(r.CacheTTL)
	if err != nil {
		return time.Second
	}
	return d
}

// RedisConfig configures the Redis pipeline transport.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0").
	URL string `yaml:"url,omitempty"`

	// QueueKey is the Redis list the pipeline workers consume.
	// Default: "docpipe:work"
	QueueKey string `yaml:"queue_key,omitempty"`
}

// GetQueueKey returns the queue key or the default value.
func (r *RedisConfig) GetQueueKey() string {
	if r == nil || r.QueueKey == "" {
		return "docpipe:work"
	}
	return r.QueueKey
}

// GetWorkers returns the worker cap or the default value.
func (c *Config) GetWorkers() int {
	if c == nil || c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetMemoryLimitMB returns the memory pool budget or the default value.
func (c *Config) GetMemoryLimitMB() int {
	if c == nil || c.MemoryLimitMB <= 0 {
		return 1024
	}
	return c.MemoryLimitMB
}

// GetChunkSize returns the streaming chunk size or the default value.
func (c *Config) GetChunkSize() int {
	if c == nil || c.ChunkSize <= 0 {
		return 5
	}
	return c.ChunkSize
}

// Load reads and parses a docpipe.yaml file from the given path.
// If the path is a directory, it looks for docpipe.yaml or docpipe.yml in
// that directory.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	configPath := path
	if info.IsDir() {
		yamlPath := filepath.Join(path, "docpipe.yaml")
		if _, err := os.Stat(yamlPath); err == nil {
			configPath = yamlPath
		} else {
			ymlPath := filepath.Join(path, "docpipe.yml")
			if _, err := os.Stat(ymlPath); err != nil {
				return nil, fmt.Errorf("no docpipe.yaml or docpipe.yml found in %s", path)
			}
			configPath = ymlPath
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadFromDir searches for docpipe.yaml starting from the given directory
// and walking up to parent directories until found or root is reached.
func LoadFromDir(dir string) (*Config, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	for {
		config, err := Load(absDir)
		if err == nil {
			return config, nil
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			return nil, fmt.Errorf("no docpipe.yaml found in %s or parent directories", dir)
		}
		absDir = parent
	}
}
