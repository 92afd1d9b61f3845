package docpipe

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/docpipe/config"
	"github.com/zero-day-ai/docpipe/pipeline"
	"github.com/zero-day-ai/docpipe/resource"
)

// EngineOption configures the Engine.
type EngineOption func(*engineConfig)

// engineConfig holds configuration for an Engine instance.
type engineConfig struct {
	cfg           *config.Config
	processor     pipeline.Processor
	logger        *slog.Logger
	tracer        trace.Tracer
	checkpointDir string
	progress      func(processed, total int)
	sampler       resource.Sampler
}

// WithConfig sets the loaded configuration for the engine. Settings not
// covered by other options are taken from here; a nil config uses defaults
// throughout.
func WithConfig(cfg *config.Config) EngineOption {
	return func(c *engineConfig) {
		c.cfg = cfg
	}
}

// WithProcessor sets the document processor invoked for each admitted job.
// When not provided, the engine builds a Redis-backed processor from the
// configuration's redis section.
func WithProcessor(p pipeline.Processor) EngineOption {
	return func(c *engineConfig) {
		c.processor = p
	}
}

// WithLogger sets a custom logger for the engine.
// If not provided, a JSON logger writing to stdout is created.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer for distributed tracing.
// This enables observability across batch processing operations.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(c *engineConfig) {
		c.tracer = tracer
	}
}

// WithCheckpointDir overrides the checkpoint directory from the
// configuration.
func WithCheckpointDir(dir string) EngineOption {
	return func(c *engineConfig) {
		c.checkpointDir = dir
	}
}

// WithProgress sets a callback invoked after every processed document with
// the number processed so far and the batch total.
func WithProgress(fn func(processed, total int)) EngineOption {
	return func(c *engineConfig) {
		c.progress = fn
	}
}

// WithResourceSampler overrides the host metric source used for admission
// control. When not provided, gopsutil samples the local host.
func WithResourceSampler(s resource.Sampler) EngineOption {
	return func(c *engineConfig) {
		c.sampler = s
	}
}
