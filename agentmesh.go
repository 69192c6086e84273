// Package agentmesh provides a top-level convenience entry point for the
// agent discovery and capability matching engine.
//
// Usage:
//
//	import "github.com/BaSui01/agentmesh"
//
//	engine, err := agentmesh.New(agentmesh.WithConfigFile("agentmesh.yaml"))
//	engine, err := agentmesh.New() // defaults: OpenAI embeddings + local Qdrant
//
// This is a thin wrapper around [discovery.NewEngine]; both produce
// identical results. Use this package when you prefer the shorter
// import path.
package agentmesh

import (
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/discovery"
	"github.com/BaSui01/agentmesh/internal/metrics"
)

// Engine is the fully wired discovery engine.
type Engine = discovery.Engine

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	configFile string
	cfg        *config.Config
	collector  *metrics.Collector
	logger     *zap.Logger
}

// WithConfigFile loads configuration from a YAML file, with
// AGENTMESH_* environment overrides applied on top.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

// WithConfig sets a pre-built configuration, bypassing file loading.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.collector = collector }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a discovery engine with minimal configuration. Without
// options it uses [config.DefaultConfig].
func New(opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		if o.configFile != "" {
			loaded, err := config.NewLoader().WithConfigPath(o.configFile).Load()
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else {
			cfg = config.DefaultConfig()
		}
	}
	return discovery.NewEngine(cfg, o.collector, o.logger)
}
