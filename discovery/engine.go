package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/embedding"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/internal/telemetry"
	"github.com/BaSui01/agentmesh/vectorstore"
)

// Engine bundles the fully wired discovery stack.
type Engine struct {
	Registry *Registry
	Store    vectorstore.VectorStore
	Provider embedding.Provider

	redisClient *redis.Client
	regStore    RegistrationStore
	telemetry   *telemetry.Providers
	ownedLogger *zap.Logger
}

// NewEngine wires the discovery engine from configuration: embedding
// provider (optionally Redis-cached), Qdrant store, indexer, search
// service, telemetry and registry. Handles are constructed once here
// and injected explicitly; nothing is process-global except the OTel
// providers telemetry.Init registers.
func NewEngine(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*Engine, error) {
	e := &Engine{}
	if logger == nil {
		logger = cfg.Log.BuildLogger()
		e.ownedLogger = logger
	}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	e.telemetry = tel

	var provider embedding.Provider
	switch cfg.Embedding.Provider {
	case "", "openai":
		provider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
			Logger:     logger,
			Metrics:    collector,
		})
	case "lexical":
		// No model: every search takes the degraded path.
		provider = nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	if provider != nil && cfg.Embedding.CacheEnabled {
		e.redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		provider = embedding.NewCachedProvider(provider, embedding.CacheConfig{
			Client:  e.redisClient,
			TTL:     cfg.Embedding.CacheTTL,
			Logger:  logger,
			Metrics: collector,
		})
	}
	e.Provider = provider

	var store vectorstore.VectorStore
	var qdrant *vectorstore.QdrantStore
	if provider != nil {
		vectorSize := cfg.Qdrant.VectorSize
		if vectorSize <= 0 {
			vectorSize = provider.Dimensions()
		}
		qdrant = vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host:              cfg.Qdrant.Host,
			Port:              cfg.Qdrant.Port,
			BaseURL:           cfg.Qdrant.BaseURL,
			APIKey:            cfg.Qdrant.APIKey,
			Collection:        cfg.Qdrant.Collection,
			Timeout:           cfg.Qdrant.Timeout,
			VectorSize:        vectorSize,
			UseQuantization:   cfg.Qdrant.UseQuantization,
			HNSWM:             cfg.Qdrant.HNSWM,
			HNSWEfConstruct:   cfg.Qdrant.HNSWEfConstruct,
			FullScanThreshold: cfg.Qdrant.FullScanThreshold,
			OnDisk:            cfg.Qdrant.OnDisk,
			Metrics:           collector,
		}, logger)
		store = qdrant
	}
	e.Store = store

	var truncator *embedding.Truncator
	if provider != nil {
		truncator = embedding.NewTruncator(cfg.Embedding.Model, cfg.Embedding.MaxInputTokens)
	}

	var indexer *Indexer
	if provider != nil && store != nil {
		indexer = NewIndexer(provider, store, truncator, IndexerConfig{
			BatchSize: cfg.Registry.IndexBatchSize,
			Timeout:   cfg.Registry.IndexTimeout,
		}, logger)
	}

	verifier := NewDIDVerifier(cfg.Identity.Timeout, logger)

	opts := []RegistryOption{}
	if collector != nil {
		opts = append(opts, WithMetrics(collector))
	}
	if qdrant != nil {
		opts = append(opts, WithInitializer(func(ctx context.Context) error {
			return qdrant.EnsureCollection(ctx)
		}))
	}
	if cfg.Database.Enabled {
		regStore, err := NewDatabaseStore(DatabaseStoreConfig{
			Driver:         cfg.Database.Driver,
			DSN:            cfg.Database.DSN(),
			MaxConnections: cfg.Database.MaxOpenConns,
			MaxIdleTime:    cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open registration store: %w", err)
		}
		e.regStore = regStore
		opts = append(opts, WithRegistrationStore(regStore))
	}

	registry := NewRegistry(RegistryConfig{
		StrictUnregister: cfg.Registry.StrictUnregister,
		AdmitUnverified:  cfg.Identity.AdmitUnverified,
	}, verifier, indexer, nil, logger, opts...)

	search := NewSearchService(provider, store, registry, SearchConfig{
		DefaultTopK:         cfg.Registry.DefaultTopK,
		SimilarityThreshold: cfg.Registry.SimilarityThreshold,
		Overfetch:           cfg.Registry.Overfetch,
		Timeout:             cfg.Registry.SearchTimeout,
	}, collector, logger)
	registry.search = search

	e.Registry = registry
	return e, nil
}

// Close tears down the engine's external connections and flushes
// telemetry.
func (e *Engine) Close() error {
	var first error
	if err := e.Registry.Close(); err != nil {
		first = err
	}
	if e.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.telemetry.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
		cancel()
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.regStore != nil {
		if err := e.regStore.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.ownedLogger != nil {
		// Sync errors on stdout/stderr are expected on some platforms.
		_ = e.ownedLogger.Sync()
	}
	return first
}
