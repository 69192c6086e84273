package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
)

// cacheType labels this cache in hit/miss metrics.
const cacheType = "embedding"

// CachedProvider wraps a Provider with a Redis read-through cache keyed
// by model and input text. Cache failures are non-fatal: every miss or
// Redis error falls through to the underlying provider.
type CachedProvider struct {
	inner   Provider
	client  redis.UniversalClient
	ttl     time.Duration
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Collector
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	Client  redis.UniversalClient
	TTL     time.Duration
	Prefix  string
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// NewCachedProvider wraps inner with a Redis cache.
func NewCachedProvider(inner Provider, cfg CacheConfig) *CachedProvider {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentmesh:emb:"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		inner:   inner,
		client:  cfg.Client,
		ttl:     ttl,
		prefix:  prefix,
		logger:  logger.With(zap.String("component", "embedding.cache")),
		metrics: cfg.Metrics,
	}
}

func (c *CachedProvider) Name() string      { return c.inner.Name() }
func (c *CachedProvider) Model() string     { return c.inner.Model() }
func (c *CachedProvider) Dimensions() int   { return c.inner.Dimensions() }
func (c *CachedProvider) MaxBatchSize() int { return c.inner.MaxBatchSize() }

func (c *CachedProvider) key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedProvider) get(ctx context.Context, model, text string) ([]float64, bool) {
	raw, err := c.client.Get(ctx, c.key(model, text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *CachedProvider) put(ctx context.Context, model, text string, vec []float64) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(model, text), raw, c.ttl).Err(); err != nil {
		c.logger.Debug("cache write failed", zap.Error(err))
	}
}

// Embed serves cached vectors where available and asks the inner
// provider only for the misses, preserving input order.
func (c *CachedProvider) Embed(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Input) == 0 {
		return c.inner.Embed(ctx, req)
	}
	model := ChooseModel(req.Model, c.inner.Model(), c.inner.Name())

	vectors := make([][]float64, len(req.Input))
	missIdx := make([]int, 0, len(req.Input))
	missInput := make([]string, 0, len(req.Input))
	for i, text := range req.Input {
		if vec, ok := c.get(ctx, model, text); ok {
			if c.metrics != nil {
				c.metrics.RecordCacheHit(cacheType)
			}
			vectors[i] = vec
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(cacheType)
		}
		missIdx = append(missIdx, i)
		missInput = append(missInput, text)
	}

	if len(missInput) > 0 {
		missReq := *req
		missReq.Input = missInput
		resp, err := c.inner.Embed(ctx, &missReq)
		if err != nil {
			return nil, err
		}
		for j, d := range resp.Embeddings {
			vectors[missIdx[j]] = d.Embedding
			c.put(ctx, model, missInput[j], d.Embedding)
		}
	}

	out := &Response{Model: model, Provider: c.inner.Name()}
	out.Embeddings = make([]Data, len(vectors))
	for i, vec := range vectors {
		out.Embeddings[i] = Data{Index: i, Embedding: vec}
	}
	return out, nil
}

func (c *CachedProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	resp, err := c.Embed(ctx, &Request{Input: []string{query}, InputType: InputTypeQuery})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, nil
	}
	return resp.Embeddings[0].Embedding, nil
}

func (c *CachedProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := c.Embed(ctx, &Request{Input: documents, InputType: InputTypeDocument})
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(resp.Embeddings))
	for i, d := range resp.Embeddings {
		out[i] = d.Embedding
	}
	return out, nil
}
