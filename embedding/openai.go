package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
)

// OpenAIProvider talks to an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIProvider struct {
	*BaseProvider
	logger *zap.Logger
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	MaxBatch   int
	Timeout    time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

type openAIEmbeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
	Dimensions     int      `json:"dimensions,omitempty"`
	User           string   `json:"user,omitempty"`
}

type openAIEmbeddingResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIProvider creates a provider for OpenAI-compatible embedding APIs.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(BaseConfig{
			Name:       "openai",
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxBatch:   cfg.MaxBatch,
			Timeout:    cfg.Timeout,
			Metrics:    cfg.Metrics,
		}),
		logger: logger.With(zap.String("component", "embedding.openai")),
	}
}

// Embed generates embeddings for the given request.
func (p *OpenAIProvider) Embed(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Input) == 0 {
		return &Response{Model: p.model, Provider: p.name}, nil
	}

	apiReq := openAIEmbeddingRequest{
		Input:          req.Input,
		Model:          ChooseModel(req.Model, p.model, "text-embedding-3-small"),
		EncodingFormat: "float",
	}
	if req.Dimensions > 0 {
		apiReq.Dimensions = req.Dimensions
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	body, err := p.DoRequest(ctx, http.MethodPost, "/embeddings", apiReq, headers)
	if err != nil {
		p.logger.Warn("embedding request failed",
			zap.String("model", apiReq.Model),
			zap.Int("inputs", len(req.Input)),
			zap.Error(err))
		return nil, err
	}

	var apiResp openAIEmbeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	resp := &Response{
		Model:    apiResp.Model,
		Provider: p.name,
		Usage: Usage{
			PromptTokens: apiResp.Usage.PromptTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		},
	}
	resp.Embeddings = make([]Data, len(apiResp.Data))
	for i, d := range apiResp.Data {
		resp.Embeddings[i] = Data{
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}
	return resp, nil
}

// EmbedQuery embeds a single query string.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return p.BaseProvider.EmbedQuery(ctx, query, p.Embed)
}

// EmbedDocuments embeds documents in batches bounded by MaxBatchSize.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	batch := p.MaxBatchSize()
	out := make([][]float64, 0, len(documents))
	for start := 0; start < len(documents); start += batch {
		end := start + batch
		if end > len(documents) {
			end = len(documents)
		}
		vecs, err := p.BaseProvider.EmbedDocuments(ctx, documents[start:end], p.Embed)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}
