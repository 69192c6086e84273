package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/types"
)

func TestOpenAIProviderEmbed(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq openAIEmbeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := map[string]any{
			"object": "list",
			"model":  gotReq.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
				{"object": "embedding", "index": 1, "embedding": []float64{0.4, 0.5, 0.6}},
			},
			"usage": map[string]int{"prompt_tokens": 8, "total_tokens": 8},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "text-embedding-3-small",
	})

	resp, err := provider.Embed(context.Background(), &Request{
		Input:     []string{"hello", "world"},
		InputType: InputTypeDocument,
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "text-embedding-3-small" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(resp.Embeddings) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(resp.Embeddings))
	}
	if resp.Embeddings[1].Embedding[0] != 0.4 {
		t.Errorf("second vector = %v", resp.Embeddings[1].Embedding)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProviderErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, types.ErrUnauthorized, false},
		{"rate limited", http.StatusTooManyRequests, types.ErrRateLimited, true},
		{"unavailable", http.StatusServiceUnavailable, types.ErrEmbeddingUnavailable, true},
		{"server error", http.StatusInternalServerError, types.ErrUpstreamError, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL})
			_, err := provider.Embed(context.Background(), &Request{Input: []string{"x"}})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := types.GetErrorCode(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
			if got := types.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestOpenAIProviderBatching(t *testing.T) {
	t.Parallel()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req openAIEmbeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float64{float64(i)}}
		}
		json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "data": data})
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL, MaxBatch: 2})
	vecs, err := provider.EmbedDocuments(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("EmbedDocuments: %v", err)
	}
	if len(vecs) != 5 {
		t.Fatalf("got %d vectors, want 5", len(vecs))
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tokens := Tokenize("The Quick-Brown FOX jumps over a lazy_dog, twice!")
	want := map[string]bool{"quick": true, "brown": true, "fox": true, "jumps": true, "over": true, "lazy_dog": true, "twice": true}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %v", tokens)
	}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	if got := Jaccard("translate english text", "translate english text"); got != 1.0 {
		t.Errorf("identical texts = %v, want 1.0", got)
	}
	if got := Jaccard("translate english", "weather forecast"); got != 0 {
		t.Errorf("disjoint texts = %v, want 0", got)
	}
	if got := Jaccard("", "anything here"); got != 0 {
		t.Errorf("empty query = %v, want 0", got)
	}
	// {translate, english, french} vs {translate, english, german}: 2/4.
	if got := Jaccard("translate english french", "translate english german"); got != 0.5 {
		t.Errorf("partial overlap = %v, want 0.5", got)
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()

	if got := Cosine([]float64{1, 0}, []float64{1, 0}); got < 0.999 {
		t.Errorf("parallel = %v, want 1", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Errorf("orthogonal = %v, want 0", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{0, 0}); got != 0 {
		t.Errorf("zero vector = %v, want 0", got)
	}
	if got := Cosine([]float64{1}, []float64{1, 0}); got != 0 {
		t.Errorf("length mismatch = %v, want 0", got)
	}
}

func TestJaccardScorer(t *testing.T) {
	t.Parallel()

	scorer := NewJaccardScorer()
	got, err := scorer.Score(context.Background(), "summarize documents", "summarize long documents quickly")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got <= 0 || got >= 1 {
		t.Errorf("score = %v, want in (0, 1)", got)
	}
}

func TestTruncatorFallback(t *testing.T) {
	t.Parallel()

	// Unknown encoding never loads, so the byte estimate path is exercised
	// by construction when tiktoken data is unavailable; the happy path with
	// short input must always return the input unchanged.
	tr := NewTruncator("text-embedding-3-small", 100)
	if got := tr.Truncate("short text"); got != "short text" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestOpenAIProviderRecordsRequestMetrics(t *testing.T) {
	fail := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
			},
			"usage": map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	}))
	defer server.Close()

	collector := metrics.NewCollector("embedding_requests_test", zap.NewNop())
	provider := NewOpenAIProvider(OpenAIConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Metrics: collector,
	})
	ctx := context.Background()

	if _, err := provider.Embed(ctx, &Request{Input: []string{"hello"}}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	fail = true
	if _, err := provider.Embed(ctx, &Request{Input: []string{"hello"}}); err == nil {
		t.Fatal("expected error from failing backend")
	}

	// One ok series and one error series under the provider label.
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "embedding_requests_test_embedding_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Errorf("embedding request series = %d, want 2", n)
	}
	n, err = testutil.GatherAndCount(prometheus.DefaultGatherer, "embedding_requests_test_embedding_request_duration_seconds")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Error("no embedding duration recorded")
	}
}
