package discovery

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/embedding"
	"github.com/BaSui01/agentmesh/vectorstore"
)

// hashProvider is a deterministic bag-of-words embedding for tests:
// texts sharing tokens get positive cosine similarity, identical texts
// get similarity 1.
type hashProvider struct {
	dims int
	fail bool
}

func newHashProvider() *hashProvider { return &hashProvider{dims: 64} }

func (p *hashProvider) embedOne(text string) []float64 {
	vec := make([]float64, p.dims)
	for _, tok := range embedding.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%p.dims]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func (p *hashProvider) Embed(_ context.Context, req *embedding.Request) (*embedding.Response, error) {
	if p.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	resp := &embedding.Response{Model: "hash", Provider: "hash"}
	for i, text := range req.Input {
		resp.Embeddings = append(resp.Embeddings, embedding.Data{Index: i, Embedding: p.embedOne(text)})
	}
	return resp, nil
}

func (p *hashProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	if p.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	return p.embedOne(query), nil
}

func (p *hashProvider) EmbedDocuments(ctx context.Context, docs []string) ([][]float64, error) {
	if p.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float64, len(docs))
	for i, d := range docs {
		out[i] = p.embedOne(d)
	}
	return out, nil
}

func (p *hashProvider) Name() string      { return "hash" }
func (p *hashProvider) Model() string     { return "hash-bow" }
func (p *hashProvider) Dimensions() int   { return p.dims }
func (p *hashProvider) MaxBatchSize() int { return 100 }

// failingStore errors on every operation, simulating an outage.
type failingStore struct {
	vectorstore.VectorStore
}

func (failingStore) Upsert(context.Context, []vectorstore.Document) error {
	return fmt.Errorf("vector store down")
}

func (failingStore) DeleteByField(context.Context, string, string) (int, error) {
	return 0, fmt.Errorf("vector store down")
}

func (failingStore) Search(context.Context, []float64, *vectorstore.Filter, int, float64) ([]vectorstore.SearchResult, error) {
	return nil, fmt.Errorf("vector store down")
}

// testHarness wires a registry over the in-memory vector store with
// synchronous indexing so tests observe final states directly.
type testHarness struct {
	registry *Registry
	store    *vectorstore.MemoryStore
	provider *hashProvider
}

func newTestHarness(t *testing.T, cfg RegistryConfig) *testHarness {
	t.Helper()
	cfg.SyncIndexing = true

	provider := newHashProvider()
	store := vectorstore.NewMemoryStore()
	logger := zap.NewNop()

	indexer := NewIndexer(provider, store, nil, IndexerConfig{BatchSize: 50}, logger)
	verifier := NewDIDVerifier(0, logger)
	registry := NewRegistry(cfg, verifier, indexer, nil, logger)
	search := NewSearchService(provider, store, registry, SearchConfig{
		DefaultTopK:         10,
		SimilarityThreshold: 0.05,
	}, nil, logger)
	registry.search = search

	t.Cleanup(func() { registry.Close() })
	return &testHarness{registry: registry, store: store, provider: provider}
}

func validIdentity() AgentIdentity {
	return AgentIdentity{
		DID:       "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
		PublicKey: "z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
	}
}

func translatorAgent() *AgentRegistration {
	return &AgentRegistration{
		AgentID:          "agent-a",
		AgentType:        AgentTypeAI,
		InteractionModes: []InteractionMode{InteractionAgentToAgent},
		Identity:         validIdentity(),
		Name:             "Translator",
		Summary:          "Translates text between languages",
		Organization:     "acme",
		Tags:             []string{"nlp", "translate"},
		Capabilities: []Capability{
			{Name: "translate_text", Description: "Translates text between languages"},
		},
	}
}

func summarizerAgent() *AgentRegistration {
	return &AgentRegistration{
		AgentID:          "agent-b",
		AgentType:        AgentTypeAI,
		InteractionModes: []InteractionMode{InteractionAgentToAgent},
		Identity:         validIdentity(),
		Name:             "Summarizer",
		Summary:          "Summarizes long documents into short abstracts",
		Organization:     "globex",
		Tags:             []string{"nlp", "summarize"},
		Capabilities: []Capability{
			{Name: "summarize_document", Description: "Summarizes long documents into concise abstracts"},
		},
		Skills: []Skill{
			{Name: "writing", Description: "Produces clear written summaries of long articles"},
		},
	}
}
