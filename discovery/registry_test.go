package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/vectorstore"
)

func TestRegisterAndGetByCapability(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	result, err := h.registry.Register(ctx, translatorAgent())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result.State != StateIndexed {
		t.Errorf("state = %s, want INDEXED", result.State)
	}
	if result.Warning != "" {
		t.Errorf("unexpected warning: %s", result.Warning)
	}

	agents := h.registry.GetByCapability("translate_text")
	if len(agents) != 1 || agents[0].AgentID != "agent-a" {
		t.Fatalf("GetByCapability = %+v", agents)
	}
}

func TestSearchEmptyRegistry(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})

	resp := h.registry.Search(context.Background(), SearchQuery{Text: "translate English to French"}, nil)
	if resp.Degraded {
		t.Error("empty registry should not report degraded")
	}
	if len(resp.Results) != 0 {
		t.Errorf("results = %+v, want empty", resp.Results)
	}
}

func TestSemanticSearchRoundTrip(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, summarizerAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := h.registry.Search(ctx, SearchQuery{Text: "condense a long article into a short abstract"}, nil)
	if resp.Degraded {
		t.Fatal("healthy path reported degraded")
	}
	found := false
	for _, item := range resp.Results {
		if item.AgentID == "agent-b" {
			found = true
			if item.SimilarityScore <= 0 {
				t.Errorf("similarity score = %v, want > 0", item.SimilarityScore)
			}
		}
	}
	if !found {
		t.Fatalf("agent-b not found in results: %+v", resp.Results)
	}
}

func TestUnregisterRemovesFromSearch(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, summarizerAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.registry.Unregister(ctx, "agent-b"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	resp := h.registry.Search(ctx, SearchQuery{Text: "condense a long article"}, nil)
	for _, item := range resp.Results {
		if item.AgentID == "agent-b" {
			t.Fatal("unregistered agent still returned")
		}
	}

	count, _ := h.store.Count(ctx)
	if count != 0 {
		t.Errorf("residual documents after unregister: %d", count)
	}
}

func TestIdempotentUnregister(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.registry.Unregister(ctx, "agent-a"); err != nil {
		t.Fatalf("first Unregister: %v", err)
	}
	if err := h.registry.Unregister(ctx, "agent-a"); err != nil {
		t.Fatalf("second Unregister: %v", err)
	}
	if err := h.registry.Unregister(ctx, "never-existed"); err != nil {
		t.Fatalf("unknown Unregister: %v", err)
	}
}

func TestStrictUnregister(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{StrictUnregister: true})

	err := h.registry.Unregister(context.Background(), "ghost")
	if !types.IsCode(err, types.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestUpdateRegistrationReplacesCapabilities(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	first, err := h.registry.Register(ctx, translatorAgent())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = first

	before, err := h.registry.GetAgent("agent-a")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}

	updated := translatorAgent()
	updated.Capabilities = []Capability{
		{Name: "transcribe_audio", Description: "Transcribes speech recordings to text"},
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := h.registry.UpdateRegistration(ctx, "agent-a", updated); err != nil {
		t.Fatalf("UpdateRegistration: %v", err)
	}

	if agents := h.registry.GetByCapability("translate_text"); len(agents) != 0 {
		t.Errorf("removed capability still indexed: %+v", agents)
	}
	agents := h.registry.GetByCapability("transcribe_audio")
	if len(agents) != 1 || agents[0].AgentID != "agent-a" {
		t.Fatalf("GetByCapability(transcribe_audio) = %+v", agents)
	}

	after, err := h.registry.GetAgent("agent-a")
	if err != nil {
		t.Fatalf("GetAgent after update: %v", err)
	}
	if !after.RegisteredAt.Equal(before.RegisteredAt) {
		t.Errorf("RegisteredAt changed on update: %v -> %v", before.RegisteredAt, after.RegisteredAt)
	}

	// Stale capability documents must not survive the reindex.
	resp := h.registry.Search(ctx, SearchQuery{Text: "translate text between languages"}, nil)
	for _, item := range resp.Results {
		if item.AgentID == "agent-a" && item.SimilarityScore > 0.9 {
			t.Errorf("stale capability document still matching: %+v", item)
		}
	}
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := h.registry.Register(ctx, translatorAgent())
	if !types.IsCode(err, types.ErrDuplicateAgentID) {
		t.Errorf("error = %v, want DUPLICATE_AGENT_ID", err)
	}

	// The id becomes free again after unregister.
	if err := h.registry.Unregister(ctx, "agent-a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := h.registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("re-Register after unregister: %v", err)
	}
}

func TestIdentityRejection(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})

	reg := translatorAgent()
	reg.Identity = AgentIdentity{DID: "did:web:example.com", PublicKey: "pk"}
	_, err := h.registry.Register(context.Background(), reg)
	if !types.IsCode(err, types.ErrIdentityVerification) {
		t.Errorf("error = %v, want IDENTITY_VERIFICATION", err)
	}
}

func TestAdmitUnverified(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{AdmitUnverified: true})

	reg := translatorAgent()
	reg.Identity = AgentIdentity{DID: "did:web:example.com", PublicKey: "pk"}
	result, err := h.registry.Register(context.Background(), reg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result.State != StateUnverified {
		t.Errorf("state = %s, want UNVERIFIED", result.State)
	}

	got, err := h.registry.GetAgent("agent-a")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Identity.Verified {
		t.Error("identity should not be marked verified")
	}
	if len(h.registry.GetVerifiedAgents()) != 0 {
		t.Error("unverified agent listed as verified")
	}
}

func TestValidationRejectsBeforeStores(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	cases := []*AgentRegistration{
		{AgentType: AgentTypeAI, Identity: validIdentity()},
		{AgentID: "x", AgentType: "robot", Identity: validIdentity()},
		{AgentID: "x", AgentType: AgentTypeAI, Identity: validIdentity(),
			Capabilities: []Capability{{Name: "a"}, {Name: "a"}}},
	}
	for i, reg := range cases {
		if _, err := h.registry.Register(ctx, reg); !types.IsCode(err, types.ErrValidation) {
			t.Errorf("case %d: error = %v, want VALIDATION", i, err)
		}
	}
	count, _ := h.store.Count(ctx)
	if count != 0 {
		t.Errorf("invalid registrations touched the vector store: %d docs", count)
	}
}

func TestIndexFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	logger := zap.NewNop()
	provider := newHashProvider()
	indexer := NewIndexer(provider, failingStore{}, nil, IndexerConfig{}, logger)
	registry := NewRegistry(RegistryConfig{SyncIndexing: true}, NewDIDVerifier(0, logger), indexer, nil, logger)
	t.Cleanup(func() { registry.Close() })

	result, err := registry.Register(context.Background(), translatorAgent())
	if err != nil {
		t.Fatalf("Register should survive index failure: %v", err)
	}
	if result.State != StateIndexFailed {
		t.Errorf("state = %s, want INDEX_FAILED", result.State)
	}
	if result.Warning == "" {
		t.Error("expected a non-fatal warning")
	}

	// Exact search still works.
	agents := registry.GetByCapability("translate_text")
	if len(agents) != 1 {
		t.Fatalf("exact index lost after index failure: %+v", agents)
	}
}

func TestDegradedSearchShape(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, summarizerAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	healthy := h.registry.Search(ctx, SearchQuery{Text: "summarizes long documents"}, nil)
	if healthy.Degraded || len(healthy.Results) == 0 {
		t.Fatalf("healthy search = %+v", healthy)
	}

	h.provider.fail = true
	degraded := h.registry.Search(ctx, SearchQuery{Text: "summarizes long documents"}, nil)
	if !degraded.Degraded {
		t.Fatal("expected degraded=true with embedding down")
	}
	if degraded.Message == "" {
		t.Error("degraded response should carry a message")
	}
	if len(degraded.Results) == 0 {
		t.Fatal("degraded path returned no results")
	}

	// Same field shape on both paths.
	hItem, dItem := healthy.Results[0], degraded.Results[0]
	if hItem.AgentID != dItem.AgentID {
		t.Errorf("agent mismatch: %s vs %s", hItem.AgentID, dItem.AgentID)
	}
	if dItem.Name == "" || dItem.Summary == "" || dItem.AgentType == "" {
		t.Errorf("degraded item missing projected fields: %+v", dItem)
	}
}

func TestDegradedExactMatchFirst(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	h.provider.fail = true
	resp := h.registry.Search(ctx, SearchQuery{Text: "translate_text"}, nil)
	if !resp.Degraded {
		t.Fatal("expected degraded")
	}
	if len(resp.Results) != 1 || resp.Results[0].AgentID != "agent-a" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].SimilarityScore != 1.0 {
		t.Errorf("exact match score = %v, want 1.0", resp.Results[0].SimilarityScore)
	}
}

func TestSelfExclusion(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, summarizerAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := h.registry.Search(ctx, SearchQuery{
		Text:              "summarizes long documents",
		RequestingAgentID: "agent-b",
	}, nil)
	for _, item := range resp.Results {
		if item.AgentID == "agent-b" {
			t.Fatal("search returned the requesting agent")
		}
	}
}

func TestExcludedAgents(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, summarizerAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	excluded := map[string]struct{}{"agent-b": {}}
	resp := h.registry.Search(ctx, SearchQuery{Text: "summarizes long documents"}, excluded)
	for _, item := range resp.Results {
		if item.AgentID == "agent-b" {
			t.Fatal("search returned an excluded agent")
		}
	}
}

func TestSearchDeduplication(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	// Many documents, one agent: profile + capabilities + skills all
	// match the query.
	reg := summarizerAgent()
	reg.Capabilities = append(reg.Capabilities,
		Capability{Name: "summarize_article", Description: "Summarizes articles into abstracts"},
		Capability{Name: "summarize_report", Description: "Summarizes long reports"},
	)
	if _, err := h.registry.Register(ctx, reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := h.registry.Search(ctx, SearchQuery{Text: "summarizes long documents into abstracts"}, nil)
	seen := make(map[string]int)
	for _, item := range resp.Results {
		seen[item.AgentID]++
	}
	if seen["agent-b"] != 1 {
		t.Fatalf("agent-b returned %d times: %+v", seen["agent-b"], resp.Results)
	}
}

func TestGetReads(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := h.registry.Register(ctx, summarizerAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := h.registry.GetByOrganization("acme"); len(got) != 1 || got[0].AgentID != "agent-a" {
		t.Errorf("GetByOrganization = %+v", got)
	}
	if got := h.registry.GetByInteractionMode(InteractionAgentToAgent); len(got) != 2 {
		t.Errorf("GetByInteractionMode = %d agents, want 2", len(got))
	}
	if got := h.registry.GetVerifiedAgents(); len(got) != 2 {
		t.Errorf("GetVerifiedAgents = %d, want 2", len(got))
	}
	if got := h.registry.GetAllAgents(); len(got) != 2 {
		t.Errorf("GetAllAgents = %d, want 2", len(got))
	}
	caps := h.registry.GetAllCapabilities()
	if len(caps) != 2 {
		t.Errorf("GetAllCapabilities = %v", caps)
	}

	agentType, err := h.registry.GetAgentType("agent-a")
	if err != nil || agentType != AgentTypeAI {
		t.Errorf("GetAgentType = %v, %v", agentType, err)
	}
	if _, err := h.registry.GetAgent("ghost"); !types.IsCode(err, types.ErrNotFound) {
		t.Errorf("GetAgent(ghost) error = %v, want NOT_FOUND", err)
	}
}

func TestVerifyAgent(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	verified, err := h.registry.VerifyAgent(ctx, "agent-a")
	if err != nil {
		t.Fatalf("VerifyAgent: %v", err)
	}
	if !verified {
		t.Error("expected agent to verify")
	}
	if _, err := h.registry.VerifyAgent(ctx, "ghost"); !types.IsCode(err, types.ErrNotFound) {
		t.Errorf("VerifyAgent(ghost) = %v, want NOT_FOUND", err)
	}
}

func TestConcurrentRegistrations(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := translatorAgent()
			reg.AgentID = fmt.Sprintf("agent-%d", i)
			if _, err := h.registry.Register(ctx, reg); err != nil {
				t.Errorf("Register %d: %v", i, err)
			}
			if i%2 == 0 {
				if err := h.registry.Unregister(ctx, reg.AgentID); err != nil {
					t.Errorf("Unregister %d: %v", i, err)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := len(h.registry.GetAllAgents()); got != 10 {
		t.Errorf("live agents = %d, want 10", got)
	}
}

func TestRegistryRebuildFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := zap.NewNop()
	regStore := NewMemoryRegistrationStore()

	build := func() *Registry {
		provider := newHashProvider()
		store := vectorstore.NewMemoryStore()
		indexer := NewIndexer(provider, store, nil, IndexerConfig{}, logger)
		registry := NewRegistry(RegistryConfig{SyncIndexing: true}, NewDIDVerifier(0, logger), indexer, nil, logger,
			WithRegistrationStore(regStore))
		search := NewSearchService(provider, store, registry, SearchConfig{SimilarityThreshold: 0.05}, nil, logger)
		registry.search = search
		return registry
	}

	first := build()
	if err := first.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if _, err := first.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	first.Close()

	// A fresh process rebuilds its in-memory state from the store.
	second := build()
	if err := second.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	t.Cleanup(func() { second.Close() })

	agents := second.GetByCapability("translate_text")
	if len(agents) != 1 || agents[0].AgentID != "agent-a" {
		t.Fatalf("rebuilt registry GetByCapability = %+v", agents)
	}
}

// gateStore blocks upserts until released, simulating a slow vector
// store write that overlaps a concurrent update.
type gateStore struct {
	*vectorstore.MemoryStore
	release chan struct{}
}

func (g *gateStore) Upsert(ctx context.Context, docs []vectorstore.Document) error {
	<-g.release
	return g.MemoryStore.Upsert(ctx, docs)
}

func TestConcurrentUpdateSupersedesPendingIndex(t *testing.T) {
	t.Parallel()

	provider := newHashProvider()
	store := &gateStore{MemoryStore: vectorstore.NewMemoryStore(), release: make(chan struct{})}
	logger := zap.NewNop()
	indexer := NewIndexer(provider, store, nil, IndexerConfig{BatchSize: 50}, logger)
	verifier := NewDIDVerifier(0, logger)
	registry := NewRegistry(RegistryConfig{}, verifier, indexer, nil, logger)
	defer registry.Close()
	search := NewSearchService(provider, store, registry, SearchConfig{
		DefaultTopK:         10,
		SimilarityThreshold: 0.05,
	}, nil, logger)
	registry.search = search
	ctx := context.Background()

	// Async mode: Register returns while its index task is still
	// blocked writing the original capability documents.
	if _, err := registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	updated := translatorAgent()
	updated.Capabilities = []Capability{
		{Name: "detect_language", Description: "Detects the language of a text"},
	}
	done := make(chan error, 1)
	go func() {
		_, err := registry.UpdateRegistration(ctx, "agent-a", updated)
		done <- err
	}()

	// Let the update queue up behind the in-flight write, then release
	// the store.
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("UpdateRegistration: %v", err)
	}
	registry.Close()

	count, _ := store.Count(ctx)
	if count != 2 {
		t.Errorf("document count = %d, want 2 (profile + new capability)", count)
	}
	vec, err := provider.EmbedQuery(ctx, "translate text between languages")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	results, err := store.Search(ctx, vec, nil, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, res := range results {
		if strings.Contains(res.DocID, "translate_text") {
			t.Fatalf("replaced capability document survived the update: %s", res.DocID)
		}
	}
}

func TestUpdateDemotionRemovesDocuments(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{AdmitUnverified: true})
	ctx := context.Background()

	if _, err := h.registry.Register(ctx, translatorAgent()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if count, _ := h.store.Count(ctx); count == 0 {
		t.Fatal("expected documents after verified registration")
	}

	// The new version fails identity verification; under AdmitUnverified
	// it stays registered but must drop out of vector search entirely.
	updated := translatorAgent()
	updated.Identity = AgentIdentity{DID: "did:web:example.com", PublicKey: "pk"}
	result, err := h.registry.UpdateRegistration(ctx, "agent-a", updated)
	if err != nil {
		t.Fatalf("UpdateRegistration: %v", err)
	}
	if result.State != StateUnverified {
		t.Errorf("state = %s, want UNVERIFIED", result.State)
	}

	count, _ := h.store.Count(ctx)
	if count != 0 {
		t.Errorf("residual documents for unverified agent: %d", count)
	}
}

func TestAgentLockMapPruned(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, RegistryConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		reg := translatorAgent()
		reg.AgentID = fmt.Sprintf("agent-%d", i)
		if _, err := h.registry.Register(ctx, reg); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := h.registry.Unregister(ctx, reg.AgentID); err != nil {
			t.Fatalf("Unregister: %v", err)
		}
	}

	h.registry.lockMu.Lock()
	remaining := len(h.registry.agentLocks)
	h.registry.lockMu.Unlock()
	if remaining != 0 {
		t.Errorf("agent lock entries after churn = %d, want 0", remaining)
	}
}

func TestCloneDeepCopiesSchemas(t *testing.T) {
	t.Parallel()

	orig := translatorAgent()
	orig.Capabilities[0].InputSchema = map[string]any{"type": "object"}
	orig.Capabilities[0].OutputSchema = map[string]any{"type": "string"}
	orig.CustomMetadata = map[string]any{"tier": "gold"}

	clone := orig.Clone()
	clone.Capabilities[0].InputSchema["type"] = "array"
	clone.Capabilities[0].OutputSchema["type"] = "number"
	clone.CustomMetadata["tier"] = "bronze"
	clone.Tags[0] = "mutated"

	if orig.Capabilities[0].InputSchema["type"] != "object" {
		t.Error("input schema shared between clone and original")
	}
	if orig.Capabilities[0].OutputSchema["type"] != "string" {
		t.Error("output schema shared between clone and original")
	}
	if orig.CustomMetadata["tier"] != "gold" {
		t.Error("custom metadata shared between clone and original")
	}
	if orig.Tags[0] != "nlp" {
		t.Error("tags shared between clone and original")
	}
}
