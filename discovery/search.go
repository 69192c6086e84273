package discovery

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/embedding"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/vectorstore"
)

// CandidateSource exposes the live registrations the search service
// ranks and projects. The registry implements it.
type CandidateSource interface {
	// LiveAgent returns a copy of a live registration, or nil.
	LiveAgent(agentID string) *AgentRegistration

	// LiveAgents returns copies of all live registrations.
	LiveAgents() []*AgentRegistration

	// AgentsByCapability returns copies of the live registrations
	// carrying the exact capability name.
	AgentsByCapability(name string) []*AgentRegistration
}

// SearchConfig tunes ranking and the degraded fallback.
type SearchConfig struct {
	DefaultTopK         int
	SimilarityThreshold float64
	Overfetch           int
	Timeout             time.Duration
}

// SearchService executes capability queries. The healthy path goes
// through the embedding provider and the vector store; when either is
// unavailable the service degrades to exact capability lookup and then
// Jaccard token-set similarity, never surfacing a backend failure to
// the caller.
type SearchService struct {
	provider embedding.Provider
	store    vectorstore.VectorStore
	source   CandidateSource
	fallback embedding.Scorer
	cfg      SearchConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewSearchService creates a search service. provider and store may be
// nil, in which case every query takes the degraded path.
func NewSearchService(provider embedding.Provider, store vectorstore.VectorStore, source CandidateSource, cfg SearchConfig, collector *metrics.Collector, logger *zap.Logger) *SearchService {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.25
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchService{
		provider: provider,
		store:    store,
		source:   source,
		fallback: embedding.NewJaccardScorer(),
		cfg:      cfg,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "search_service")),
	}
}

// candidate is a deduplicated per-agent match being ranked.
type candidate struct {
	agentID  string
	score    float64
	priority int
}

// Document-type priority for tie-breaking within one agent.
func docTypePriority(docType string) int {
	switch docType {
	case DocTypeProfile:
		return 3
	case DocTypeSkill:
		return 2
	case DocTypeCapability:
		return 1
	default:
		return 0
	}
}

// Search runs a capability query. It never returns an error for
// embedding or vector store unavailability; those produce a degraded
// response instead.
func (s *SearchService) Search(ctx context.Context, query SearchQuery, excluded map[string]struct{}) SearchResponse {
	start := time.Now()
	topK := query.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	threshold := query.SimilarityThreshold
	if threshold == 0 {
		threshold = s.cfg.SimilarityThreshold
	}

	if strings.TrimSpace(query.Text) == "" {
		return SearchResponse{Results: []SearchResultItem{}}
	}

	if s.provider != nil && s.store != nil {
		results, err := s.semanticSearch(ctx, query, excluded, topK, threshold)
		if err == nil {
			s.record("semantic", start, len(results))
			return SearchResponse{Results: results}
		}
		s.logger.Warn("semantic search unavailable, degrading",
			zap.String("query", query.Text),
			zap.Error(err))
	}

	results, mode := s.degradedSearch(query, excluded, topK, threshold)
	s.record(mode, start, len(results))
	return SearchResponse{
		Results:  results,
		Degraded: true,
		Message:  "semantic search unavailable, served " + mode + " fallback",
	}
}

func (s *SearchService) record(mode string, start time.Time, results int) {
	if s.metrics != nil {
		s.metrics.RecordSearch(mode, time.Since(start), results)
	}
}

func (s *SearchService) semanticSearch(ctx context.Context, query SearchQuery, excluded map[string]struct{}, topK int, threshold float64) ([]SearchResultItem, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	vector, err := s.provider.EmbedQuery(ctx, query.Text)
	if err != nil {
		return nil, err
	}

	filter := buildFilter(query)
	// Over-fetch: several returned documents may belong to one agent.
	limit := topK * s.cfg.Overfetch
	hits, err := s.store.Search(ctx, vector, filter, limit, threshold)
	if err != nil {
		return nil, err
	}

	// Deduplicate by agent, keeping the maximum score; on equal scores
	// prefer profile > skill > capability, then lower agent_id.
	best := make(map[string]*candidate)
	for _, hit := range hits {
		agentID, _ := hit.Payload["agent_id"].(string)
		if agentID == "" {
			continue
		}
		docType, _ := hit.Payload["doc_type"].(string)
		prio := docTypePriority(docType)
		cur, ok := best[agentID]
		if !ok {
			best[agentID] = &candidate{agentID: agentID, score: hit.Score, priority: prio}
			continue
		}
		if hit.Score > cur.score || (hit.Score == cur.score && prio > cur.priority) {
			cur.score = hit.Score
			cur.priority = prio
		}
	}

	ranked := make([]candidate, 0, len(best))
	for _, c := range best {
		if c.score < threshold {
			continue
		}
		ranked = append(ranked, *c)
	}
	return s.finalize(ranked, query, excluded, topK), nil
}

// buildFilter maps include_tags to OR semantics and structured_filters
// to AND semantics, applied during index traversal rather than after.
func buildFilter(query SearchQuery) *vectorstore.Filter {
	if len(query.IncludeTags) == 0 && len(query.StructuredFilters) == 0 {
		return nil
	}
	f := &vectorstore.Filter{}
	if len(query.IncludeTags) > 0 {
		f.Any = map[string][]string{"tags": query.IncludeTags}
	}
	if len(query.StructuredFilters) > 0 {
		f.Must = make(map[string]string, len(query.StructuredFilters))
		for k, v := range query.StructuredFilters {
			f.Must[k] = v
		}
	}
	return f
}

// degradedSearch tries the exact capability index first, then Jaccard
// similarity over each candidate's profile and capability texts.
func (s *SearchService) degradedSearch(query SearchQuery, excluded map[string]struct{}, topK int, threshold float64) ([]SearchResultItem, string) {
	if exact := s.source.AgentsByCapability(strings.TrimSpace(query.Text)); len(exact) > 0 {
		ranked := make([]candidate, 0, len(exact))
		for _, reg := range exact {
			if !s.matchesQueryFilters(reg, query) {
				continue
			}
			ranked = append(ranked, candidate{agentID: reg.AgentID, score: 1.0})
		}
		if len(ranked) > 0 {
			return s.finalize(ranked, query, excluded, topK), "exact"
		}
	}

	ranked := make([]candidate, 0)
	for _, reg := range s.source.LiveAgents() {
		if !s.matchesQueryFilters(reg, query) {
			continue
		}
		score := s.lexicalScore(query.Text, reg)
		if score < threshold {
			continue
		}
		ranked = append(ranked, candidate{agentID: reg.AgentID, score: score})
	}
	return s.finalize(ranked, query, excluded, topK), "jaccard"
}

// lexicalScore is the maximum Jaccard similarity between the query and
// the agent's profile text or any single capability/skill text.
func (s *SearchService) lexicalScore(text string, reg *AgentRegistration) float64 {
	profileParts := []string{
		reg.Name, reg.Summary, reg.Description,
		strings.Join(reg.Tags, " "),
	}
	for _, cap := range reg.Capabilities {
		profileParts = append(profileParts, cap.Name)
	}
	for _, skill := range reg.Skills {
		profileParts = append(profileParts, skill.Name)
	}
	best, _ := s.fallback.Score(context.Background(), text, strings.Join(profileParts, " "))

	for _, cap := range reg.Capabilities {
		score, _ := s.fallback.Score(context.Background(), text, cap.Name+" "+cap.Description)
		if score > best {
			best = score
		}
	}
	for _, skill := range reg.Skills {
		score, _ := s.fallback.Score(context.Background(), text, skill.Name+" "+skill.Description)
		if score > best {
			best = score
		}
	}
	return best
}

func (s *SearchService) matchesQueryFilters(reg *AgentRegistration, query SearchQuery) bool {
	if len(query.IncludeTags) > 0 {
		found := false
		for _, want := range query.IncludeTags {
			for _, tag := range reg.Tags {
				if tag == want {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	// Mirrors the payload fields the vector store can filter on, so a
	// degraded search honors the same structured keys as a healthy one.
	for key, want := range query.StructuredFilters {
		switch key {
		case "agent_id":
			if reg.AgentID != want {
				return false
			}
		case "agent_type":
			if string(reg.AgentType) != want {
				return false
			}
		case "agent_name":
			if reg.Name != want {
				return false
			}
		case "agent_summary":
			if reg.Summary != want {
				return false
			}
		case "organization":
			if reg.Organization != want {
				return false
			}
		case "developer":
			if reg.Developer != want {
				return false
			}
		case "payment_address":
			if reg.PaymentAddress != want {
				return false
			}
		case "url":
			if reg.URL != want {
				return false
			}
		case "tags":
			if !containsString(reg.Tags, want) {
				return false
			}
		case "interaction_modes":
			found := false
			for _, m := range reg.InteractionModes {
				if string(m) == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "auth_schemes":
			if !containsString(reg.AuthSchemes, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// finalize applies post-filters, orders, truncates and projects.
func (s *SearchService) finalize(ranked []candidate, query SearchQuery, excluded map[string]struct{}, topK int) []SearchResultItem {
	filtered := make([]candidate, 0, len(ranked))
	for _, c := range ranked {
		if c.agentID == query.RequestingAgentID {
			continue
		}
		if _, skip := excluded[c.agentID]; skip {
			continue
		}
		reg := s.source.LiveAgent(c.agentID)
		if reg == nil {
			// Stale vector document for an agent that has since left.
			continue
		}
		if reg.AgentType == AgentTypeHuman && !query.IncludeHumanAgents {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].score != filtered[j].score {
			return filtered[i].score > filtered[j].score
		}
		return filtered[i].agentID < filtered[j].agentID
	})
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}

	items := make([]SearchResultItem, 0, len(filtered))
	for _, c := range filtered {
		reg := s.source.LiveAgent(c.agentID)
		if reg == nil {
			continue
		}
		items = append(items, project(reg, c.score, query.OutputDetail))
	}
	return items
}

// project selects registration fields per the requested detail level.
func project(reg *AgentRegistration, score float64, detail OutputDetail) SearchResultItem {
	item := SearchResultItem{
		AgentID:         reg.AgentID,
		SimilarityScore: score,
	}
	switch detail {
	case DetailMinimal:
		return item
	case DetailCapabilities:
		item.Capabilities = append([]Capability(nil), reg.Capabilities...)
		item.Skills = append([]Skill(nil), reg.Skills...)
		fallthrough
	case DetailSummary, "":
		item.Name = reg.Name
		item.Summary = reg.Summary
		item.AgentType = reg.AgentType
		item.Organization = reg.Organization
		item.Tags = append([]string(nil), reg.Tags...)
	case DetailFull:
		item.Name = reg.Name
		item.Summary = reg.Summary
		item.AgentType = reg.AgentType
		item.Organization = reg.Organization
		item.Tags = append([]string(nil), reg.Tags...)
		item.Capabilities = append([]Capability(nil), reg.Capabilities...)
		item.Skills = append([]Skill(nil), reg.Skills...)
		item.Registration = reg.Clone()
	}
	return item
}
