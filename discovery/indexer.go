package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentmesh/embedding"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/vectorstore"
)

// Document types stored in the vector index. Each registration yields
// one profile document plus one document per capability and per skill.
const (
	DocTypeProfile    = "profile"
	DocTypeCapability = "capability"
	DocTypeSkill      = "skill"
)

// IndexerConfig configures the indexing pipeline.
type IndexerConfig struct {
	BatchSize int
	Timeout   time.Duration
}

// Indexer converts registrations into embedded documents and keeps the
// vector store synchronized with them. Re-indexing is always
// delete-then-insert so a removed capability can never keep matching
// through a stale sub-document.
type Indexer struct {
	provider  embedding.Provider
	store     vectorstore.VectorStore
	truncator *embedding.Truncator
	batchSize int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewIndexer creates an indexer over the given embedding provider and
// vector store.
func NewIndexer(provider embedding.Provider, store vectorstore.VectorStore, truncator *embedding.Truncator, cfg IndexerConfig, logger *zap.Logger) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		provider:  provider,
		store:     store,
		truncator: truncator,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		logger:    logger.With(zap.String("component", "indexer")),
	}
}

// BuildProfileText concatenates the descriptive fields of a
// registration into one text blob for the profile document.
func BuildProfileText(reg *AgentRegistration) string {
	var parts []string
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			parts = append(parts, label+": "+value)
		}
	}

	add("Agent Name", reg.Name)
	add("Summary", reg.Summary)
	add("Detailed Description", reg.Description)

	if len(reg.Capabilities) > 0 {
		lines := make([]string, 0, len(reg.Capabilities))
		for _, cap := range reg.Capabilities {
			desc := cap.Description
			if desc == "" {
				desc = "No description."
			}
			lines = append(lines, cap.Name+": "+desc)
		}
		parts = append(parts, "Capabilities:\n- "+strings.Join(lines, "\n- "))
	}
	if len(reg.Skills) > 0 {
		lines := make([]string, 0, len(reg.Skills))
		for _, skill := range reg.Skills {
			desc := skill.Description
			if desc == "" {
				desc = "No description."
			}
			lines = append(lines, skill.Name+": "+desc)
		}
		parts = append(parts, "Skills:\n- "+strings.Join(lines, "\n- "))
	}
	if len(reg.Examples) > 0 {
		parts = append(parts, "Usage Examples:\n- "+strings.Join(reg.Examples, "\n- "))
	}
	if len(reg.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(reg.Tags, ", "))
	}
	if len(reg.DefaultInputModes) > 0 {
		parts = append(parts, "Accepts Input Data Types: "+strings.Join(reg.DefaultInputModes, ", "))
	}
	if len(reg.DefaultOutputModes) > 0 {
		parts = append(parts, "Produces Output Data Types: "+strings.Join(reg.DefaultOutputModes, ", "))
	}
	if len(reg.AuthSchemes) > 0 {
		parts = append(parts, "Supported Authentication: "+strings.Join(reg.AuthSchemes, ", "))
	}

	return strings.Join(parts, "\n\n")
}

// DocID builds the stable document ID for one unit of a registration.
// Upserting the same agent always rewrites the same IDs.
func DocID(agentID, docType, subKey string) string {
	if subKey == "" {
		return agentID + ":" + docType
	}
	return agentID + ":" + docType + ":" + subKey
}

type indexUnit struct {
	id      string
	text    string
	payload map[string]any
}

func (ix *Indexer) basePayload(reg *AgentRegistration) map[string]any {
	modes := make([]string, len(reg.InteractionModes))
	for i, m := range reg.InteractionModes {
		modes[i] = string(m)
	}
	return map[string]any{
		"agent_id":          reg.AgentID,
		"agent_type":        string(reg.AgentType),
		"agent_name":        reg.Name,
		"agent_summary":     reg.Summary,
		"organization":      reg.Organization,
		"developer":         reg.Developer,
		"payment_address":   reg.PaymentAddress,
		"url":               reg.URL,
		"tags":              reg.Tags,
		"interaction_modes": modes,
		"auth_schemes":      reg.AuthSchemes,
	}
}

func (ix *Indexer) buildUnits(reg *AgentRegistration) []indexUnit {
	units := make([]indexUnit, 0, 1+len(reg.Capabilities)+len(reg.Skills))

	profile := ix.basePayload(reg)
	profile["doc_type"] = DocTypeProfile
	units = append(units, indexUnit{
		id:      DocID(reg.AgentID, DocTypeProfile, ""),
		text:    BuildProfileText(reg),
		payload: profile,
	})

	for i, cap := range reg.Capabilities {
		payload := ix.basePayload(reg)
		payload["doc_type"] = DocTypeCapability
		payload["capability_name"] = cap.Name
		payload["capability_description"] = cap.Description
		units = append(units, indexUnit{
			id:      DocID(reg.AgentID, DocTypeCapability, fmt.Sprintf("%d:%s", i, cap.Name)),
			text:    strings.TrimSpace(cap.Name + " " + cap.Description),
			payload: payload,
		})
	}
	for i, skill := range reg.Skills {
		payload := ix.basePayload(reg)
		payload["doc_type"] = DocTypeSkill
		payload["skill_name"] = skill.Name
		payload["skill_description"] = skill.Description
		units = append(units, indexUnit{
			id:      DocID(reg.AgentID, DocTypeSkill, fmt.Sprintf("%d:%s", i, skill.Name)),
			text:    strings.TrimSpace(skill.Name + " " + skill.Description),
			payload: payload,
		})
	}
	return units
}

// Index embeds and upserts all documents for a registration. Batches
// are bounded and idempotent by doc ID, so a cancelled-and-retried
// call converges to the same end state.
func (ix *Indexer) Index(ctx context.Context, reg *AgentRegistration) error {
	ctx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	units := ix.buildUnits(reg)
	texts := make([]string, len(units))
	for i, u := range units {
		text := u.text
		if ix.truncator != nil {
			text = ix.truncator.Truncate(text)
		}
		texts[i] = text
	}

	vectors, err := ix.provider.EmbedDocuments(ctx, texts)
	if err != nil {
		return indexingError("embedding failed", err)
	}
	if len(vectors) != len(units) {
		return indexingError(fmt.Sprintf("embedding count mismatch: got %d, want %d", len(vectors), len(units)), nil)
	}

	docs := make([]vectorstore.Document, len(units))
	for i, u := range units {
		payload := u.payload
		payload["doc_id"] = u.id
		docs[i] = vectorstore.Document{
			ID:      u.id,
			Vector:  vectors[i],
			Payload: payload,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(docs); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		g.Go(func() error {
			return ix.store.Upsert(gctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return indexingError("vector upsert failed", err)
	}

	ix.logger.Debug("indexed registration",
		zap.String("agent_id", reg.AgentID),
		zap.Int("documents", len(docs)))
	return nil
}

// Remove deletes every document whose payload agent_id matches.
// Idempotent: removing an unknown agent deletes nothing.
func (ix *Indexer) Remove(ctx context.Context, agentID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	removed, err := ix.store.DeleteByField(ctx, "agent_id", agentID)
	if err != nil {
		return 0, indexingError("vector delete failed", err)
	}
	ix.logger.Debug("removed agent documents",
		zap.String("agent_id", agentID),
		zap.Int("documents", removed))
	return removed, nil
}

// Reindex replaces the whole document set for a registration.
func (ix *Indexer) Reindex(ctx context.Context, reg *AgentRegistration) error {
	if _, err := ix.Remove(ctx, reg.AgentID); err != nil {
		return err
	}
	return ix.Index(ctx, reg)
}

func indexingError(msg string, cause error) error {
	e := types.NewError(types.ErrIndexing, msg).
		WithHTTPStatus(http.StatusInternalServerError).
		WithRetryable(true)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}
