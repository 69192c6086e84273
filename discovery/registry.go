package discovery

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/types"
)

// RegistryConfig tunes registry behavior.
type RegistryConfig struct {
	// StrictUnregister makes Unregister fail with NOT_FOUND for unknown
	// agents instead of being a silent no-op.
	StrictUnregister bool

	// AdmitUnverified keeps registrations whose identity check failed,
	// in state UNVERIFIED, instead of rejecting them.
	AdmitUnverified bool

	// SyncIndexing runs vector indexing inline instead of in a
	// background task. Used by tests and batch imports.
	SyncIndexing bool
}

// Registry is the system of record for agent registrations. It owns
// the lifecycle, the exact-match capability index, and orchestrates
// the indexer and search service. Writes for one agent_id are
// serialized through a keyed lock; writes for different agents and all
// reads proceed in parallel.
type Registry struct {
	cfg      RegistryConfig
	verifier IdentityVerifier
	indexer  *Indexer
	search   *SearchService
	store    RegistrationStore
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger

	mu             sync.RWMutex
	agents         map[string]*AgentRegistration
	byCapability   map[string]map[string]struct{}
	byOrganization map[string]map[string]struct{}
	byMode         map[InteractionMode]map[string]struct{}
	verified       map[string]struct{}

	lockMu     sync.Mutex
	agentLocks map[string]*keyedLock

	initOnce sync.Once
	initErr  error
	initFn   func(ctx context.Context) error

	indexWG sync.WaitGroup
	closed  bool
}

// RegistryOption customizes registry construction.
type RegistryOption func(*Registry)

// WithRegistrationStore attaches optional external persistence. The
// registry stays the source of truth; the store allows rebuilds across
// restarts.
func WithRegistrationStore(store RegistrationStore) RegistryOption {
	return func(r *Registry) { r.store = store }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(collector *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = collector }
}

// WithInitializer sets the startup gate executed by EnsureInitialized
// (vector collection bootstrap, embedding warmup).
func WithInitializer(fn func(ctx context.Context) error) RegistryOption {
	return func(r *Registry) { r.initFn = fn }
}

// NewRegistry creates a registry. verifier must not be nil; indexer
// and search may be nil for exact-only deployments.
func NewRegistry(cfg RegistryConfig, verifier IdentityVerifier, indexer *Indexer, search *SearchService, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:            cfg,
		verifier:       verifier,
		indexer:        indexer,
		search:         search,
		tracer:         otel.Tracer("agentmesh/discovery"),
		logger:         logger.With(zap.String("component", "agent_registry")),
		agents:         make(map[string]*AgentRegistration),
		byCapability:   make(map[string]map[string]struct{}),
		byOrganization: make(map[string]map[string]struct{}),
		byMode:         make(map[InteractionMode]map[string]struct{}),
		verified:       make(map[string]struct{}),
		agentLocks:     make(map[string]*keyedLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// keyedLock is one agent's critical section plus the number of
// current holders and waiters, so the entry can be pruned when the
// last one releases.
type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lockAgent enters the per-agent critical section for agentID and
// returns the release function. Entries are reference-counted and
// removed on last release, so agent-id churn does not grow the map.
func (r *Registry) lockAgent(agentID string) func() {
	r.lockMu.Lock()
	lock, ok := r.agentLocks[agentID]
	if !ok {
		lock = &keyedLock{}
		r.agentLocks[agentID] = lock
	}
	lock.refs++
	r.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.agentLocks, agentID)
		}
		r.lockMu.Unlock()
	}
}

// EnsureInitialized runs the startup gate exactly once per process.
// All operations touching the vector path call it first.
func (r *Registry) EnsureInitialized(ctx context.Context) error {
	r.initOnce.Do(func() {
		if r.initFn != nil {
			r.initErr = r.initFn(ctx)
		}
		if r.initErr == nil && r.store != nil {
			r.initErr = r.rebuildFromStore(ctx)
		}
	})
	return r.initErr
}

// rebuildFromStore reloads persisted registrations and rebuilds the
// in-memory indexes. Vector documents are re-derived lazily by the
// next update of each agent; the registry is queryable immediately.
func (r *Registry) rebuildFromStore(ctx context.Context) error {
	regs, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range regs {
		if !reg.State.Live() {
			continue
		}
		r.insertLocked(reg)
	}
	r.logger.Info("rebuilt registry from store", zap.Int("agents", len(regs)))
	return nil
}

func duplicateError(agentID string) error {
	return types.NewError(types.ErrDuplicateAgentID, "agent already registered: "+agentID).
		WithHTTPStatus(http.StatusConflict)
}

func notFoundError(agentID string) error {
	return types.NewError(types.ErrNotFound, "agent not found: "+agentID).
		WithHTTPStatus(http.StatusNotFound)
}

func validationError(err error) error {
	return types.NewError(types.ErrValidation, err.Error()).
		WithHTTPStatus(http.StatusBadRequest).
		WithCause(err)
}

// Register admits a new agent. Identity and validation failures are
// returned synchronously; vector indexing runs asynchronously and its
// failure is reported as a warning, never as a registration failure.
func (r *Registry) Register(ctx context.Context, reg *AgentRegistration) (*RegisterResult, error) {
	ctx, span := r.tracer.Start(ctx, "registry.register",
		trace.WithAttributes(attribute.String("agent.id", reg.AgentID)))
	defer span.End()

	if err := reg.Validate(); err != nil {
		r.recordRegistration("invalid")
		return nil, validationError(err)
	}

	unlock := r.lockAgent(reg.AgentID)
	defer unlock()

	r.mu.RLock()
	_, exists := r.agents[reg.AgentID]
	r.mu.RUnlock()
	if exists {
		r.recordRegistration("duplicate")
		return nil, duplicateError(reg.AgentID)
	}

	entry := reg.Clone()
	now := time.Now().UTC()
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = now
	}
	entry.LastActive = now

	if err := r.verifier.Verify(ctx, entry.Identity); err != nil {
		if !r.cfg.AdmitUnverified {
			r.recordRegistration("rejected")
			r.logger.Warn("identity verification failed",
				zap.String("agent_id", entry.AgentID),
				zap.Error(err))
			return nil, err
		}
		entry.Identity.Verified = false
		entry.State = StateUnverified
	} else {
		entry.Identity.Verified = true
		entry.State = StateVerified
	}

	r.mu.Lock()
	r.insertLocked(entry)
	live := len(r.agents)
	r.mu.Unlock()

	r.persist(ctx, entry)
	r.recordRegistration("registered")
	if r.metrics != nil {
		r.metrics.SetRegisteredAgents(live)
	}

	result := &RegisterResult{AgentID: entry.AgentID, State: entry.State}
	if entry.State == StateVerified {
		if warning := r.scheduleIndex(ctx, entry); warning != "" {
			result.Warning = warning
			result.State = StateIndexFailed
		}
	}
	if result.Warning == "" {
		// Async indexing outcome is observable later through GetAgent.
		r.mu.RLock()
		if cur, ok := r.agents[entry.AgentID]; ok {
			result.State = cur.State
		}
		r.mu.RUnlock()
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", entry.AgentID),
		zap.String("state", string(result.State)))
	return result, nil
}

// insertLocked adds a registration to every in-memory index.
// Caller holds r.mu.
func (r *Registry) insertLocked(reg *AgentRegistration) {
	r.agents[reg.AgentID] = reg
	for _, cap := range reg.Capabilities {
		set, ok := r.byCapability[cap.Name]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[cap.Name] = set
		}
		set[reg.AgentID] = struct{}{}
	}
	if reg.Organization != "" {
		set, ok := r.byOrganization[reg.Organization]
		if !ok {
			set = make(map[string]struct{})
			r.byOrganization[reg.Organization] = set
		}
		set[reg.AgentID] = struct{}{}
	}
	for _, mode := range reg.InteractionModes {
		set, ok := r.byMode[mode]
		if !ok {
			set = make(map[string]struct{})
			r.byMode[mode] = set
		}
		set[reg.AgentID] = struct{}{}
	}
	if reg.Identity.Verified {
		r.verified[reg.AgentID] = struct{}{}
	}
}

// removeLocked removes a registration from every in-memory index.
// Caller holds r.mu.
func (r *Registry) removeLocked(reg *AgentRegistration) {
	delete(r.agents, reg.AgentID)
	for _, cap := range reg.Capabilities {
		if set, ok := r.byCapability[cap.Name]; ok {
			delete(set, reg.AgentID)
			if len(set) == 0 {
				delete(r.byCapability, cap.Name)
			}
		}
	}
	if set, ok := r.byOrganization[reg.Organization]; ok {
		delete(set, reg.AgentID)
		if len(set) == 0 {
			delete(r.byOrganization, reg.Organization)
		}
	}
	for _, mode := range reg.InteractionModes {
		if set, ok := r.byMode[mode]; ok {
			delete(set, reg.AgentID)
			if len(set) == 0 {
				delete(r.byMode, mode)
			}
		}
	}
	delete(r.verified, reg.AgentID)
}

// scheduleIndex runs vector indexing for a registration, inline or in
// the background per configuration. Returns a warning string when
// inline indexing failed.
func (r *Registry) scheduleIndex(ctx context.Context, reg *AgentRegistration) string {
	if r.indexer == nil {
		return ""
	}
	if r.cfg.SyncIndexing {
		return r.runIndex(ctx, reg.Clone())
	}
	r.spawnIndexTask(reg.AgentID)
	return ""
}

// spawnIndexTask reindexes agentID in the background. The task enters
// the per-agent critical section and re-reads the live registration
// there, so a task queued before a concurrent update can never write
// an older version's documents over the update's. The delete half of
// runReindex makes the task idempotent under that re-read.
func (r *Registry) spawnIndexTask(agentID string) {
	r.indexWG.Add(1)
	go func() {
		defer r.indexWG.Done()
		unlock := r.lockAgent(agentID)
		defer unlock()

		r.mu.RLock()
		var snapshot *AgentRegistration
		if entry, ok := r.agents[agentID]; ok && entry.State != StateUnregistered && entry.State != StateUnverified {
			snapshot = entry.Clone()
		}
		r.mu.RUnlock()
		if snapshot == nil {
			return
		}
		// Detached from the caller's context: registration has already
		// succeeded, indexing is best-effort.
		r.runReindex(context.Background(), snapshot)
	}()
}

// runIndex performs the vector write and flips the state to INDEXED or
// INDEX_FAILED. The registry entry survives failure; exact search keeps
// working.
func (r *Registry) runIndex(ctx context.Context, reg *AgentRegistration) string {
	ctx, span := r.tracer.Start(ctx, "registry.index",
		trace.WithAttributes(attribute.String("agent.id", reg.AgentID)))
	defer span.End()

	err := r.indexer.Index(ctx, reg)

	r.mu.Lock()
	if cur, ok := r.agents[reg.AgentID]; ok && cur.State.Live() {
		if err != nil {
			cur.State = StateIndexFailed
		} else {
			cur.State = StateIndexed
		}
	}
	r.mu.Unlock()

	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordIndexOutcome("failed")
		}
		r.logger.Warn("vector indexing failed, agent remains exact-searchable",
			zap.String("agent_id", reg.AgentID),
			zap.Error(err))
		return "vector indexing failed: " + err.Error()
	}
	if r.metrics != nil {
		r.metrics.RecordIndexOutcome("indexed")
	}
	return ""
}

// Unregister removes an agent and cascades deletion of its vector
// documents. Idempotent unless StrictUnregister is set.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	ctx, span := r.tracer.Start(ctx, "registry.unregister",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	unlock := r.lockAgent(agentID)
	defer unlock()

	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if ok {
		r.removeLocked(reg)
		reg.State = StateUnregistered
	}
	live := len(r.agents)
	r.mu.Unlock()

	if !ok {
		if r.cfg.StrictUnregister {
			return notFoundError(agentID)
		}
		return nil
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, agentID); err != nil {
			r.logger.Warn("failed to delete persisted registration",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	if r.indexer != nil {
		if _, err := r.indexer.Remove(ctx, agentID); err != nil {
			// Stale documents are filtered out at search time; the next
			// reindex of this id overwrites them.
			r.logger.Warn("failed to remove vector documents",
				zap.String("agent_id", agentID),
				zap.Error(err))
		} else if r.metrics != nil {
			r.metrics.RecordIndexOutcome("removed")
		}
	}

	if r.metrics != nil {
		r.metrics.RecordUnregistration()
		r.metrics.SetRegisteredAgents(live)
	}
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// UpdateRegistration replaces an agent's registration wholesale,
// preserving RegisteredAt. The exact-match index swaps old for new
// under one lock acquisition; vector documents are replaced
// delete-then-insert so no stale sub-document survives.
func (r *Registry) UpdateRegistration(ctx context.Context, agentID string, reg *AgentRegistration) (*RegisterResult, error) {
	ctx, span := r.tracer.Start(ctx, "registry.update",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	if err := reg.Validate(); err != nil {
		return nil, validationError(err)
	}
	if reg.AgentID != agentID {
		return nil, types.NewError(types.ErrValidation,
			"agent_id mismatch: path="+agentID+" body="+reg.AgentID).
			WithHTTPStatus(http.StatusBadRequest)
	}

	unlock := r.lockAgent(agentID)
	defer unlock()

	r.mu.RLock()
	old, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, notFoundError(agentID)
	}

	entry := reg.Clone()
	entry.RegisteredAt = old.RegisteredAt
	entry.LastActive = time.Now().UTC()

	if err := r.verifier.Verify(ctx, entry.Identity); err != nil {
		if !r.cfg.AdmitUnverified {
			return nil, err
		}
		entry.Identity.Verified = false
		entry.State = StateUnverified
	} else {
		entry.Identity.Verified = true
		entry.State = StateVerified
	}

	r.mu.Lock()
	r.removeLocked(old)
	r.insertLocked(entry)
	r.mu.Unlock()

	r.persist(ctx, entry)

	result := &RegisterResult{AgentID: agentID, State: entry.State}
	if r.indexer != nil {
		switch {
		case entry.State != StateVerified:
			// Demoted to unverified: any documents from the previous
			// version must not stay searchable.
			if _, err := r.indexer.Remove(ctx, agentID); err != nil {
				r.logger.Warn("failed to remove vector documents for unverified agent",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
		case r.cfg.SyncIndexing:
			if warning := r.runReindex(ctx, entry.Clone()); warning != "" {
				result.Warning = warning
				result.State = StateIndexFailed
			} else {
				result.State = StateIndexed
			}
		default:
			r.spawnIndexTask(agentID)
		}
	}

	r.logger.Info("agent registration updated",
		zap.String("agent_id", agentID),
		zap.String("state", string(result.State)))
	return result, nil
}

func (r *Registry) runReindex(ctx context.Context, reg *AgentRegistration) string {
	if _, err := r.indexer.Remove(ctx, reg.AgentID); err != nil {
		r.logger.Warn("failed to remove stale vector documents before reindex",
			zap.String("agent_id", reg.AgentID),
			zap.Error(err))
	}
	return r.runIndex(ctx, reg)
}

func (r *Registry) persist(ctx context.Context, reg *AgentRegistration) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, reg); err != nil {
		r.logger.Warn("failed to persist registration",
			zap.String("agent_id", reg.AgentID),
			zap.Error(err))
	}
}

func (r *Registry) recordRegistration(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordRegistration(outcome)
	}
}

// GetAgent returns a copy of a live registration.
func (r *Registry) GetAgent(agentID string) (*AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return nil, notFoundError(agentID)
	}
	return reg.Clone(), nil
}

// GetAgentType returns the type of a live agent.
func (r *Registry) GetAgentType(agentID string) (AgentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return "", notFoundError(agentID)
	}
	return reg.AgentType, nil
}

// GetByCapability is the O(1) exact lookup. It works even when the
// vector backend is down.
func (r *Registry) GetByCapability(name string) []*AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byCapability[name])
}

// GetByOrganization returns live agents of one organization.
func (r *Registry) GetByOrganization(organization string) []*AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byOrganization[organization])
}

// GetByInteractionMode returns live agents supporting a mode.
func (r *Registry) GetByInteractionMode(mode InteractionMode) []*AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byMode[mode])
}

// GetVerifiedAgents returns live agents whose identity check passed.
func (r *Registry) GetVerifiedAgents() []*AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.verified)
}

// GetAllAgents returns copies of every live registration.
func (r *Registry) GetAllAgents() []*AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentRegistration, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, reg.Clone())
	}
	return out
}

// GetAllCapabilities returns the distinct capability names currently
// advertised by live agents.
func (r *Registry) GetAllCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCapability))
	for name := range r.byCapability {
		out = append(out, name)
	}
	return out
}

func (r *Registry) collectLocked(ids map[string]struct{}) []*AgentRegistration {
	out := make([]*AgentRegistration, 0, len(ids))
	for id := range ids {
		if reg, ok := r.agents[id]; ok {
			out = append(out, reg.Clone())
		}
	}
	return out
}

// VerifyAgent re-runs the identity check for a live agent and updates
// its verified status.
func (r *Registry) VerifyAgent(ctx context.Context, agentID string) (bool, error) {
	unlock := r.lockAgent(agentID)
	defer unlock()

	r.mu.RLock()
	reg, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return false, notFoundError(agentID)
	}

	err := r.verifier.Verify(ctx, reg.Identity)
	verified := err == nil

	r.mu.Lock()
	if cur, stillHere := r.agents[agentID]; stillHere {
		cur.Identity.Verified = verified
		if verified {
			r.verified[agentID] = struct{}{}
		} else {
			delete(r.verified, agentID)
		}
	}
	r.mu.Unlock()
	return verified, nil
}

// GetByCapabilitySemantic delegates a natural-language query to the
// search service. Backend unavailability degrades; it never errors.
func (r *Registry) GetByCapabilitySemantic(ctx context.Context, query SearchQuery) SearchResponse {
	ctx, span := r.tracer.Start(ctx, "registry.search",
		trace.WithAttributes(attribute.String("query.text", query.Text)))
	defer span.End()

	if err := r.EnsureInitialized(ctx); err != nil {
		r.logger.Warn("initialization incomplete, search degrades", zap.Error(err))
	}
	if r.search == nil {
		return SearchResponse{Results: []SearchResultItem{}, Degraded: true, Message: "search service not configured"}
	}

	var excluded map[string]struct{}
	return r.search.Search(ctx, query, excluded)
}

// Search is GetByCapabilitySemantic with an explicit exclusion set
// (agents already in an active interaction with the caller).
func (r *Registry) Search(ctx context.Context, query SearchQuery, excludedAgentIDs map[string]struct{}) SearchResponse {
	if err := r.EnsureInitialized(ctx); err != nil {
		r.logger.Warn("initialization incomplete, search degrades", zap.Error(err))
	}
	if r.search == nil {
		return SearchResponse{Results: []SearchResultItem{}, Degraded: true, Message: "search service not configured"}
	}
	return r.search.Search(ctx, query, excludedAgentIDs)
}

// Close waits for in-flight background indexing to finish.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.indexWG.Wait()
	return nil
}

// CandidateSource implementation for the search service.

func (r *Registry) LiveAgent(agentID string) *AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.agents[agentID]; ok {
		return reg.Clone()
	}
	return nil
}

func (r *Registry) LiveAgents() []*AgentRegistration {
	return r.GetAllAgents()
}

func (r *Registry) AgentsByCapability(name string) []*AgentRegistration {
	return r.GetByCapability(name)
}
