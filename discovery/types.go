// Package discovery implements the agent registry and the semantic
// capability search on top of it. The registry is the system of record;
// the vector index is a derived projection that can always be rebuilt
// from the registry's records.
package discovery

import (
	"fmt"
	"strings"
	"time"
)

// AgentType classifies who operates an agent.
type AgentType string

const (
	AgentTypeAI    AgentType = "ai"
	AgentTypeHuman AgentType = "human"
)

// InteractionMode describes how an agent can be interacted with.
type InteractionMode string

const (
	InteractionHumanToAgent InteractionMode = "human_to_agent"
	InteractionAgentToAgent InteractionMode = "agent_to_agent"
)

// AgentState tracks a registration through its lifecycle.
//
// UNVERIFIED -> VERIFIED | REJECTED on the identity check,
// VERIFIED -> INDEXED | INDEX_FAILED on the vector write,
// any live state -> UNREGISTERED, which is terminal.
type AgentState string

const (
	StateUnverified   AgentState = "UNVERIFIED"
	StateVerified     AgentState = "VERIFIED"
	StateRejected     AgentState = "REJECTED"
	StateIndexed      AgentState = "INDEXED"
	StateIndexFailed  AgentState = "INDEX_FAILED"
	StateUnregistered AgentState = "UNREGISTERED"
)

// Live reports whether the state still counts against agent_id uniqueness.
func (s AgentState) Live() bool {
	return s != StateUnregistered && s != StateRejected && s != ""
}

// AgentIdentity is an agent's decentralized identity.
type AgentIdentity struct {
	DID       string `json:"did"`
	PublicKey string `json:"public_key"`
	Verified  bool   `json:"verified"`
}

// Capability is a named function an agent claims to perform.
type Capability struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Skill is a named area of competence, broader than a single capability.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AgentRegistration is the authoritative record for one agent.
type AgentRegistration struct {
	AgentID          string            `json:"agent_id"`
	AgentType        AgentType         `json:"agent_type"`
	InteractionModes []InteractionMode `json:"interaction_modes"`
	Identity         AgentIdentity     `json:"identity"`

	Name         string `json:"name,omitempty"`
	Summary      string `json:"summary,omitempty"`
	Description  string `json:"description,omitempty"`
	Organization string `json:"organization,omitempty"`
	Developer    string `json:"developer,omitempty"`
	Version      string `json:"version,omitempty"`

	URL                string   `json:"url,omitempty"`
	DocumentationURL   string   `json:"documentation_url,omitempty"`
	AuthSchemes        []string `json:"auth_schemes,omitempty"`
	DefaultInputModes  []string `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string `json:"default_output_modes,omitempty"`

	Tags         []string     `json:"tags,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Skills       []Skill      `json:"skills,omitempty"`
	Examples     []string     `json:"examples,omitempty"`

	PaymentAddress string         `json:"payment_address,omitempty"`
	CustomMetadata map[string]any `json:"custom_metadata,omitempty"`

	RegisteredAt time.Time  `json:"registered_at"`
	LastActive   time.Time  `json:"last_active"`
	State        AgentState `json:"state"`
}

// Validate rejects malformed registrations before they touch any store.
func (r *AgentRegistration) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("agent_id is required")
	}
	if r.AgentType != AgentTypeAI && r.AgentType != AgentTypeHuman {
		return fmt.Errorf("agent_type must be %q or %q", AgentTypeAI, AgentTypeHuman)
	}
	seen := make(map[string]struct{}, len(r.Capabilities))
	for i, cap := range r.Capabilities {
		if strings.TrimSpace(cap.Name) == "" {
			return fmt.Errorf("capability[%d] name is required", i)
		}
		if _, dup := seen[cap.Name]; dup {
			return fmt.Errorf("duplicate capability name %q", cap.Name)
		}
		seen[cap.Name] = struct{}{}
	}
	for i, skill := range r.Skills {
		if strings.TrimSpace(skill.Name) == "" {
			return fmt.Errorf("skill[%d] name is required", i)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate registry state
// through a returned registration.
func (r *AgentRegistration) Clone() *AgentRegistration {
	if r == nil {
		return nil
	}
	out := *r
	out.InteractionModes = append([]InteractionMode(nil), r.InteractionModes...)
	out.AuthSchemes = append([]string(nil), r.AuthSchemes...)
	out.DefaultInputModes = append([]string(nil), r.DefaultInputModes...)
	out.DefaultOutputModes = append([]string(nil), r.DefaultOutputModes...)
	out.Tags = append([]string(nil), r.Tags...)
	out.Examples = append([]string(nil), r.Examples...)
	out.Capabilities = make([]Capability, len(r.Capabilities))
	for i, cap := range r.Capabilities {
		cap.InputSchema = copyAnyMap(cap.InputSchema)
		cap.OutputSchema = copyAnyMap(cap.OutputSchema)
		out.Capabilities[i] = cap
	}
	out.Skills = append([]Skill(nil), r.Skills...)
	out.CustomMetadata = copyAnyMap(r.CustomMetadata)
	return &out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// OutputDetail selects how much of a registration a search result carries.
type OutputDetail string

const (
	DetailMinimal      OutputDetail = "minimal"
	DetailSummary      OutputDetail = "summary"
	DetailCapabilities OutputDetail = "capabilities"
	DetailFull         OutputDetail = "full"
)

// SearchQuery is a natural-language capability query.
type SearchQuery struct {
	Text                string            `json:"text"`
	TopK                int               `json:"top_k,omitempty"`
	SimilarityThreshold float64           `json:"similarity_threshold,omitempty"`
	IncludeTags         []string          `json:"include_tags,omitempty"`
	StructuredFilters   map[string]string `json:"structured_filters,omitempty"`
	OutputDetail        OutputDetail      `json:"output_detail,omitempty"`
	RequestingAgentID   string            `json:"requesting_agent_id,omitempty"`
	IncludeHumanAgents  bool              `json:"include_human_agents,omitempty"`
}

// SearchResultItem is one ranked agent in a search response. Which of
// the optional fields are set depends on the query's OutputDetail.
type SearchResultItem struct {
	AgentID         string  `json:"agent_id"`
	SimilarityScore float64 `json:"similarity_score"`

	Name         string       `json:"name,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	AgentType    AgentType    `json:"agent_type,omitempty"`
	Organization string       `json:"organization,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Skills       []Skill      `json:"skills,omitempty"`

	Registration *AgentRegistration `json:"registration,omitempty"`
}

// SearchResponse is the full result of a capability search.
type SearchResponse struct {
	Results  []SearchResultItem `json:"results"`
	Degraded bool               `json:"degraded"`
	Message  string             `json:"message,omitempty"`
}

// RegisterResult reports the outcome of a register or update call.
// Warning is set when the registration succeeded but vector indexing
// did not; the entry stays live and exact search keeps working.
type RegisterResult struct {
	AgentID string     `json:"agent_id"`
	State   AgentState `json:"state"`
	Warning string     `json:"warning,omitempty"`
}
