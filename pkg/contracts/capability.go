package contracts

import "time"

// Constraint narrows what a capability grant permits. Constraints accumulate
// through the preCheck aggregation and the postGrant fold; they can only be
// tightened, never removed.
type Constraint struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// CapabilityRequest asks for a capability grant on behalf of an agent.
type CapabilityRequest struct {
	ACI        string         `json:"aci"`
	DomainMask uint32         `json:"domain_mask"`
	Level      int            `json:"level"`
	TTLSeconds int            `json:"ttl_seconds,omitempty"` // 0 means the 3600 s default
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CapabilityGrant is an issued capability. Immutable after creation except
// through the postGrant fold, which may tighten constraints.
type CapabilityGrant struct {
	ID          string       `json:"id"`
	ACI         string       `json:"aci"`
	DomainMask  uint32       `json:"domain_mask"`
	Level       int          `json:"level"`
	IssuedAt    time.Time    `json:"issued_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Token       string       `json:"token,omitempty"` // optional signed bearer token
}

// Clone returns a deep copy safe to hand to an extension fold stage.
func (g *CapabilityGrant) Clone() *CapabilityGrant {
	out := *g
	out.Constraints = make([]Constraint, len(g.Constraints))
	copy(out.Constraints, g.Constraints)
	return &out
}

// CapabilityDecision is the orchestrator's verdict on a capability request.
type CapabilityDecision struct {
	Granted      bool             `json:"granted"`
	Grant        *CapabilityGrant `json:"grant,omitempty"`
	DeniedBy     string           `json:"denied_by,omitempty"` // extension id
	DenialReason string           `json:"denial_reason,omitempty"`
}
