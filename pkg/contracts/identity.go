// Package contracts defines the shared data model of the Vorion governance
// core: agent identities, trust records and signals, attestations, capability
// grants, action records, and proof-chain entries.
//
// Contracts are plain data. Behavior lives in the packages that own each
// lifecycle (trust, extension, engine, proof); contracts only carry the
// invariants that travel with the data itself.
package contracts

// AgentIdentity is the durable principal. Created on first registration,
// mutated only by the Trust Engine, never destroyed — revocation is a
// separate signal, not a deletion.
type AgentIdentity struct {
	AgentID         string         `json:"agent_id"`
	Publisher       string         `json:"publisher"`
	Name            string         `json:"name"`
	ACI             string         `json:"aci"`
	CompetenceLevel int            `json:"competence_level"` // 0..5
	DomainMask      uint32         `json:"domain_mask"`
	Version         string         `json:"version"`
	TrustBand       int            `json:"trust_band"`  // 0..5, derived from score at read time
	TrustScore      int            `json:"trust_score"` // 0..1000
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ObservabilityClass is the declared visibility the runtime has into an
// agent's behavior. It constrains the maximum achievable trust score.
type ObservabilityClass string

const (
	ObservabilityBlackBox  ObservabilityClass = "black-box"
	ObservabilityLogsOnly  ObservabilityClass = "logs-only"
	ObservabilityMetrics   ObservabilityClass = "metrics"
	ObservabilityTraces    ObservabilityClass = "traces"
	ObservabilityFullAudit ObservabilityClass = "full-audit"
)

// DeploymentContext is the environmental policy envelope an agent runs in.
type DeploymentContext string

const (
	ContextLocal      DeploymentContext = "C_LOCAL"
	ContextTeam       DeploymentContext = "C_TEAM"
	ContextEnterprise DeploymentContext = "C_ENTERPRISE"
	ContextRegulated  DeploymentContext = "C_REGULATED"
	ContextSovereign  DeploymentContext = "C_SOVEREIGN"
)

// EntityEnvironment captures the runtime facts the Trust Engine needs to
// apply ceilings for one entity: how observable it is, where it is deployed,
// and which overrides are in effect.
type EntityEnvironment struct {
	Observability    ObservabilityClass `json:"observability"`
	Deployment       DeploymentContext  `json:"deployment"`
	HumanApproved    bool               `json:"human_approved,omitempty"`
	HardwareAttested bool               `json:"hardware_attested,omitempty"`
	RequestedBand    int                `json:"requested_band,omitempty"`
}
