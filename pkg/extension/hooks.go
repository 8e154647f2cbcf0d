// Package extension implements the pluggable governance module system: the
// registry of installed extensions and the pipeline that dispatches lifecycle
// hooks across an agent's active extension set with per-hook timeouts and
// rule-driven aggregation.
//
// An extension implements any subset of the hook interfaces below. The
// pipeline discovers capability by interface assertion; an extension that
// does not implement a hook is simply skipped for that hook.
package extension

import (
	"context"
	"time"

	"github.com/vorion-labs/vorion/pkg/contracts"
)

// Provider is the minimal contract every extension satisfies.
type Provider interface {
	Descriptor() contracts.ExtensionDescriptor
}

// Lifecycle hooks.
type (
	// Loader runs when an extension is registered. A failing OnLoad rolls
	// the registration back.
	Loader interface {
		OnLoad(ctx context.Context) error
	}

	// Unloader runs best-effort when an extension is unregistered.
	Unloader interface {
		OnUnload(ctx context.Context) error
	}
)

// PreCheckResult is one extension's vote on a capability request.
type PreCheckResult struct {
	Allow       bool
	Reason      string
	Constraints []contracts.Constraint
}

// PreChecker votes on capability requests before a grant is constructed.
type PreChecker interface {
	PreCheck(ctx context.Context, agent *contracts.AgentIdentity, req *contracts.CapabilityRequest) (*PreCheckResult, error)
}

// PostGranter transforms a freshly issued grant. Stages run as a sequential
// fold; each extension sees the grant as modified by its predecessors.
type PostGranter interface {
	PostGrant(ctx context.Context, agent *contracts.AgentIdentity, grant *contracts.CapabilityGrant) (*contracts.CapabilityGrant, error)
}

// ExpiryHandler observes grant expiry.
type ExpiryHandler interface {
	OnExpiry(ctx context.Context, agent *contracts.AgentIdentity, grant *contracts.CapabilityGrant) error
}

// PreActionResult is one extension's vote on an action.
type PreActionResult struct {
	Proceed       bool
	Reason        string
	Modifications map[string]any // dotted-path → new value
	Approvals     []contracts.ApprovalRequirement
}

// PreActor votes on actions before execution.
type PreActor interface {
	PreAction(ctx context.Context, agent *contracts.AgentIdentity, req *contracts.ActionRequest) (*PreActionResult, error)
}

// PostActor observes completed actions. Dispatched in parallel,
// fire-and-forget; failures are logged only.
type PostActor interface {
	PostAction(ctx context.Context, agent *contracts.AgentIdentity, record *contracts.ActionRecord) error
}

// FailureResult is one extension's retry suggestion after a failed action.
type FailureResult struct {
	Retry      bool
	RetryDelay time.Duration
	MaxRetries int
	Fallback   any
}

// FailureHandler reacts to action failures.
type FailureHandler interface {
	OnFailure(ctx context.Context, agent *contracts.AgentIdentity, record *contracts.ActionRecord) (*FailureResult, error)
}

// Recommendation orders behavioral-drift responses by severity.
type Recommendation int

const (
	RecommendContinue Recommendation = iota
	RecommendWarn
	RecommendSuspend
	RecommendRevoke
)

func (r Recommendation) String() string {
	switch r {
	case RecommendWarn:
		return "warn"
	case RecommendSuspend:
		return "suspend"
	case RecommendRevoke:
		return "revoke"
	default:
		return "continue"
	}
}

// BehaviorResult is one extension's behavioral verification verdict.
type BehaviorResult struct {
	InBounds        bool
	DriftScore      float64
	DriftCategories []string
	Recommendation  Recommendation
}

// BehaviorVerifier checks an agent's observed behavior against its envelope.
type BehaviorVerifier interface {
	VerifyBehavior(ctx context.Context, agent *contracts.AgentIdentity) (*BehaviorResult, error)
}

// Health orders metric-report health states by severity.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// MetricsResult is one extension's metric collection output.
type MetricsResult struct {
	Health Health
	Report map[string]any
}

// MetricsCollector gathers agent health metrics.
type MetricsCollector interface {
	CollectMetrics(ctx context.Context, agent *contracts.AgentIdentity) (*MetricsResult, error)
}

// AnomalyAction orders anomaly responses by severity.
type AnomalyAction int

const (
	AnomalyIgnore AnomalyAction = iota
	AnomalyLog
	AnomalyAlert
	AnomalySuspend
	AnomalyRevoke
)

func (a AnomalyAction) String() string {
	switch a {
	case AnomalyLog:
		return "log"
	case AnomalyAlert:
		return "alert"
	case AnomalySuspend:
		return "suspend"
	case AnomalyRevoke:
		return "revoke"
	default:
		return "ignore"
	}
}

// Anomaly describes a detected behavioral anomaly.
type Anomaly struct {
	Type     string
	Severity float64
	Details  map[string]any
}

// AnomalyResult is one extension's anomaly response.
type AnomalyResult struct {
	Action    AnomalyAction
	Notified  []string
	Escalated bool
}

// AnomalyHandler reacts to anomalies.
type AnomalyHandler interface {
	OnAnomaly(ctx context.Context, agent *contracts.AgentIdentity, anomaly *Anomaly) (*AnomalyResult, error)
}

// RevocationHandler observes trust revocations. Dispatched as a parallel
// fan-out, log-only.
type RevocationHandler interface {
	OnRevocation(ctx context.Context, agent *contracts.AgentIdentity, reason string) error
}

// TrustAdjustment is the running value threaded through the adjustTrust fold.
type TrustAdjustment struct {
	Score       int
	Band        int
	TierChanged bool
}

// TrustAdjuster lets an extension adjust an agent's trust. Stages run as a
// sequential fold; each extension sees the latest post-fold score and band.
type TrustAdjuster interface {
	AdjustTrust(ctx context.Context, agent *contracts.AgentIdentity, current TrustAdjustment) (*TrustAdjustment, error)
}

// AttestationVerifier validates attestations presented by an agent.
type AttestationVerifier interface {
	VerifyAttestation(ctx context.Context, att *contracts.Attestation) (bool, error)
}

// PolicyEffect orders policy verdicts by priority: a deny outranks a
// require_approval outranks an allow.
type PolicyEffect int

const (
	EffectAllow PolicyEffect = iota
	EffectRequireApproval
	EffectDeny
)

func (e PolicyEffect) String() string {
	switch e {
	case EffectRequireApproval:
		return "require_approval"
	case EffectDeny:
		return "deny"
	default:
		return "allow"
	}
}

// PolicyInput is the environment snapshot handed to policy evaluation.
type PolicyInput struct {
	Agent      *contracts.AgentIdentity
	Action     *contracts.ActionRequest
	Capability *contracts.CapabilityRequest
	// Environment snapshot: time_of_day "HH:MM", weekday name,
	// business_hours flag.
	Environment map[string]any
}

// PolicyResult is one extension's policy verdict.
type PolicyResult struct {
	Effect      PolicyEffect
	Reasons     []string
	Evidence    []any
	Obligations []string
}

// PolicyEvaluator evaluates declarative policy.
type PolicyEvaluator interface {
	EvaluatePolicy(ctx context.Context, input *PolicyInput) (*PolicyResult, error)
}

// PolicyLoader loads a policy document into an extension.
type PolicyLoader interface {
	LoadPolicy(ctx context.Context, policy []byte) error
}
