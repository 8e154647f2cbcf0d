package contracts

import "time"

// ActionRequest describes an action an agent wants to execute.
type ActionRequest struct {
	ID       string         `json:"id"`
	AgentID  string         `json:"agent_id"`
	Type     string         `json:"type"`
	Resource string         `json:"resource,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a shallow-copied request with its own params map, so that
// dotted-path modifications never touch the caller's request.
func (r *ActionRequest) Clone() *ActionRequest {
	out := *r
	out.Params = make(map[string]any, len(r.Params))
	for k, v := range r.Params {
		out.Params[k] = v
	}
	return &out
}

// ActionRecord extends a request with execution bookkeeping. Immutable after
// completion.
type ActionRecord struct {
	Request     *ActionRequest `json:"request"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ActionOutcome tags the orchestrator's verdict on an action.
type ActionOutcome string

const (
	OutcomeCompleted        ActionOutcome = "completed"
	OutcomeFailed           ActionOutcome = "failed"
	OutcomeBlocked          ActionOutcome = "blocked"
	OutcomeRequiresApproval ActionOutcome = "requires_approval"
)

// ApprovalRequirement names a human or system approver an extension demands
// before the action may proceed.
type ApprovalRequirement struct {
	Approver    string `json:"approver"`
	Reason      string `json:"reason,omitempty"`
	ExtensionID string `json:"extension_id"`
}

// RetryPolicy is the aggregated onFailure response. The orchestrator never
// retries on its own; the caller decides what to do with this.
type RetryPolicy struct {
	Retry      bool          `json:"retry"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
	Fallback   any           `json:"fallback,omitempty"`
}

// ActionResponse is the full result of ProcessAction.
type ActionResponse struct {
	Outcome     ActionOutcome         `json:"outcome"`
	Record      *ActionRecord         `json:"record,omitempty"`
	BlockedBy   string                `json:"blocked_by,omitempty"`
	BlockReason string                `json:"block_reason,omitempty"`
	Approvals   []ApprovalRequirement `json:"approvals,omitempty"`
	Retry       *RetryPolicy          `json:"retry,omitempty"`
}
