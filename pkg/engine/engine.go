// Package engine implements the decision orchestrator: the capability-grant
// and action-execution protocols that wire the extension pipeline, the trust
// engine, and the proof chain together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/pkg/aci"
	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/extension"
	"github.com/vorion-labs/vorion/pkg/proof"
	"github.com/vorion-labs/vorion/pkg/store"
	"github.com/vorion-labs/vorion/pkg/token"
	"github.com/vorion-labs/vorion/pkg/trust"
)

// defaultGrantTTL applies when a capability request does not carry one.
const defaultGrantTTL = 3600 * time.Second

// ExecuteFunc performs the actual side effect of an action. The orchestrator
// calls it between the preAction gate and the postAction fan-out.
type ExecuteFunc func(ctx context.Context) (any, error)

// Engine is the decision orchestrator.
type Engine struct {
	registry *extension.Registry
	pipeline *extension.Pipeline
	trust    *trust.Engine
	chain    *proof.Chain
	grants   store.GrantStore
	minter   *token.Minter
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithProofChain attaches the decision ledger. Without one, decisions are
// not sealed.
func WithProofChain(c *proof.Chain) Option {
	return func(e *Engine) { e.chain = c }
}

// WithGrantStore persists issued grants for the expiry sweep.
func WithGrantStore(s store.GrantStore) Option {
	return func(e *Engine) { e.grants = s }
}

// WithTokenMinter enables signed bearer tokens on issued grants.
func WithTokenMinter(m *token.Minter) Option {
	return func(e *Engine) { e.minter = m }
}

// WithTrustEngine attaches the trust engine for adjustTrust folds and
// activity signals.
func WithTrustEngine(t *trust.Engine) Option {
	return func(e *Engine) { e.trust = t }
}

// New creates an orchestrator over a registry and pipeline.
func New(registry *extension.Registry, pipeline *extension.Pipeline, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		pipeline: pipeline,
		clock:    time.Now,
		logger:   slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resolveExtensions parses the agent's ACI and intersects its declared
// short codes with the registry.
func (e *Engine) resolveExtensions(agent *contracts.AgentIdentity) ([]*extension.Registration, error) {
	if agent.ACI == "" {
		return nil, nil
	}
	id, err := aci.Parse(agent.ACI)
	if err != nil {
		return nil, apierror.Validation("agent %q carries malformed ACI: %v", agent.AgentID, err)
	}
	return e.registry.ForAgent(id), nil
}

// ProcessCapabilityRequest runs the capability protocol: preCheck gate,
// default grant construction, postGrant fold, token mint, proof emission.
func (e *Engine) ProcessCapabilityRequest(ctx context.Context, agent *contracts.AgentIdentity, req *contracts.CapabilityRequest) (*contracts.CapabilityDecision, error) {
	if req.Level < 0 || req.Level > 5 {
		return nil, apierror.Validation("requested level %d out of range 0..5", req.Level)
	}
	exts, err := e.resolveExtensions(agent)
	if err != nil {
		return nil, err
	}

	var constraints []contracts.Constraint
	if len(exts) > 0 {
		pre := e.pipeline.PreCheck(ctx, exts, agent, req)
		if !pre.Allow {
			decision := &contracts.CapabilityDecision{
				Granted:      false,
				DeniedBy:     pre.DeniedBy,
				DenialReason: pre.Reason,
			}
			e.seal(ctx, "capability.deny", agent, req, decision)
			return decision, nil
		}
		constraints = pre.Constraints
	}

	grant := e.defaultGrant(agent, req)
	grant.Constraints = constraints

	if len(exts) > 0 {
		grant = e.pipeline.PostGrant(ctx, exts, agent, grant)
	}

	if e.minter != nil {
		tok, err := e.minter.Mint(grant)
		if err != nil {
			return nil, err
		}
		grant.Token = tok
	}

	if e.grants != nil {
		if err := e.grants.SaveGrant(ctx, grant); err != nil {
			return nil, err
		}
	}

	decision := &contracts.CapabilityDecision{Granted: true, Grant: grant}
	e.seal(ctx, "capability.grant", agent, req, decision)
	return decision, nil
}

// defaultGrant constructs the baseline grant: level = min(requested, agent's
// competence), TTL = requested or 3600 s.
func (e *Engine) defaultGrant(agent *contracts.AgentIdentity, req *contracts.CapabilityRequest) *contracts.CapabilityGrant {
	level := req.Level
	if agent.CompetenceLevel < level {
		level = agent.CompetenceLevel
	}
	ttl := defaultGrantTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	now := e.clock()
	return &contracts.CapabilityGrant{
		ID:         uuid.New().String(),
		ACI:        req.ACI,
		DomainMask: req.DomainMask,
		Level:      level,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
}

// ProcessAction runs the action protocol. execute performs the side effect;
// the orchestrator never retries on its own — the aggregated onFailure
// response comes back to the caller, who decides.
func (e *Engine) ProcessAction(ctx context.Context, agent *contracts.AgentIdentity, req *contracts.ActionRequest, execute ExecuteFunc) (*contracts.ActionResponse, error) {
	exts, err := e.resolveExtensions(agent)
	if err != nil {
		return nil, err
	}

	effective := req
	if len(exts) > 0 {
		pre := e.pipeline.PreAction(ctx, exts, agent, req)
		if !pre.Proceed {
			if len(pre.Approvals) > 0 {
				resp := &contracts.ActionResponse{
					Outcome:     contracts.OutcomeRequiresApproval,
					BlockedBy:   pre.BlockedBy,
					BlockReason: pre.Reason,
					Approvals:   pre.Approvals,
				}
				e.seal(ctx, "action.requires_approval", agent, req, resp)
				return resp, nil
			}
			resp := &contracts.ActionResponse{
				Outcome:     contracts.OutcomeBlocked,
				BlockedBy:   pre.BlockedBy,
				BlockReason: pre.Reason,
			}
			e.seal(ctx, "action.block", agent, req, resp)
			return resp, nil
		}
		if len(pre.Modifications) > 0 {
			effective = req.Clone()
			for path, v := range pre.Modifications {
				applyDottedPath(effective, path, v)
			}
		}
	}

	record := &contracts.ActionRecord{Request: effective, StartedAt: e.clock()}
	result, execErr := execute(ctx)
	record.CompletedAt = e.clock()
	record.Result = result
	if execErr != nil {
		record.Error = execErr.Error()
	}

	if len(exts) > 0 {
		e.pipeline.PostAction(ctx, exts, agent, record)
	}

	resp := &contracts.ActionResponse{Record: record}
	if execErr != nil {
		resp.Outcome = contracts.OutcomeFailed
		if len(exts) > 0 {
			failure := e.pipeline.OnFailure(ctx, exts, agent, record)
			resp.Retry = &contracts.RetryPolicy{
				Retry:      failure.Retry,
				RetryDelay: failure.RetryDelay,
				MaxRetries: failure.MaxRetries,
				Fallback:   failure.Fallback,
			}
		}
	} else {
		resp.Outcome = contracts.OutcomeCompleted
		if e.trust != nil {
			sig := &contracts.TrustSignal{
				ID:        uuid.New().String(),
				EntityID:  agent.AgentID,
				Type:      "behavioral.action.completed",
				Value:     1.0,
				Weight:    1.0,
				Source:    "engine",
				Timestamp: record.CompletedAt,
			}
			if err := e.trust.RecordSignal(ctx, sig); err != nil {
				e.logger.Warn("completion signal dropped", "agent", agent.AgentID, "error", err)
			}
		}
	}

	e.seal(ctx, "action."+string(resp.Outcome), agent, req, resp)
	return resp, nil
}

// EvaluatePolicy builds the environment snapshot and runs the policy.evaluate
// aggregation across the agent's extensions.
func (e *Engine) EvaluatePolicy(ctx context.Context, agent *contracts.AgentIdentity, action *contracts.ActionRequest, capability *contracts.CapabilityRequest) (*extension.PolicyOutcome, error) {
	exts, err := e.resolveExtensions(agent)
	if err != nil {
		return nil, err
	}
	input := &extension.PolicyInput{
		Agent:       agent,
		Action:      action,
		Capability:  capability,
		Environment: e.environmentSnapshot(),
	}
	return e.pipeline.EvaluatePolicy(ctx, exts, input), nil
}

// environmentSnapshot captures the temporal facts policy extensions evaluate
// against: "HH:MM" local time, weekday name, and a business-hours flag
// (Mon–Fri 09:00–17:00).
func (e *Engine) environmentSnapshot() map[string]any {
	now := e.clock()
	weekday := now.Weekday()
	business := weekday >= time.Monday && weekday <= time.Friday &&
		now.Hour() >= 9 && now.Hour() < 17
	return map[string]any{
		"time_of_day":    now.Format("15:04"),
		"weekday":        weekday.String(),
		"business_hours": business,
	}
}

// Revoke notifies the agent's extensions of a trust revocation and records
// the revocation signal.
func (e *Engine) Revoke(ctx context.Context, agent *contracts.AgentIdentity, reason string) error {
	exts, err := e.resolveExtensions(agent)
	if err != nil {
		return err
	}
	if len(exts) > 0 {
		e.pipeline.OnRevocation(ctx, exts, agent, reason)
	}
	if e.trust != nil {
		sig := &contracts.TrustSignal{
			ID:        uuid.New().String(),
			EntityID:  agent.AgentID,
			Type:      "compliance.revocation",
			Value:     0.0,
			Weight:    5.0,
			Source:    "engine",
			Timestamp: e.clock(),
		}
		if err := e.trust.RecordSignal(ctx, sig); err != nil {
			return err
		}
	}
	e.seal(ctx, "trust.revoke", agent, map[string]any{"reason": reason}, nil)
	return nil
}

// seal appends a decision to the proof chain. Sealing failures are logged,
// not surfaced: the decision already happened and the caller holds it.
func (e *Engine) seal(ctx context.Context, kind string, agent *contracts.AgentIdentity, inputs, outputs any) {
	if e.chain == nil {
		return
	}
	decision := map[string]any{
		"kind":     kind,
		"agent_id": agent.AgentID,
		"at":       e.clock().UTC().Format(time.RFC3339Nano),
	}
	if _, err := e.chain.Append(ctx, decision, inputs, outputs); err != nil {
		e.logger.Error("proof emission failed", "kind", kind, "agent", agent.AgentID, "error", err)
	}
}

// applyDottedPath sets a value at a dotted path inside the request's params,
// creating intermediate maps as needed. The "params." prefix is optional;
// top-level non-param fields resolve by name.
func applyDottedPath(req *contracts.ActionRequest, path string, value any) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		switch parts[0] {
		case "resource":
			req.Resource = fmt.Sprintf("%v", value)
			return
		case "type":
			req.Type = fmt.Sprintf("%v", value)
			return
		}
	}
	if parts[0] == "params" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return
	}
	if req.Params == nil {
		req.Params = make(map[string]any)
	}
	m := req.Params
	for _, key := range parts[:len(parts)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}
