package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
)

// Pipeline dispatches hooks across an agent's active extensions, enforcing
// the per-hook timeout table and aggregating results by the contractual
// rules. Sequential hooks visit extensions in ACI declaration order;
// postAction and onRevocation fan out in parallel with bounded concurrency.
type Pipeline struct {
	timeouts Timeouts
	failFast bool
	workers  int
	logger   *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTimeouts overrides the timeout table.
func WithTimeouts(t Timeouts) PipelineOption {
	return func(p *Pipeline) { p.timeouts = t }
}

// WithFailFast short-circuits preCheck, preAction, and policy.evaluate on
// the first negative result. Aggregation rules still hold for the results
// observed up to that point.
func WithFailFast(enabled bool) PipelineOption {
	return func(p *Pipeline) { p.failFast = enabled }
}

// WithWorkers bounds parallel fan-out concurrency (default 8).
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// NewPipeline creates a pipeline with default timeouts.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		timeouts: DefaultTimeouts(),
		workers:  8,
		logger:   slog.Default().With("component", "extension-pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// errNilHookResult stands in for an extension that returned (nil, nil). A
// hook with neither result nor error is a contract violation by the
// extension; the aggregators treat it like any other hook failure rather
// than letting the fault escape the pipeline.
var errNilHookResult = errors.New("extension returned no result")

// call runs fn under the hook's timeout. On timeout the hook goroutine is
// abandoned best-effort; its context is cancelled so a cooperative extension
// can stop early.
func call[T any](ctx context.Context, timeout time.Duration, kind HookKind, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(hookCtx)
		ch <- outcome{v, err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-hookCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, apierror.Wrap(apierror.CodeTimeout, ctx.Err(), "request cancelled during %s", kind)
		}
		return zero, apierror.Timeout(string(kind))
	}
}

// PreCheckOutcome is the aggregated capability.preCheck verdict.
type PreCheckOutcome struct {
	Allow       bool
	DeniedBy    string
	Reason      string
	Constraints []contracts.Constraint
}

// PreCheck aggregates: allow iff every extension allows; constraints
// concatenate; the first denial carries the reason and extension id. An
// extension error or timeout counts as a deny.
func (p *Pipeline) PreCheck(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, req *contracts.CapabilityRequest) *PreCheckOutcome {
	out := &PreCheckOutcome{Allow: true}
	timeout := p.timeouts.For(HookPreCheck, 0)

	for _, reg := range exts {
		checker, ok := reg.Provider.(PreChecker)
		if !ok {
			continue
		}
		res, err := call(ctx, timeout, HookPreCheck, func(ctx context.Context) (*PreCheckResult, error) {
			return checker.PreCheck(ctx, agent, req)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			if out.Allow {
				out.Allow = false
				out.DeniedBy = reg.ID()
				out.Reason = fmt.Sprintf("Extension error: %v", err)
			}
			if p.failFast {
				return out
			}
			continue
		}
		out.Constraints = append(out.Constraints, res.Constraints...)
		if !res.Allow && out.Allow {
			out.Allow = false
			out.DeniedBy = reg.ID()
			out.Reason = res.Reason
			if p.failFast {
				return out
			}
		}
	}
	return out
}

// PostGrant runs the sequential fold: each extension receives the grant as
// modified by its predecessors. Errors and timeouts leave the grant
// unchanged and the fold continues.
func (p *Pipeline) PostGrant(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, grant *contracts.CapabilityGrant) *contracts.CapabilityGrant {
	timeout := p.timeouts.For(HookPostGrant, 0)
	current := grant

	for _, reg := range exts {
		granter, ok := reg.Provider.(PostGranter)
		if !ok {
			continue
		}
		stage := current.Clone()
		next, err := call(ctx, timeout, HookPostGrant, func(ctx context.Context) (*contracts.CapabilityGrant, error) {
			return granter.PostGrant(ctx, agent, stage)
		})
		if err != nil || next == nil {
			if err != nil {
				p.logger.Warn("postGrant stage failed, grant passes through unchanged",
					"extension", reg.ID(), "error", err)
			}
			continue
		}
		current = next
	}
	return current
}

// PreActionOutcome is the aggregated action.preAction verdict.
type PreActionOutcome struct {
	Proceed       bool
	BlockedBy     string
	Reason        string
	Modifications map[string]any
	Approvals     []contracts.ApprovalRequirement
}

// PreAction aggregates: proceed iff every extension proceeds; modifications
// and approval requirements concatenate. A block that arrives with approval
// requirements surfaces as "requires approval" rather than a hard block —
// the orchestrator inspects Approvals for that. Errors and timeouts block.
func (p *Pipeline) PreAction(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, req *contracts.ActionRequest) *PreActionOutcome {
	out := &PreActionOutcome{Proceed: true, Modifications: make(map[string]any)}
	timeout := p.timeouts.For(HookPreAction, 0)

	for _, reg := range exts {
		actor, ok := reg.Provider.(PreActor)
		if !ok {
			continue
		}
		res, err := call(ctx, timeout, HookPreAction, func(ctx context.Context) (*PreActionResult, error) {
			return actor.PreAction(ctx, agent, req)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			if out.Proceed {
				out.Proceed = false
				out.BlockedBy = reg.ID()
				out.Reason = fmt.Sprintf("Extension error: %v", err)
			}
			if p.failFast {
				return out
			}
			continue
		}
		for path, v := range res.Modifications {
			out.Modifications[path] = v
		}
		for _, a := range res.Approvals {
			a.ExtensionID = reg.ID()
			out.Approvals = append(out.Approvals, a)
		}
		if !res.Proceed && out.Proceed {
			out.Proceed = false
			out.BlockedBy = reg.ID()
			out.Reason = res.Reason
			if p.failFast {
				return out
			}
		}
	}
	return out
}

// fanOut dispatches fn for each extension on the bounded worker pool and
// waits for completion. Failures are logged only.
func (p *Pipeline) fanOut(exts []*Registration, kind HookKind, fn func(reg *Registration) error) {
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for _, reg := range exts {
		wg.Add(1)
		sem <- struct{}{}
		go func(reg *Registration) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(reg); err != nil {
				p.logger.Warn("fan-out hook failed", "hook", kind, "extension", reg.ID(), "error", err)
			}
		}(reg)
	}
	wg.Wait()
}

// PostAction fans out to all extensions in parallel, fire-and-forget with
// individual timeouts. The call itself returns once dispatch completes; it
// never surfaces extension errors.
func (p *Pipeline) PostAction(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, record *contracts.ActionRecord) {
	timeout := p.timeouts.For(HookPostAction, 0)
	var actors []*Registration
	for _, reg := range exts {
		if _, ok := reg.Provider.(PostActor); ok {
			actors = append(actors, reg)
		}
	}
	go p.fanOut(actors, HookPostAction, func(reg *Registration) error {
		_, err := call(context.WithoutCancel(ctx), timeout, HookPostAction, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, reg.Provider.(PostActor).PostAction(ctx, agent, record)
		})
		return err
	})
}

// FailureOutcome is the aggregated action.onFailure retry policy.
type FailureOutcome struct {
	Retry      bool
	RetryDelay time.Duration
	MaxRetries int
	Fallback   any
}

// OnFailure aggregates: retry iff any extension requests it; retryDelay and
// maxRetries take the minimum suggested; fallback takes the first non-nil.
// Errors and timeouts are logged only.
func (p *Pipeline) OnFailure(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, record *contracts.ActionRecord) *FailureOutcome {
	out := &FailureOutcome{}
	timeout := p.timeouts.For(HookOnFailure, 0)

	for _, reg := range exts {
		handler, ok := reg.Provider.(FailureHandler)
		if !ok {
			continue
		}
		res, err := call(ctx, timeout, HookOnFailure, func(ctx context.Context) (*FailureResult, error) {
			return handler.OnFailure(ctx, agent, record)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			p.logger.Warn("onFailure hook failed", "extension", reg.ID(), "error", err)
			continue
		}
		if res.Retry {
			out.Retry = true
			if out.RetryDelay == 0 || res.RetryDelay < out.RetryDelay {
				out.RetryDelay = res.RetryDelay
			}
			if out.MaxRetries == 0 || res.MaxRetries < out.MaxRetries {
				out.MaxRetries = res.MaxRetries
			}
		}
		if out.Fallback == nil && res.Fallback != nil {
			out.Fallback = res.Fallback
		}
	}
	return out
}

// BehaviorOutcome is the aggregated monitoring.verifyBehavior verdict.
type BehaviorOutcome struct {
	InBounds        bool
	DriftScore      float64
	DriftCategories []string
	Recommendation  Recommendation
}

// VerifyBehavior aggregates: inBounds iff all in bounds; driftScore takes
// the max; categories union; recommendation takes the max severity. Errors
// and timeouts skip the extension.
func (p *Pipeline) VerifyBehavior(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity) *BehaviorOutcome {
	out := &BehaviorOutcome{InBounds: true}
	timeout := p.timeouts.For(HookVerifyBehavior, 0)
	seen := make(map[string]struct{})

	for _, reg := range exts {
		verifier, ok := reg.Provider.(BehaviorVerifier)
		if !ok {
			continue
		}
		res, err := call(ctx, timeout, HookVerifyBehavior, func(ctx context.Context) (*BehaviorResult, error) {
			return verifier.VerifyBehavior(ctx, agent)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			p.logger.Warn("verifyBehavior skipped", "extension", reg.ID(), "error", err)
			continue
		}
		if !res.InBounds {
			out.InBounds = false
		}
		if res.DriftScore > out.DriftScore {
			out.DriftScore = res.DriftScore
		}
		for _, cat := range res.DriftCategories {
			if _, dup := seen[cat]; !dup {
				seen[cat] = struct{}{}
				out.DriftCategories = append(out.DriftCategories, cat)
			}
		}
		if res.Recommendation > out.Recommendation {
			out.Recommendation = res.Recommendation
		}
	}
	return out
}

// MetricsReport pairs a collection result with its source extension.
type MetricsReport struct {
	ExtensionID string
	Result      *MetricsResult
}

// MetricsOutcome is the aggregated monitoring.collectMetrics result.
type MetricsOutcome struct {
	OverallHealth Health
	Reports       []MetricsReport
}

// CollectMetrics aggregates: overall health takes the worst; every report is
// retained. Errors and timeouts skip the extension.
func (p *Pipeline) CollectMetrics(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity) *MetricsOutcome {
	out := &MetricsOutcome{}
	timeout := p.timeouts.For(HookCollectMetrics, 0)

	for _, reg := range exts {
		collector, ok := reg.Provider.(MetricsCollector)
		if !ok {
			continue
		}
		res, err := call(ctx, timeout, HookCollectMetrics, func(ctx context.Context) (*MetricsResult, error) {
			return collector.CollectMetrics(ctx, agent)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			p.logger.Warn("collectMetrics skipped", "extension", reg.ID(), "error", err)
			continue
		}
		if res.Health > out.OverallHealth {
			out.OverallHealth = res.Health
		}
		out.Reports = append(out.Reports, MetricsReport{ExtensionID: reg.ID(), Result: res})
	}
	return out
}

// AnomalyOutcome is the aggregated monitoring.onAnomaly response.
type AnomalyOutcome struct {
	Action    AnomalyAction
	Notified  []string
	Escalated bool
}

// OnAnomaly aggregates: action takes the max severity; notified parties
// union; escalated if any escalated. Errors and timeouts skip the extension.
func (p *Pipeline) OnAnomaly(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, anomaly *Anomaly) *AnomalyOutcome {
	out := &AnomalyOutcome{}
	timeout := p.timeouts.For(HookOnAnomaly, 0)
	seen := make(map[string]struct{})

	for _, reg := range exts {
		handler, ok := reg.Provider.(AnomalyHandler)
		if !ok {
			continue
		}
		res, err := call(ctx, timeout, HookOnAnomaly, func(ctx context.Context) (*AnomalyResult, error) {
			return handler.OnAnomaly(ctx, agent, anomaly)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			p.logger.Warn("onAnomaly skipped", "extension", reg.ID(), "error", err)
			continue
		}
		if res.Action > out.Action {
			out.Action = res.Action
		}
		for _, n := range res.Notified {
			if _, dup := seen[n]; !dup {
				seen[n] = struct{}{}
				out.Notified = append(out.Notified, n)
			}
		}
		if res.Escalated {
			out.Escalated = true
		}
	}
	return out
}

// OnRevocation fans out to all revocation handlers in parallel, log-only.
func (p *Pipeline) OnRevocation(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, reason string) {
	timeout := p.timeouts.For(HookOnRevocation, 0)
	var handlers []*Registration
	for _, reg := range exts {
		if _, ok := reg.Provider.(RevocationHandler); ok {
			handlers = append(handlers, reg)
		}
	}
	p.fanOut(handlers, HookOnRevocation, func(reg *Registration) error {
		_, err := call(context.WithoutCancel(ctx), timeout, HookOnRevocation, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, reg.Provider.(RevocationHandler).OnRevocation(ctx, agent, reason)
		})
		return err
	})
}

// AdjustTrust runs the sequential fold: each extension sees the latest
// post-fold score and band; tierChanged is true if any stage changed it.
// Errors and timeouts skip the extension.
func (p *Pipeline) AdjustTrust(ctx context.Context, exts []*Registration, agent *contracts.AgentIdentity, initial TrustAdjustment) TrustAdjustment {
	current := initial
	current.TierChanged = false
	timeout := p.timeouts.For(HookAdjustTrust, 0)
	anyTierChange := false

	for _, reg := range exts {
		adjuster, ok := reg.Provider.(TrustAdjuster)
		if !ok {
			continue
		}
		stage := current
		res, err := call(ctx, timeout, HookAdjustTrust, func(ctx context.Context) (*TrustAdjustment, error) {
			return adjuster.AdjustTrust(ctx, agent, stage)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			p.logger.Warn("adjustTrust skipped", "extension", reg.ID(), "error", err)
			continue
		}
		if res.Band != current.Band {
			anyTierChange = true
		}
		current = *res
	}
	current.TierChanged = anyTierChange || current.TierChanged
	return current
}

// PolicyOutcome is the aggregated policy.evaluate verdict.
type PolicyOutcome struct {
	Effect      PolicyEffect
	Reasons     []string
	Evidence    []any
	Obligations []string
}

// EvaluatePolicy aggregates: the final effect is the highest-priority
// verdict (allow < require_approval < deny); reasons, evidence, and
// obligations concatenate in extension order. Errors and timeouts collapse
// to deny.
func (p *Pipeline) EvaluatePolicy(ctx context.Context, exts []*Registration, input *PolicyInput) *PolicyOutcome {
	out := &PolicyOutcome{Effect: EffectAllow}
	timeout := p.timeouts.For(HookPolicyEvaluate, 0)

	for _, reg := range exts {
		evaluator, ok := reg.Provider.(PolicyEvaluator)
		if !ok {
			continue
		}
		res, err := call(ctx, timeout, HookPolicyEvaluate, func(ctx context.Context) (*PolicyResult, error) {
			return evaluator.EvaluatePolicy(ctx, input)
		})
		if err == nil && res == nil {
			err = errNilHookResult
		}
		if err != nil {
			out.Effect = EffectDeny
			out.Reasons = append(out.Reasons, fmt.Sprintf("Extension error: %v", err))
			if p.failFast {
				return out
			}
			continue
		}
		if res.Effect > out.Effect {
			out.Effect = res.Effect
		}
		out.Reasons = append(out.Reasons, res.Reasons...)
		out.Evidence = append(out.Evidence, res.Evidence...)
		out.Obligations = append(out.Obligations, res.Obligations...)
		if p.failFast && out.Effect == EffectDeny {
			return out
		}
	}
	return out
}
