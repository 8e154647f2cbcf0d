package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/crypto"
	"github.com/vorion-labs/vorion/pkg/engine"
	"github.com/vorion-labs/vorion/pkg/extension"
	"github.com/vorion-labs/vorion/pkg/proof"
	"github.com/vorion-labs/vorion/pkg/store"
	"github.com/vorion-labs/vorion/pkg/token"
	"github.com/vorion-labs/vorion/pkg/trust"
)

// engineNow is a Monday inside business hours.
var engineNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine   *engine.Engine
	registry *extension.Registry
	mem      *store.Memory
	chain    *proof.Chain
	minter   *token.Minter
}

func newHarness(t *testing.T, clock func() time.Time) *harness {
	t.Helper()
	if clock == nil {
		clock = func() time.Time { return engineNow }
	}
	mem := store.NewMemory()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	chain := proof.NewChain("tenant-1", signer).WithClock(clock)
	minter, err := token.NewMinter("test-secret", token.WithClock(clock))
	require.NoError(t, err)
	registry := extension.NewRegistry()

	trustEngine := trust.NewEngine(mem, mem, trust.WithClock(clock))

	e := engine.New(registry, extension.NewPipeline(),
		engine.WithClock(clock),
		engine.WithProofChain(chain),
		engine.WithGrantStore(mem),
		engine.WithTokenMinter(minter),
		engine.WithTrustEngine(trustEngine),
	)
	return &harness{engine: e, registry: registry, mem: mem, chain: chain, minter: minter}
}

func plainAgent() *contracts.AgentIdentity {
	return &contracts.AgentIdentity{
		AgentID:         "agent-1",
		ACI:             "vorion.acme.worker:FH-L3@1.0.0",
		CompetenceLevel: 3,
		TrustBand:       2,
	}
}

func agentWith(codes string) *contracts.AgentIdentity {
	a := plainAgent()
	a.ACI = "vorion.acme.worker:FH-L3@1.0.0#" + codes
	return a
}

// test extensions

type extBase struct{ d contracts.ExtensionDescriptor }

func (e extBase) Descriptor() contracts.ExtensionDescriptor { return e.d }

func describe(name string) extBase {
	return extBase{d: contracts.ExtensionDescriptor{
		ID:        "aci-ext-" + name + "-v1",
		ShortCode: name,
		Version:   "1.0.0",
		Publisher: "test",
	}}
}

type vetoExt struct {
	extBase
	allow bool
}

func (v *vetoExt) PreCheck(context.Context, *contracts.AgentIdentity, *contracts.CapabilityRequest) (*extension.PreCheckResult, error) {
	if !v.allow {
		return &extension.PreCheckResult{Allow: false, Reason: "budget exhausted"}, nil
	}
	return &extension.PreCheckResult{Allow: true, Constraints: []contracts.Constraint{{Type: "rate_limit"}}}, nil
}

type tightenExt struct{ extBase }

func (*tightenExt) PostGrant(_ context.Context, _ *contracts.AgentIdentity, g *contracts.CapabilityGrant) (*contracts.CapabilityGrant, error) {
	g.Level--
	g.Constraints = append(g.Constraints, contracts.Constraint{Type: "read_only"})
	return g, nil
}

type gateExt struct {
	extBase
	res extension.PreActionResult
}

func (g *gateExt) PreAction(context.Context, *contracts.AgentIdentity, *contracts.ActionRequest) (*extension.PreActionResult, error) {
	res := g.res
	return &res, nil
}

type retryExt struct{ extBase }

func (*retryExt) OnFailure(context.Context, *contracts.AgentIdentity, *contracts.ActionRecord) (*extension.FailureResult, error) {
	return &extension.FailureResult{Retry: true, RetryDelay: 2 * time.Second, MaxRetries: 3, Fallback: "queue"}, nil
}

type wipeExt struct {
	extBase
	mu      sync.Mutex
	reasons []string
}

func (w *wipeExt) OnRevocation(_ context.Context, _ *contracts.AgentIdentity, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reasons = append(w.reasons, reason)
	return nil
}

func TestProcessCapabilityRequest_DefaultGrant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	dec, err := h.engine.ProcessCapabilityRequest(ctx, plainAgent(), &contracts.CapabilityRequest{
		ACI: plainAgent().ACI, Level: 5,
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.NotNil(t, dec.Grant)

	// level capped at the agent's competence, default one-hour TTL
	assert.Equal(t, 3, dec.Grant.Level)
	assert.Equal(t, engineNow, dec.Grant.IssuedAt)
	assert.Equal(t, engineNow.Add(time.Hour), dec.Grant.ExpiresAt)

	claims, err := h.minter.Verify(dec.Grant.Token)
	require.NoError(t, err)
	assert.Equal(t, 3, claims.Level)
	assert.Equal(t, dec.Grant.ID, claims.ID)

	stored := h.mem.Grant(dec.Grant.ID)
	require.NotNil(t, stored)
	assert.Equal(t, dec.Grant.ID, stored.ID)

	require.Equal(t, 1, h.chain.Len())
	rec, err := h.chain.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "capability.grant", rec.Decision["kind"])
}

func TestProcessCapabilityRequest_RequestedTTL(t *testing.T) {
	h := newHarness(t, nil)

	dec, err := h.engine.ProcessCapabilityRequest(context.Background(), plainAgent(), &contracts.CapabilityRequest{
		ACI: plainAgent().ACI, Level: 1, TTLSeconds: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, engineNow.Add(5*time.Minute), dec.Grant.ExpiresAt)
}

func TestProcessCapabilityRequest_LevelOutOfRange(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.ProcessCapabilityRequest(context.Background(), plainAgent(), &contracts.CapabilityRequest{Level: 6})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))
}

func TestProcessCapabilityRequest_MalformedACI(t *testing.T) {
	h := newHarness(t, nil)
	agent := plainAgent()
	agent.ACI = "not an aci"

	_, err := h.engine.ProcessCapabilityRequest(context.Background(), agent, &contracts.CapabilityRequest{Level: 1})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))
}

func TestProcessCapabilityRequest_PreCheckDeny(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, &vetoExt{extBase: describe("veto")}))

	dec, err := h.engine.ProcessCapabilityRequest(ctx, agentWith("veto"), &contracts.CapabilityRequest{Level: 1})
	require.NoError(t, err)
	assert.False(t, dec.Granted)
	assert.Nil(t, dec.Grant)
	assert.Equal(t, "aci-ext-veto-v1", dec.DeniedBy)
	assert.Equal(t, "budget exhausted", dec.DenialReason)

	rec, err := h.chain.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "capability.deny", rec.Decision["kind"])
}

func TestProcessCapabilityRequest_PostGrantFold(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, &vetoExt{extBase: describe("veto"), allow: true}))
	require.NoError(t, h.registry.Register(ctx, &tightenExt{extBase: describe("tighten")}))

	dec, err := h.engine.ProcessCapabilityRequest(ctx, agentWith("veto,tighten"), &contracts.CapabilityRequest{
		ACI: agentWith("veto,tighten").ACI, Level: 2,
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)

	// preCheck constraint survives the fold, the fold tightened on top
	assert.Equal(t, 1, dec.Grant.Level)
	require.Len(t, dec.Grant.Constraints, 2)
	assert.Equal(t, "rate_limit", dec.Grant.Constraints[0].Type)
	assert.Equal(t, "read_only", dec.Grant.Constraints[1].Type)

	// the minted token reflects the folded grant
	claims, err := h.minter.Verify(dec.Grant.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, claims.Level)
}

func TestProcessAction_Completed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp, err := h.engine.ProcessAction(ctx, plainAgent(), &contracts.ActionRequest{
		ID: "act-1", AgentID: "agent-1", Type: "lookup",
	}, func(context.Context) (any, error) { return "found", nil })
	require.NoError(t, err)

	assert.Equal(t, contracts.OutcomeCompleted, resp.Outcome)
	require.NotNil(t, resp.Record)
	assert.Equal(t, "found", resp.Record.Result)
	assert.Empty(t, resp.Record.Error)

	// the completion fed the trust engine
	rec, err := h.mem.GetRecord(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SignalCount)
	assert.Equal(t, engineNow, rec.LastActivityAt)

	last, err := h.chain.Get(uint64(h.chain.Len()))
	require.NoError(t, err)
	assert.Equal(t, "action.completed", last.Decision["kind"])
}

func TestProcessAction_Blocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, &gateExt{
		extBase: describe("gate"),
		res:     extension.PreActionResult{Proceed: false, Reason: "resource frozen"},
	}))

	resp, err := h.engine.ProcessAction(ctx, agentWith("gate"), &contracts.ActionRequest{ID: "act-1"},
		func(context.Context) (any, error) {
			t.Fatal("execute must not run for a blocked action")
			return nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeBlocked, resp.Outcome)
	assert.Equal(t, "aci-ext-gate-v1", resp.BlockedBy)
	assert.Equal(t, "resource frozen", resp.BlockReason)
}

func TestProcessAction_RequiresApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, &gateExt{
		extBase: describe("gate"),
		res: extension.PreActionResult{
			Proceed:   false,
			Reason:    "amount over limit",
			Approvals: []contracts.ApprovalRequirement{{Approver: "finance-lead"}},
		},
	}))

	resp, err := h.engine.ProcessAction(ctx, agentWith("gate"), &contracts.ActionRequest{ID: "act-1"},
		func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeRequiresApproval, resp.Outcome)
	require.Len(t, resp.Approvals, 1)
	assert.Equal(t, "finance-lead", resp.Approvals[0].Approver)
	assert.Equal(t, "aci-ext-gate-v1", resp.Approvals[0].ExtensionID)
}

func TestProcessAction_ModificationsApplyToCloneOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, &gateExt{
		extBase: describe("gate"),
		res: extension.PreActionResult{
			Proceed: true,
			Modifications: map[string]any{
				"params.recipient":    "redacted@example.com",
				"params.audit.origin": "gate",
				"resource":            "sandbox",
			},
		},
	}))

	original := &contracts.ActionRequest{
		ID: "act-1", Resource: "production",
		Params: map[string]any{"recipient": "ceo@example.com"},
	}
	resp, err := h.engine.ProcessAction(ctx, agentWith("gate"), original,
		func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	effective := resp.Record.Request
	assert.Equal(t, "redacted@example.com", effective.Params["recipient"])
	assert.Equal(t, "sandbox", effective.Resource)
	audit, ok := effective.Params["audit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gate", audit["origin"])

	// the caller's request is untouched
	assert.Equal(t, "ceo@example.com", original.Params["recipient"])
	assert.Equal(t, "production", original.Resource)
}

func TestProcessAction_FailureReturnsRetryPolicy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, &retryExt{extBase: describe("retry")}))

	resp, err := h.engine.ProcessAction(ctx, agentWith("retry"), &contracts.ActionRequest{ID: "act-1"},
		func(context.Context) (any, error) { return nil, errors.New("downstream 503") })
	require.NoError(t, err)

	assert.Equal(t, contracts.OutcomeFailed, resp.Outcome)
	assert.Equal(t, "downstream 503", resp.Record.Error)
	require.NotNil(t, resp.Retry)
	assert.True(t, resp.Retry.Retry)
	assert.Equal(t, 2*time.Second, resp.Retry.RetryDelay)
	assert.Equal(t, 3, resp.Retry.MaxRetries)
	assert.Equal(t, "queue", resp.Retry.Fallback)

	last, err := h.chain.Get(uint64(h.chain.Len()))
	require.NoError(t, err)
	assert.Equal(t, "action.failed", last.Decision["kind"])
}

type envProbeExt struct {
	extBase
	mu   sync.Mutex
	seen map[string]any
}

func (p *envProbeExt) EvaluatePolicy(_ context.Context, input *extension.PolicyInput) (*extension.PolicyResult, error) {
	p.mu.Lock()
	p.seen = input.Environment
	p.mu.Unlock()
	return &extension.PolicyResult{Effect: extension.EffectAllow}, nil
}

func TestEvaluatePolicy_EnvironmentSnapshot(t *testing.T) {
	// Saturday, 22:30 — outside business hours
	weekend := time.Date(2026, 8, 22, 22, 30, 0, 0, time.UTC)
	h := newHarness(t, func() time.Time { return weekend })
	ctx := context.Background()

	probe := &envProbeExt{extBase: describe("probe")}
	require.NoError(t, h.registry.Register(ctx, probe))

	out, err := h.engine.EvaluatePolicy(ctx, agentWith("probe"), &contracts.ActionRequest{Type: "lookup"}, nil)
	require.NoError(t, err)
	assert.Equal(t, extension.EffectAllow, out.Effect)

	assert.Equal(t, "22:30", probe.seen["time_of_day"])
	assert.Equal(t, "Saturday", probe.seen["weekday"])
	assert.Equal(t, false, probe.seen["business_hours"])
}

func TestEvaluatePolicy_BusinessHours(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	probe := &envProbeExt{extBase: describe("probe")}
	require.NoError(t, h.registry.Register(ctx, probe))

	_, err := h.engine.EvaluatePolicy(ctx, agentWith("probe"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, probe.seen["business_hours"])
	assert.Equal(t, "Monday", probe.seen["weekday"])
}

func TestRevoke(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	wipe := &wipeExt{extBase: describe("wipe")}
	require.NoError(t, h.registry.Register(ctx, wipe))

	require.NoError(t, h.engine.Revoke(ctx, agentWith("wipe"), "compliance hold"))

	assert.Equal(t, []string{"compliance hold"}, wipe.reasons)

	// the revocation signal is heavy and negative
	rec, err := h.mem.GetRecord(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SignalCount)
	assert.Less(t, rec.Score, 500)

	last, err := h.chain.Get(uint64(h.chain.Len()))
	require.NoError(t, err)
	assert.Equal(t, "trust.revoke", last.Decision["kind"])
}
