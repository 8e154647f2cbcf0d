package trust_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/store"
	"github.com/vorion-labs/vorion/pkg/trust"
)

var engineNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// localEnv is fully unconstrained: full-audit observability in a local
// deployment.
var localEnv = contracts.EntityEnvironment{
	Observability: contracts.ObservabilityFullAudit,
	Deployment:    contracts.ContextLocal,
}

func TestGetScore_UnknownEntityIsNeutral(t *testing.T) {
	mem := store.NewMemory()
	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))

	snap, err := eng.GetScore(context.Background(), "agent-1", localEnv)
	require.NoError(t, err)
	assert.Equal(t, 500, snap.Score)
	assert.Equal(t, 2, snap.Band)
	assert.Equal(t, 1.0, snap.Decay)
}

func TestGetScore_AppliesDecay(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveRecord(context.Background(), &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            800,
		LastCalculatedAt: engineNow,
		LastActivityAt:   engineNow.Add(-7 * 24 * time.Hour),
	})
	require.NoError(t, err)

	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	snap, err := eng.GetScore(context.Background(), "agent-1", localEnv)
	require.NoError(t, err)

	assert.InDelta(t, 0.92, snap.Decay, 1e-9)
	assert.Equal(t, 736, snap.Decayed)
	assert.Equal(t, 736, snap.Score)
	assert.Equal(t, 3, snap.Band)
}

func TestGetScore_AttestationFloorBeatsDecay(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveRecord(context.Background(), &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            800,
		LastCalculatedAt: engineNow,
		LastActivityAt:   engineNow.Add(-182 * 24 * time.Hour),
	})
	require.NoError(t, err)
	mem.PutAttestation(contracts.Attestation{
		AgentID:   "agent-1",
		Type:      contracts.AttestationCertification,
		Claims:    map[string]any{"band": 4},
		IssuedAt:  engineNow.Add(-time.Hour),
		ExpiresAt: engineNow.Add(time.Hour),
	})

	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	snap, err := eng.GetScore(context.Background(), "agent-1", localEnv)
	require.NoError(t, err)

	assert.Equal(t, 400, snap.Decayed) // 800 * 0.50
	assert.Equal(t, 800, snap.Floor)
	assert.Equal(t, 800, snap.Score)
}

func TestGetScore_CeilingCapsEffective(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveRecord(context.Background(), &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            950,
		LastCalculatedAt: engineNow,
		LastActivityAt:   engineNow,
	})
	require.NoError(t, err)

	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))

	snap, err := eng.GetScore(context.Background(), "agent-1", contracts.EntityEnvironment{
		Observability: contracts.ObservabilityLogsOnly,
		Deployment:    contracts.ContextLocal,
	})
	require.NoError(t, err)
	assert.Equal(t, 599, snap.Score)
	assert.Equal(t, 599, snap.Ceiling)

	// The tighter of the two ceilings wins.
	snap, err = eng.GetScore(context.Background(), "agent-1", contracts.EntityEnvironment{
		Observability: contracts.ObservabilityFullAudit,
		Deployment:    contracts.ContextSovereign,
	})
	require.NoError(t, err)
	assert.Equal(t, 599, snap.Score)
}

func TestGetScore_StaleRecordRecalculates(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveRecord(context.Background(), &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            999,
		LastCalculatedAt: engineNow.Add(-2 * time.Minute),
		LastActivityAt:   engineNow,
	})
	require.NoError(t, err)

	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	snap, err := eng.GetScore(context.Background(), "agent-1", localEnv)
	require.NoError(t, err)

	// No signals in the window, so the recalculation lands on neutral.
	assert.Equal(t, 500, snap.Score)

	history := mem.History("agent-1")
	require.Len(t, history, 1)
	assert.Equal(t, 999, history[0].PreviousScore)
	assert.Equal(t, 500, history[0].NewScore)
}

func TestRecordSignal_Validation(t *testing.T) {
	mem := store.NewMemory()
	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	ctx := context.Background()

	err := eng.RecordSignal(ctx, &contracts.TrustSignal{Value: 0.5, Weight: 1})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	err = eng.RecordSignal(ctx, &contracts.TrustSignal{EntityID: "a", Value: 1.5, Weight: 1})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	err = eng.RecordSignal(ctx, &contracts.TrustSignal{EntityID: "a", Value: 0.5, Weight: 0})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))
}

func TestRecordSignal_IdempotentUnderDuplicateID(t *testing.T) {
	mem := store.NewMemory()
	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	ctx := context.Background()

	sig := &contracts.TrustSignal{
		ID:        "sig-1",
		EntityID:  "agent-1",
		Type:      "behavioral.task.completed",
		Value:     0.9,
		Weight:    1,
		Timestamp: engineNow,
	}
	require.NoError(t, eng.RecordSignal(ctx, sig))
	first, err := eng.GetScore(ctx, "agent-1", localEnv)
	require.NoError(t, err)

	// Same ID again: no state change.
	require.NoError(t, eng.RecordSignal(ctx, sig))
	second, err := eng.GetScore(ctx, "agent-1", localEnv)
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)

	signals, err := mem.RecentSignals(ctx, "agent-1", engineNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, signals, 1)
}

func TestRecordSignal_PositiveResetsDecayClock(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveRecord(context.Background(), &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            800,
		LastCalculatedAt: engineNow,
		LastActivityAt:   engineNow.Add(-100 * 24 * time.Hour),
	})
	require.NoError(t, err)

	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	ctx := context.Background()

	require.NoError(t, eng.RecordSignal(ctx, &contracts.TrustSignal{
		ID:        "sig-1",
		EntityID:  "agent-1",
		Type:      "behavioral.task.completed",
		Value:     1.0,
		Weight:    1,
		Timestamp: engineNow,
	}))

	rec, err := mem.GetRecord(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, engineNow, rec.LastActivityAt)

	snap, err := eng.GetScore(ctx, "agent-1", localEnv)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Decay)
}

func TestRecordSignal_NegativeDoesNotResetClock(t *testing.T) {
	stale := engineNow.Add(-50 * 24 * time.Hour)
	mem := store.NewMemory()
	_, err := mem.SaveRecord(context.Background(), &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            600,
		LastCalculatedAt: engineNow,
		LastActivityAt:   stale,
	})
	require.NoError(t, err)

	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	require.NoError(t, eng.RecordSignal(context.Background(), &contracts.TrustSignal{
		ID:        "sig-1",
		EntityID:  "agent-1",
		Type:      "compliance.violation",
		Value:     0.1,
		Weight:    2,
		Timestamp: engineNow,
	}))

	rec, err := mem.GetRecord(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, stale, rec.LastActivityAt)
}

func TestRecalculate_SmallDeltaEmitsNoHistory(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveRecord(context.Background(), &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            505,
		LastCalculatedAt: engineNow,
		LastActivityAt:   engineNow,
	})
	require.NoError(t, err)

	eng := trust.NewEngine(mem, mem, trust.WithClock(fixedClock(engineNow)))
	// No signals: recalculation lands on 500, a delta of 5.
	_, err = eng.Recalculate(context.Background(), "agent-1", "test", "")
	require.NoError(t, err)
	assert.Empty(t, mem.History("agent-1"))
}
