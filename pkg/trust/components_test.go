package trust_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/trust"
)

var componentNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestComposeComponents_NoSignalsDefaultsToHalf(t *testing.T) {
	c := trust.ComposeComponents(nil, componentNow)
	assert.Equal(t, 0.5, c.Behavioral)
	assert.Equal(t, 0.5, c.Compliance)
	assert.Equal(t, 0.5, c.Identity)
	assert.Equal(t, 0.5, c.Context)
	assert.Equal(t, 500, trust.RawScore(c))
}

func TestComposeComponents_RoutesByPrefix(t *testing.T) {
	signals := []contracts.TrustSignal{
		{Type: "behavioral.latency.ok", Value: 1.0, Weight: 1, Timestamp: componentNow},
		{Type: "compliance.audit.pass", Value: 0.8, Weight: 1, Timestamp: componentNow},
		{Type: "identity.attestation", Value: 0.6, Weight: 1, Timestamp: componentNow},
		{Type: "context.deployment", Value: 0.4, Weight: 1, Timestamp: componentNow},
		{Type: "unknown.noise", Value: 0.0, Weight: 100, Timestamp: componentNow},
	}
	c := trust.ComposeComponents(signals, componentNow)
	assert.InDelta(t, 1.0, c.Behavioral, 1e-9)
	assert.InDelta(t, 0.8, c.Compliance, 1e-9)
	assert.InDelta(t, 0.6, c.Identity, 1e-9)
	assert.InDelta(t, 0.4, c.Context, 1e-9)
}

func TestComposeComponents_OlderSignalsWeighLess(t *testing.T) {
	old := contracts.TrustSignal{Type: "behavioral.x", Value: 0.0, Weight: 1,
		Timestamp: componentNow.Add(-170 * 24 * time.Hour)}
	fresh := contracts.TrustSignal{Type: "behavioral.x", Value: 1.0, Weight: 1,
		Timestamp: componentNow}

	c := trust.ComposeComponents([]contracts.TrustSignal{old, fresh}, componentNow)
	// The fresh positive signal dominates the aged negative one.
	assert.Greater(t, c.Behavioral, 0.5)
}

func TestComposeComponents_ExplicitWeight(t *testing.T) {
	signals := []contracts.TrustSignal{
		{Type: "behavioral.a", Value: 1.0, Weight: 3, Timestamp: componentNow},
		{Type: "behavioral.b", Value: 0.0, Weight: 1, Timestamp: componentNow},
	}
	c := trust.ComposeComponents(signals, componentNow)
	assert.InDelta(t, 0.75, c.Behavioral, 1e-9)
}

func TestRawScore_Weighting(t *testing.T) {
	c := contracts.TrustComponents{Behavioral: 1, Compliance: 0, Identity: 0, Context: 0}
	assert.Equal(t, 400, trust.RawScore(c))

	c = contracts.TrustComponents{Behavioral: 0, Compliance: 1, Identity: 0, Context: 0}
	assert.Equal(t, 250, trust.RawScore(c))

	c = contracts.TrustComponents{Behavioral: 0, Compliance: 0, Identity: 1, Context: 0}
	assert.Equal(t, 200, trust.RawScore(c))

	c = contracts.TrustComponents{Behavioral: 0, Compliance: 0, Identity: 0, Context: 1}
	assert.Equal(t, 150, trust.RawScore(c))

	c = contracts.TrustComponents{Behavioral: 1, Compliance: 1, Identity: 1, Context: 1}
	assert.Equal(t, 1000, trust.RawScore(c))
}
