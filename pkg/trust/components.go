package trust

import (
	"math"
	"strings"
	"time"

	"github.com/vorion-labs/vorion/pkg/contracts"
)

// Component weights. They sum to 1.0; the raw score is the weighted sum of
// component sub-scores scaled to [0,1000].
const (
	WeightBehavioral = 0.40
	WeightCompliance = 0.25
	WeightIdentity   = 0.20
	WeightContext    = 0.15
)

// signalHalfLife is the age constant of the exponential signal weighting:
// weight = exp(−age / 182 d) · signal.Weight.
const signalHalfLife = 182 * 24 * time.Hour

// defaultComponent is assumed when an entity has no signals for a
// component.
const defaultComponent = 0.5

// componentPrefix selects which component a signal feeds, from the first
// segment of its dotted type.
func componentPrefix(signalType string) string {
	if i := strings.IndexByte(signalType, '.'); i >= 0 {
		return signalType[:i]
	}
	return signalType
}

// ComposeComponents computes the four component sub-scores as time-weighted
// means of the given signals at the given instant.
func ComposeComponents(signals []contracts.TrustSignal, now time.Time) contracts.TrustComponents {
	type acc struct{ weighted, weights float64 }
	accs := map[string]*acc{
		"behavioral": {}, "compliance": {}, "identity": {}, "context": {},
	}

	for i := range signals {
		sig := &signals[i]
		a, ok := accs[componentPrefix(sig.Type)]
		if !ok {
			continue
		}
		age := now.Sub(sig.Timestamp)
		if age < 0 {
			age = 0
		}
		w := math.Exp(-float64(age)/float64(signalHalfLife)) * sig.Weight
		a.weighted += sig.Value * w
		a.weights += w
	}

	mean := func(a *acc) float64 {
		if a.weights == 0 {
			return defaultComponent
		}
		return a.weighted / a.weights
	}

	return contracts.TrustComponents{
		Behavioral: mean(accs["behavioral"]),
		Compliance: mean(accs["compliance"]),
		Identity:   mean(accs["identity"]),
		Context:    mean(accs["context"]),
	}
}

// RawScore scales the weighted component composition onto [0,1000].
func RawScore(c contracts.TrustComponents) int {
	raw := (c.Behavioral*WeightBehavioral +
		c.Compliance*WeightCompliance +
		c.Identity*WeightIdentity +
		c.Context*WeightContext) * float64(MaxScore)
	return ClampScore(int(math.Round(raw)))
}
