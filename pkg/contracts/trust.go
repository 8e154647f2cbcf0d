package contracts

import "time"

// TrustComponents are the four sub-scores composing a trust score, each in
// [0,1]. Missing components default to 0.5 at composition time.
type TrustComponents struct {
	Behavioral float64 `json:"behavioral"`
	Compliance float64 `json:"compliance"`
	Identity   float64 `json:"identity"`
	Context    float64 `json:"context"`
}

// TrustRecord is the persisted per-entity trust snapshot. Decay is computed
// at read time from LastActivityAt and never persisted.
type TrustRecord struct {
	EntityID         string          `json:"entity_id"`
	Score            int             `json:"score"` // 0..1000, pre-decay
	Band             int             `json:"band"`  // 0..5
	Components       TrustComponents `json:"components"`
	LastCalculatedAt time.Time       `json:"last_calculated_at"`
	LastActivityAt   time.Time       `json:"last_activity_at"`
	SignalCount      int64           `json:"signal_count"`
	RowVersion       int64           `json:"-"` // optimistic concurrency, store-internal
}

// TrustSignal is an append-only behavioral event. Type uses a dotted
// namespace whose first segment selects the component it feeds, e.g.
// "behavioral.latency.p99_ok".
type TrustSignal struct {
	ID        string         `json:"id"`
	EntityID  string         `json:"entity_id"`
	Type      string         `json:"type"`
	Value     float64        `json:"value"`  // [0,1]
	Weight    float64        `json:"weight"` // > 0
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Positive reports whether the signal counts as trust-positive activity.
// Positive signals reset the decay clock.
func (s *TrustSignal) Positive() bool { return s.Value >= 0.5 }

// TrustHistoryEntry records a score transition of at least 10 points.
type TrustHistoryEntry struct {
	EntityID      string    `json:"entity_id"`
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	PreviousBand  int       `json:"previous_band"`
	NewBand       int       `json:"new_band"`
	Reason        string    `json:"reason"`
	SignalID      string    `json:"signal_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AttestationType categorizes an attestation's claim.
type AttestationType string

const (
	AttestationCertification AttestationType = "certification"
	AttestationCapability    AttestationType = "capability"
	AttestationTrust         AttestationType = "trust"
	AttestationCompliance    AttestationType = "compliance"
)

// Attestation is a signed, time-bounded claim about an agent issued by a
// recognised issuer. A valid trust attestation contributes a floor to the
// agent's effective score; an expired or revoked one contributes nothing.
type Attestation struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Issuer    string          `json:"issuer"`
	Type      AttestationType `json:"type"`
	Claims    map[string]any  `json:"claims"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Signature string          `json:"signature"`
	Algorithm string          `json:"algorithm"`
	Revoked   bool            `json:"revoked"`
}

// Valid reports whether the attestation may contribute a floor at the given
// instant.
func (a *Attestation) Valid(now time.Time) bool {
	return !a.Revoked && now.Before(a.ExpiresAt) && !now.Before(a.IssuedAt)
}

// Band extracts the trust band claimed by a trust attestation, or -1 if the
// attestation carries no band claim.
func (a *Attestation) Band() int {
	v, ok := a.Claims["band"]
	if !ok {
		return -1
	}
	switch b := v.(type) {
	case int:
		return b
	case float64:
		return int(b)
	default:
		return -1
	}
}
