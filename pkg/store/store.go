// Package store defines the durable-store contract of the governance core
// and its two implementations: Postgres for production and an in-memory
// store for tests and embedded use.
//
// The core delegates durability entirely to this layer. Writers use
// optimistic row-version updates ("return the updated row"); readers
// tolerate the staleness windows documented on the consuming components.
package store

import (
	"context"
	"time"

	"github.com/vorion-labs/vorion/pkg/contracts"
)

// TrustStore persists trust records, signals, and history.
type TrustStore interface {
	// GetRecord returns the record for an entity, or a NOT_FOUND error.
	GetRecord(ctx context.Context, entityID string) (*contracts.TrustRecord, error)

	// SaveRecord upserts a record with optimistic concurrency on
	// RowVersion and returns the stored row. A CONFLICT error reports a
	// lost race; callers re-read and retry or accept the winner.
	SaveRecord(ctx context.Context, rec *contracts.TrustRecord) (*contracts.TrustRecord, error)

	// InsertSignal appends a signal. Duplicate signal IDs are ignored;
	// the bool reports whether the row was actually inserted.
	InsertSignal(ctx context.Context, sig *contracts.TrustSignal) (bool, error)

	// RecentSignals returns an entity's signals newer than since,
	// oldest first.
	RecentSignals(ctx context.Context, entityID string, since time.Time) ([]contracts.TrustSignal, error)

	// AppendHistory records a score transition.
	AppendHistory(ctx context.Context, entry *contracts.TrustHistoryEntry) error

	// TouchActivity sets lastActivityAt iff the given timestamp is newer
	// than the stored one, making duplicate submissions idempotent.
	TouchActivity(ctx context.Context, entityID string, ts time.Time) error

	// PruneSignals deletes signals older than the cutoff and returns how
	// many were removed. Scores are computed from the recent window only,
	// so pruning beyond it never changes a score.
	PruneSignals(ctx context.Context, before time.Time) (int64, error)

	// PruneHistory deletes history entries older than the audit retention
	// cutoff and returns how many were removed.
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// AttestationStore reads the attestations presented for an agent.
type AttestationStore interface {
	AttestationsFor(ctx context.Context, agentID string) ([]contracts.Attestation, error)
}

// ProofStore persists proof-chain records.
type ProofStore interface {
	AppendProof(ctx context.Context, rec *contracts.ProofRecord) error
	ProofChain(ctx context.Context, tenantID string) ([]contracts.ProofRecord, error)
}

// GrantStore persists capability grants for expiry sweeps.
type GrantStore interface {
	SaveGrant(ctx context.Context, grant *contracts.CapabilityGrant) error
	// ExpireGrants removes grants expired before now and returns how many.
	ExpireGrants(ctx context.Context, now time.Time) (int, error)
}
