package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
)

// Postgres backs every store interface with PostgreSQL via database/sql.
// Schema lives in migrations/; this layer assumes the tables exist.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var (
	_ TrustStore       = (*Postgres)(nil)
	_ AttestationStore = (*Postgres)(nil)
	_ ProofStore       = (*Postgres)(nil)
	_ GrantStore       = (*Postgres)(nil)
)

func (p *Postgres) GetRecord(ctx context.Context, entityID string) (*contracts.TrustRecord, error) {
	const q = `
		SELECT entity_id, score, band, components, last_calculated_at,
		       last_activity_at, signal_count, row_version
		FROM trust_records WHERE entity_id = $1`

	var (
		rec        contracts.TrustRecord
		components []byte
	)
	err := p.db.QueryRowContext(ctx, q, entityID).Scan(
		&rec.EntityID, &rec.Score, &rec.Band, &components,
		&rec.LastCalculatedAt, &rec.LastActivityAt, &rec.SignalCount, &rec.RowVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NotFound("trust record for entity %q", entityID)
	}
	if err != nil {
		return nil, apierror.Database(err, "load trust record")
	}
	if err := json.Unmarshal(components, &rec.Components); err != nil {
		return nil, apierror.Database(err, "decode trust components")
	}
	return &rec, nil
}

func (p *Postgres) SaveRecord(ctx context.Context, rec *contracts.TrustRecord) (*contracts.TrustRecord, error) {
	components, err := json.Marshal(rec.Components)
	if err != nil {
		return nil, apierror.Database(err, "encode trust components")
	}

	// Insert-or-update guarded by row_version. The WHERE clause makes a
	// lost optimistic race surface as zero rows.
	const q = `
		INSERT INTO trust_records
			(entity_id, score, band, components, last_calculated_at,
			 last_activity_at, signal_count, row_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (entity_id) DO UPDATE SET
			score = EXCLUDED.score,
			band = EXCLUDED.band,
			components = EXCLUDED.components,
			last_calculated_at = EXCLUDED.last_calculated_at,
			last_activity_at = GREATEST(trust_records.last_activity_at, EXCLUDED.last_activity_at),
			signal_count = EXCLUDED.signal_count,
			row_version = trust_records.row_version + 1
		WHERE trust_records.row_version = $8
		RETURNING entity_id, score, band, components, last_calculated_at,
		          last_activity_at, signal_count, row_version`

	var (
		stored  contracts.TrustRecord
		compRaw []byte
	)
	err = p.db.QueryRowContext(ctx, q,
		rec.EntityID, rec.Score, rec.Band, components,
		rec.LastCalculatedAt, rec.LastActivityAt, rec.SignalCount, rec.RowVersion,
	).Scan(
		&stored.EntityID, &stored.Score, &stored.Band, &compRaw,
		&stored.LastCalculatedAt, &stored.LastActivityAt, &stored.SignalCount, &stored.RowVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.Conflict("trust record for %q changed concurrently", rec.EntityID)
	}
	if err != nil {
		return nil, apierror.Database(err, "save trust record")
	}
	if err := json.Unmarshal(compRaw, &stored.Components); err != nil {
		return nil, apierror.Database(err, "decode trust components")
	}
	return &stored, nil
}

func (p *Postgres) InsertSignal(ctx context.Context, sig *contracts.TrustSignal) (bool, error) {
	metadata, err := json.Marshal(sig.Metadata)
	if err != nil {
		return false, apierror.Database(err, "encode signal metadata")
	}

	const q = `
		INSERT INTO trust_signals
			(id, entity_id, signal_type, value, weight, source, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	res, err := p.db.ExecContext(ctx, q,
		sig.ID, sig.EntityID, sig.Type, sig.Value, sig.Weight, sig.Source, sig.Timestamp, metadata)
	if err != nil {
		return false, apierror.Database(err, "insert trust signal")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierror.Database(err, "insert trust signal")
	}
	return n > 0, nil
}

func (p *Postgres) RecentSignals(ctx context.Context, entityID string, since time.Time) ([]contracts.TrustSignal, error) {
	const q = `
		SELECT id, entity_id, signal_type, value, weight, source, ts, metadata
		FROM trust_signals
		WHERE entity_id = $1 AND ts > $2
		ORDER BY ts ASC`

	rows, err := p.db.QueryContext(ctx, q, entityID, since)
	if err != nil {
		return nil, apierror.Database(err, "query trust signals")
	}
	defer rows.Close()

	var out []contracts.TrustSignal
	for rows.Next() {
		var (
			sig      contracts.TrustSignal
			metadata []byte
		)
		if err := rows.Scan(&sig.ID, &sig.EntityID, &sig.Type, &sig.Value,
			&sig.Weight, &sig.Source, &sig.Timestamp, &metadata); err != nil {
			return nil, apierror.Database(err, "scan trust signal")
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &sig.Metadata); err != nil {
				return nil, apierror.Database(err, "decode signal metadata")
			}
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Database(err, "iterate trust signals")
	}
	return out, nil
}

func (p *Postgres) AppendHistory(ctx context.Context, entry *contracts.TrustHistoryEntry) error {
	const q = `
		INSERT INTO trust_history
			(entity_id, previous_score, new_score, previous_band, new_band,
			 reason, signal_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`

	_, err := p.db.ExecContext(ctx, q,
		entry.EntityID, entry.PreviousScore, entry.NewScore,
		entry.PreviousBand, entry.NewBand, entry.Reason, entry.SignalID, entry.Timestamp)
	if err != nil {
		return apierror.Database(err, "append trust history")
	}
	return nil
}

func (p *Postgres) PruneSignals(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trust_signals WHERE ts < $1`, before)
	if err != nil {
		return 0, apierror.Database(err, "prune trust signals")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.Database(err, "prune trust signals")
	}
	return n, nil
}

func (p *Postgres) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trust_history WHERE ts < $1`, before)
	if err != nil {
		return 0, apierror.Database(err, "prune trust history")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.Database(err, "prune trust history")
	}
	return n, nil
}

func (p *Postgres) TouchActivity(ctx context.Context, entityID string, ts time.Time) error {
	const q = `
		INSERT INTO trust_records (entity_id, last_activity_at, last_calculated_at, row_version)
		VALUES ($1, $2, $2, 1)
		ON CONFLICT (entity_id) DO UPDATE SET
			last_activity_at = GREATEST(trust_records.last_activity_at, EXCLUDED.last_activity_at)`

	if _, err := p.db.ExecContext(ctx, q, entityID, ts); err != nil {
		return apierror.Database(err, "touch activity")
	}
	return nil
}

func (p *Postgres) AttestationsFor(ctx context.Context, agentID string) ([]contracts.Attestation, error) {
	const q = `
		SELECT id, agent_id, issuer, attestation_type, claims, issued_at,
		       expires_at, signature, algorithm, revoked
		FROM attestations WHERE agent_id = $1`

	rows, err := p.db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, apierror.Database(err, "query attestations")
	}
	defer rows.Close()

	var out []contracts.Attestation
	for rows.Next() {
		var (
			att    contracts.Attestation
			claims []byte
		)
		if err := rows.Scan(&att.ID, &att.AgentID, &att.Issuer, &att.Type, &claims,
			&att.IssuedAt, &att.ExpiresAt, &att.Signature, &att.Algorithm, &att.Revoked); err != nil {
			return nil, apierror.Database(err, "scan attestation")
		}
		if len(claims) > 0 {
			if err := json.Unmarshal(claims, &att.Claims); err != nil {
				return nil, apierror.Database(err, "decode attestation claims")
			}
		}
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Database(err, "iterate attestations")
	}
	return out, nil
}

func (p *Postgres) AppendProof(ctx context.Context, rec *contracts.ProofRecord) error {
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return apierror.Database(err, "encode proof decision")
	}

	// The (tenant_id, position) unique constraint enforces chain
	// append-only ordering; a duplicate position means a concurrent
	// writer extended the chain first.
	const q = `
		INSERT INTO proof_records
			(id, tenant_id, position, prev_hash, self_hash, decision,
			 inputs_hash, outputs_hash, signature, algorithm, public_key, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = p.db.ExecContext(ctx, q,
		rec.ID, rec.TenantID, rec.Position, rec.PrevHash, rec.SelfHash, decision,
		rec.InputsHash, rec.OutputsHash, rec.Signature, rec.Algorithm, rec.PublicKey, rec.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apierror.Conflict("proof position %d already written for tenant %q", rec.Position, rec.TenantID)
		}
		return apierror.Database(err, "append proof record")
	}
	return nil
}

func (p *Postgres) ProofChain(ctx context.Context, tenantID string) ([]contracts.ProofRecord, error) {
	const q = `
		SELECT id, tenant_id, position, prev_hash, self_hash, decision,
		       inputs_hash, outputs_hash, signature, algorithm, public_key, ts
		FROM proof_records WHERE tenant_id = $1 ORDER BY position ASC`

	rows, err := p.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, apierror.Database(err, "query proof chain")
	}
	defer rows.Close()

	var out []contracts.ProofRecord
	for rows.Next() {
		var (
			rec      contracts.ProofRecord
			decision []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Position, &rec.PrevHash,
			&rec.SelfHash, &decision, &rec.InputsHash, &rec.OutputsHash,
			&rec.Signature, &rec.Algorithm, &rec.PublicKey, &rec.Timestamp); err != nil {
			return nil, apierror.Database(err, "scan proof record")
		}
		if len(decision) > 0 {
			if err := json.Unmarshal(decision, &rec.Decision); err != nil {
				return nil, apierror.Database(err, "decode proof decision")
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Database(err, "iterate proof chain")
	}
	return out, nil
}

func (p *Postgres) SaveGrant(ctx context.Context, grant *contracts.CapabilityGrant) error {
	constraints, err := json.Marshal(grant.Constraints)
	if err != nil {
		return apierror.Database(err, "encode grant constraints")
	}

	const q = `
		INSERT INTO capability_grants
			(id, aci, domain_mask, level, issued_at, expires_at, constraints)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			constraints = EXCLUDED.constraints,
			expires_at = EXCLUDED.expires_at`

	_, err = p.db.ExecContext(ctx, q,
		grant.ID, grant.ACI, int64(grant.DomainMask), grant.Level,
		grant.IssuedAt, grant.ExpiresAt, constraints)
	if err != nil {
		return apierror.Database(err, "save capability grant")
	}
	return nil
}

func (p *Postgres) ExpireGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM capability_grants WHERE expires_at < $1`, now)
	if err != nil {
		return 0, apierror.Database(err, "expire capability grants")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.Database(err, "expire capability grants")
	}
	return int(n), nil
}
