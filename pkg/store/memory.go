package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
)

// Memory is an in-memory implementation of every store interface, for tests
// and embedded use. Safe for concurrent access.
type Memory struct {
	mu           sync.RWMutex
	records      map[string]*contracts.TrustRecord
	signals      map[string][]contracts.TrustSignal // by entity, append order
	signalIDs    map[string]struct{}
	history      map[string][]contracts.TrustHistoryEntry
	attestations map[string][]contracts.Attestation
	proofs       map[string][]contracts.ProofRecord // by tenant
	grants       map[string]*contracts.CapabilityGrant
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:      make(map[string]*contracts.TrustRecord),
		signals:      make(map[string][]contracts.TrustSignal),
		signalIDs:    make(map[string]struct{}),
		history:      make(map[string][]contracts.TrustHistoryEntry),
		attestations: make(map[string][]contracts.Attestation),
		proofs:       make(map[string][]contracts.ProofRecord),
		grants:       make(map[string]*contracts.CapabilityGrant),
	}
}

var (
	_ TrustStore       = (*Memory)(nil)
	_ AttestationStore = (*Memory)(nil)
	_ ProofStore       = (*Memory)(nil)
	_ GrantStore       = (*Memory)(nil)
)

func (m *Memory) GetRecord(_ context.Context, entityID string) (*contracts.TrustRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entityID]
	if !ok {
		return nil, apierror.NotFound("trust record for entity %q", entityID)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) SaveRecord(_ context.Context, rec *contracts.TrustRecord) (*contracts.TrustRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[rec.EntityID]
	if ok && existing.RowVersion != rec.RowVersion {
		return nil, apierror.Conflict("trust record for %q changed concurrently", rec.EntityID)
	}
	cp := *rec
	cp.RowVersion++
	m.records[rec.EntityID] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) InsertSignal(_ context.Context, sig *contracts.TrustSignal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig.ID != "" {
		if _, dup := m.signalIDs[sig.ID]; dup {
			return false, nil
		}
		m.signalIDs[sig.ID] = struct{}{}
	}
	m.signals[sig.EntityID] = append(m.signals[sig.EntityID], *sig)
	return true, nil
}

func (m *Memory) RecentSignals(_ context.Context, entityID string, since time.Time) ([]contracts.TrustSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.TrustSignal
	for _, sig := range m.signals[entityID] {
		if sig.Timestamp.After(since) {
			out = append(out, sig)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) AppendHistory(_ context.Context, entry *contracts.TrustHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[entry.EntityID] = append(m.history[entry.EntityID], *entry)
	return nil
}

// History returns the recorded transitions for an entity, oldest first.
// Test helper; not part of the TrustStore contract.
func (m *Memory) History(entityID string) []contracts.TrustHistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.TrustHistoryEntry, len(m.history[entityID]))
	copy(out, m.history[entityID])
	return out
}

func (m *Memory) TouchActivity(_ context.Context, entityID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[entityID]
	if !ok {
		rec = &contracts.TrustRecord{EntityID: entityID}
		m.records[entityID] = rec
	}
	if ts.After(rec.LastActivityAt) {
		rec.LastActivityAt = ts
	}
	return nil
}

func (m *Memory) PruneSignals(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for entity, sigs := range m.signals {
		kept := sigs[:0]
		for _, sig := range sigs {
			if sig.Timestamp.Before(before) {
				delete(m.signalIDs, sig.ID)
				pruned++
				continue
			}
			kept = append(kept, sig)
		}
		m.signals[entity] = kept
	}
	return pruned, nil
}

func (m *Memory) PruneHistory(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for entity, entries := range m.history {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, e)
		}
		m.history[entity] = kept
	}
	return pruned, nil
}

func (m *Memory) AttestationsFor(_ context.Context, agentID string) ([]contracts.Attestation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Attestation, len(m.attestations[agentID]))
	copy(out, m.attestations[agentID])
	return out, nil
}

// PutAttestation registers an attestation for an agent.
func (m *Memory) PutAttestation(att contracts.Attestation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attestations[att.AgentID] = append(m.attestations[att.AgentID], att)
}

func (m *Memory) AppendProof(_ context.Context, rec *contracts.ProofRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.proofs[rec.TenantID]
	// Positions are 1-based; a record must extend the chain exactly.
	if rec.Position != uint64(len(chain))+1 {
		return apierror.Conflict("proof position %d does not extend chain of length %d", rec.Position, len(chain))
	}
	m.proofs[rec.TenantID] = append(chain, *rec)
	return nil
}

func (m *Memory) ProofChain(_ context.Context, tenantID string) ([]contracts.ProofRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ProofRecord, len(m.proofs[tenantID]))
	copy(out, m.proofs[tenantID])
	return out, nil
}

func (m *Memory) SaveGrant(_ context.Context, grant *contracts.CapabilityGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grant.ID] = grant.Clone()
	return nil
}

func (m *Memory) ExpireGrants(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, g := range m.grants {
		if g.ExpiresAt.Before(now) {
			delete(m.grants, id)
			n++
		}
	}
	return n, nil
}

// Grant returns a stored grant by ID, or nil. Test helper.
func (m *Memory) Grant(id string) *contracts.CapabilityGrant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.grants[id]; ok {
		return g.Clone()
	}
	return nil
}
