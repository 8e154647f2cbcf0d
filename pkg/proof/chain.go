// Package proof implements the hash-chained, signed decision ledger.
//
// Every governance decision appends one ProofRecord. The self hash of a
// record binds its position, the previous record's self hash, the canonical
// JSON of the decision, and the digests of the inputs and outputs; the
// signature covers the self hash. Records form a total order per tenant.
package proof

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/crypto"
)

// GenesisHash anchors the first record of every chain.
const GenesisHash = "genesis"

// Sink persists appended records. Persistence failures surface to the
// caller; the in-memory chain is not advanced past a failed persist.
type Sink interface {
	AppendProof(ctx context.Context, rec *contracts.ProofRecord) error
}

// Chain is an append-only, hash-chained, signed ledger for one tenant.
type Chain struct {
	mu       sync.RWMutex
	tenantID string
	signer   crypto.Signer
	records  []contracts.ProofRecord
	headHash string
	sink     Sink
	clock    func() time.Time
	logger   *slog.Logger
}

// NewChain creates an empty chain for a tenant.
func NewChain(tenantID string, signer crypto.Signer) *Chain {
	return &Chain{
		tenantID: tenantID,
		signer:   signer,
		headHash: GenesisHash,
		clock:    time.Now,
		logger:   slog.Default().With("component", "proof", "tenant", tenantID),
	}
}

// WithSink attaches a durable sink.
func (c *Chain) WithSink(s Sink) *Chain {
	c.sink = s
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// selfHash computes the record digest: position ∥ prev-hash ∥
// canonical-json(decision) ∥ inputs-hash ∥ outputs-hash.
func selfHash(position uint64, prevHash string, decision map[string]any, inputsHash, outputsHash string) (string, error) {
	canonical, err := crypto.Canonical(decision)
	if err != nil {
		return "", err
	}
	payload := fmt.Sprintf("%d|%s|%s|%s|%s", position, prevHash, canonical, inputsHash, outputsHash)
	return crypto.HashBytes([]byte(payload)), nil
}

// Append seals a decision into the chain and returns the new record.
func (c *Chain) Append(ctx context.Context, decision map[string]any, inputs, outputs any) (*contracts.ProofRecord, error) {
	inputsHash, err := crypto.CanonicalHash(inputs)
	if err != nil {
		return nil, err
	}
	outputsHash, err := crypto.CanonicalHash(outputs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	position := uint64(len(c.records)) + 1
	self, err := selfHash(position, c.headHash, decision, inputsHash, outputsHash)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.Sign([]byte(self))
	if err != nil {
		return nil, err
	}

	rec := contracts.ProofRecord{
		ID:          uuid.New().String(),
		TenantID:    c.tenantID,
		Position:    position,
		PrevHash:    c.headHash,
		SelfHash:    self,
		Decision:    decision,
		InputsHash:  inputsHash,
		OutputsHash: outputsHash,
		Signature:   sig,
		Algorithm:   c.signer.Algorithm(),
		PublicKey:   c.signer.PublicKey(),
		Timestamp:   c.clock(),
	}

	if c.sink != nil {
		if err := c.sink.AppendProof(ctx, &rec); err != nil {
			return nil, apierror.Database(err, "proof persist failed at position %d", position)
		}
	}

	c.records = append(c.records, rec)
	c.headHash = self
	return &rec, nil
}

// Head returns the current head hash.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headHash
}

// Len returns the number of records.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Get retrieves a record by position (1-based).
func (c *Chain) Get(position uint64) (*contracts.ProofRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if position == 0 || position > uint64(len(c.records)) {
		return nil, apierror.NotFound("proof record %d not found", position)
	}
	rec := c.records[position-1]
	return &rec, nil
}

// Records returns a copy of the full chain.
func (c *Chain) Records() []contracts.ProofRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]contracts.ProofRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Verify walks the chain, recomputing every self hash and checking the
// prev-hash linkage and the signature of each record.
func (c *Chain) Verify() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyRecords(c.records, c.signer)
}

// VerifyRecords verifies an arbitrary record slice, e.g. one reloaded from
// the durable store.
func VerifyRecords(records []contracts.ProofRecord, signer crypto.Signer) (bool, string) {
	prevHash := GenesisHash
	for i, rec := range records {
		if rec.Position != uint64(i)+1 {
			return false, fmt.Sprintf("position gap at record %d: got %d", i+1, rec.Position)
		}
		if rec.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at position %d: expected prev %s, got %s", rec.Position, prevHash, rec.PrevHash)
		}
		computed, err := selfHash(rec.Position, rec.PrevHash, rec.Decision, rec.InputsHash, rec.OutputsHash)
		if err != nil {
			return false, fmt.Sprintf("hash recompute failed at position %d: %v", rec.Position, err)
		}
		if computed != rec.SelfHash {
			return false, fmt.Sprintf("self-hash mismatch at position %d", rec.Position)
		}
		if signer != nil && !signer.Verify([]byte(rec.SelfHash), rec.Signature) {
			return false, fmt.Sprintf("signature invalid at position %d", rec.Position)
		}
		prevHash = rec.SelfHash
	}
	return true, "chain verified"
}
