package contracts

import "time"

// ProofRecord is one entry of the hash-chained decision ledger. The self
// hash binds the position, the previous hash, the canonical decision, and
// the input/output digests; the signature covers the self hash. The chain
// forms a total order per tenant: record[i].PrevHash == record[i-1].SelfHash.
type ProofRecord struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Position    uint64         `json:"position"`
	PrevHash    string         `json:"prev_hash"`
	SelfHash    string         `json:"self_hash"`
	Decision    map[string]any `json:"decision"`
	InputsHash  string         `json:"inputs_hash"`
	OutputsHash string         `json:"outputs_hash"`
	Signature   string         `json:"signature"`
	Algorithm   string         `json:"algorithm"`
	PublicKey   string         `json:"public_key"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExtensionDescriptor identifies a registered extension. The short code is
// what agents reference from their ACI strings.
type ExtensionDescriptor struct {
	ID        string `json:"id"`         // aci-ext-{name}-v{major}
	ShortCode string `json:"short_code"` // [a-z]{1,10}
	Version   string `json:"version"`    // semver
	Publisher string `json:"publisher"`
	Name      string `json:"name,omitempty"`
}
