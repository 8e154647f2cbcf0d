package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

// Canonical returns the RFC 8785 (JCS) canonical JSON form of v. Proof
// hashing requires byte-stable serialization; plain json.Marshal is not
// sufficient because of HTML escaping and number formatting.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeValidation, err, "canonical pre-marshal failed")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeValidation, err, "jcs transform failed")
	}
	return out, nil
}

// CanonicalHash returns "sha256:<hex>" over the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the "sha256:"-prefixed hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
