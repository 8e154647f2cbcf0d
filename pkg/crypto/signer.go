// Package crypto provides the signing, canonicalization, and at-rest
// encryption primitives of the Vorion core.
//
// Proof records are signed with Ed25519. When Ed25519 key material is not
// available, ECDSA P-256 with SHA-256 is the documented fallback. Keys load
// from a process-scoped secret; ephemeral keys are generated otherwise, with
// a warning when the environment is production.
package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

// Signature algorithm identifiers recorded in proof records.
const (
	AlgEd25519   = "ed25519"
	AlgECDSAP256 = "ecdsa-p256"
)

// Signer signs and verifies raw byte payloads.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, sigHex string) bool
	Algorithm() string
	PublicKey() string
}

// Ed25519Signer is the primary signer.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apierror.Encryption(err, "ed25519 key generation failed")
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte hex seed.
func NewEd25519SignerFromSeed(seedHex string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, apierror.Encryption(err, "invalid ed25519 seed hex")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, apierror.Encryption(nil, "ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

func (s *Ed25519Signer) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, data, sig)
}

func (s *Ed25519Signer) Algorithm() string { return AlgEd25519 }
func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pub) }

// ECDSASigner is the P-256/SHA-256 fallback signer.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
}

// NewECDSASigner generates a fresh P-256 keypair.
func NewECDSASigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apierror.Encryption(err, "ecdsa key generation failed")
	}
	return &ECDSASigner{priv: priv}, nil
}

func (s *ECDSASigner) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
	if err != nil {
		return "", apierror.Encryption(err, "ecdsa signing failed")
	}
	return hex.EncodeToString(sig), nil
}

func (s *ECDSASigner) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(&s.priv.PublicKey, digest[:], sig)
}

func (s *ECDSASigner) Algorithm() string { return AlgECDSAP256 }

func (s *ECDSASigner) PublicKey() string {
	return hex.EncodeToString(elliptic.MarshalCompressed(elliptic.P256(), s.priv.PublicKey.X, s.priv.PublicKey.Y))
}

// LoadSigner resolves the process signer: a seed yields a deterministic
// Ed25519 signer; with no seed an ephemeral key is generated, warned about
// when the environment is production or staging.
func LoadSigner(seedHex, environment string, logger *slog.Logger) (Signer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if seedHex != "" {
		return NewEd25519SignerFromSeed(seedHex)
	}
	if environment == "production" || environment == "staging" {
		logger.Warn("no signing seed configured, generating ephemeral key",
			"environment", environment)
	}
	s, err := NewEd25519Signer()
	if err == nil {
		return s, nil
	}
	// Ed25519 generation only fails when the system RNG is broken; the
	// P-256 path shares that dependency but is the documented fallback.
	logger.Warn("ed25519 unavailable, falling back to ECDSA P-256", "error", err)
	return NewECDSASigner()
}
