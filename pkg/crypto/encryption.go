package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

// KDF versions. New values always encrypt with the current version; legacy
// values remain decryptable so that rotation is a re-encrypt, not a
// migration stop-the-world.
const (
	KDFVersionLegacy  = 1 // single-round SHA-256(key||salt), decrypt only
	KDFVersionCurrent = 2 // PBKDF2-HMAC-SHA256
)

const defaultIterations = 310_000

// Encryptor performs AES-256-GCM at-rest encryption with versioned key
// derivation. Ciphertext format: "v<version>:" + base64(nonce || ciphertext).
type Encryptor struct {
	key        []byte
	salt       []byte
	iterations int
}

// NewEncryptor builds an encryptor from raw key and salt material.
func NewEncryptor(key, salt []byte, iterations int) (*Encryptor, error) {
	if len(key) == 0 || len(salt) == 0 {
		return nil, apierror.Encryption(nil, "encryption key and salt are required")
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return &Encryptor{key: key, salt: salt, iterations: iterations}, nil
}

func (e *Encryptor) derivedKey(version int) ([]byte, error) {
	switch version {
	case KDFVersionCurrent:
		return pbkdf2.Key(e.key, e.salt, e.iterations, 32, sha256.New), nil
	case KDFVersionLegacy:
		sum := sha256.Sum256(append(append([]byte{}, e.key...), e.salt...))
		return sum[:], nil
	default:
		return nil, apierror.Encryption(nil, "unknown KDF version %d", version)
	}
}

func (e *Encryptor) gcm(version int) (cipher.AEAD, error) {
	dk, err := e.derivedKey(version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, apierror.Encryption(err, "cipher init failed")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apierror.Encryption(err, "gcm init failed")
	}
	return aead, nil
}

// Encrypt seals plaintext under the current KDF version.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	aead, err := e.gcm(KDFVersionCurrent)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", apierror.Encryption(err, "nonce generation failed")
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("v%d:%s", KDFVersionCurrent, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a ciphertext of any known KDF version.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	version, body, err := splitCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	aead, err := e.gcm(version)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, apierror.Encryption(err, "ciphertext decode failed")
	}
	if len(raw) < aead.NonceSize() {
		return nil, apierror.Encryption(nil, "ciphertext too short")
	}
	plaintext, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return nil, apierror.Encryption(err, "decryption failed")
	}
	return plaintext, nil
}

// Rotate re-encrypts a ciphertext under the current KDF version. Values
// already current are returned unchanged.
func (e *Encryptor) Rotate(ciphertext string) (string, error) {
	version, _, err := splitCiphertext(ciphertext)
	if err != nil {
		return "", err
	}
	if version == KDFVersionCurrent {
		return ciphertext, nil
	}
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return e.Encrypt(plaintext)
}

func splitCiphertext(s string) (version int, body string, err error) {
	rest, ok := strings.CutPrefix(s, "v")
	if !ok {
		return 0, "", apierror.Encryption(nil, "ciphertext missing version prefix")
	}
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return 0, "", apierror.Encryption(nil, "malformed ciphertext")
	}
	if _, err := fmt.Sscanf(rest[:idx], "%d", &version); err != nil {
		return 0, "", apierror.Encryption(err, "malformed ciphertext version")
	}
	return version, rest[idx+1:], nil
}
