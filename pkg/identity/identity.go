// Package identity implements the cryptographic persona of a community
// node: an ed25519 keypair, the DID derived from the public key
// fingerprint, and payload signing/verification.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DIDNamespace is the method name embedded in every derived DID.
const DIDNamespace = "befree"

var (
	// ErrInvalidIdentity indicates an import payload missing key material.
	ErrInvalidIdentity = errors.New("invalid identity payload")
	// ErrDIDMismatch indicates an imported DID that does not match its public key.
	ErrDIDMismatch = errors.New("did does not match public key fingerprint")
)

// Identity is a node's signing persona. The private key never leaves
// the Sign operation.
type Identity struct {
	DID       string    `json:"did"`
	PublicKey string    `json:"pub"`
	Wallet    string    `json:"wallet"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Label     string    `json:"label,omitempty"`

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// PublicDescriptor is the exportable, secret-free view of an identity.
type PublicDescriptor struct {
	DID       string    `json:"did"`
	PublicKey string    `json:"publicKey"`
	Wallet    string    `json:"wallet"`
	CreatedAt time.Time `json:"createdAt"`
	Label     string    `json:"label,omitempty"`
}

// DeriveDID computes the DID for a raw ed25519 public key:
// "did:befree:" + the first 32 hex characters of sha256(publicKeyBytes).
func DeriveDID(pub []byte) string {
	fingerprint := sha256.Sum256(pub)
	return fmt.Sprintf("did:%s:%s", DIDNamespace, hex.EncodeToString(fingerprint[:])[:32])
}

// Fingerprint returns the full hex sha256 fingerprint of a base64 public key.
func Fingerprint(publicKeyB64 string) (string, error) {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("invalid public key encoding: %w", err)
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:]), nil
}

// New generates a fresh identity with a random wallet handle.
func New(label string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	id := &Identity{
		DID:       DeriveDID(pub),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Wallet:    uuid.NewString(),
		Secret:    base64.StdEncoding.EncodeToString(priv),
		CreatedAt: time.Now().UTC(),
		Label:     label,
		priv:      priv,
		pub:       pub,
	}
	return id, nil
}

// Import restores an identity from its serialized form, validating that
// the key material is present and the DID matches the public key.
func Import(keys Identity) (*Identity, error) {
	if keys.DID == "" || keys.PublicKey == "" || keys.Secret == "" {
		return nil, ErrInvalidIdentity
	}
	pub, err := base64.StdEncoding.DecodeString(keys.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key encoding", ErrInvalidIdentity)
	}
	priv, err := base64.StdEncoding.DecodeString(keys.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: bad private key encoding", ErrInvalidIdentity)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad key size", ErrInvalidIdentity)
	}
	if DeriveDID(pub) != keys.DID {
		return nil, ErrDIDMismatch
	}
	restored := keys
	restored.priv = ed25519.PrivateKey(priv)
	restored.pub = ed25519.PublicKey(pub)
	return &restored, nil
}

// Sign produces an ed25519 signature over payload.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.priv, payload)
}

// SignBase64 signs payload and returns the signature base64 encoded,
// the form it travels in on the wire.
func (id *Identity) SignBase64(payload []byte) string {
	return base64.StdEncoding.EncodeToString(id.Sign(payload))
}

// Export returns the secret-free descriptor used as envelope author.
func (id *Identity) Export() PublicDescriptor {
	return PublicDescriptor{
		DID:       id.DID,
		PublicKey: id.PublicKey,
		Wallet:    id.Wallet,
		CreatedAt: id.CreatedAt,
		Label:     id.Label,
	}
}

// Verify reports whether sig is a valid signature over payload by the
// holder of publicKeyB64. Verification failure is an outcome, not an
// error: malformed keys or signatures simply verify as false.
func Verify(payload, sig []byte, publicKeyB64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// VerifyBase64 is Verify for a base64-encoded signature.
func VerifyBase64(payload []byte, sigB64, publicKeyB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return Verify(payload, sig, publicKeyB64)
}
