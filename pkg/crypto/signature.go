package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer signs messages with an Ed25519 private key.
type Signer interface {
	// Sign produces a 64-byte Ed25519 signature over msg.
	Sign(msg []byte) ([]byte, error)
	// PublicKey returns the 32-byte Ed25519 public key.
	PublicKey() []byte
}

// Verifier verifies Ed25519 signatures.
type Verifier interface {
	// Verify checks an Ed25519 signature against a message and public key.
	Verify(msg, signature, publicKey []byte) bool
}

// PrivateKey wraps an Ed25519 private key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// GenerateKey creates a new random Ed25519 private key.
func GenerateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: priv}, nil
}

// PrivateKeyFromSeed creates a PrivateKey from a 32-byte seed, e.g. one
// derived from a BIP-32/BIP-39 path. The same seed always yields the same
// key, so operators can recover their signing identity from a mnemonic.
func PrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 64-byte expanded key
// (seed || public key, the form ed25519.PrivateKey stores internally).
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, b)
	return &PrivateKey{key: key}, nil
}

// Sign produces a 64-byte Ed25519 signature over msg. Unlike Schnorr over
// secp256k1, Ed25519 signs msg exactly as given, of any length, with no
// digest required; some callers pass a hash such as a transaction ID.
func (pk *PrivateKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(pk.key, msg), nil
}

// PublicKey returns the 32-byte Ed25519 public key.
func (pk *PrivateKey) PublicKey() []byte {
	pub, ok := pk.key.Public().(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return []byte(pub)
}

// Seed returns the 32-byte seed the key was derived from.
func (pk *PrivateKey) Seed() []byte {
	return pk.key.Seed()
}

// Serialize returns the 64-byte expanded private key (seed || public key).
func (pk *PrivateKey) Serialize() []byte {
	out := make([]byte, len(pk.key))
	copy(out, pk.key)
	return out
}

// Zero overwrites the private key's memory.
func (pk *PrivateKey) Zero() {
	for i := range pk.key {
		pk.key[i] = 0
	}
}

// VerifySignature checks an Ed25519 signature against a message and a
// 32-byte public key. Returns false on any malformed input.
func VerifySignature(msg, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, signature)
}

// Ed25519Verifier implements the Verifier interface.
type Ed25519Verifier struct{}

// Verify checks an Ed25519 signature against a message and public key.
func (v Ed25519Verifier) Verify(msg, signature, publicKey []byte) bool {
	return VerifySignature(msg, signature, publicKey)
}
