package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PrivateKey represents an Ed25519 node signing key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// NewPrivateKey creates a new random private key.
func NewPrivateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: priv}, nil
}

// NewPrivateKeyFromSeed returns a private key derived from a 32-byte seed.
func NewPrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewPrivateKeyFromHex returns a private key created from the hex-encoded seed.
func NewPrivateKeyFromHex(str string) (*PrivateKey, error) {
	b, err := hex.DecodeString(str)
	if err != nil {
		return nil, err
	}
	return NewPrivateKeyFromSeed(b)
}

// PublicKey derives the public key from the private key.
func (p *PrivateKey) PublicKey() *PublicKey {
	pub := p.key.Public().(ed25519.PublicKey)
	return &PublicKey{key: pub}
}

// Sign signs the raw message.
func (p *PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(p.key, msg)
}

// SignHex signs the raw message and returns the hex-encoded signature.
func (p *PrivateKey) SignHex(msg []byte) string {
	return hex.EncodeToString(p.Sign(msg))
}

// SignDigest signs sha256(payload) and returns the hex-encoded signature.
func (p *PrivateKey) SignDigest(payload []byte) string {
	h := sha256.Sum256(payload)
	return p.SignHex(h[:])
}
