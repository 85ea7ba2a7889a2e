package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeyLength is the length of a raw Ed25519 public key.
const PublicKeyLength = ed25519.PublicKeySize

// ErrInvalidPublicKey is returned when a public key can't be decoded.
var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKeys is a list of public keys.
type PublicKeys []*PublicKey

func (keys PublicKeys) Len() int      { return len(keys) }
func (keys PublicKeys) Swap(i, j int) { keys[i], keys[j] = keys[j], keys[i] }
func (keys PublicKeys) Less(i, j int) bool {
	return keys[i].String() < keys[j].String()
}

// Contains checks whether passed param contained in PublicKeys.
func (keys PublicKeys) Contains(pKey *PublicKey) bool {
	for _, key := range keys {
		if key.Equal(pKey) {
			return true
		}
	}
	return false
}

// PublicKey is an Ed25519 node identity key. Its canonical string form is
// base58 of the raw 32 bytes.
type PublicKey struct {
	key ed25519.PublicKey
}

// NewPublicKeyFromBytes returns a public key created from the raw bytes.
func NewPublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeyLength {
		return nil, fmt.Errorf("%w: wrong length %d", ErrInvalidPublicKey, len(b))
	}
	k := make(ed25519.PublicKey, PublicKeyLength)
	copy(k, b)
	return &PublicKey{key: k}, nil
}

// NewPublicKeyFromString returns a public key created from the base58 string.
func NewPublicKeyFromString(s string) (*PublicKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return NewPublicKeyFromBytes(b)
}

// Bytes returns the raw key bytes.
func (p *PublicKey) Bytes() []byte {
	b := make([]byte, len(p.key))
	copy(b, p.key)
	return b
}

// String implements the fmt.Stringer interface.
func (p *PublicKey) String() string {
	return base58.Encode(p.key)
}

// Equal returns true in case public keys are equal.
func (p *PublicKey) Equal(key *PublicKey) bool {
	if p == nil || key == nil {
		return p == key
	}
	return p.key.Equal(key.key)
}

// Verify checks the signature over the raw message.
func (p *PublicKey) Verify(signature []byte, msg []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(p.key, msg, signature)
}

// VerifyHex checks the hex-encoded signature of msg.
func (p *PublicKey) VerifyHex(signature string, msg []byte) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return p.Verify(sig, msg)
}

// VerifyDigest checks the hex-encoded signature against sha256(payload).
func (p *PublicKey) VerifyDigest(signature string, payload []byte) bool {
	h := sha256.Sum256(payload)
	return p.VerifyHex(signature, h[:])
}

// MarshalJSON implements the json.Marshaler interface.
func (p PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	k, err := NewPublicKeyFromString(s)
	if err != nil {
		return err
	}
	*p = *k
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (p *PublicKey) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	k, err := NewPublicKeyFromString(s)
	if err != nil {
		return err
	}
	*p = *k
	return nil
}
