package clusterconfig

import (
	"encoding/json"
	"fmt"

	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
)

type (
	// Signature is a single node vote for the envelope payload.
	Signature struct {
		PubKey    string `json:"pubkey"`
		Signature string `json:"signature"`
		Nonce     uint64 `json:"nonce"`
		Rejected  bool   `json:"rejected,omitempty"`
	}

	// Envelope is a configuration proposal with its votes, status and timing.
	// All timestamps are Unix milliseconds.
	Envelope struct {
		ID                   uint64      `json:"id,omitempty"`
		Config               *Config     `json:"config"`
		Signatures           []Signature `json:"signatures"`
		Status               Status      `json:"status,omitempty"`
		Timestamp            int64       `json:"timestamp,omitempty"`
		ExpirationDate       int64       `json:"expirationDate"`
		TxHash               string      `json:"txHash,omitempty"`
		HasMoreTxns          bool        `json:"hasMoreTxns,omitempty"`
		IsBlockchainUpdate   bool        `json:"isBlockchainUpdate,omitempty"`
		Description          string      `json:"description,omitempty"`
		AllowEarlySubmission bool        `json:"allowEarlySubmission,omitempty"`
		CreatedAt            int64       `json:"createdAt,omitempty"`
		Initiator            string      `json:"initiator,omitempty"`
	}
)

// SignaturePayload returns the data signed by the node: its key and the
// canonical config extended with nonce and the rejection flag.
func (c *Config) SignaturePayload(pubkey string, nonce uint64, rejected bool) ([]byte, error) {
	generic, err := toGeneric(c)
	if err != nil {
		return nil, err
	}
	m, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected config representation %T", generic)
	}
	m["nonce"] = json.Number(fmt.Sprint(nonce))
	if rejected {
		m["rejected"] = true
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append([]byte(pubkey+":"), data...), nil
}

// Sign creates a signature for the config using the given node key.
func (c *Config) Sign(priv *keys.PrivateKey, nonce uint64, rejected bool) (Signature, error) {
	pub := priv.PublicKey().String()
	payload, err := c.SignaturePayload(pub, nonce, rejected)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		PubKey:    pub,
		Signature: priv.SignDigest(payload),
		Nonce:     nonce,
		Rejected:  rejected,
	}, nil
}

// VerifySignature checks the signature against the config payload.
func (c *Config) VerifySignature(s Signature) error {
	pub, err := keys.NewPublicKeyFromString(s.PubKey)
	if err != nil {
		return NewValidationError("invalid signature pubkey: %v", err)
	}
	payload, err := c.SignaturePayload(s.PubKey, s.Nonce, s.Rejected)
	if err != nil {
		return err
	}
	if !pub.VerifyDigest(s.Signature, payload) {
		return NewValidationError("invalid signature")
	}
	return nil
}

// Hash returns the config payload hash.
func (e *Envelope) Hash() (string, error) {
	return e.Config.Hash()
}

// IsPayloadEqual checks whether both envelopes carry the same config.
func (e *Envelope) IsPayloadEqual(other *Envelope) bool {
	if e == nil || other == nil {
		return false
	}
	return e.Config.Equal(other.Config)
}

// GetInitiator returns the key of the node that created the envelope.
func (e *Envelope) GetInitiator() string {
	if len(e.Signatures) == 0 {
		return ""
	}
	return e.Signatures[0].PubKey
}

// SignatureIndex returns the index of pubkey signature or -1.
func (e *Envelope) SignatureIndex(pubkey string) int {
	for i := range e.Signatures {
		if e.Signatures[i].PubKey == pubkey {
			return i
		}
	}
	return -1
}

// AllSignaturesPresent checks whether every node of both node sets has
// accepted the envelope.
func (e *Envelope) AllSignaturesPresent(currentNodes, newNodes []string) bool {
	accepted := make(map[string]bool, len(e.Signatures))
	for _, s := range e.Signatures {
		if !s.Rejected {
			accepted[s.PubKey] = true
		}
	}
	for _, set := range [][]string{currentNodes, newNodes} {
		for _, k := range set {
			if !accepted[k] {
				return false
			}
		}
	}
	return true
}

// Copy returns a deep copy of the envelope.
func (e *Envelope) Copy() *Envelope {
	if e == nil {
		return nil
	}
	res := *e
	res.Config = e.Config.Copy()
	res.Signatures = append([]Signature(nil), e.Signatures...)
	return &res
}

// Redacted returns a copy of the envelope with private config fields removed.
func (e *Envelope) Redacted() *Envelope {
	res := e.Copy()
	if res != nil {
		res.Config = res.Config.Redacted()
	}
	return res
}

// Validate checks the envelope structure and its config.
func (e *Envelope) Validate() error {
	if e.Config == nil {
		return NewValidationError("config is not defined")
	}
	if e.ExpirationDate == 0 {
		return NewValidationError("expiration date is not defined")
	}
	if e.Status != "" && !e.Status.IsKnown() {
		return NewValidationError("unknown status %q", e.Status)
	}
	if issues := e.Config.Issues(); len(issues) != 0 {
		return &ValidationError{Message: "invalid config", Issues: issues}
	}
	return nil
}
