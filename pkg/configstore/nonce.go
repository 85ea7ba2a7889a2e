package configstore

import (
	"encoding/binary"
	"errors"

	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage"
)

func nonceKey(pubkey string) []byte {
	return append(storage.STNonce.Bytes(), pubkey...)
}

// GetNonce returns the last accepted nonce for the node, 0 if none.
func (s *Store) GetNonce(pubkey string) (uint64, error) {
	v, err := s.st.Get(nonceKey(pubkey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, errors.New("malformed nonce value")
	}
	return binary.BigEndian.Uint64(v), nil
}

// PutNonce stores the last accepted nonce for the node.
func (s *Store) PutNonce(pubkey string, nonce uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, nonce)
	return s.st.PutChangeSet(map[string][]byte{string(nonceKey(pubkey)): v})
}
