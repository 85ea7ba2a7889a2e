/*
Package configstore implements durable storage for configuration envelopes
and request nonces on top of a key-value storage.Store.
*/
package configstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage"
)

// Version is the storage schema version.
const Version = "orchestrator-0.1"

// DefaultPageSize is used when history page size is not set.
const DefaultPageSize = 10

var (
	// ErrNotFound is returned when there is no envelope with the given id.
	ErrNotFound = errors.New("envelope not found")
	// ErrInvalidTransition is returned for a status change not allowed by the
	// envelope lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type (
	// Filter selects envelopes for history queries, empty fields match
	// anything.
	Filter struct {
		Status    clusterconfig.Status
		Initiator string
	}

	// Update is a partial envelope modification applied atomically.
	Update struct {
		// Signature is appended unless Replace is set, then it overwrites
		// the one at SignatureIndex.
		Signature      *clusterconfig.Signature
		Replace        bool
		SignatureIndex int
		// Status, Timestamp and TxHash are changed when non-empty.
		Status    clusterconfig.Status
		Timestamp int64
		TxHash    string
		// HasMoreTxns is stored when not nil.
		HasMoreTxns *bool
	}

	// StatusChange is a single part of a multi-envelope transition.
	StatusChange struct {
		ID     uint64
		Status clusterconfig.Status
		// TxHash is stored along with the status when non-empty.
		TxHash string
	}

	// Store is a durable envelope store.
	Store struct {
		// lock serializes read-modify-write sequences.
		lock  sync.Mutex
		st    storage.Store
		clock func() time.Time
	}
)

// New creates a Store over st, checking (or initializing) schema version.
func New(st storage.Store) (*Store, error) {
	v, err := st.Get(storage.SYSVersion.Bytes())
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		err = st.PutChangeSet(map[string][]byte{string(storage.SYSVersion.Bytes()): []byte(Version)})
		if err != nil {
			return nil, fmt.Errorf("failed to store version: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read version: %w", err)
	case string(v) != Version:
		return nil, fmt.Errorf("storage version mismatch: %s (expected %s)", v, Version)
	}
	return &Store{st: st, clock: time.Now}, nil
}

func envelopeKey(id uint64) []byte {
	k := make([]byte, 9)
	k[0] = byte(storage.DataConfig)
	binary.BigEndian.PutUint64(k[1:], id)
	return k
}

func decodeEnvelope(v []byte) (*clusterconfig.Envelope, error) {
	e := new(clusterconfig.Envelope)
	if err := json.Unmarshal(v, e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}

// Get returns envelope by id.
func (s *Store) Get(id uint64) (*clusterconfig.Envelope, error) {
	v, err := s.st.Get(envelopeKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(v)
}

// iterate walks envelopes from the newest to the oldest.
func (s *Store) iterate(f func(e *clusterconfig.Envelope) bool) error {
	var err error
	s.st.Seek(storage.SeekRange{Prefix: storage.DataConfig.Bytes(), Backwards: true}, func(_, v []byte) bool {
		var e *clusterconfig.Envelope
		e, err = decodeEnvelope(v)
		if err != nil {
			return false
		}
		return f(e)
	})
	return err
}

// FindByStatus returns the most recent envelope in any of the given
// statuses, nil if there is none.
func (s *Store) FindByStatus(statuses ...clusterconfig.Status) (*clusterconfig.Envelope, error) {
	var res *clusterconfig.Envelope
	err := s.iterate(func(e *clusterconfig.Envelope) bool {
		for _, st := range statuses {
			if e.Status == st {
				res = e
				return false
			}
		}
		return true
	})
	return res, err
}

// FindPaged returns a page of envelopes matching the filter, newest first.
// Pages are numbered from 1.
func (s *Store) FindPaged(f Filter, page, pageSize int) ([]*clusterconfig.Envelope, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	var (
		skip = (page - 1) * pageSize
		res  = make([]*clusterconfig.Envelope, 0, pageSize)
	)
	err := s.iterate(func(e *clusterconfig.Envelope) bool {
		if f.Status != "" && e.Status != f.Status {
			return true
		}
		if f.Initiator != "" && e.GetInitiator() != f.Initiator {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		res = append(res, e)
		return len(res) < pageSize
	})
	return res, err
}

// Create stores a new envelope assigning its ID and creation time.
func (s *Store) Create(e *clusterconfig.Envelope) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var seq uint64
	v, err := s.st.Get(storage.SYSConfigSequence.Bytes())
	switch {
	case err == nil && len(v) == 8:
		seq = binary.BigEndian.Uint64(v)
	case err == nil:
		return 0, fmt.Errorf("malformed sequence value of %d bytes", len(v))
	case !errors.Is(err, storage.ErrKeyNotFound):
		return 0, err
	}
	seq++

	doc := e.Copy()
	doc.ID = seq
	doc.CreatedAt = s.clock().UnixMilli()
	doc.Initiator = doc.GetInitiator()
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)
	err = s.st.PutChangeSet(map[string][]byte{
		string(storage.SYSConfigSequence.Bytes()): seqBuf,
		string(envelopeKey(seq)):                  data,
	})
	if err != nil {
		return 0, err
	}
	e.ID, e.CreatedAt, e.Initiator = doc.ID, doc.CreatedAt, doc.Initiator
	return seq, nil
}

// Update atomically applies u to the envelope and returns the new document.
func (s *Store) Update(id uint64, u Update) (*clusterconfig.Envelope, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if u.Signature != nil {
		if u.Replace {
			if u.SignatureIndex < 0 || u.SignatureIndex >= len(e.Signatures) {
				return nil, fmt.Errorf("signature index %d is out of range", u.SignatureIndex)
			}
			e.Signatures[u.SignatureIndex] = *u.Signature
		} else {
			e.Signatures = append(e.Signatures, *u.Signature)
		}
	}
	if u.Status != "" {
		if !clusterconfig.CanTransition(e.Status, u.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, u.Status)
		}
		e.Status = u.Status
	}
	if u.Timestamp != 0 {
		e.Timestamp = u.Timestamp
	}
	if u.TxHash != "" {
		e.TxHash = u.TxHash
	}
	if u.HasMoreTxns != nil {
		e.HasMoreTxns = *u.HasMoreTxns
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if err := s.st.PutChangeSet(map[string][]byte{string(envelopeKey(id)): data}); err != nil {
		return nil, err
	}
	return e, nil
}

// Transition changes statuses of several envelopes in a single storage
// transaction, either all changes are stored or none.
func (s *Store) Transition(changes ...StatusChange) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	puts := make(map[string][]byte, len(changes))
	for _, c := range changes {
		e, err := s.Get(c.ID)
		if err != nil {
			return err
		}
		if !clusterconfig.CanTransition(e.Status, c.Status) {
			return fmt.Errorf("%w: envelope %d %s -> %s", ErrInvalidTransition, c.ID, e.Status, c.Status)
		}
		e.Status = c.Status
		if c.TxHash != "" {
			e.TxHash = c.TxHash
			e.HasMoreTxns = false
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		puts[string(envelopeKey(c.ID))] = data
	}
	return s.st.PutChangeSet(puts)
}
