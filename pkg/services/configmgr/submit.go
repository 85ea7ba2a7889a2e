package configmgr

import (
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/configstore"
	"go.uber.org/zap"
)

// timestampPrecision is the alignment required for minDate and timestamp.
const timestampPrecision = int64(time.Second / time.Millisecond)

type targetKind int

const (
	newProposal targetKind = iota
	modifyCurrent
	modifyPending
	noChange
)

type target struct {
	kind     targetKind
	envelope *clusterconfig.Envelope
	sigIndex int
}

// Submit accepts a signed proposal or a vote. The envelope must carry
// exactly one signature. Rule violations are reported as
// *clusterconfig.ValidationError.
func (m *Manager) Submit(e *clusterconfig.Envelope) error {
	if e == nil {
		return clusterconfig.NewValidationError("config is not defined")
	}
	if len(e.Signatures) != 1 {
		return clusterconfig.NewValidationError("invalid signatures object")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	sig := e.Signatures[0]
	if !e.Config.HasNode(sig.PubKey) {
		return clusterconfig.NewValidationError("signature pubkey doesn't exist in config nodes")
	}
	if err := e.Config.VerifySignature(sig); err != nil {
		return err
	}

	var removed []string
	defer func() { m.disconnect(removed) }()
	m.lock.Lock()
	defer m.lock.Unlock()

	t, err := m.resolveTarget(e)
	if err != nil {
		return err
	}
	switch t.kind {
	case noChange:
		m.log.Debug("duplicate signature ignored", zap.Uint64("id", t.envelope.ID), zap.String("pubkey", sig.PubKey))
		return nil
	case modifyCurrent, modifyPending:
		removed, err = m.modify(t, sig)
	default:
		removed, err = m.create(e)
	}
	return err
}

// resolveTarget finds the envelope the submission votes for. It must be
// called with lock held.
func (m *Manager) resolveTarget(e *clusterconfig.Envelope) (target, error) {
	sig := e.Signatures[0]
	var t target
	switch {
	case m.current != nil && m.current.IsPayloadEqual(e):
		if sig.Rejected {
			return t, clusterconfig.NewValidationError("rejected signature cannot be used to modify config in status %s", m.current.Status)
		}
		t = target{kind: modifyCurrent, envelope: m.current}
	case m.pending != nil:
		if !m.pending.IsPayloadEqual(e) {
			return t, clusterconfig.NewValidationError("pending config already exists")
		}
		if m.pending.ExpirationDate < m.now() {
			return t, clusterconfig.NewValidationError("pending config already expired")
		}
		t = target{kind: modifyPending, envelope: m.pending}
	default:
		return target{kind: newProposal}, nil
	}

	t.sigIndex = t.envelope.SignatureIndex(sig.PubKey)
	if t.sigIndex < 0 {
		return t, nil
	}
	if t.envelope.Signatures[t.sigIndex] == sig {
		t.kind = noChange
		return t, nil
	}
	if t.envelope.Status != clusterconfig.StatusVoting {
		return t, clusterconfig.NewValidationError("signature cannot be modified for config in status %s", t.envelope.Status)
	}
	if sig.Nonce <= t.envelope.Signatures[t.sigIndex].Nonce {
		return t, clusterconfig.NewValidationError("signature nonce must be greater than %d", t.envelope.Signatures[t.sigIndex].Nonce)
	}
	return t, nil
}

func (m *Manager) modify(t target, sig clusterconfig.Signature) ([]string, error) {
	var (
		prevNodes = m.allNodePubkeys()
		isInit    = m.current == nil
		u         = configstore.Update{Signature: &sig}
	)
	sigs := append([]clusterconfig.Signature(nil), t.envelope.Signatures...)
	if t.sigIndex >= 0 {
		u.Replace, u.SignatureIndex = true, t.sigIndex
		sigs[t.sigIndex] = sig
	} else {
		sigs = append(sigs, sig)
	}
	if t.envelope.Status != clusterconfig.StatusApplied {
		status := clusterconfig.ComputeUpdateStatus(clusterconfig.NodeSignatures(sigs, prevNodes), len(prevNodes), isInit)
		if status != t.envelope.Status {
			u.Status = status
			if status == clusterconfig.StatusPending {
				u.Timestamp = m.pendingTimestamp(t.envelope)
			}
		}
	}
	updated, err := m.store.Update(t.envelope.ID, u)
	if err != nil {
		return nil, err
	}
	if t.kind == modifyCurrent {
		m.current = updated
	} else {
		m.pending = updated
	}
	if u.Status != "" {
		configStatusMetric(u.Status)
		m.log.Info("config status changed", zap.Uint64("id", updated.ID), zap.String("status", string(u.Status)))
	}
	removed := m.updateItems(prevNodes)
	m.notifyPublic(EventConfigUpdated, updated)
	return removed, nil
}

func (m *Manager) create(e *clusterconfig.Envelope) ([]string, error) {
	var (
		now       = m.now()
		cfg       = e.Config
		prevNodes = m.allNodePubkeys()
	)
	switch {
	case e.ExpirationDate < now+m.cfg.MinExpirationPeriod.Milliseconds():
		return nil, clusterconfig.NewValidationError("expiration date must be at least %s ahead", m.cfg.MinExpirationPeriod)
	case e.ExpirationDate <= cfg.MinDate:
		return nil, clusterconfig.NewValidationError("config min date cannot be greater than expiration date")
	case cfg.MinDate != 0 && !clusterconfig.IsTimestampValid(cfg.MinDate, timestampPrecision):
		return nil, clusterconfig.NewValidationError("config min date is not valid, it should be rounded to seconds")
	case e.Timestamp != 0 && e.Timestamp < cfg.MinDate:
		return nil, clusterconfig.NewValidationError("config timestamp cannot be less than min date")
	case e.Timestamp != 0 && e.Timestamp > e.ExpirationDate:
		return nil, clusterconfig.NewValidationError("config timestamp cannot be greater than expiration date")
	case e.Timestamp != 0 && !clusterconfig.IsTimestampValid(e.Timestamp, timestampPrecision):
		return nil, clusterconfig.NewValidationError("config timestamp is not valid, it should be rounded to seconds")
	}

	isBlockchainUpdate := false
	if m.current != nil {
		updates, err := clusterconfig.BuildUpdates(m.current.Config, cfg)
		if err != nil {
			return nil, err
		}
		if len(updates) == 0 {
			return nil, clusterconfig.NewValidationError("config doesn't have any changes")
		}
		isBlockchainUpdate = clusterconfig.HasBlockchainUpdates(updates)
	}
	if e.Signatures[0].Rejected {
		return nil, clusterconfig.NewValidationError("rejected signature cannot be used to create config")
	}

	doc := e.Copy()
	doc.ID, doc.TxHash, doc.HasMoreTxns = 0, "", false
	doc.IsBlockchainUpdate = isBlockchainUpdate
	doc.Status = clusterconfig.ComputeUpdateStatus(clusterconfig.NodeSignatures(doc.Signatures, prevNodes), len(prevNodes), m.current == nil)
	if doc.Status == clusterconfig.StatusPending {
		doc.Timestamp = m.pendingTimestamp(doc)
	}
	if _, err := m.store.Create(doc); err != nil {
		return nil, err
	}
	m.pending = doc
	configStatusMetric(doc.Status)
	m.log.Info("config created",
		zap.Uint64("id", doc.ID),
		zap.String("initiator", doc.Initiator),
		zap.String("status", string(doc.Status)),
		zap.Bool("blockchain", isBlockchainUpdate))
	removed := m.updateItems(prevNodes)
	m.notifyPublic(EventConfigCreated, doc)
	return removed, nil
}

// pendingTimestamp returns the effective time for an envelope that has just
// reached majority.
func (m *Manager) pendingTimestamp(e *clusterconfig.Envelope) int64 {
	if e.Timestamp != 0 {
		return e.Timestamp
	}
	base := m.now()
	if e.Config.MinDate > base {
		base = e.Config.MinDate
	}
	return clusterconfig.NormalizeTimestamp(base, m.syncPeriod()) + m.cfg.PendingDelay.Milliseconds()
}
