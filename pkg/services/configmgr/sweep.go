package configmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/configstore"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/updater"
	"go.uber.org/zap"
)

// ProcessPending runs a single reconciliation pass for the given sync
// timestamp. It returns the next sync timestamp and the delay before the
// next pass.
func (m *Manager) ProcessPending(ctx context.Context, syncTs int64) (int64, time.Duration) {
	m.sweepLock.Lock()
	defer m.sweepLock.Unlock()

	changed, err := m.sweep(ctx, syncTs)
	switch {
	case err != nil:
		sweepMetric("error")
		m.log.Error("failed to process pending config", zap.Int64("sync", syncTs), zap.Error(err))
	case changed:
		sweepMetric("changed")
	default:
		sweepMetric("idle")
	}

	m.lock.RLock()
	pending := m.pending.Copy()
	m.lock.RUnlock()

	var (
		now  = m.now()
		next int64
		wait time.Duration
	)
	if pending == nil || pending.Status == clusterconfig.StatusVoting {
		wait = m.cfg.ErrorBackoff
		next = clusterconfig.NormalizeTimestamp(now+wait.Milliseconds(), m.syncPeriod())
	} else {
		next = m.nextSyncTimestamp(pending, syncTs, now)
		wait = time.Duration(next-now) * time.Millisecond
	}
	if wait < 0 {
		wait = 0
	}
	if err != nil && wait < m.cfg.ErrorBackoff {
		wait = m.cfg.ErrorBackoff
	}
	return next, wait
}

func (m *Manager) nextSyncTimestamp(pending *clusterconfig.Envelope, syncTs, now int64) int64 {
	period := m.syncPeriod()
	if pending == nil || pending.AllowEarlySubmission || pending.Timestamp < now {
		return clusterconfig.NormalizeTimestamp(syncTs+period, period)
	}
	// The pass must run with a sync timestamp past the effective one.
	return pending.Timestamp + 1
}

// sweep expires, schedules and applies the pending envelope. It reports
// whether the pending envelope status has changed.
func (m *Manager) sweep(ctx context.Context, syncTs int64) (bool, error) {
	m.lock.RLock()
	current, pending := m.current.Copy(), m.pending.Copy()
	m.lock.RUnlock()
	if pending == nil {
		return false, nil
	}

	now := m.now()
	switch pending.Status {
	case clusterconfig.StatusVoting:
		if pending.ExpirationDate >= now {
			return false, nil
		}
		return true, m.finalize(pending.ID, func() error {
			m.log.Info("voting expired", zap.Uint64("id", pending.ID))
			updated, err := m.store.Update(pending.ID, configstore.Update{Status: clusterconfig.StatusRejected})
			if err != nil {
				return err
			}
			m.pending = updated
			return nil
		})
	case clusterconfig.StatusPending:
	default:
		return false, nil
	}

	reached := pending.Timestamp < syncTs
	if !reached && !pending.AllowEarlySubmission {
		return false, nil
	}
	if !reached {
		if current == nil || !pending.AllSignaturesPresent(current.Config.NodePubkeys(), pending.Config.NodePubkeys()) {
			return false, nil
		}
	}
	if pending.Timestamp > now && !pending.AllowEarlySubmission {
		return false, nil
	}

	if pending.IsBlockchainUpdate {
		done, err := m.submitUpdate(ctx, current, pending, syncTs)
		if err != nil || !done {
			return false, err
		}
	}

	return true, m.finalize(pending.ID, func() error {
		if m.current == nil {
			updated, err := m.store.Update(pending.ID, configstore.Update{Status: clusterconfig.StatusApplied})
			if err != nil {
				return err
			}
			m.pending = updated
			return nil
		}
		err := m.store.Transition(
			configstore.StatusChange{ID: m.current.ID, Status: clusterconfig.StatusReplaced},
			configstore.StatusChange{ID: pending.ID, Status: clusterconfig.StatusApplied, TxHash: m.pending.TxHash},
		)
		if err != nil {
			return err
		}
		m.pending.Status = clusterconfig.StatusApplied
		m.pending.HasMoreTxns = false
		return nil
	})
}

// finalize runs change under lock if the pending envelope is still the one
// processed by the sweep, then propagates the change.
func (m *Manager) finalize(id uint64, change func() error) error {
	var removed []string
	defer func() { m.disconnect(removed) }()
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pending == nil || m.pending.ID != id {
		return fmt.Errorf("pending config %d has changed during processing", id)
	}
	prevNodes := m.allNodePubkeys()
	if err := change(); err != nil {
		return err
	}
	configStatusMetric(m.pending.Status)
	removed = m.updateItems(prevNodes)
	if m.current != nil {
		m.notifyPublic(EventUpdate, m.current)
	}
	return nil
}

// submitUpdate drives the on-chain part of the change and persists its
// progress. It returns true when nothing is left to submit.
func (m *Manager) submitUpdate(ctx context.Context, current, pending *clusterconfig.Envelope, syncTs int64) (bool, error) {
	if current == nil {
		return false, fmt.Errorf("no current config to update envelope %d against", pending.ID)
	}
	job := updater.Job{
		Current:     current.Config,
		Next:        pending.Config,
		Timestamp:   pending.Timestamp,
		TxHash:      pending.TxHash,
		HasMoreTxns: pending.HasMoreTxns,
	}
	res, err := m.submitter.WaitForConfirmation(ctx, job, syncTs)
	if err != nil {
		return false, fmt.Errorf("failed to apply envelope %d on chain: %w", pending.ID, err)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pending == nil || m.pending.ID != pending.ID {
		return false, fmt.Errorf("pending config %d has changed during submission", pending.ID)
	}
	if res.TxHash != m.pending.TxHash || res.HasMoreTxns != m.pending.HasMoreTxns {
		more := res.HasMoreTxns
		updated, err := m.store.Update(pending.ID, configstore.Update{TxHash: res.TxHash, HasMoreTxns: &more})
		if err != nil {
			return false, err
		}
		m.pending = updated
	}
	if res.HasMoreTxns {
		m.log.Info("update has more transactions", zap.Uint64("id", pending.ID), zap.String("txHash", res.TxHash))
		return false, nil
	}
	return true, nil
}
