/*
Package updater turns an accepted configuration change into confirmed
on-chain state. It escalates fees and widens transaction deadlines on every
retry, chains transactions when the change doesn't fit into one and never
keeps state of its own: progress is threaded through the envelope fields.
*/
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/pricefeed-oracle/orchestrator/pkg/chain"
	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"go.uber.org/zap"
)

// feeMultiplier is the fee growth factor per attempt.
const feeMultiplier = 4

var (
	// ErrTxFailed is returned when the transaction is included with failure.
	ErrTxFailed = errors.New("update transaction failed")
	// ErrAttemptsExhausted is returned when no attempt got confirmed in time.
	ErrAttemptsExhausted = errors.New("failed to get successful update")
	// ErrFeeOverflow is returned when the escalated fee doesn't fit uint64.
	ErrFeeOverflow = errors.New("fee overflow")
)

// Gateway is the blockchain RPC access needed by the updater.
type Gateway interface {
	GetAccountSequence(ctx context.Context, network string, account string) (uint64, error)
	BuildAndSubmitUpdateTx(ctx context.Context, req chain.UpdateTxRequest) (*chain.UpdateTx, error)
	GetTransactionStatus(ctx context.Context, network string, hash string) (chain.TxStatus, error)
}

type (
	// Job describes the change being applied along with its progress.
	Job struct {
		Current *clusterconfig.Config
		Next    *clusterconfig.Config
		// Timestamp is the effective time of the change in milliseconds.
		Timestamp   int64
		TxHash      string
		HasMoreTxns bool
	}

	// Result is the updated job progress.
	Result struct {
		TxHash      string
		HasMoreTxns bool
	}

	// Updater submits config updates and waits for their confirmation.
	Updater struct {
		log     *zap.Logger
		gw      Gateway
		cfg     config.Updater
		baseFee *uint256.Int
		clock   func() time.Time
	}
)

// New creates an Updater.
func New(cfg config.Updater, gw Gateway, log *zap.Logger) *Updater {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = config.DefaultAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	return &Updater{
		log:     log.With(zap.String("service", "updater")),
		gw:      gw,
		cfg:     cfg,
		baseFee: uint256.NewInt(cfg.BaseFee),
		clock:   time.Now,
	}
}

// Fee returns the transaction fee for the given attempt: base*4^iteration.
func (u *Updater) Fee(iteration int) (uint64, error) {
	fee := new(uint256.Int).Set(u.baseFee)
	mul := uint256.NewInt(feeMultiplier)
	for i := 0; i < iteration; i++ {
		if _, overflow := fee.MulOverflow(fee, mul); overflow {
			return 0, ErrFeeOverflow
		}
	}
	if !fee.IsUint64() {
		return 0, ErrFeeOverflow
	}
	return fee.Uint64(), nil
}

// MaxTime returns transaction validity bound in seconds for the attempt, the
// window grows by TxTimeout each time.
func (u *Updater) MaxTime(syncTimestamp int64, iteration int) int64 {
	return (syncTimestamp + u.cfg.TxTimeout.Milliseconds()*int64(iteration+1)) / 1000
}

// Submit builds (and possibly sends) the next update transaction of the job.
// nil result means there is nothing to submit.
func (u *Updater) Submit(ctx context.Context, job Job, sequence uint64, syncTimestamp int64, iteration int) (*chain.UpdateTx, error) {
	fee, err := u.Fee(iteration)
	if err != nil {
		return nil, err
	}
	req := chain.UpdateTxRequest{
		Network:   job.Current.Network,
		Account:   job.Current.SystemAccount,
		Sequence:  sequence,
		Fee:       fee,
		MaxTime:   u.MaxTime(syncTimestamp, iteration),
		Timestamp: job.Timestamp,
		Current:   job.Current,
		Next:      job.Next,
		Batch:     len(splitHashes(job.TxHash)),
	}
	tx, err := u.gw.BuildAndSubmitUpdateTx(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build update transaction: %w", err)
	}
	if tx != nil {
		u.log.Debug("update transaction",
			zap.String("hash", tx.Hash),
			zap.Uint64("fee", fee),
			zap.Int64("maxTime", req.MaxTime),
			zap.Int("iteration", iteration),
			zap.Uint64("sequence", sequence),
			zap.Int64("syncTimestamp", syncTimestamp),
			zap.Bool("hasMoreTxns", tx.HasMoreTxns))
	}
	return tx, nil
}

// WaitForConfirmation drives the job until the next transaction is confirmed
// and returns the new progress. If all the job transactions are already
// known, their statuses are verified instead.
func (u *Updater) WaitForConfirmation(ctx context.Context, job Job, syncTimestamp int64) (Result, error) {
	network := job.Current.Network
	if job.TxHash != "" && !job.HasMoreTxns {
		for _, h := range splitHashes(job.TxHash) {
			st, err := u.gw.GetTransactionStatus(ctx, network, h)
			if err != nil {
				return Result{}, fmt.Errorf("failed to get transaction %s: %w", h, err)
			}
			if st != chain.TxSuccess {
				return Result{}, fmt.Errorf("%w: %s status %s", ErrTxFailed, h, st)
			}
		}
		return Result{TxHash: job.TxHash}, nil
	}

	sequence, err := u.gw.GetAccountSequence(ctx, network, job.Current.SystemAccount)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get account sequence: %w", err)
	}
	for i := 0; i < u.cfg.Attempts; i++ {
		tx, err := u.Submit(ctx, job, sequence, syncTimestamp, i)
		if err != nil {
			updateAttemptsMetric("error")
			return Result{}, err
		}
		if tx == nil {
			return Result{TxHash: job.TxHash}, nil
		}
		ok, err := u.poll(ctx, network, tx.Hash, tx.MaxTime)
		if err != nil {
			updateAttemptsMetric("failed")
			return Result{}, err
		}
		if ok {
			updateAttemptsMetric("success")
			u.log.Info("update confirmed", zap.String("hash", tx.Hash), zap.Bool("hasMoreTxns", tx.HasMoreTxns))
			return Result{
				TxHash:      joinHash(job.TxHash, tx.Hash),
				HasMoreTxns: tx.HasMoreTxns,
			}, nil
		}
		updateAttemptsMetric("timeout")
		u.log.Warn("update transaction not confirmed in time", zap.String("hash", tx.Hash), zap.Int("iteration", i))
	}
	return Result{}, ErrAttemptsExhausted
}

// poll waits for the transaction until maxTime (seconds) passes.
func (u *Updater) poll(ctx context.Context, network string, hash string, maxTime int64) (bool, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if maxTime+1 < u.clock().Unix() {
			return false, nil
		}
		st, err := u.gw.GetTransactionStatus(ctx, network, hash)
		switch {
		case err != nil:
			u.log.Debug("failed to get transaction status", zap.String("hash", hash), zap.Error(err))
		case st == chain.TxSuccess:
			return true, nil
		case st == chain.TxFailed:
			return false, fmt.Errorf("%w: %s", ErrTxFailed, hash)
		}
		timer.Reset(u.cfg.PollInterval)
	}
}

func splitHashes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinHash(hashes string, h string) string {
	if hashes == "" {
		return h
	}
	return hashes + "," + h
}
