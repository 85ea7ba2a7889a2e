/*
Package fakechain provides an in-memory blockchain RPC gateway for tests.
*/
package fakechain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/pricefeed-oracle/orchestrator/pkg/chain"
	"go.uber.org/atomic"
)

// FakeChain implements the updater gateway without real RPC calls. Built
// transactions get DefaultStatus unless overridden with SetStatus.
type FakeChain struct {
	mtx      sync.Mutex
	statuses map[string]chain.TxStatus
	requests []chain.UpdateTxRequest

	// Sequence is the account sequence returned.
	Sequence atomic.Uint64
	// Batches is the number of transactions a change needs.
	Batches int
	// DefaultStatus is reported for built transactions.
	DefaultStatus chain.TxStatus
	// SequenceErr is returned from GetAccountSequence when set.
	SequenceErr error
	// BuildF overrides transaction building when set.
	BuildF func(req chain.UpdateTxRequest) (*chain.UpdateTx, error)

	StatusRequests atomic.Int32
}

// NewFakeChain returns a new FakeChain confirming every transaction.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		statuses:      make(map[string]chain.TxStatus),
		Batches:       1,
		DefaultStatus: chain.TxSuccess,
	}
}

// TxHash returns the hash FakeChain assigns to the transaction for req.
func TxHash(req chain.UpdateTxRequest) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d/%d/%d", req.Account, req.Sequence, req.Fee, req.MaxTime, req.Batch)))
	return hex.EncodeToString(h[:])
}

// SetStatus sets the status of the transaction with the given hash.
func (c *FakeChain) SetStatus(hash string, st chain.TxStatus) {
	c.mtx.Lock()
	c.statuses[hash] = st
	c.mtx.Unlock()
}

// Requests returns all build requests received.
func (c *FakeChain) Requests() []chain.UpdateTxRequest {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]chain.UpdateTxRequest(nil), c.requests...)
}

// GetAccountSequence implements the updater.Gateway interface.
func (c *FakeChain) GetAccountSequence(_ context.Context, _ string, _ string) (uint64, error) {
	if c.SequenceErr != nil {
		return 0, c.SequenceErr
	}
	return c.Sequence.Load(), nil
}

// BuildAndSubmitUpdateTx implements the updater.Gateway interface.
func (c *FakeChain) BuildAndSubmitUpdateTx(_ context.Context, req chain.UpdateTxRequest) (*chain.UpdateTx, error) {
	c.mtx.Lock()
	c.requests = append(c.requests, req)
	c.mtx.Unlock()
	if c.BuildF != nil {
		return c.BuildF(req)
	}
	if req.Batch >= c.Batches {
		return nil, nil
	}
	hash := TxHash(req)
	c.mtx.Lock()
	if _, ok := c.statuses[hash]; !ok {
		c.statuses[hash] = c.DefaultStatus
	}
	c.mtx.Unlock()
	return &chain.UpdateTx{
		Hash:        hash,
		HasMoreTxns: req.Batch+1 < c.Batches,
		MaxTime:     req.MaxTime,
	}, nil
}

// GetTransactionStatus implements the updater.Gateway interface.
func (c *FakeChain) GetTransactionStatus(_ context.Context, _ string, hash string) (chain.TxStatus, error) {
	c.StatusRequests.Inc()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	st, ok := c.statuses[hash]
	if !ok {
		return chain.TxNotFound, nil
	}
	return st, nil
}
