package chain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
)

// TxStatus is an on-chain transaction status.
type TxStatus string

// Transaction statuses reported by RPC nodes.
const (
	TxSuccess  TxStatus = "SUCCESS"
	TxFailed   TxStatus = "FAILED"
	TxPending  TxStatus = "PENDING"
	TxNotFound TxStatus = "NOT_FOUND"
)

type (
	// UpdateTxRequest contains everything needed to build a config update
	// transaction.
	UpdateTxRequest struct {
		Network  string
		Account  string
		Sequence uint64
		Fee      uint64
		// MaxTime is the transaction validity bound in Unix seconds.
		MaxTime int64
		// Timestamp is the effective config time in Unix milliseconds.
		Timestamp int64
		Current   *clusterconfig.Config
		Next      *clusterconfig.Config
		// Batch is the number of update transactions already confirmed for
		// this change.
		Batch int
	}

	// UpdateTx is a built update transaction.
	UpdateTx struct {
		Hash        string
		HasMoreTxns bool
		MaxTime     int64
		Body        []byte
	}

	// updateTransaction is the signed transaction body. Every node builds
	// exactly the same body from the same inputs.
	updateTransaction struct {
		Network   string                 `json:"network"`
		Source    string                 `json:"source"`
		Sequence  uint64                 `json:"sequence"`
		Fee       uint64                 `json:"fee"`
		MaxTime   int64                  `json:"maxTime"`
		Timestamp int64                  `json:"timestamp"`
		Updates   []clusterconfig.Update `json:"updates"`
	}
)

// buildUpdateTx packs the Batch-th chunk of blockchain updates into
// a transaction. It returns nil if there is nothing left to submit.
func buildUpdateTx(passphrase string, maxUpdates int, req UpdateTxRequest) (*UpdateTx, error) {
	all, err := clusterconfig.BuildUpdates(req.Current, req.Next)
	if err != nil {
		return nil, err
	}
	var updates []clusterconfig.Update
	for _, u := range all {
		if u.IsBlockchainUpdate() {
			updates = append(updates, u)
		}
	}
	if maxUpdates <= 0 {
		maxUpdates = len(updates)
	}
	start := req.Batch * maxUpdates
	if start >= len(updates) {
		return nil, nil
	}
	end := start + maxUpdates
	if end > len(updates) {
		end = len(updates)
	}
	body, err := clusterconfig.CanonicalJSON(updateTransaction{
		Network:   passphrase,
		Source:    req.Account,
		Sequence:  req.Sequence + 1,
		Fee:       req.Fee,
		MaxTime:   req.MaxTime,
		Timestamp: req.Timestamp,
		Updates:   updates[start:end],
	})
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(body)
	return &UpdateTx{
		Hash:        hex.EncodeToString(h[:]),
		HasMoreTxns: end < len(updates),
		MaxTime:     req.MaxTime,
		Body:        body,
	}, nil
}
