package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pricefeed-oracle/orchestrator/internal/testchain"
	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

type rpcHandler func(method string, params json.RawMessage) (any, *Error)

func newRPCServer(t *testing.T, h rpcHandler) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		res, rpcErr := h(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": JSONRPCVersion, "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = res
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBrokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(t *testing.T, upd config.Updater, urls ...string) *Gateway {
	g, err := New(map[string]config.Network{
		testchain.Network: {URLs: urls, Passphrase: "test passphrase"},
	}, upd, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestNewErrors(t *testing.T) {
	_, err := New(map[string]config.Network{"n": {}}, config.Updater{}, nil)
	require.Error(t, err)
	_, err = New(map[string]config.Network{"n": {URLs: []string{"not a url"}}}, config.Updater{}, nil)
	require.Error(t, err)
}

func TestGetAccountSequenceFailover(t *testing.T) {
	var hits atomic.Int32
	broken := newBrokenServer(t, &hits)
	good := newRPCServer(t, func(method string, params json.RawMessage) (any, *Error) {
		require.Equal(t, methodGetAccount, method)
		var p accountParams
		require.NoError(t, json.Unmarshal(params, &p))
		require.Equal(t, testchain.SystemAccount, p.Account)
		return accountResult{ID: p.Account, Sequence: "12345"}, nil
	})
	g := newTestGateway(t, config.Updater{}, broken.URL, good.URL)
	require.True(t, g.HasNetwork(testchain.Network))
	require.False(t, g.HasNetwork("other"))

	seq, err := g.GetAccountSequence(context.Background(), testchain.Network, testchain.SystemAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(12345), seq)
	require.Equal(t, int32(1), hits.Load())

	_, err = g.GetAccountSequence(context.Background(), "other", testchain.SystemAccount)
	require.Error(t, err)
}

func TestAllEndpointsFail(t *testing.T) {
	var hits atomic.Int32
	b1, b2 := newBrokenServer(t, &hits), newBrokenServer(t, &hits)
	rpcErr := newRPCServer(t, func(string, json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32600, Message: "invalid request"}
	})
	g := newTestGateway(t, config.Updater{}, b1.URL, b2.URL, rpcErr.URL)
	_, err := g.GetTransactionStatus(context.Background(), testchain.Network, "aa")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid request")
	require.Contains(t, err.Error(), "HTTP 502")
	require.Equal(t, int32(2), hits.Load())
}

func TestGetTransactionStatus(t *testing.T) {
	statuses := map[string]TxStatus{"s": TxSuccess, "f": TxFailed, "n": ""}
	srv := newRPCServer(t, func(method string, params json.RawMessage) (any, *Error) {
		var p transactionParams
		require.NoError(t, json.Unmarshal(params, &p))
		return transactionResult{Status: statuses[p.Hash]}, nil
	})
	g := newTestGateway(t, config.Updater{}, srv.URL)
	for hash, expected := range map[string]TxStatus{"s": TxSuccess, "f": TxFailed, "n": TxNotFound} {
		st, err := g.GetTransactionStatus(context.Background(), testchain.Network, hash)
		require.NoError(t, err)
		require.Equal(t, expected, st)
	}
}

func updateRequest(cur, next *clusterconfig.Config, batch int) UpdateTxRequest {
	return UpdateTxRequest{
		Network:   testchain.Network,
		Account:   testchain.SystemAccount,
		Sequence:  10,
		Fee:       100,
		MaxTime:   1700000020,
		Timestamp: 1700000000000,
		Current:   cur,
		Next:      next,
		Batch:     batch,
	}
}

func TestBuildUpdateTxBatches(t *testing.T) {
	cur := testchain.NewConfig(3)
	next := testchain.NewConfig(4)
	next.Contracts["CORACLE"].Period *= 2
	next.Contracts["CORACLE"].Fee = 7
	next.MinDate = 1000 // off-chain only

	g := newTestGateway(t, config.Updater{MaxUpdatesPerTx: 2}, "http://127.0.0.1:1")
	tx0, err := g.BuildUpdateTx(updateRequest(cur, next, 0))
	require.NoError(t, err)
	require.True(t, tx0.HasMoreTxns)
	require.Len(t, tx0.Hash, 64)

	var body updateTransaction
	require.NoError(t, json.Unmarshal(tx0.Body, &body))
	require.Equal(t, uint64(11), body.Sequence)
	require.Equal(t, "test passphrase", body.Network)
	require.Equal(t, []clusterconfig.Update{
		{Type: clusterconfig.UpdateNodes},
		{Type: clusterconfig.UpdatePeriod, ContractID: "CORACLE", Value: next.Contracts["CORACLE"].Period},
	}, body.Updates)

	// Deterministic.
	again, err := g.BuildUpdateTx(updateRequest(cur, next, 0))
	require.NoError(t, err)
	require.Equal(t, tx0.Hash, again.Hash)

	// Fee is a part of the hash.
	req := updateRequest(cur, next, 0)
	req.Fee *= 4
	pricier, err := g.BuildUpdateTx(req)
	require.NoError(t, err)
	require.NotEqual(t, tx0.Hash, pricier.Hash)

	tx1, err := g.BuildUpdateTx(updateRequest(cur, next, 1))
	require.NoError(t, err)
	require.False(t, tx1.HasMoreTxns)
	require.NotEqual(t, tx0.Hash, tx1.Hash)

	tx2, err := g.BuildUpdateTx(updateRequest(cur, next, 2))
	require.NoError(t, err)
	require.Nil(t, tx2)

	// Only off-chain changes.
	meta := cur.Copy()
	meta.MinDate = 5000
	tx, err := g.BuildUpdateTx(updateRequest(cur, meta, 0))
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestBuildAndSubmitUpdateTx(t *testing.T) {
	var sent atomic.String
	srv := newRPCServer(t, func(method string, params json.RawMessage) (any, *Error) {
		require.Equal(t, methodSendTransaction, method)
		var p sendParams
		require.NoError(t, json.Unmarshal(params, &p))
		sent.Store(p.Transaction)
		return sendResult{Status: "PENDING"}, nil
	})
	cur, next := testchain.NewConfig(3), testchain.NewConfig(4)

	passive := newTestGateway(t, config.Updater{}, srv.URL)
	tx, err := passive.BuildAndSubmitUpdateTx(context.Background(), updateRequest(cur, next, 0))
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Empty(t, sent.Load())

	active := newTestGateway(t, config.Updater{SubmitTransactions: true}, srv.URL)
	tx, err = active.BuildAndSubmitUpdateTx(context.Background(), updateRequest(cur, next, 0))
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString(tx.Body), sent.Load())
}

func TestSubmitRejected(t *testing.T) {
	srv := newRPCServer(t, func(string, json.RawMessage) (any, *Error) {
		return sendResult{Status: "ERROR", ErrorResultXdr: "txBadSeq"}, nil
	})
	g := newTestGateway(t, config.Updater{SubmitTransactions: true}, srv.URL)
	_, err := g.BuildAndSubmitUpdateTx(context.Background(), updateRequest(testchain.NewConfig(3), testchain.NewConfig(4), 0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "txBadSeq")
}
