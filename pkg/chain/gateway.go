/*
Package chain implements blockchain RPC access used by the orchestrator:
account and transaction queries and config update transactions. Every call
fails over across all RPC endpoints configured for the network.
*/
package chain

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type network struct {
	passphrase string
	clients    []*client
}

// Gateway is a multi-network, multi-endpoint RPC client.
type Gateway struct {
	log        *zap.Logger
	networks   map[string]*network
	maxUpdates int
	submit     bool
}

// New creates a Gateway for the given networks.
func New(networks map[string]config.Network, cfg config.Updater, log *zap.Logger) (*Gateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		log:        log.With(zap.String("service", "chain")),
		networks:   make(map[string]*network, len(networks)),
		maxUpdates: cfg.MaxUpdatesPerTx,
		submit:     cfg.SubmitTransactions,
	}
	for name, n := range networks {
		if len(n.URLs) == 0 {
			return nil, fmt.Errorf("network %s has no RPC endpoints", name)
		}
		nw := &network{passphrase: n.Passphrase}
		for _, u := range n.URLs {
			c, err := newClient(u, cfg.TxTimeout)
			if err != nil {
				return nil, fmt.Errorf("network %s: %w", name, err)
			}
			nw.clients = append(nw.clients, c)
		}
		g.networks[name] = nw
	}
	return g, nil
}

// HasNetwork checks whether the network is configured.
func (g *Gateway) HasNetwork(name string) bool {
	_, ok := g.networks[name]
	return ok
}

func (g *Gateway) network(name string) (*network, error) {
	n, ok := g.networks[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %s", name)
	}
	return n, nil
}

// call tries endpoints in order until one succeeds.
func (g *Gateway) call(ctx context.Context, netName string, method string, p any, v any) error {
	n, err := g.network(netName)
	if err != nil {
		return err
	}
	var errs error
	for _, c := range n.clients {
		err := c.performRequest(ctx, method, p, v)
		if err == nil {
			return nil
		}
		g.log.Warn("RPC request failed",
			zap.String("endpoint", c.endpoint.String()),
			zap.String("method", method),
			zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.endpoint, err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%s failed on all endpoints: %w", method, errs)
}

// GetAccountSequence returns the current sequence number of the account.
func (g *Gateway) GetAccountSequence(ctx context.Context, netName string, account string) (uint64, error) {
	var res accountResult
	if err := g.call(ctx, netName, methodGetAccount, accountParams{Account: account}, &res); err != nil {
		return 0, err
	}
	seq, err := strconv.ParseUint(res.Sequence, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid account sequence %q: %w", res.Sequence, err)
	}
	return seq, nil
}

// GetTransactionStatus returns the status of the transaction.
func (g *Gateway) GetTransactionStatus(ctx context.Context, netName string, hash string) (TxStatus, error) {
	var res transactionResult
	if err := g.call(ctx, netName, methodGetTransaction, transactionParams{Hash: hash}, &res); err != nil {
		return "", err
	}
	if res.Status == "" {
		res.Status = TxNotFound
	}
	return res.Status, nil
}

// BuildUpdateTx builds the next update transaction without sending it. nil
// is returned when there is nothing to submit.
func (g *Gateway) BuildUpdateTx(req UpdateTxRequest) (*UpdateTx, error) {
	n, err := g.network(req.Network)
	if err != nil {
		return nil, err
	}
	return buildUpdateTx(n.passphrase, g.maxUpdates, req)
}

// BuildAndSubmitUpdateTx builds the next update transaction and, if enabled,
// sends it to the network. Nodes send the same transaction independently,
// so duplicates are fine.
func (g *Gateway) BuildAndSubmitUpdateTx(ctx context.Context, req UpdateTxRequest) (*UpdateTx, error) {
	tx, err := g.BuildUpdateTx(req)
	if err != nil || tx == nil || !g.submit {
		return tx, err
	}
	var res sendResult
	err = g.call(ctx, req.Network, methodSendTransaction,
		sendParams{Transaction: base64.StdEncoding.EncodeToString(tx.Body)}, &res)
	if err != nil {
		return nil, err
	}
	if res.Status == "ERROR" {
		return nil, fmt.Errorf("transaction %s rejected: %s", tx.Hash, res.ErrorResultXdr)
	}
	g.log.Debug("update transaction sent",
		zap.String("hash", tx.Hash),
		zap.String("status", res.Status),
		zap.Uint64("fee", req.Fee),
		zap.Int64("maxTime", req.MaxTime),
		zap.Bool("hasMoreTxns", tx.HasMoreTxns))
	return tx, nil
}

// Close releases idle connections.
func (g *Gateway) Close() {
	for _, n := range g.networks {
		for _, c := range n.clients {
			c.close()
		}
	}
}
