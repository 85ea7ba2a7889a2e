/*
Package testchain provides a deterministic test cluster: node keys, configs
and signed envelopes.
*/
package testchain

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
	"github.com/stretchr/testify/require"
)

// Network is the network name used by test configs.
const Network = "testnet"

// SystemAccount is the system account of test configs.
const SystemAccount = "GSYSTEMACCOUNTTEST"

// PrivateKey returns private key of node #i.
func PrivateKey(i int) *keys.PrivateKey {
	priv, err := keys.NewPrivateKeyFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
	if err != nil {
		panic(err)
	}
	return priv
}

// PubKey returns base58 public key of node #i.
func PubKey(i int) string {
	return PrivateKey(i).PublicKey().String()
}

// PubKeys returns keys of the first n nodes.
func PubKeys(n int) []string {
	res := make([]string, n)
	for i := range res {
		res[i] = PubKey(i)
	}
	return res
}

// NewConfig returns a valid config with n nodes and a single oracle contract.
func NewConfig(n int) *clusterconfig.Config {
	nodes := make(map[string]*clusterconfig.Node, n)
	for i := 0; i < n; i++ {
		k := PubKey(i)
		nodes[k] = &clusterconfig.Node{
			PubKey: k,
			URL:    fmt.Sprintf("ws://node%d.local:30347", i),
			Domain: fmt.Sprintf("node%d.local", i),
		}
	}
	return &clusterconfig.Config{
		SystemAccount: SystemAccount,
		Network:       Network,
		ClusterSecret: "secret",
		Contracts: map[string]*clusterconfig.Contract{
			"CORACLE": {
				ContractID: "CORACLE",
				Admin:      "GADMIN",
				Type:       clusterconfig.ContractOracle,
				DataSource: "exchanges",
				BaseAsset:  &clusterconfig.Asset{Type: 2, Code: "USD"},
				Decimals:   14,
				Assets: []clusterconfig.Asset{
					{Type: 2, Code: "BTC"},
					{Type: 2, Code: "ETH"},
				},
				Timeframe: 300000,
				Period:    86400000,
			},
		},
		Nodes: nodes,
	}
}

// Sign signs cfg by node #i.
func Sign(t testing.TB, cfg *clusterconfig.Config, i int, nonce uint64, rejected bool) clusterconfig.Signature {
	s, err := cfg.Sign(PrivateKey(i), nonce, rejected)
	require.NoError(t, err)
	return s
}

// NewEnvelope returns an envelope for cfg signed by node #i.
func NewEnvelope(t testing.TB, cfg *clusterconfig.Config, i int, nonce uint64, expiration int64) *clusterconfig.Envelope {
	return &clusterconfig.Envelope{
		Config:         cfg,
		Signatures:     []clusterconfig.Signature{Sign(t, cfg, i, nonce, false)},
		ExpirationDate: expiration,
	}
}
