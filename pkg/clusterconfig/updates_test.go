package clusterconfig_test

import (
	"testing"

	"github.com/pricefeed-oracle/orchestrator/internal/testchain"
	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdates(t *testing.T) {
	cur := testchain.NewConfig(3)

	t.Run("no changes", func(t *testing.T) {
		updates, err := clusterconfig.BuildUpdates(cur, cur.Copy())
		require.NoError(t, err)
		require.Empty(t, updates)
	})
	t.Run("node url only", func(t *testing.T) {
		next := cur.Copy()
		next.Nodes[testchain.PubKey(0)].URL = "ws://moved.local:1"
		updates, err := clusterconfig.BuildUpdates(cur, next)
		require.NoError(t, err)
		require.Equal(t, []clusterconfig.Update{{Type: clusterconfig.UpdateNetworkMeta}}, updates)
		require.False(t, clusterconfig.HasBlockchainUpdates(updates))
	})
	t.Run("node added", func(t *testing.T) {
		next := testchain.NewConfig(4)
		updates, err := clusterconfig.BuildUpdates(cur, next)
		require.NoError(t, err)
		require.Equal(t, []clusterconfig.Update{{Type: clusterconfig.UpdateNodes}}, updates)
		require.True(t, clusterconfig.HasBlockchainUpdates(updates))
	})
	t.Run("contract changes", func(t *testing.T) {
		next := cur.Copy()
		c := next.Contracts["CORACLE"]
		c.Period *= 2
		c.Fee = 5
		c.Assets = append(c.Assets, clusterconfig.Asset{Type: 2, Code: "XLM"})
		next.WasmHash = "aa00000000000000000000000000000000000000000000000000000000000000"
		added := *c
		added.ContractID = "CNEW"
		next.Contracts["CNEW"] = &added
		updates, err := clusterconfig.BuildUpdates(cur, next)
		require.NoError(t, err)
		require.Equal(t, []clusterconfig.Update{
			{Type: clusterconfig.UpdateWasm},
			{Type: clusterconfig.UpdateContracts, ContractID: "CNEW"},
			{Type: clusterconfig.UpdateAssets, ContractID: "CORACLE", Assets: []clusterconfig.Asset{{Type: 2, Code: "XLM"}}},
			{Type: clusterconfig.UpdatePeriod, ContractID: "CORACLE", Value: c.Period},
			{Type: clusterconfig.UpdateFee, ContractID: "CORACLE", Value: 5},
		}, updates)
	})
	t.Run("contract removed and meta", func(t *testing.T) {
		next := cur.Copy()
		delete(next.Contracts, "CORACLE")
		next.MinDate = 1000
		updates, err := clusterconfig.BuildUpdates(cur, next)
		require.NoError(t, err)
		require.Equal(t, []clusterconfig.Update{
			{Type: clusterconfig.UpdateContractRemoved, ContractID: "CORACLE"},
			{Type: clusterconfig.UpdateNetworkMeta},
		}, updates)
	})
	t.Run("invalid changes", func(t *testing.T) {
		next := cur.Copy()
		next.Network = "other"
		_, err := clusterconfig.BuildUpdates(cur, next)
		require.Error(t, err)

		next = cur.Copy()
		next.Contracts["CORACLE"].Decimals = 7
		_, err = clusterconfig.BuildUpdates(cur, next)
		require.Error(t, err)

		next = cur.Copy()
		next.Contracts["CORACLE"].Assets = next.Contracts["CORACLE"].Assets[:1]
		_, err = clusterconfig.BuildUpdates(cur, next)
		require.Error(t, err)

		next = cur.Copy()
		next.Contracts["CORACLE"].Assets[0].Code = "LTC"
		_, err = clusterconfig.BuildUpdates(cur, next)
		require.Error(t, err)
	})
}
