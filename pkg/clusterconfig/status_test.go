package clusterconfig_test

import (
	"testing"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/stretchr/testify/require"
)

func TestMajority(t *testing.T) {
	for n, expected := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 7: 4} {
		require.Equal(t, expected, clusterconfig.Majority(n), "nodes: %d", n)
	}
}

func sigs(accepted, rejected int) []clusterconfig.Signature {
	var res []clusterconfig.Signature
	for i := 0; i < accepted; i++ {
		res = append(res, clusterconfig.Signature{PubKey: "a" + string(rune('0'+i))})
	}
	for i := 0; i < rejected; i++ {
		res = append(res, clusterconfig.Signature{PubKey: "r" + string(rune('0'+i)), Rejected: true})
	}
	return res
}

func TestComputeUpdateStatus(t *testing.T) {
	testCases := []struct {
		name     string
		accepted int
		rejected int
		nodes    int
		init     bool
		expected clusterconfig.Status
	}{
		{"single node init", 1, 0, 1, true, clusterconfig.StatusApplied},
		{"majority pending", 2, 0, 3, false, clusterconfig.StatusPending},
		{"majority init", 2, 0, 3, true, clusterconfig.StatusApplied},
		{"not enough yet", 1, 0, 3, false, clusterconfig.StatusVoting},
		{"two nodes need both", 1, 0, 2, true, clusterconfig.StatusVoting},
		{"rejected by majority", 0, 3, 5, false, clusterconfig.StatusRejected},
		{"unreachable majority", 1, 2, 4, false, clusterconfig.StatusRejected},
		{"still reachable", 1, 1, 4, false, clusterconfig.StatusVoting},
		{"accept wins over remaining rejects", 3, 2, 5, false, clusterconfig.StatusPending},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actual := clusterconfig.ComputeUpdateStatus(sigs(tc.accepted, tc.rejected), tc.nodes, tc.init)
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestNodeSignatures(t *testing.T) {
	all := []clusterconfig.Signature{
		{PubKey: "a"},
		{PubKey: "x"},
		{PubKey: "b", Rejected: true},
		{PubKey: "y"},
	}
	res := clusterconfig.NodeSignatures(all, []string{"a", "b", "c"})
	require.Equal(t, []clusterconfig.Signature{{PubKey: "a"}, {PubKey: "b", Rejected: true}}, res)
	require.Empty(t, clusterconfig.NodeSignatures(all, nil))

	// Outsiders can't push a proposal over the majority.
	require.Equal(t, clusterconfig.StatusPending, clusterconfig.ComputeUpdateStatus(all[:2], 3, false))
	require.Equal(t, clusterconfig.StatusVoting,
		clusterconfig.ComputeUpdateStatus(clusterconfig.NodeSignatures(all[:2], []string{"a", "b", "c"}), 3, false))
}

func TestCanTransition(t *testing.T) {
	require.True(t, clusterconfig.CanTransition(clusterconfig.StatusVoting, clusterconfig.StatusPending))
	require.True(t, clusterconfig.CanTransition(clusterconfig.StatusVoting, clusterconfig.StatusApplied))
	require.True(t, clusterconfig.CanTransition(clusterconfig.StatusVoting, clusterconfig.StatusRejected))
	require.True(t, clusterconfig.CanTransition(clusterconfig.StatusPending, clusterconfig.StatusApplied))
	require.True(t, clusterconfig.CanTransition(clusterconfig.StatusApplied, clusterconfig.StatusReplaced))
	require.True(t, clusterconfig.CanTransition(clusterconfig.StatusPending, clusterconfig.StatusPending))

	require.False(t, clusterconfig.CanTransition(clusterconfig.StatusPending, clusterconfig.StatusVoting))
	require.False(t, clusterconfig.CanTransition(clusterconfig.StatusRejected, clusterconfig.StatusApplied))
	require.False(t, clusterconfig.CanTransition(clusterconfig.StatusReplaced, clusterconfig.StatusApplied))
	require.False(t, clusterconfig.CanTransition(clusterconfig.StatusApplied, clusterconfig.StatusRejected))
}

func TestTimestamps(t *testing.T) {
	require.Equal(t, int64(240000), clusterconfig.NormalizeTimestamp(250000, 120000))
	require.Equal(t, int64(250000), clusterconfig.NormalizeTimestamp(250000, 0))
	require.True(t, clusterconfig.IsTimestampValid(5000, 1000))
	require.False(t, clusterconfig.IsTimestampValid(5001, 1000))
}
