package clusterconfig_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pricefeed-oracle/orchestrator/internal/testchain"
	"github.com/pricefeed-oracle/orchestrator/internal/testserdes"
	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	data, err := clusterconfig.CanonicalJSON(map[string]any{"b": 1, "a": map[string]any{"d": 2, "c": []int{3}}})
	require.NoError(t, err)
	require.Equal(t, `{"a":{"c":[3],"d":2},"b":1}`, string(data))

	type s struct {
		Z string `json:"z"`
		A uint64 `json:"a"`
	}
	data, err = clusterconfig.CanonicalJSON(s{Z: "x", A: 18446744073709551615})
	require.NoError(t, err)
	require.Equal(t, `{"a":18446744073709551615,"z":"x"}`, string(data))
}

func TestConfigIssues(t *testing.T) {
	cfg := testchain.NewConfig(3)
	require.Empty(t, cfg.Issues())
	require.True(t, cfg.IsValid())

	bad := cfg.Copy()
	bad.SystemAccount = ""
	bad.WasmHash = "abc"
	bad.Contracts["CORACLE"].Assets = append(bad.Contracts["CORACLE"].Assets, bad.Contracts["CORACLE"].Assets[0])
	bad.Contracts["CORACLE"].Period = 0
	bad.Nodes[testchain.PubKey(0)].PubKey = testchain.PubKey(1)
	issues := bad.Issues()
	require.Contains(t, issues, "systemAccount is not defined")
	require.Contains(t, issues, "wasmHash is invalid")
	require.Contains(t, issues, "contract CORACLE: duplicate asset BTC")
	require.Contains(t, issues, "contract CORACLE: period should be positive")
	require.Contains(t, issues, "node "+testchain.PubKey(0)+": pubkey mismatch")

	// Copy is deep, the original is untouched.
	require.True(t, cfg.IsValid())

	empty := &clusterconfig.Config{}
	require.Contains(t, empty.Issues(), "nodes are not defined")
}

func TestConfigHash(t *testing.T) {
	cfg := testchain.NewConfig(3)
	h1, err := cfg.Hash()
	require.NoError(t, err)

	env := testchain.NewEnvelope(t, cfg, 0, 1, 1000)
	h2, err := env.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	// Envelope metadata doesn't affect the hash.
	env.Status = clusterconfig.StatusPending
	env.Timestamp = 12345
	env.Signatures = append(env.Signatures, testchain.Sign(t, cfg, 1, 1, true))
	h3, err := env.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h3)

	// Payload changes do.
	other := cfg.Copy()
	other.Contracts["CORACLE"].Period++
	h4, err := other.Hash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h4)
	require.False(t, cfg.Equal(other))
	require.True(t, cfg.Equal(cfg.Copy()))
}

func TestSignatures(t *testing.T) {
	cfg := testchain.NewConfig(3)
	s := testchain.Sign(t, cfg, 1, 42, false)
	require.Equal(t, testchain.PubKey(1), s.PubKey)
	require.NoError(t, cfg.VerifySignature(s))

	rejected := testchain.Sign(t, cfg, 1, 43, true)
	require.NoError(t, cfg.VerifySignature(rejected))

	// Flipping any signed field breaks the signature.
	s.Nonce++
	var verr *clusterconfig.ValidationError
	require.True(t, errors.As(cfg.VerifySignature(s), &verr))
	rejected.Rejected = false
	require.Error(t, cfg.VerifySignature(rejected))

	other := cfg.Copy()
	other.MinDate = 1000
	require.Error(t, other.VerifySignature(testchain.Sign(t, cfg, 0, 1, false)))

	require.Error(t, cfg.VerifySignature(clusterconfig.Signature{PubKey: "bad"}))
}

func TestEnvelopeJSON(t *testing.T) {
	cfg := testchain.NewConfig(2)
	env := testchain.NewEnvelope(t, cfg, 0, 1, 1000)
	env.Status = clusterconfig.StatusVoting
	env.Description = "initial"
	testserdes.MarshalUnmarshalJSON(t, env, new(clusterconfig.Envelope))

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "voting", raw["status"])
	require.Contains(t, raw, "expirationDate")
}

func TestEnvelopeRedacted(t *testing.T) {
	cfg := testchain.NewConfig(2)
	env := testchain.NewEnvelope(t, cfg, 0, 1, 1000)
	red := env.Redacted()
	require.Empty(t, red.Config.ClusterSecret)
	for _, n := range red.Config.Nodes {
		require.Empty(t, n.URL)
		require.NotEmpty(t, n.Domain)
	}
	require.Equal(t, "secret", env.Config.ClusterSecret)
	for _, n := range env.Config.Nodes {
		require.NotEmpty(t, n.URL)
	}
}

func TestEnvelopeHelpers(t *testing.T) {
	cfg := testchain.NewConfig(3)
	env := testchain.NewEnvelope(t, cfg, 0, 1, 1000)
	require.Equal(t, testchain.PubKey(0), env.GetInitiator())
	require.Equal(t, 0, env.SignatureIndex(testchain.PubKey(0)))
	require.Equal(t, -1, env.SignatureIndex(testchain.PubKey(1)))
	require.True(t, env.IsPayloadEqual(testchain.NewEnvelope(t, cfg.Copy(), 1, 5, 2000)))

	nodes := testchain.PubKeys(3)
	require.False(t, env.AllSignaturesPresent(nodes, nodes))
	env.Signatures = append(env.Signatures, testchain.Sign(t, cfg, 1, 1, false), testchain.Sign(t, cfg, 2, 1, true))
	require.False(t, env.AllSignaturesPresent(nodes, nodes))
	env.Signatures[2] = testchain.Sign(t, cfg, 2, 2, false)
	require.True(t, env.AllSignaturesPresent(nodes, nodes))
	require.False(t, env.AllSignaturesPresent(nodes, testchain.PubKeys(4)))

	require.NoError(t, env.Validate())
	env.ExpirationDate = 0
	require.Error(t, env.Validate())
}
