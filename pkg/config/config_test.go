package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage/dbconfig"
	"github.com/stretchr/testify/require"
)

const testConfigPath = "./testdata"

func TestLoad(t *testing.T) {
	cfg, err := Load(testConfigPath)
	require.NoError(t, err)
	a := cfg.ApplicationConfiguration
	require.Equal(t, "debug", a.LogLevel)
	require.Equal(t, dbconfig.LevelDB, a.DBConfiguration.Type)
	require.Equal(t, []string{":2112"}, a.Prometheus.GetAddresses())
	require.Equal(t, []string{"http://rpc1.local:8000", "http://rpc2.local:8000"}, a.Networks["testnet"].URLs)

	// Overridden values.
	require.Equal(t, time.Minute, a.Consensus.SyncInterval)
	require.Equal(t, 2*time.Second, a.Transport.PingInterval)
	require.True(t, a.Updater.SubmitTransactions)
	require.Equal(t, 30*time.Second, a.Statistics.Interval)

	// Defaults.
	require.Equal(t, DefaultErrorBackoff, a.Consensus.ErrorBackoff)
	require.Equal(t, uint64(DefaultBaseFee), a.Updater.BaseFee)
	require.Equal(t, DefaultAttempts, a.Updater.Attempts)
	require.Equal(t, DefaultPongTimeout, a.Transport.PongTimeout)
	require.Equal(t, DefaultNonceCacheSize, a.NonceCacheSize)
	require.Equal(t, DefaultStatisticsHistorySize, a.Statistics.HistorySize)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)

	for name, content := range map[string]string{
		"bad yaml":      "ApplicationConfiguration: [",
		"no networks":   "ApplicationConfiguration:\n  DefaultNodes: [a]\n  API:\n    Addresses: [':1']\n",
		"no passphrase": "ApplicationConfiguration:\n  DefaultNodes: [a]\n  API:\n    Addresses: [':1']\n  Networks:\n    n:\n      URLs: [http://a]\n",
		"no nodes":      "ApplicationConfiguration:\n  API:\n    Addresses: [':1']\n  Networks:\n    n:\n      URLs: [http://a]\n      Passphrase: p\n",
		"no api":        "ApplicationConfiguration:\n  DefaultNodes: [a]\n  Networks:\n    n:\n      URLs: [http://a]\n      Passphrase: p\n",
	} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), DefaultConfigFile)
			require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
			_, err := LoadFile(p)
			require.Error(t, err)
		})
	}
}

func TestEffectiveTransport(t *testing.T) {
	a := Default().ApplicationConfiguration
	require.Equal(t, DefaultRequestTimeout, a.EffectiveTransport().RequestTimeout)
	a.Debug = true
	tr := a.EffectiveTransport()
	require.Equal(t, DebugTimeout, tr.RequestTimeout)
	require.Equal(t, DebugTimeout, tr.PongTimeout)
	require.Equal(t, DefaultPingInterval, tr.PingInterval)
}
