package server

import (
	"encoding/json"
	"flag"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/pricefeed-oracle/orchestrator/internal/testchain"
	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage/dbconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/configmgr"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) config.ApplicationConfiguration {
	cfg := config.Default().ApplicationConfiguration
	cfg.DefaultNodes = testchain.PubKeys(3)
	cfg.API.Addresses = []string{"localhost:0"}
	cfg.Networks = map[string]config.Network{
		testchain.Network: {URLs: []string{"http://localhost:1"}, Passphrase: "Test Network"},
	}
	return cfg
}

func getConfig(t *testing.T, n *node) configmgr.CurrentConfigs {
	resp, err := http.Get("http://" + n.api.Addresses()[0] + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res configmgr.CurrentConfigs
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func TestNodeStartShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBConfiguration = dbconfig.DBConfiguration{
		Type:          dbconfig.BoltDB,
		BoltDBOptions: dbconfig.BoltDBOptions{FilePath: filepath.Join(t.TempDir(), "orchestrator.bolt")},
	}
	errCh := make(chan error, 1)

	// The database is reopened by the second run.
	for i := 0; i < 2; i++ {
		n, err := newNode(cfg, zaptest.NewLogger(t), errCh)
		require.NoError(t, err)
		n.start()
		res := getConfig(t, n)
		require.Nil(t, res.CurrentConfig)
		require.Nil(t, res.PendingConfig)
		require.True(t, n.manager.HasNode(testchain.PubKey(0)))
		n.shutdown()
	}
	require.Empty(t, errCh)
}

func TestNodeErrors(t *testing.T) {
	t.Run("no default nodes", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DefaultNodes = nil
		_, err := newNode(cfg, zaptest.NewLogger(t), nil)
		require.ErrorIs(t, err, configmgr.ErrNoDefaultNodes)
	})

	t.Run("bad storage", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DBConfiguration.Type = "unknown"
		_, err := newNode(cfg, zaptest.NewLogger(t), nil)
		require.Error(t, err)
	})

	t.Run("bad network", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Networks["empty"] = config.Network{}
		_, err := newNode(cfg, zaptest.NewLogger(t), nil)
		require.Error(t, err)
	})
}

func TestStartServerErrors(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ContinueOnError)
		set.String("config-path", t.TempDir(), "")
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		require.Error(t, startServer(ctx))
	})

	t.Run("unexpected arguments", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ContinueOnError)
		require.NoError(t, set.Parse([]string{"something"}))
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		require.Error(t, startServer(ctx))
	})
}
