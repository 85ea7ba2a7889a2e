package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage/dbconfig"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file name looked up by Load.
const DefaultConfigFile = "orchestrator.yml"

// Default values.
const (
	DefaultSyncInterval        = 2 * time.Minute
	DefaultErrorBackoff        = 5 * time.Second
	DefaultBroadcastDelay      = time.Second
	DefaultMinExpirationPeriod = 7 * 24 * time.Hour
	DefaultPendingDelay        = 3 * time.Minute

	DefaultBaseFee         = 10000000
	DefaultTxTimeout       = 20 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultAttempts        = 3
	DefaultMaxUpdatesPerTx = 8

	DefaultRequestTimeout        = 5 * time.Second
	DefaultPingInterval          = time.Second
	DefaultPongTimeout           = 500 * time.Millisecond
	DefaultCloseTimeout          = 5 * time.Second
	DefaultMaxConnectionsPerPeer = 3
	DefaultHandshakeRate         = 5
	DefaultHandshakeBurst        = 10
	DefaultMaxWebSocketClients   = 64

	DefaultNonceCacheSize = 1024

	DefaultStatisticsInterval    = 10 * time.Second
	DefaultStatisticsHistorySize = 100

	// DebugTimeout replaces request and pong timeouts in debug mode.
	DebugTimeout = time.Hour
)

// Config top level struct representing the config
// for the orchestrator.
type Config struct {
	ApplicationConfiguration ApplicationConfiguration `yaml:"ApplicationConfiguration"`
}

// Default returns the configuration with all defaults set.
func Default() Config {
	return Config{
		ApplicationConfiguration: ApplicationConfiguration{
			DBConfiguration: dbconfig.DBConfiguration{Type: dbconfig.InMemoryDB},
			API:             API{MaxWebSocketClients: DefaultMaxWebSocketClients},
			Consensus: Consensus{
				SyncInterval:        DefaultSyncInterval,
				ErrorBackoff:        DefaultErrorBackoff,
				BroadcastDelay:      DefaultBroadcastDelay,
				MinExpirationPeriod: DefaultMinExpirationPeriod,
				PendingDelay:        DefaultPendingDelay,
			},
			Updater: Updater{
				BaseFee:         DefaultBaseFee,
				TxTimeout:       DefaultTxTimeout,
				PollInterval:    DefaultPollInterval,
				Attempts:        DefaultAttempts,
				MaxUpdatesPerTx: DefaultMaxUpdatesPerTx,
			},
			Transport: Transport{
				RequestTimeout:        DefaultRequestTimeout,
				PingInterval:          DefaultPingInterval,
				PongTimeout:           DefaultPongTimeout,
				CloseTimeout:          DefaultCloseTimeout,
				MaxConnectionsPerPeer: DefaultMaxConnectionsPerPeer,
				HandshakeRate:         DefaultHandshakeRate,
				HandshakeBurst:        DefaultHandshakeBurst,
			},
			Statistics: Statistics{
				Interval:    DefaultStatisticsInterval,
				HistorySize: DefaultStatisticsHistorySize,
			},
			NonceCacheSize: DefaultNonceCacheSize,
		},
	}
}

// Load attempts to load the config from the default file in the given
// directory.
func Load(path string) (Config, error) {
	return LoadFile(filepath.Join(path, DefaultConfigFile))
}

// LoadFile loads config from the provided path.
func LoadFile(configPath string) (Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config '%s' doesn't exist", configPath)
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	config := Default()
	err = yaml.Unmarshal(configData, &config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks Config for errors.
func (c Config) Validate() error {
	a := c.ApplicationConfiguration
	if len(a.Networks) == 0 {
		return errors.New("no networks configured")
	}
	for name, n := range a.Networks {
		if len(n.URLs) == 0 {
			return fmt.Errorf("network %s: no RPC URLs", name)
		}
		if n.Passphrase == "" {
			return fmt.Errorf("network %s: no passphrase", name)
		}
	}
	if len(a.DefaultNodes) == 0 {
		return errors.New("no default nodes")
	}
	if len(a.API.Addresses) == 0 {
		return errors.New("no API addresses")
	}
	if a.Updater.Attempts < 1 {
		return errors.New("Updater.Attempts should be positive")
	}
	if a.Consensus.SyncInterval <= 0 {
		return errors.New("Consensus.SyncInterval should be positive")
	}
	return nil
}

// EffectiveTransport returns transport settings with debug mode applied.
func (a ApplicationConfiguration) EffectiveTransport() Transport {
	t := a.Transport
	if a.Debug {
		t.RequestTimeout = DebugTimeout
		t.PongTimeout = DebugTimeout
	}
	return t
}
