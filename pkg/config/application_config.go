package config

import (
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage/dbconfig"
)

// ApplicationConfiguration config specific to the orchestrator.
type ApplicationConfiguration struct {
	Logger `yaml:",inline"`

	// Debug extends request and pong timeouts for step-by-step debugging.
	Debug           bool                     `yaml:"Debug"`
	DBConfiguration dbconfig.DBConfiguration `yaml:"DBConfiguration"`
	API             API                      `yaml:"API"`
	Pprof           BasicService             `yaml:"Pprof"`
	Prometheus      BasicService             `yaml:"Prometheus"`
	// DefaultNodes is the initial cluster used until the first config is
	// applied.
	DefaultNodes []string           `yaml:"DefaultNodes"`
	Networks     map[string]Network `yaml:"Networks"`
	Consensus    Consensus          `yaml:"Consensus"`
	Updater      Updater            `yaml:"Updater"`
	Transport    Transport          `yaml:"Transport"`
	Statistics   Statistics         `yaml:"Statistics"`
	// NonceCacheSize is the number of per-node nonces kept in memory.
	NonceCacheSize int `yaml:"NonceCacheSize"`
}

// Logger contains node logger configuration.
type Logger struct {
	LogLevel      string `yaml:"LogLevel"`
	LogPath       string `yaml:"LogPath"`
	LogMaxSizeMB  int    `yaml:"LogMaxSizeMB"`
	LogMaxBackups int    `yaml:"LogMaxBackups"`
	LogMaxAgeDays int    `yaml:"LogMaxAgeDays"`
}

// API is the HTTP API service configuration.
type API struct {
	Addresses            []string `yaml:"Addresses"`
	MaxWebSocketClients  int      `yaml:"MaxWebSocketClients"`
	EnableCORSWorkaround bool     `yaml:"EnableCORSWorkaround"`
}

// Network describes a blockchain network the cluster can operate on.
type Network struct {
	URLs       []string `yaml:"URLs"`
	Passphrase string   `yaml:"Passphrase"`
}

// Consensus configures the reconciliation loop.
type Consensus struct {
	// SyncInterval is the wake up grid of the reconciliation loop.
	SyncInterval time.Duration `yaml:"SyncInterval"`
	// ErrorBackoff is the delay used while a proposal is being voted.
	ErrorBackoff time.Duration `yaml:"ErrorBackoff"`
	// BroadcastDelay postpones node notification after state changes.
	BroadcastDelay      time.Duration `yaml:"BroadcastDelay"`
	MinExpirationPeriod time.Duration `yaml:"MinExpirationPeriod"`
	// PendingDelay is added to the aligned min date to get the default
	// effective time of an accepted proposal.
	PendingDelay time.Duration `yaml:"PendingDelay"`
}

// Updater configures on-chain update submission.
type Updater struct {
	BaseFee      uint64        `yaml:"BaseFee"`
	TxTimeout    time.Duration `yaml:"TxTimeout"`
	PollInterval time.Duration `yaml:"PollInterval"`
	Attempts     int           `yaml:"Attempts"`
	// MaxUpdatesPerTx limits the number of config updates packed into
	// a single transaction.
	MaxUpdatesPerTx int `yaml:"MaxUpdatesPerTx"`
	// SubmitTransactions makes the orchestrator send built transactions
	// itself instead of only tracking the ones sent by nodes.
	SubmitTransactions bool `yaml:"SubmitTransactions"`
}

// Transport configures node channels.
type Transport struct {
	RequestTimeout        time.Duration `yaml:"RequestTimeout"`
	PingInterval          time.Duration `yaml:"PingInterval"`
	PongTimeout           time.Duration `yaml:"PongTimeout"`
	CloseTimeout          time.Duration `yaml:"CloseTimeout"`
	MaxConnectionsPerPeer int           `yaml:"MaxConnectionsPerPeer"`
	// HandshakeRate is the number of connections per second accepted from a
	// single remote address, HandshakeBurst is the bucket size.
	HandshakeRate  float64 `yaml:"HandshakeRate"`
	HandshakeBurst int     `yaml:"HandshakeBurst"`
}

// Statistics configures node telemetry collection.
type Statistics struct {
	// Interval between statistics requests to nodes, zero disables
	// collection.
	Interval time.Duration `yaml:"Interval"`
	// HistorySize is the number of collection rounds kept in memory.
	HistorySize int `yaml:"HistorySize"`
}
