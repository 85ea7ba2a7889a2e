/*
Package configmgr implements the cluster configuration consensus engine. It
owns the current and pending envelopes, accepts signed proposals and votes
and runs the reconciliation loop that expires, schedules and applies
accepted configurations.
*/
package configmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/pricefeed-oracle/orchestrator/pkg/configstore"
	"github.com/pricefeed-oracle/orchestrator/pkg/network/ws"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/updater"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Public notification events.
const (
	EventConfigCreated = "config-created"
	EventConfigUpdated = "config-updated"
	EventUpdate        = "update"
	EventConfigApplied = "config-applied"
)

var (
	// ErrInvalidStoredConfig is returned by Init when the stored current or
	// pending config is broken. The service can't operate until it's fixed.
	ErrInvalidStoredConfig = errors.New("invalid stored config")
	// ErrNoDefaultNodes is returned by Init when there is no applied config
	// and no default nodes to start with.
	ErrNoDefaultNodes = errors.New("default nodes are not defined")
)

type (
	// Store is the durable envelope storage.
	Store interface {
		FindByStatus(statuses ...clusterconfig.Status) (*clusterconfig.Envelope, error)
		FindPaged(f configstore.Filter, page, pageSize int) ([]*clusterconfig.Envelope, error)
		Create(e *clusterconfig.Envelope) (uint64, error)
		Update(id uint64, u configstore.Update) (*clusterconfig.Envelope, error)
		Transition(changes ...configstore.StatusChange) error
	}

	// Submitter applies config changes on chain.
	Submitter interface {
		WaitForConfirmation(ctx context.Context, job updater.Job, syncTimestamp int64) (updater.Result, error)
	}

	// Notifier delivers messages to connected channels.
	Notifier interface {
		Broadcast(ctx context.Context, msg *ws.Message, types ...ws.ChannelType) error
		BroadcastToNodes(msg *ws.Message) error
		SendToNode(pubkey string, msg *ws.Message) error
		RemoveByPubkey(pubkey string)
	}

	// Config is the Manager configuration.
	Config struct {
		Consensus    config.Consensus
		DefaultNodes []string
		Store        Store
		Submitter    Submitter
		Notifier     Notifier
		Log          *zap.Logger
	}

	// Manager is the configuration consensus engine. It's the only writer
	// of the current and pending envelopes.
	Manager struct {
		log          *zap.Logger
		cfg          config.Consensus
		defaultNodes []string
		store        Store
		submitter    Submitter
		notifier     Notifier
		clock        func() time.Time

		lock    sync.RWMutex
		current *clusterconfig.Envelope
		pending *clusterconfig.Envelope

		// sweepLock serializes reconciliation runs.
		sweepLock sync.Mutex

		bcastLock  sync.Mutex
		bcastTimer *time.Timer

		started atomic.Bool
		ctx     context.Context
		cancel  context.CancelFunc
		quit    chan struct{}
		done    chan struct{}
	}

	// ConfigMessage is the data of ws.ConfigType messages sent to nodes.
	ConfigMessage struct {
		CurrentConfig *clusterconfig.Envelope `json:"currentConfig,omitempty"`
		PendingConfig *clusterconfig.Envelope `json:"pendingConfig,omitempty"`
	}

	// Notification is the data of ws.NotificationType messages.
	Notification struct {
		Event    string                  `json:"event"`
		Envelope *clusterconfig.Envelope `json:"envelope,omitempty"`
	}

	// ConfigInfo is an envelope with its payload hash.
	ConfigInfo struct {
		Config *clusterconfig.Envelope `json:"config"`
		Hash   string                  `json:"hash"`
	}

	// CurrentConfigs contains the current and the pending envelopes.
	CurrentConfigs struct {
		CurrentConfig *ConfigInfo `json:"currentConfig"`
		PendingConfig *ConfigInfo `json:"pendingConfig"`
	}

	// HistoryQuery selects envelopes for History.
	HistoryQuery struct {
		configstore.Filter
		Page     int
		PageSize int
	}
)

// New creates a Manager. Init must be called before use.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("no store")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("no notifier")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("no submitter")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := cfg.Consensus
	if c.SyncInterval <= 0 {
		c.SyncInterval = config.DefaultSyncInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = config.DefaultErrorBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:          log.With(zap.String("service", "configmgr")),
		cfg:          c,
		defaultNodes: append([]string(nil), cfg.DefaultNodes...),
		store:        cfg.Store,
		submitter:    cfg.Submitter,
		notifier:     cfg.Notifier,
		clock:        time.Now,
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Name returns service name.
func (m *Manager) Name() string {
	return "configmgr"
}

// Init loads the current and the pending envelopes from the store.
func (m *Manager) Init() error {
	current, err := m.store.FindByStatus(clusterconfig.StatusApplied)
	if err != nil {
		return fmt.Errorf("failed to load current config: %w", err)
	}
	pending, err := m.store.FindByStatus(clusterconfig.StatusVoting, clusterconfig.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to load pending config: %w", err)
	}
	for _, e := range []*clusterconfig.Envelope{current, pending} {
		if e == nil {
			continue
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: envelope %d: %v", ErrInvalidStoredConfig, e.ID, err)
		}
	}
	if current == nil && len(m.defaultNodes) == 0 {
		return ErrNoDefaultNodes
	}

	m.lock.Lock()
	m.current, m.pending = current, pending
	m.lock.Unlock()

	fields := []zap.Field{zap.Bool("current", current != nil)}
	if pending != nil {
		fields = append(fields, zap.Uint64("pending", pending.ID), zap.String("status", string(pending.Status)))
	}
	m.log.Info("config state loaded", fields...)
	return nil
}

// Start runs the reconciliation loop in a separate goroutine. Subsequent
// calls are no-op.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.log.Info("starting reconciliation loop", zap.Duration("interval", m.cfg.SyncInterval))
	go m.run()
}

// Shutdown stops the loop and waits for it to exit.
// Scheduled broadcasts are dropped.
func (m *Manager) Shutdown() {
	m.bcastLock.Lock()
	if m.bcastTimer != nil {
		m.bcastTimer.Stop()
	}
	m.bcastLock.Unlock()
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	m.log.Info("stopping reconciliation loop")
	m.cancel()
	close(m.quit)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	syncTs := clusterconfig.NormalizeTimestamp(m.now(), m.syncPeriod())
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-timer.C:
			var wait time.Duration
			syncTs, wait = m.ProcessPending(m.ctx, syncTs)
			timer.Reset(wait)
		}
	}
}

func (m *Manager) now() int64 {
	return m.clock().UnixMilli()
}

func (m *Manager) syncPeriod() int64 {
	return m.cfg.SyncInterval.Milliseconds()
}

// AllNodePubkeys returns nodes of the current config or the default ones.
func (m *Manager) AllNodePubkeys() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.allNodePubkeys()
}

func (m *Manager) allNodePubkeys() []string {
	if m.current != nil {
		return m.current.Config.NodePubkeys()
	}
	return append([]string(nil), m.defaultNodes...)
}

// HasNode checks whether the key belongs to a cluster node.
func (m *Manager) HasNode(pubkey string) bool {
	for _, k := range m.AllNodePubkeys() {
		if k == pubkey {
			return true
		}
	}
	return false
}

// Current returns a copy of the applied envelope or nil.
func (m *Manager) Current() *clusterconfig.Envelope {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.current.Copy()
}

// Pending returns a copy of the envelope being voted or scheduled, or nil.
func (m *Manager) Pending() *clusterconfig.Envelope {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.pending.Copy()
}

// GetCurrentAndPending returns both envelopes with their hashes, private
// fields are removed if redact is set.
func (m *Manager) GetCurrentAndPending(redact bool) (CurrentConfigs, error) {
	m.lock.RLock()
	current, pending := m.current.Copy(), m.pending.Copy()
	m.lock.RUnlock()

	var (
		res CurrentConfigs
		err error
	)
	if res.CurrentConfig, err = configInfo(current, redact); err != nil {
		return res, err
	}
	if res.PendingConfig, err = configInfo(pending, redact); err != nil {
		return res, err
	}
	return res, nil
}

func configInfo(e *clusterconfig.Envelope, redact bool) (*ConfigInfo, error) {
	if e == nil {
		return nil, nil
	}
	h, err := e.Hash()
	if err != nil {
		return nil, err
	}
	if redact {
		e = e.Redacted()
	}
	return &ConfigInfo{Config: e, Hash: h}, nil
}

// History returns stored envelopes newest first.
func (m *Manager) History(q HistoryQuery, redact bool) ([]*clusterconfig.Envelope, error) {
	if q.Status != "" && !q.Status.IsKnown() {
		return nil, clusterconfig.NewValidationError("unknown status %q", q.Status)
	}
	page, pageSize := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = configstore.DefaultPageSize
	}
	res, err := m.store.FindPaged(q.Filter, page, pageSize)
	if err != nil {
		return nil, err
	}
	if redact {
		for i := range res {
			res[i] = res[i].Redacted()
		}
	}
	return res, nil
}

// ConfigMessage returns the message pushed to nodes. Proposals still being
// voted are not included. Unless full is set the cluster secret and node
// URLs are removed.
func (m *Manager) ConfigMessage(full bool) (*ws.Message, error) {
	copyFn := (*clusterconfig.Envelope).Redacted
	if full {
		copyFn = (*clusterconfig.Envelope).Copy
	}
	m.lock.RLock()
	data := ConfigMessage{CurrentConfig: copyFn(m.current)}
	if m.pending != nil && m.pending.Status == clusterconfig.StatusPending {
		data.PendingConfig = copyFn(m.pending)
	}
	m.lock.RUnlock()
	return ws.NewMessage(ws.ConfigType, data)
}

// NotifyNode sends the config message to the node.
func (m *Manager) NotifyNode(pubkey string) {
	msg, err := m.ConfigMessage(true)
	if err == nil {
		err = m.notifier.SendToNode(pubkey, msg)
	}
	if err != nil {
		m.log.Warn("failed to notify node about config", zap.String("pubkey", pubkey), zap.Error(err))
	}
}

// scheduleBroadcast sends the config message to all nodes after
// BroadcastDelay. Calls within the delay are merged into one broadcast.
func (m *Manager) scheduleBroadcast() {
	m.bcastLock.Lock()
	defer m.bcastLock.Unlock()
	if m.bcastTimer != nil {
		m.bcastTimer.Reset(m.cfg.BroadcastDelay)
		return
	}
	m.bcastTimer = time.AfterFunc(m.cfg.BroadcastDelay, m.broadcastConfig)
}

func (m *Manager) broadcastConfig() {
	msg, err := m.ConfigMessage(true)
	if err == nil {
		err = m.notifier.BroadcastToNodes(msg)
	}
	if err != nil {
		m.log.Warn("failed to notify nodes about config", zap.Error(err))
	}
}

func (m *Manager) notifyPublic(event string, e *clusterconfig.Envelope) {
	msg, err := ws.NewMessage(ws.NotificationType, Notification{Event: event, Envelope: e.Redacted()})
	if err == nil {
		err = m.notifier.Broadcast(m.ctx, msg, ws.Anon)
	}
	if err != nil {
		m.log.Debug("failed to send public notification", zap.String("event", event), zap.Error(err))
	}
}

// disconnect closes connections of the nodes removed from the cluster. It
// must be called without lock held since closing waits for the peer.
func (m *Manager) disconnect(pubkeys []string) {
	for _, pk := range pubkeys {
		m.log.Info("closing connections of removed node", zap.String("pubkey", pk))
		m.notifier.RemoveByPubkey(pk)
	}
}

// updateItems moves the decided pending envelope out of the pending slot
// and schedules node notification. It must be called with lock held,
// prevNodes are the cluster nodes before the change. The nodes dropped by
// the applied config are returned for disconnect.
func (m *Manager) updateItems(prevNodes []string) []string {
	var removed []string
	if m.pending != nil {
		switch m.pending.Status {
		case clusterconfig.StatusRejected:
			m.log.Info("config rejected", zap.Uint64("id", m.pending.ID))
			m.pending = nil
		case clusterconfig.StatusApplied:
			applied := m.pending
			m.current, m.pending = applied, nil
			m.log.Info("config applied", zap.Uint64("id", applied.ID), zap.String("txHash", applied.TxHash))
			for _, pk := range prevNodes {
				if !applied.Config.HasNode(pk) {
					removed = append(removed, pk)
				}
			}
			if msg, err := ws.NewMessage(ws.NotificationType, Notification{Event: EventConfigApplied, Envelope: applied.Redacted()}); err == nil {
				if err := m.notifier.SendToNode(applied.Initiator, msg); err != nil {
					m.log.Debug("failed to notify initiator", zap.String("pubkey", applied.Initiator), zap.Error(err))
				}
			}
		}
	}
	m.scheduleBroadcast()
	return removed
}
