/*
Package statistics pulls telemetry from cluster nodes. Every node channel is
asked for its statistics on a fixed interval, the answers are kept as the
latest per-node snapshot and as a bounded history of collection rounds.
*/
package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
	"github.com/pricefeed-oracle/orchestrator/pkg/network/ws"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/configmgr"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotConnected is recorded for nodes without a ready channel.
var ErrNotConnected = errors.New("node is not connected")

type (
	// Nodes gives access to node channels.
	Nodes interface {
		NodeConnection(pubkey string) *ws.Channel
	}

	// Configs is the cluster state node reports are compared with.
	Configs interface {
		AllNodePubkeys() []string
		GetCurrentAndPending(redact bool) (configmgr.CurrentConfigs, error)
	}

	// NodeStatistics is a single node report.
	NodeStatistics struct {
		// Data is the report as sent by the node.
		Data json.RawMessage `json:"data,omitempty"`
		// TimeShift is the local receive time minus the node time in
		// milliseconds.
		TimeShift         int64  `json:"timeshift"`
		CurrentConfigHash string `json:"currentConfigHash,omitempty"`
		PendingConfigHash string `json:"pendingConfigHash,omitempty"`
		Timestamp         int64  `json:"timestamp"`
		Error             string `json:"error,omitempty"`
	}

	// Round is the result of one collection pass. Config hashes are the
	// orchestrator ones at the time of collection.
	Round struct {
		Timestamp         int64                      `json:"currentTimestamp"`
		CurrentConfigHash string                     `json:"currentConfigHash,omitempty"`
		PendingConfigHash string                     `json:"pendingConfigHash,omitempty"`
		Nodes             map[string]*NodeStatistics `json:"nodeStatistics"`
	}

	// Collector periodically requests statistics from all cluster nodes.
	Collector struct {
		log     *zap.Logger
		cfg     config.Statistics
		nodes   Nodes
		configs Configs
		clock   func() time.Time

		lock    sync.RWMutex
		latest  map[string]*NodeStatistics
		history []*Round

		started atomic.Bool
		ctx     context.Context
		cancel  context.CancelFunc
		quit    chan struct{}
		done    chan struct{}
	}

	// report holds the fields of node statistics used by the collector.
	report struct {
		CurrentTime       int64  `json:"currentTime"`
		CurrentConfigHash string `json:"currentConfigHash"`
		PendingConfigHash string `json:"pendingConfigHash"`
	}
)

// New creates a Collector.
func New(cfg config.Statistics, nodes Nodes, configs Configs, log *zap.Logger) (*Collector, error) {
	if nodes == nil {
		return nil, errors.New("no node registry")
	}
	if configs == nil {
		return nil, errors.New("no config source")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = config.DefaultStatisticsHistorySize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		log:     log.With(zap.String("service", "statistics")),
		cfg:     cfg,
		nodes:   nodes,
		configs: configs,
		clock:   time.Now,
		latest:  make(map[string]*NodeStatistics),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Name returns service name.
func (c *Collector) Name() string {
	return "statistics"
}

// Start runs the collection loop if it's enabled. Subsequent calls are
// no-op.
func (c *Collector) Start() {
	if c.cfg.Interval <= 0 {
		c.log.Info("statistics collection is disabled")
		return
	}
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.log.Info("starting statistics collection", zap.Duration("interval", c.cfg.Interval))
	go c.run()
}

// Shutdown stops the loop and waits for it to exit, requests in flight
// are canceled.
func (c *Collector) Shutdown() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	c.log.Info("stopping statistics collection")
	c.cancel()
	close(c.quit)
	<-c.done
}

func (c *Collector) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.Collect(c.ctx)
		}
	}
}

// Collect requests statistics from every cluster node concurrently and
// stores the round. Nodes failing to answer get an entry with Error set.
func (c *Collector) Collect(ctx context.Context) *Round {
	round := &Round{
		Timestamp: c.clock().UnixMilli(),
		Nodes:     make(map[string]*NodeStatistics),
	}
	if cfgs, err := c.configs.GetCurrentAndPending(true); err != nil {
		c.log.Warn("failed to get cluster configs", zap.Error(err))
	} else {
		if cfgs.CurrentConfig != nil {
			round.CurrentConfigHash = cfgs.CurrentConfig.Hash
		}
		if cfgs.PendingConfig != nil {
			round.PendingConfigHash = cfgs.PendingConfig.Hash
		}
	}

	var (
		lock sync.Mutex
		g    errgroup.Group
	)
	for _, pk := range c.configs.AllNodePubkeys() {
		pk := pk
		g.Go(func() error {
			st := c.request(ctx, pk)
			lock.Lock()
			round.Nodes[pk] = st
			lock.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.lock.Lock()
	for pk, st := range round.Nodes {
		c.latest[pk] = st
	}
	c.history = append([]*Round{round}, c.history...)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[:c.cfg.HistorySize]
	}
	c.lock.Unlock()
	return round
}

func (c *Collector) request(ctx context.Context, pubkey string) *NodeStatistics {
	ch := c.nodes.NodeConnection(pubkey)
	if ch == nil || !ch.IsReady() {
		collectedMetric(resultOffline)
		return &NodeStatistics{Timestamp: c.clock().UnixMilli(), Error: ErrNotConnected.Error()}
	}
	msg, err := ws.NewMessage(ws.StatisticsRequestType, nil)
	if err != nil {
		return &NodeStatistics{Timestamp: c.clock().UnixMilli(), Error: err.Error()}
	}
	resp, err := ch.Request(ctx, msg)
	received := c.clock().UnixMilli()
	if err == nil {
		var st *NodeStatistics
		if st, err = newNodeStatistics(resp.Data, received); err == nil {
			collectedMetric(resultOK)
			timeShiftMetric(pubkey, st.TimeShift)
			return st
		}
	}
	c.log.Debug("failed to get node statistics", zap.String("pubkey", pubkey), zap.Error(err))
	collectedMetric(resultFailed)
	return &NodeStatistics{Timestamp: received, Error: err.Error()}
}

func newNodeStatistics(data json.RawMessage, received int64) (*NodeStatistics, error) {
	var r report
	if len(data) != 0 {
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("bad statistics: %w", err)
		}
	}
	st := &NodeStatistics{
		Data:              append(json.RawMessage(nil), data...),
		CurrentConfigHash: r.CurrentConfigHash,
		PendingConfigHash: r.PendingConfigHash,
		Timestamp:         received,
	}
	if r.CurrentTime != 0 {
		st.TimeShift = received - r.CurrentTime
	}
	return st, nil
}

// Push stores statistics sent by the node on its own. It's a
// ws.StatisticsSink.
func (c *Collector) Push(pub *keys.PublicKey, data json.RawMessage) error {
	st, err := newNodeStatistics(data, c.clock().UnixMilli())
	if err != nil {
		return err
	}
	pk := pub.String()
	c.lock.Lock()
	c.latest[pk] = st
	c.lock.Unlock()
	timeShiftMetric(pk, st.TimeShift)
	return nil
}

// Latest returns a copy of the last known statistics of the node or nil.
func (c *Collector) Latest(pubkey string) *NodeStatistics {
	c.lock.RLock()
	defer c.lock.RUnlock()
	st, ok := c.latest[pubkey]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// History returns collection rounds, the newest first.
func (c *Collector) History() []*Round {
	c.lock.RLock()
	defer c.lock.RUnlock()
	res := make([]*Round, len(c.history))
	copy(res, c.history)
	return res
}
