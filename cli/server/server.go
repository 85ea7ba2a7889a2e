package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pricefeed-oracle/orchestrator/cli/options"
	"github.com/pricefeed-oracle/orchestrator/pkg/chain"
	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/pricefeed-oracle/orchestrator/pkg/configstore"
	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage"
	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
	"github.com/pricefeed-oracle/orchestrator/pkg/network/ws"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/apisrv"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/configmgr"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/metrics"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/statistics"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/updater"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewCommands returns 'node' command.
func NewCommands() []cli.Command {
	cfgFlags := []cli.Flag{options.Config, options.ConfigFile, options.Debug}
	return []cli.Command{
		{
			Name:      "node",
			Usage:     "start the orchestrator",
			UsageText: "orchestrator node [--config-path path] [--config-file file] [-d]",
			Action:    startServer,
			Flags:     cfgFlags,
		},
	}
}

// node holds the running orchestrator services.
type node struct {
	log      *zap.Logger
	store    storage.Store
	gateway  *chain.Gateway
	registry *ws.Registry
	manager  *configmgr.Manager
	stats    *statistics.Collector
	api      *apisrv.Server
	services []*metrics.Service
}

func newGraceContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

// newNode wires all services together, nothing is started yet.
func newNode(cfg config.ApplicationConfiguration, log *zap.Logger, errChan chan error) (*node, error) {
	st, err := storage.NewStore(cfg.DBConfiguration)
	if err != nil {
		return nil, fmt.Errorf("could not open storage: %w", err)
	}
	n := &node{log: log, store: st}
	if err := n.init(cfg, errChan); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) init(cfg config.ApplicationConfiguration, errChan chan error) error {
	cs, err := configstore.New(n.store)
	if err != nil {
		return fmt.Errorf("could not open config store: %w", err)
	}
	n.gateway, err = chain.New(cfg.Networks, cfg.Updater, n.log)
	if err != nil {
		return fmt.Errorf("could not create chain gateway: %w", err)
	}
	tr := cfg.EffectiveTransport()
	n.registry = ws.NewRegistry(tr.MaxConnectionsPerPeer, n.log)

	n.manager, err = configmgr.New(configmgr.Config{
		Consensus:    cfg.Consensus,
		DefaultNodes: cfg.DefaultNodes,
		Store:        cs,
		Submitter:    updater.New(cfg.Updater, n.gateway, n.log),
		Notifier:     n.registry,
		Log:          n.log,
	})
	if err != nil {
		return err
	}
	if err := n.manager.Init(); err != nil {
		return err
	}

	n.stats, err = statistics.New(cfg.Statistics, n.registry, n.manager, n.log)
	if err != nil {
		return err
	}

	handlers := ws.NewHandlers()
	handlers.Register(ws.ConfigRequestType, ws.ConfigRequestHandler(n.manager.ConfigMessage))
	handlers.Register(ws.StatisticsRequestType, ws.StatisticsHandler(n.stats.Push))
	acc, err := ws.NewAcceptor(ws.AcceptorConfig{
		Channel: ws.ChannelConfig{
			RequestTimeout: tr.RequestTimeout,
			PingInterval:   tr.PingInterval,
			PongTimeout:    tr.PongTimeout,
			CloseTimeout:   tr.CloseTimeout,
		},
		MaxClients:     cfg.API.MaxWebSocketClients,
		HandshakeRate:  tr.HandshakeRate,
		HandshakeBurst: tr.HandshakeBurst,
		CheckOrigin:    func(*http.Request) bool { return true },
	}, n.registry, handlers, func(pub *keys.PublicKey) bool {
		return n.manager.HasNode(pub.String())
	}, n.log)
	if err != nil {
		return err
	}
	n.registry.OnNodeReady(func(c *ws.Channel) {
		n.manager.NotifyNode(c.PubKey().String())
	})

	n.api, err = apisrv.New(cfg.API, n.manager, cs, cfg.NonceCacheSize, acc, n.log, errChan)
	if err != nil {
		return err
	}
	n.api.RegisterStatistics(n.stats)
	n.services = []*metrics.Service{
		metrics.NewPrometheusService(cfg.Prometheus, n.log, errChan),
		metrics.NewPprofService(cfg.Pprof, n.log, errChan),
	}
	return nil
}

func (n *node) start() {
	n.manager.Start()
	n.stats.Start()
	n.api.Start()
	for _, s := range n.services {
		s.Start()
	}
}

func (n *node) shutdown() {
	for _, s := range n.services {
		s.ShutDown()
	}
	n.api.Shutdown()
	n.stats.Shutdown()
	n.manager.Shutdown()
	n.registry.Shutdown()
	n.close()
}

func (n *node) close() {
	if n.gateway != nil {
		n.gateway.Close()
	}
	if err := n.store.Close(); err != nil {
		n.log.Warn("failed to close the storage", zap.Error(err))
	}
}

func startServer(ctx *cli.Context) error {
	if len(ctx.Args()) != 0 {
		return cli.NewExitError(fmt.Errorf("unexpected arguments: %v", ctx.Args()), 1)
	}
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	debug := ctx.Bool("debug")
	app := cfg.ApplicationConfiguration
	app.Debug = app.Debug || debug
	log, logLevel, logCloser, err := options.HandleLoggingParams(app.Debug, app.Logger)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() {
		_ = logCloser()
	}()

	grace := newGraceContext()
	errChan := make(chan error, 1)
	n, err := newNode(app, log, errChan)
	if err != nil {
		if errors.Is(err, configmgr.ErrInvalidStoredConfig) {
			log.Error("stored configuration is invalid, refusing to start", zap.Error(err))
		}
		return cli.NewExitError(err, 1)
	}
	n.start()

	sighupCh := make(chan os.Signal, 1)
	signal.Notify(sighupCh, sighup)

Main:
	for {
		select {
		case err := <-errChan:
			log.Error("service error", zap.Error(err))
			break Main
		case sig := <-sighupCh:
			log.Info("signal received", zap.Stringer("name", sig))
			if debug {
				log.Info("debug mode is set, log level is not reloaded")
				continue
			}
			newCfg, err := options.GetConfigFromContext(ctx)
			if err != nil {
				log.Warn("can't reread the config file, signal ignored", zap.Error(err))
				continue
			}
			lvl := zapcore.InfoLevel
			if s := newCfg.ApplicationConfiguration.LogLevel; s != "" {
				if lvl, err = zapcore.ParseLevel(s); err != nil {
					log.Warn("wrong LogLevel in the config file, signal ignored", zap.Error(err))
					continue
				}
			}
			logLevel.SetLevel(lvl)
			log.Info("log level changed", zap.Stringer("level", lvl))
		case <-grace.Done():
			break Main
		}
	}
	signal.Stop(sighupCh)
	n.shutdown()
	return nil
}
