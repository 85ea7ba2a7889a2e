package ws

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PubKeyParam is the query parameter carrying the public key of an
// identified peer. Connections without it are anonymous.
const PubKeyParam = "pubkey"

// limiterCacheSize bounds the number of remote addresses tracked by the
// handshake rate limiter.
const limiterCacheSize = 4096

// AcceptorConfig contains websocket admission settings.
type AcceptorConfig struct {
	Channel ChannelConfig
	// MaxClients limits the total number of channels, zero means no limit.
	MaxClients int
	// HandshakeRate is the number of connections per second allowed from a
	// single remote address, zero disables the limit.
	HandshakeRate  float64
	HandshakeBurst int
	// CheckOrigin is passed to the websocket upgrader.
	CheckOrigin func(r *http.Request) bool
}

// Acceptor upgrades HTTP requests to channels and registers them.
type Acceptor struct {
	log      *zap.Logger
	cfg      AcceptorConfig
	registry *Registry
	handlers *Handlers
	isNode   func(*keys.PublicKey) bool
	upgrader websocket.Upgrader

	limLock  sync.Mutex
	limiters *lru.Cache
}

// NewAcceptor creates an acceptor. isNode tells whether the public key
// belongs to a cluster node.
func NewAcceptor(cfg AcceptorConfig, reg *Registry, handlers *Handlers, isNode func(*keys.PublicKey) bool, log *zap.Logger) (*Acceptor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	limiters, err := lru.New(limiterCacheSize)
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		log:      log,
		cfg:      cfg,
		registry: reg,
		handlers: handlers,
		isNode:   isNode,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		limiters: limiters,
	}, nil
}

// ServeHTTP implements the http.Handler interface. It blocks until the
// channel is closed.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !a.allow(ip) {
		rejectedMetric("rate")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	// Technically some clients can sneak in between this check and
	// registration, that's not critical.
	if a.cfg.MaxClients > 0 && a.registry.Count() >= a.cfg.MaxClients {
		rejectedMetric("clients_limit")
		http.Error(w, "websocket users limit reached", http.StatusServiceUnavailable)
		return
	}

	opts := ChannelOptions{
		Type:       Anon,
		RemoteAddr: ip,
		Config:     a.cfg.Channel,
		Handlers:   a.handlers,
		Log:        a.log,
	}
	if s := r.URL.Query().Get(PubKeyParam); s != "" {
		pub, err := keys.NewPublicKeyFromString(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Type = Incoming
		opts.PubKey = pub
		opts.IsNode = a.isNode != nil && a.isNode(pub)
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Info("websocket connection upgrade failed", zap.Error(err))
		return
	}
	c, err := NewChannel(conn, opts)
	if err != nil {
		a.log.Warn("failed to create channel", zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := a.registry.Add(c); err != nil {
		a.log.Info("connection rejected", zap.String("addr", ip), zap.Error(err))
		c.reject(ClosePolicyViolation, err.Error())
		return
	}
	c.Run()
}

func (a *Acceptor) allow(ip string) bool {
	if a.cfg.HandshakeRate <= 0 {
		return true
	}
	a.limLock.Lock()
	defer a.limLock.Unlock()
	if v, ok := a.limiters.Get(ip); ok {
		return v.(*rate.Limiter).Allow()
	}
	burst := a.cfg.HandshakeBurst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(a.cfg.HandshakeRate), burst)
	a.limiters.Add(ip, lim)
	return lim.Allow()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
