/*
Package apisrv implements the HTTP API of the orchestrator: config
submission, current and historical config queries and the websocket
endpoint for nodes and observers.
*/
package apisrv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/pricefeed-oracle/orchestrator/pkg/configstore"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/configmgr"
	"github.com/pricefeed-oracle/orchestrator/pkg/services/statistics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// maxBodySize limits request body size.
	maxBodySize = 1 << 20
	// WSPath is the websocket endpoint path.
	WSPath = "/ws"
)

type (
	// ConfigService is the consensus engine API used by the server.
	ConfigService interface {
		Submit(e *clusterconfig.Envelope) error
		GetCurrentAndPending(redact bool) (configmgr.CurrentConfigs, error)
		History(q configmgr.HistoryQuery, redact bool) ([]*clusterconfig.Envelope, error)
		HasNode(pubkey string) bool
	}

	// StatisticsSource provides collected node statistics.
	StatisticsSource interface {
		History() []*statistics.Round
	}

	// Server is the HTTP API server.
	Server struct {
		log     *zap.Logger
		cfg     config.API
		configs ConfigService
		auth    *authenticator
		router  *mux.Router
		servers []*http.Server
		started atomic.Bool
		errChan chan error
	}

	// authMode defines whether a route requires signed requests.
	authMode int

	request struct {
		*http.Request
		body   []byte
		pubkey string
	}

	handlerFunc func(req *request) (any, error)
)

const (
	authRequired authMode = iota
	authOptional
)

// New creates the API server. wsHandler serves websocket connections, nonce
// cache size limits the number of node nonces kept in memory. Listener
// errors are sent to errChan.
func New(cfg config.API, configs ConfigService, nonces NonceStore, nonceCacheSize int,
	wsHandler http.Handler, log *zap.Logger, errChan chan error) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if nonceCacheSize <= 0 {
		nonceCacheSize = config.DefaultNonceCacheSize
	}
	auth, err := newAuthenticator(nonces, configs.HasNode, nonceCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:     log.With(zap.String("service", "api")),
		cfg:     cfg,
		configs: configs,
		auth:    auth,
		errChan: errChan,
	}

	r := mux.NewRouter()
	if wsHandler != nil {
		r.Handle(WSPath, wsHandler).Methods(http.MethodGet)
	}
	r.HandleFunc("/config", s.handle(authOptional, s.getConfig)).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handle(authRequired, s.postConfig)).Methods(http.MethodPost)
	r.HandleFunc("/config/history", s.handle(authOptional, s.getHistory)).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusNotFound, newHTTPError(http.StatusNotFound, "Not found."))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions && cfg.EnableCORSWorkaround { // Preflight CORS.
			preflight(w)
			return
		}
		s.writeJSON(w, http.StatusMethodNotAllowed, newHTTPError(http.StatusMethodNotAllowed, "Method not allowed."))
	})
	s.router = r

	for _, addr := range cfg.Addresses {
		s.servers = append(s.servers, &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	return s, nil
}

// RegisterStatistics adds the node statistics route served from src.
func (s *Server) RegisterStatistics(src StatisticsSource) {
	s.router.HandleFunc("/statistics", s.handle(authOptional, func(*request) (any, error) {
		return src.History(), nil
	})).Methods(http.MethodGet)
}

// Name returns service name.
func (s *Server) Name() string {
	return "api"
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addresses returns actual listening addresses, they're only known after
// Start.
func (s *Server) Addresses() []string {
	res := make([]string, len(s.servers))
	for i, srv := range s.servers {
		res[i] = srv.Addr
	}
	return res
}

// Start listens on all configured addresses. The Server only starts once,
// subsequent calls to Start are no-op.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		s.log.Info("API server already started")
		return
	}
	for _, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			s.errChan <- fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			continue
		}
		srv.Addr = ln.Addr().String() // set Addr to the actual address
		s.log.Info("starting API server", zap.String("endpoint", srv.Addr))
		go func(srv *http.Server) {
			err := srv.Serve(ln)
			if !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("failed to start API server", zap.Error(err))
				s.errChan <- err
			}
		}(srv)
	}
}

// Shutdown stops all listeners. Websocket connections are hijacked and
// must be closed by their owner.
func (s *Server) Shutdown() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	var g errgroup.Group
	for _, srv := range s.servers {
		srv := srv
		g.Go(func() error {
			s.log.Info("shutting down API server", zap.String("endpoint", srv.Addr))
			return srv.Close()
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("error during API server shutdown", zap.Error(err))
	}
}

func (s *Server) handle(mode authMode, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		code := http.StatusOK
		res, err := s.serve(mode, h, w, r)
		if err != nil {
			herr, unexpected := toHTTPError(err)
			if unexpected {
				s.log.Error("request failed", zap.String("route", route), zap.String("method", r.Method), zap.Error(err))
			} else {
				s.log.Debug("bad request", zap.String("route", route), zap.String("method", r.Method), zap.Error(err))
			}
			code, res = herr.Code, herr
		}
		s.writeJSON(w, code, res)
		addReqTimeMetric(route, r.Method, code, time.Since(start))
	}
}

func (s *Server) serve(mode authMode, h handlerFunc, w http.ResponseWriter, r *http.Request) (any, error) {
	req := &request{Request: r}
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			return nil, badRequest("Failed to read request body")
		}
		req.body = body
	}
	if mode == authRequired || r.Header.Get(AuthHeader) != "" {
		pubkey, err := s.auth.authenticate(r, req.body)
		if err != nil {
			return nil, err
		}
		req.pubkey = pubkey
	}
	return h(req)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if s.cfg.EnableCORSWorkaround {
		setCORSOriginHeaders(w.Header())
	}
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("error encountered while encoding response", zap.Error(err))
	}
}

func setCORSOriginHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Access-Control-Allow-Headers, Authorization, X-Requested-With")
}

func preflight(w http.ResponseWriter) {
	setCORSOriginHeaders(w.Header())
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST") // GET for websockets.
	w.Header().Set("Access-Control-Max-Age", "21600")           // 6 hours.
}

func (s *Server) getConfig(req *request) (any, error) {
	return s.configs.GetCurrentAndPending(req.pubkey == "")
}

func (s *Server) postConfig(req *request) (any, error) {
	var e clusterconfig.Envelope
	if err := json.Unmarshal(req.body, &e); err != nil {
		return nil, badRequest("Invalid config envelope: " + err.Error())
	}
	if err := s.configs.Submit(&e); err != nil {
		return nil, err
	}
	return map[string]int{"ok": 1}, nil
}

func (s *Server) getHistory(req *request) (any, error) {
	q := req.URL.Query()
	hq := configmgr.HistoryQuery{
		Filter: configstore.Filter{
			Status:    clusterconfig.Status(q.Get("status")),
			Initiator: q.Get("initiator"),
		},
	}
	var err error
	if hq.Page, err = intParam(q.Get("page")); err != nil {
		return nil, badRequest("Invalid page")
	}
	size := q.Get("pageSize")
	if size == "" {
		size = q.Get("limit")
	}
	if hq.PageSize, err = intParam(size); err != nil {
		return nil, badRequest("Invalid page size")
	}
	res, err := s.configs.History(hq, req.pubkey == "")
	if err != nil {
		return nil, err
	}
	return res, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, errors.New("invalid value")
	}
	return v, nil
}
