package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ChannelType distinguishes identified node channels from anonymous ones.
type ChannelType string

// Channel types.
const (
	Incoming ChannelType = "incoming"
	Anon     ChannelType = "anon"
)

// Close codes used when the server terminates a channel.
const (
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

const (
	// maxCloseReasonLen is the control frame payload limit minus the close code.
	maxCloseReasonLen = 123
	// writeLimit is the deadline for a single websocket write.
	writeLimit = 5 * time.Second
	// readLimit is the maximum inbound message size.
	readLimit = 4 << 20
	// outBufSize is the number of outgoing messages queued per channel.
	outBufSize = 64

	inactivityReason = "Connection closed due to inactivity"
)

var (
	// ErrTimeout is returned for requests not answered in time.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned for operations on a closed (or closing) channel.
	ErrClosed = errors.New("channel closed")
	// ErrNotOpen is returned when the connection isn't ready for requests.
	ErrNotOpen = errors.New("connection is not open")
	// ErrOverflow is returned by Send when the peer doesn't read fast enough.
	ErrOverflow = errors.New("send queue overflow")
)

// ChannelConfig contains timings used by a channel.
type ChannelConfig struct {
	// RequestTimeout bounds the wait for a response and for the handshake.
	RequestTimeout time.Duration
	// PingInterval is the period of server pings, zero disables pings.
	PingInterval time.Duration
	// PongTimeout is the time a peer has to answer a ping.
	PongTimeout time.Duration
	// CloseTimeout is the grace period for the peer to complete the close
	// handshake before the connection is dropped.
	CloseTimeout time.Duration
}

// ChannelOptions describe a new channel.
type ChannelOptions struct {
	Type ChannelType
	// PubKey is the claimed identity, required for Incoming channels.
	PubKey *keys.PublicKey
	// IsNode marks channels of cluster nodes.
	IsNode     bool
	RemoteAddr string
	Config     ChannelConfig
	Handlers   *Handlers
	Log        *zap.Logger
}

// Channel is a single live connection to a node or an anonymous client. It
// correlates outgoing requests with responses, dispatches inbound messages
// to handlers and supervises connection liveness.
type Channel struct {
	id          string
	typ         ChannelType
	pubkey      *keys.PublicKey
	isNode      bool
	addr        string
	authPayload string

	conn     *websocket.Conn
	cfg      ChannelConfig
	log      *zap.Logger
	handlers *Handlers

	// onClose and onValidated are set by the registry before Run.
	onClose     func(*Channel)
	onValidated func(*Channel)

	validated atomic.Bool
	closing   atomic.Bool

	reqLock  sync.Mutex
	requests map[string]*pendingRequest

	out        chan *Message
	closed     chan struct{}
	finishOnce sync.Once

	timerLock      sync.Mutex
	pongTimer      *time.Timer
	closeTimer     *time.Timer
	handshakeTimer *time.Timer
}

type pendingRequest struct {
	resp  chan response
	timer *time.Timer
}

type response struct {
	msg *Message
	err error
}

// NewChannel wraps an established websocket connection. Anonymous channels
// are validated right away, Incoming ones after the handshake.
func NewChannel(conn *websocket.Conn, opts ChannelOptions) (*Channel, error) {
	if conn == nil {
		return nil, errors.New("nil connection")
	}
	if opts.Type != Incoming && opts.Type != Anon {
		return nil, fmt.Errorf("unknown channel type %q", opts.Type)
	}
	if opts.Type == Incoming && opts.PubKey == nil {
		return nil, errors.New("pubkey is required for incoming channel")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Channel{
		id:       uuid.NewString(),
		typ:      opts.Type,
		pubkey:   opts.PubKey,
		isNode:   opts.IsNode && opts.Type == Incoming,
		addr:     opts.RemoteAddr,
		conn:     conn,
		cfg:      opts.Config,
		handlers: opts.Handlers,
		requests: make(map[string]*pendingRequest),
		out:      make(chan *Message, outBufSize),
		closed:   make(chan struct{}),
	}
	fields := []zap.Field{zap.String("channel", c.id), zap.String("type", string(c.typ)), zap.String("addr", c.addr)}
	if c.pubkey != nil {
		fields = append(fields, zap.Stringer("pubkey", c.pubkey))
	}
	c.log = log.With(fields...)
	if c.typ == Incoming {
		c.authPayload = uuid.NewString()
	} else {
		c.validated.Store(true)
	}
	return c, nil
}

// ID returns unique channel identifier.
func (c *Channel) ID() string { return c.id }

// Type returns the channel type.
func (c *Channel) Type() ChannelType { return c.typ }

// PubKey returns the claimed identity of the peer, nil for anonymous channels.
func (c *Channel) PubKey() *keys.PublicKey { return c.pubkey }

// IsNode tells whether the peer is a cluster node.
func (c *Channel) IsNode() bool { return c.isNode }

// RemoteAddr returns peer IP address.
func (c *Channel) RemoteAddr() string { return c.addr }

// IsValidated tells whether the handshake has been completed.
func (c *Channel) IsValidated() bool { return c.validated.Load() }

// IsOpen tells whether the channel can be used to send messages.
func (c *Channel) IsOpen() bool { return !c.closing.Load() }

// IsReady is IsOpen and IsValidated.
func (c *Channel) IsReady() bool { return c.IsOpen() && c.IsValidated() }

// Done returns a channel closed once the connection is fully torn down.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// String implements the fmt.Stringer interface.
func (c *Channel) String() string {
	if c.pubkey != nil {
		return c.pubkey.String() + " " + string(c.typ)
	}
	return c.addr + " " + string(c.typ)
}

// Run starts the writer, sends a handshake challenge to identified peers and
// then serves inbound messages until the connection is closed.
func (c *Channel) Run() {
	go c.writeLoop()
	if c.typ == Incoming {
		msg, err := NewMessage(HandshakeRequestType, HandshakeRequest{Payload: c.authPayload})
		if err == nil {
			err = c.Send(msg)
		}
		if err != nil {
			c.log.Warn("failed to send handshake request", zap.Error(err))
		}
		if c.cfg.RequestTimeout > 0 {
			c.timerLock.Lock()
			c.handshakeTimer = time.AfterFunc(c.cfg.RequestTimeout, func() {
				if !c.IsValidated() {
					c.Close(ClosePolicyViolation, "Handshake timed out")
				}
			})
			c.timerLock.Unlock()
		}
	}
	c.readLoop()
}

// Send queues the message for delivery without waiting for a response.
// It never blocks.
func (c *Channel) Send(msg *Message) error {
	if c.closing.Load() {
		return ErrClosed
	}
	select {
	case <-c.closed:
		return ErrClosed
	case c.out <- msg:
		return nil
	default:
		return ErrOverflow
	}
}

// Request sends the message with a fresh correlation id and waits for the
// response. ErrorType responses are returned as *ResponseError.
func (c *Channel) Request(ctx context.Context, msg *Message) (*Message, error) {
	if !c.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, c)
	}
	m := *msg
	m.RequestID = uuid.NewString()
	m.ResponseID = ""

	req := &pendingRequest{resp: make(chan response, 1)}
	timeout := c.cfg.RequestTimeout
	c.reqLock.Lock()
	c.requests[m.RequestID] = req
	req.timer = time.AfterFunc(timeout, func() {
		if c.dropRequest(m.RequestID) {
			req.resp <- response{err: fmt.Errorf("%w after %s: %s message to %s", ErrTimeout, timeout, m.Type, c)}
		}
	})
	c.reqLock.Unlock()

	if err := c.Send(&m); err != nil {
		if c.dropRequest(m.RequestID) {
			req.timer.Stop()
		}
		return nil, err
	}
	select {
	case r := <-req.resp:
		return r.msg, r.err
	case <-ctx.Done():
		if c.dropRequest(m.RequestID) {
			req.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// PendingRequests returns the number of requests waiting for a response.
func (c *Channel) PendingRequests() int {
	c.reqLock.Lock()
	defer c.reqLock.Unlock()
	return len(c.requests)
}

// Close initiates a graceful close with the given code and reason. The
// connection is dropped if the peer doesn't complete the close handshake
// within CloseTimeout.
func (c *Channel) Close(code int, reason string) {
	if c.closing.Swap(true) {
		return
	}
	reason = truncateReason(reason)
	c.log.Debug("closing channel", zap.Int("code", code), zap.String("reason", reason))

	c.timerLock.Lock()
	c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, func() {
		c.log.Warn("channel was not closed properly, terminating")
		_ = c.conn.Close()
	})
	c.timerLock.Unlock()

	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeLimit))
	if err != nil {
		_ = c.conn.Close()
	}
}

// reject closes a channel that was never started.
func (c *Channel) reject(code int, reason string) {
	c.closing.Store(true)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, truncateReason(reason)), time.Now().Add(writeLimit))
	c.finish(code, reason)
}

func (c *Channel) writeLoop() {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
writeloop:
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeLimit)); err != nil {
				break writeloop
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("failed to write message", zap.Stringer("msgtype", msg.Type), zap.Error(err))
				break writeloop
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeLimit)); err != nil {
				break writeloop
			}
			c.armPong()
		}
	}
	// Graceful close is in progress otherwise, the reader finishes it.
	if !c.closing.Load() {
		_ = c.conn.Close()
	}
}

func (c *Channel) readLoop() {
	var (
		code   = websocket.CloseAbnormalClosure
		reason string
	)
	c.conn.SetReadLimit(readLimit)
	c.conn.SetPongHandler(func(string) error {
		c.alive()
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			break
		}
		c.alive()
		msg := new(Message)
		if err := json.Unmarshal(data, msg); err != nil {
			c.log.Debug("malformed message", zap.Error(err))
			continue
		}
		c.handleMessage(msg)
	}
	c.finish(code, reason)
}

// handleMessage runs inbound handlers in the reader goroutine, so handlers
// must not wait for responses on the same channel.
func (c *Channel) handleMessage(msg *Message) {
	if msg.isResponse() {
		c.resolve(msg)
		return
	}
	if msg.Type == ErrorType || msg.Type == OKType {
		c.log.Debug("unsolicited message", zap.Stringer("msgtype", msg.Type), zap.String("error", msg.Error))
		return
	}
	res, err := c.handlers.Handle(c, msg)
	if err != nil {
		c.log.Debug("failed to handle message", zap.Stringer("msgtype", msg.Type), zap.Error(err))
	}
	if msg.RequestID == "" {
		return
	}
	if err != nil {
		res = &Message{Type: ErrorType, Error: err.Error()}
	} else if res == nil {
		res = &Message{Type: OKType}
	}
	res.RequestID = ""
	res.ResponseID = msg.RequestID
	if err := c.Send(res); err != nil {
		c.log.Debug("failed to send response", zap.Stringer("msgtype", msg.Type), zap.Error(err))
	}
}

func (c *Channel) resolve(msg *Message) {
	c.reqLock.Lock()
	req, ok := c.requests[msg.ResponseID]
	delete(c.requests, msg.ResponseID)
	c.reqLock.Unlock()
	if !ok {
		c.log.Debug("response to unknown request", zap.String("responseId", msg.ResponseID))
		return
	}
	req.timer.Stop()
	if msg.Type == ErrorType {
		req.resp <- response{err: &ResponseError{Message: msg.Error}}
		return
	}
	req.resp <- response{msg: msg}
}

// dropRequest removes the request from the table, it returns false if the
// request has already been resolved by someone else.
func (c *Channel) dropRequest(id string) bool {
	c.reqLock.Lock()
	defer c.reqLock.Unlock()
	_, ok := c.requests[id]
	delete(c.requests, id)
	return ok
}

func (c *Channel) markValidated() {
	c.validated.Store(true)
	c.timerLock.Lock()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.timerLock.Unlock()
	c.log.Info("channel validated")
	if c.onValidated != nil {
		c.onValidated(c)
	}
}

func (c *Channel) armPong() {
	if c.cfg.PongTimeout <= 0 {
		return
	}
	c.timerLock.Lock()
	defer c.timerLock.Unlock()
	if c.pongTimer != nil {
		return
	}
	c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() {
		c.Close(CloseGoingAway, inactivityReason)
	})
}

func (c *Channel) alive() {
	c.timerLock.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.timerLock.Unlock()
}

func (c *Channel) finish(code int, reason string) {
	c.finishOnce.Do(func() {
		c.closing.Store(true)
		c.validated.Store(false)
		close(c.closed)

		c.timerLock.Lock()
		for _, t := range []*time.Timer{c.pongTimer, c.closeTimer, c.handshakeTimer} {
			if t != nil {
				t.Stop()
			}
		}
		c.timerLock.Unlock()
		_ = c.conn.Close()

		c.reqLock.Lock()
		for id, req := range c.requests {
			delete(c.requests, id)
			req.timer.Stop()
			req.resp <- response{err: fmt.Errorf("%w: %s", ErrClosed, c)}
		}
		c.reqLock.Unlock()

		if reason == "" {
			reason = "abnormal"
		}
		c.log.Debug("channel closed", zap.Int("code", code), zap.String("reason", reason))
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonLen {
		return reason
	}
	reason = reason[:maxCloseReasonLen]
	for !utf8.ValidString(reason) {
		reason = reason[:len(reason)-1]
	}
	return reason
}
