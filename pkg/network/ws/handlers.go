package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
)

var errInvalidSignature = errors.New("invalid signature")

type (
	// HandlerFunc processes an inbound message. The result is sent back as
	// the response if the message carries a request id: *Message is sent
	// as is, any other non-nil value becomes OKType message data.
	HandlerFunc func(c *Channel, msg *Message) (any, error)

	// Handler is a message handler with its access rules.
	Handler struct {
		Func HandlerFunc
		// AllowUnvalidated permits the message before the handshake is
		// completed.
		AllowUnvalidated bool
		// ChannelTypes restricts the handler to the given channel types,
		// empty means any.
		ChannelTypes []ChannelType
	}

	// Handlers is a type-keyed handler table shared by channels.
	Handlers struct {
		lock sync.RWMutex
		m    map[MessageType]Handler
	}

	// StatisticsSink receives statistics reported by nodes.
	StatisticsSink func(pubkey *keys.PublicKey, data json.RawMessage) error
)

// NewHandlers returns a handler table with the handshake response handler
// registered.
func NewHandlers() *Handlers {
	h := &Handlers{m: make(map[MessageType]Handler)}
	h.Register(HandshakeResponseType, Handler{
		Func:             handleHandshakeResponse,
		AllowUnvalidated: true,
		ChannelTypes:     []ChannelType{Incoming},
	})
	return h
}

// Register sets the handler for the message type replacing the old one.
func (h *Handlers) Register(t MessageType, handler Handler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.m[t] = handler
}

// Handle dispatches the message to its handler.
func (h *Handlers) Handle(c *Channel, msg *Message) (*Message, error) {
	var (
		handler Handler
		ok      bool
	)
	if h != nil {
		h.lock.RLock()
		handler, ok = h.m[msg.Type]
		h.lock.RUnlock()
	}
	if !ok || handler.Func == nil {
		return nil, fmt.Errorf("message type %d is not supported", msg.Type)
	}
	if !handler.AllowUnvalidated && !c.IsValidated() {
		return nil, fmt.Errorf("message type %d is not allowed for unvalidated channel", msg.Type)
	}
	if len(handler.ChannelTypes) != 0 && !containsType(handler.ChannelTypes, c.Type()) {
		return nil, fmt.Errorf("message type %d is not supported for channel %s", msg.Type, c)
	}
	res, err := handler.Func(c, msg)
	if err != nil || res == nil {
		return nil, err
	}
	if m, ok := res.(*Message); ok {
		return m, nil
	}
	return NewMessage(OKType, res)
}

func containsType(types []ChannelType, t ChannelType) bool {
	for _, ct := range types {
		if ct == t {
			return true
		}
	}
	return false
}

func handleHandshakeResponse(c *Channel, msg *Message) (any, error) {
	var resp HandshakeResponse
	if err := msg.DecodeData(&resp); err != nil {
		return nil, fmt.Errorf("bad handshake response: %w", err)
	}
	if c.IsValidated() {
		return nil, nil
	}
	if !c.pubkey.VerifyHex(resp.Signature, []byte(c.authPayload)) {
		c.Close(ClosePolicyViolation, "Invalid signature")
		return nil, errInvalidSignature
	}
	c.markValidated()
	return nil, nil
}

// ConfigSource builds a configuration message. Secrets and node URLs are
// only included when full is set.
type ConfigSource func(full bool) (*Message, error)

// ConfigRequestHandler answers ConfigRequestType messages with the message
// built by source. Only identified node channels get the full configuration.
func ConfigRequestHandler(source ConfigSource) Handler {
	return Handler{
		Func: func(c *Channel, _ *Message) (any, error) {
			return source(c.IsNode())
		},
	}
}

// StatisticsHandler passes node statistics to the sink, it's only allowed
// for identified channels.
func StatisticsHandler(sink StatisticsSink) Handler {
	return Handler{
		Func: func(c *Channel, msg *Message) (any, error) {
			if err := sink(c.PubKey(), msg.Data); err != nil {
				return nil, err
			}
			return nil, nil
		},
		ChannelTypes: []ChannelType{Incoming},
	}
}
