package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrTooManyConnections is returned by Registry.Add when the peer already
// has the maximum number of connections from the same address.
var ErrTooManyConnections = errors.New("too many connections")

// Registry tracks live channels. It keeps at most one node channel per node
// public key, a newer connection replaces the older one.
type Registry struct {
	log        *zap.Logger
	maxPerPeer int

	lock        sync.RWMutex
	conns       map[string]*Channel
	nodes       map[string]*Channel
	onNodeReady func(*Channel)
}

// NewRegistry creates a registry allowing maxPerPeer concurrent connections
// per (pubkey, address) pair, zero means no limit.
func NewRegistry(maxPerPeer int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:        log,
		maxPerPeer: maxPerPeer,
		conns:      make(map[string]*Channel),
		nodes:      make(map[string]*Channel),
	}
}

// OnNodeReady sets the callback invoked once a node channel completes the
// handshake. It's used to push the current configuration to the node.
func (r *Registry) OnNodeReady(f func(*Channel)) {
	r.lock.Lock()
	r.onNodeReady = f
	r.lock.Unlock()
}

// Add registers the channel. It must be called before the channel is run.
func (r *Registry) Add(c *Channel) error {
	var (
		key   = peerKey(c)
		prior *Channel
	)
	r.lock.Lock()
	if r.maxPerPeer > 0 {
		var n int
		for _, other := range r.conns {
			if peerKey(other) == key {
				n++
			}
		}
		if n >= r.maxPerPeer {
			r.lock.Unlock()
			rejectedMetric("peer_limit")
			return fmt.Errorf("%w from %s", ErrTooManyConnections, c)
		}
	}
	c.onClose = r.removeChannel
	if c.IsNode() {
		pk := c.PubKey().String()
		prior = r.nodes[pk]
		r.nodes[pk] = c
		c.onValidated = r.nodeReady
	}
	r.conns[c.ID()] = c
	r.lock.Unlock()

	updateConnectionsMetric(c.Type(), 1)
	if prior != nil {
		r.log.Info("replacing node connection", zap.Stringer("pubkey", prior.PubKey()), zap.String("old", prior.ID()), zap.String("new", c.ID()))
		prior.Close(CloseGoingAway, "Connection closed")
	}
	return nil
}

// Remove deregisters and closes the channel with the given id.
func (r *Registry) Remove(id string) {
	c := r.Get(id)
	if c == nil {
		return
	}
	r.removeChannel(c)
	c.Close(CloseGoingAway, "Connection closed")
}

func (r *Registry) removeChannel(c *Channel) {
	r.lock.Lock()
	_, ok := r.conns[c.ID()]
	delete(r.conns, c.ID())
	if c.IsNode() {
		pk := c.PubKey().String()
		if cur := r.nodes[pk]; cur == c {
			delete(r.nodes, pk)
		}
	}
	r.lock.Unlock()
	if ok {
		updateConnectionsMetric(c.Type(), -1)
	}
}

func (r *Registry) nodeReady(c *Channel) {
	r.lock.RLock()
	f := r.onNodeReady
	current := r.nodes[c.PubKey().String()] == c
	r.lock.RUnlock()
	if f != nil && current {
		f(c)
	}
}

// Get returns the channel by id or nil.
func (r *Registry) Get(id string) *Channel {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.conns[id]
}

// NodeConnection returns the channel of the node or nil.
func (r *Registry) NodeConnection(pubkey string) *Channel {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.nodes[pubkey]
}

// NodeConnections returns all node channels.
func (r *Registry) NodeConnections() []*Channel {
	r.lock.RLock()
	defer r.lock.RUnlock()
	res := make([]*Channel, 0, len(r.nodes))
	for _, c := range r.nodes {
		res = append(res, c)
	}
	return res
}

// RemoveByPubkey closes every channel opened with the given public key.
func (r *Registry) RemoveByPubkey(pubkey string) {
	var ids []string
	r.lock.RLock()
	for id, c := range r.conns {
		if c.PubKey() != nil && c.PubKey().String() == pubkey {
			ids = append(ids, id)
		}
	}
	r.lock.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}
}

// All returns channels of the given types, all channels if none specified.
func (r *Registry) All(types ...ChannelType) []*Channel {
	r.lock.RLock()
	defer r.lock.RUnlock()
	res := make([]*Channel, 0, len(r.conns))
	for _, c := range r.conns {
		if len(types) == 0 || containsType(types, c.Type()) {
			res = append(res, c)
		}
	}
	return res
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.conns)
}

// Broadcast sends the message to every ready channel of the given types.
// Delivery errors are collected, other channels still get the message.
func (r *Registry) Broadcast(ctx context.Context, msg *Message, types ...ChannelType) error {
	var errs error
	for _, c := range r.All(types...) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.IsReady() {
			continue
		}
		if err := c.Send(msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	return errs
}

// BroadcastToNodes sends the message to every ready cluster node channel.
func (r *Registry) BroadcastToNodes(msg *Message) error {
	var errs error
	for _, c := range r.NodeConnections() {
		if !c.IsReady() {
			continue
		}
		if err := c.Send(msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	return errs
}

// SendToNode sends the message to the node channel if it's ready.
func (r *Registry) SendToNode(pubkey string, msg *Message) error {
	c := r.NodeConnection(pubkey)
	if c == nil || !c.IsReady() {
		return fmt.Errorf("%w: node %s", ErrNotOpen, pubkey)
	}
	return c.Send(msg)
}

// Shutdown closes all channels.
func (r *Registry) Shutdown() {
	for _, c := range r.All() {
		r.removeChannel(c)
		c.Close(CloseGoingAway, "Server shutdown")
	}
}

func peerKey(c *Channel) string {
	var pk string
	if c.PubKey() != nil {
		pk = c.PubKey().String()
	}
	return pk + "@" + c.RemoteAddr()
}
