package ws

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
	"github.com/stretchr/testify/require"
)

func TestRegistryReplacesNodeConnection(t *testing.T) {
	s := newTestServer(t, AcceptorConfig{Channel: testChannelConfig()}, 0)
	priv := newKey(t)
	pk := priv.PublicKey().String()

	first, c1 := s.connectNode(t, priv)
	_, c2 := s.connectNode(t, priv)
	require.NotEqual(t, c1.ID(), c2.ID())

	ce := readCloseError(t, first)
	require.Equal(t, CloseGoingAway, ce.Code)
	<-c1.Done()

	// Late close of the replaced channel doesn't clear the new one.
	require.Equal(t, c2, s.reg.NodeConnection(pk))
	require.Len(t, s.reg.NodeConnections(), 1)
	require.Nil(t, s.reg.Get(c1.ID()))
	require.Equal(t, c2, s.reg.Get(c2.ID()))
}

func TestRegistryPeerLimit(t *testing.T) {
	s := newTestServer(t, AcceptorConfig{Channel: testChannelConfig()}, 3)
	for i := 0; i < 3; i++ {
		s.dial(t, nil)
	}
	require.Eventually(t, func() bool { return s.reg.Count() == 3 }, waitTime, 10*time.Millisecond)

	conn := s.dial(t, nil)
	ce := readCloseError(t, conn)
	require.Equal(t, ClosePolicyViolation, ce.Code)
	require.Contains(t, ce.Text, "too many connections")
	require.Equal(t, 3, s.reg.Count())

	// Identified connections from the same address are counted separately.
	_, c := s.connectNode(t, newKey(t))
	require.NotNil(t, c)
	require.Equal(t, 4, s.reg.Count())
}

func TestRegistryBroadcast(t *testing.T) {
	cfg := testChannelConfig()
	cfg.RequestTimeout = waitTime
	s := newTestServer(t, AcceptorConfig{Channel: cfg}, 0)
	anon := s.dial(t, nil)
	node, _ := s.connectNode(t, newKey(t))
	// Not validated, it must not get anything.
	pending := s.dial(t, newKey(t).PublicKey())
	require.Equal(t, HandshakeRequestType, readMessage(t, pending).Type)
	require.Eventually(t, func() bool { return s.reg.Count() == 3 }, waitTime, 10*time.Millisecond)

	msg, err := NewMessage(ConfigType, map[string]string{"event": "update"})
	require.NoError(t, err)
	require.NoError(t, s.reg.Broadcast(context.Background(), msg, Anon))
	m := readMessage(t, anon)
	require.Equal(t, ConfigType, m.Type)
	require.JSONEq(t, `{"event":"update"}`, string(m.Data))

	require.NoError(t, s.reg.Broadcast(context.Background(), msg, Incoming))
	m = readMessage(t, node)
	require.Equal(t, ConfigType, m.Type)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.reg.Broadcast(ctx, msg), context.Canceled)
}

func TestRegistryBroadcastToNodes(t *testing.T) {
	member := newKey(t)
	s := newTestServerWithNodes(t, AcceptorConfig{Channel: testChannelConfig()}, 0, func(pub *keys.PublicKey) bool {
		return pub.Equal(member.PublicKey())
	})
	anon := s.dial(t, nil)
	stranger, _ := s.connectStranger(t, newKey(t))
	node, _ := s.connectNode(t, member)
	require.Eventually(t, func() bool { return s.reg.Count() == 3 }, waitTime, 10*time.Millisecond)

	cfgMsg, err := NewMessage(ConfigType, map[string]string{"clusterSecret": "secret"})
	require.NoError(t, err)
	require.NoError(t, s.reg.BroadcastToNodes(cfgMsg))
	m := readMessage(t, node)
	require.Equal(t, ConfigType, m.Type)

	// Others get only the following public message.
	ntf, err := NewMessage(NotificationType, map[string]string{"event": "public"})
	require.NoError(t, err)
	require.NoError(t, s.reg.Broadcast(context.Background(), ntf))
	for _, conn := range []*websocket.Conn{anon, stranger} {
		require.Equal(t, NotificationType, readMessage(t, conn).Type)
	}
}

func TestRegistryRemoveByPubkey(t *testing.T) {
	s := newTestServer(t, AcceptorConfig{Channel: testChannelConfig()}, 0)
	priv := newKey(t)
	conn, c := s.connectNode(t, priv)
	other, _ := s.connectNode(t, newKey(t))

	msg, err := NewMessage(ConfigType, nil)
	require.NoError(t, err)
	require.NoError(t, s.reg.SendToNode(priv.PublicKey().String(), msg))
	require.Equal(t, ConfigType, readMessage(t, conn).Type)

	s.reg.RemoveByPubkey(priv.PublicKey().String())
	require.Nil(t, s.reg.NodeConnection(priv.PublicKey().String()))
	require.False(t, c.IsOpen())
	require.Equal(t, CloseGoingAway, readCloseError(t, conn).Code)
	require.ErrorIs(t, s.reg.SendToNode(priv.PublicKey().String(), msg), ErrNotOpen)

	require.NoError(t, other.WriteJSON(&Message{Type: 99, RequestID: "x"}))
	require.Equal(t, ErrorType, readMessage(t, other).Type)
	require.Equal(t, 1, s.reg.Count())
}
