package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHubClient wires a connected pair via pairConns and registers the
// server-facing half with h, returning its id and the peer half that a test
// reads broadcasts from (standing in for a remote client).
func newHubClient(t *testing.T, h *Hub) (id uuid.UUID, peer *Conn) {
	t.Helper()
	server, client := pairConns(t, DefaultConfig(), false)
	id = h.Register(server)
	return id, client
}

func TestHub_RegisterAndClientCount(t *testing.T) {
	h := NewHub()
	go h.Run()
	t.Cleanup(func() { _ = h.Close() })

	assert.Equal(t, 0, h.ClientCount())
	newHubClient(t, h)
	newHubClient(t, h)

	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)
}

func TestHub_BroadcastDeliversToAllClients(t *testing.T) {
	h := NewHub()
	go h.Run()
	t.Cleanup(func() { _ = h.Close() })

	_, peerA := newHubClient(t, h)
	_, peerB := newHubClient(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)

	h.BroadcastText("hello everyone")

	for _, peer := range []*Conn{peerA, peerB} {
		select {
		case res := <-peer.Messages():
			require.NoError(t, res.Err)
			assert.Equal(t, "hello everyone", string(res.Message.Data))
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast never arrived")
		}
	}
}

func TestHub_BroadcastExceptSkipsSender(t *testing.T) {
	h := NewHub()
	go h.Run()
	t.Cleanup(func() { _ = h.Close() })

	senderID, senderPeer := newHubClient(t, h)
	_, otherPeer := newHubClient(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)

	h.BroadcastExcept([]byte("payload"), senderID)

	select {
	case res := <-otherPeer.Messages():
		require.NoError(t, res.Err)
		assert.Equal(t, "payload", string(res.Message.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("excluded broadcast never reached the other client")
	}

	select {
	case res := <-senderPeer.Messages():
		t.Fatalf("sender should not have received its own excluded broadcast, got %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesTheConnection(t *testing.T) {
	h := NewHub()
	go h.Run()
	t.Cleanup(func() { _ = h.Close() })

	id, peer := newHubClient(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	h.Unregister(id)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)

	select {
	case res := <-peer.Messages():
		assert.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("unregistering never closed the connection")
	}
}

func TestHub_BroadcastJSON(t *testing.T) {
	h := NewHub()
	go h.Run()
	t.Cleanup(func() { _ = h.Close() })

	_, peer := newHubClient(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	type payload struct {
		Text string `json:"text"`
	}
	require.NoError(t, h.BroadcastJSON(payload{Text: "hi"}))

	var got payload
	select {
	case res := <-peer.Messages():
		require.NoError(t, res.Err)
		require.NoError(t, json.Unmarshal(res.Message.Data, &got))
		assert.Equal(t, "hi", got.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast JSON never arrived")
	}
}

func TestHub_CloseClosesAllConnections(t *testing.T) {
	h := NewHub()
	go h.Run()

	_, peer := newHubClient(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Close())

	select {
	case res := <-peer.Messages():
		assert.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close never tore down the registered connection")
	}
}

func TestHub_RegisterAfterCloseIsNoop(t *testing.T) {
	h := NewHub()
	go h.Run()
	require.NoError(t, h.Close())

	server, _ := pairConns(t, DefaultConfig(), false)
	id := h.Register(server)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, 0, h.ClientCount())
}
