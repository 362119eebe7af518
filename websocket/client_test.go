package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialTestServer(t *testing.T, server *httptest.Server, cfg *ClientConfig) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, resp, err := Dial(ctx, wsURL(server), cfg)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTestServer(t *testing.T, cfg *ServerConfig, handler func(*Conn)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, cfg)
		if err != nil {
			return
		}
		if handler != nil {
			handler(conn)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDial_SuccessfulHandshake(t *testing.T) {
	server := newTestServer(t, nil, nil)
	client := dialTestServer(t, server, nil)
	assert.Equal(t, StateOpen, client.State())
}

func TestDial_MessageRoundTrip(t *testing.T) {
	echoed := make(chan struct{})
	server := newTestServer(t, nil, func(c *Conn) {
		res := <-c.Messages()
		require.NoError(t, res.Err)
		require.NoError(t, c.WriteMessage(res.Message))
		close(echoed)
	})
	client := dialTestServer(t, server, nil)

	require.NoError(t, client.WriteText("ping"))
	select {
	case res := <-client.Messages():
		require.NoError(t, res.Err)
		assert.Equal(t, "ping", string(res.Message.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no echoed message received")
	}
	<-echoed
}

func TestDial_RejectsUnsupportedScheme(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := Dial(ctx, "http://example.com", nil)
	require.Error(t, err)
	var he *HandshakeError
	assert.ErrorAs(t, err, &he)
}

func TestDial_RejectsInvalidURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := Dial(ctx, "ws://[::1", nil)
	require.Error(t, err)
}

func TestDial_SurfacesNonSwitchingProtocolsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, resp, err := Dial(ctx, wsURL(server), nil)
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDial_NegotiatesSubprotocol(t *testing.T) {
	serverCfg := DefaultServerConfig()
	serverCfg.Subprotocols = []string{"chat.v1"}
	server := newTestServer(t, &serverCfg, nil)

	clientCfg := DefaultClientConfig()
	clientCfg.Subprotocols = []string{"chat.v1"}
	client := dialTestServer(t, server, &clientCfg)

	assert.Equal(t, "chat.v1", client.Subprotocol())
}

func TestDial_NegotiatesDeflate(t *testing.T) {
	serverCfg := DefaultServerConfig()
	serverCfg.EnableDeflate = true
	server := newTestServer(t, &serverCfg, nil)

	clientCfg := DefaultClientConfig()
	clientCfg.EnableDeflate = true
	client := dialTestServer(t, server, &clientCfg)

	assert.True(t, client.deflateNegotiated)
}

func TestNewClientKey_ProducesDistinctValues(t *testing.T) {
	a, err := newClientKey()
	require.NoError(t, err)
	b, err := newClientKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
