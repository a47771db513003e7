package server

import (
	"net"
	"testing"
	"time"

	"github.com/cbeuw/mplex/internal/common"
	mux "github.com/cbeuw/mplex/internal/multiplex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_WebSocket(t *testing.T) {
	tcpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := ListenWebSocket(tcpListener, "/mplex")
	sta := makeState(t, RawConfig{Transport: TransportWebSocket})
	done := make(chan struct{})
	go func() {
		Serve(l, sta)
		close(done)
	}()

	conn, err := common.WebSocketDialer{Path: "/mplex"}.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	client := mux.MakeSession(0, conn, mux.SessionConfig{})
	sendAndReceive(t, client, 10)
	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return sta.NumSessions() == 0 }, time.Second, 10*time.Millisecond)

	_, err = common.WebSocketDialer{Path: "/elsewhere"}.Dial("tcp", l.Addr().String())
	assert.Error(t, err, "upgrades are only served on the configured path")

	require.NoError(t, l.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Serve did not return after its listener was closed")
	}
}
