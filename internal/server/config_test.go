package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cbeuw/mplex/internal/common"
	"github.com/cbeuw/mplex/internal/server/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	const tomlContent = `
BindAddr = ["127.0.0.1:7000"]
Transport = "websocket"
WebSocketPath = "/mplex"
ForwardAddr = "127.0.0.1:8080"
AdminAddr = "127.0.0.1:7001"
RxRate = 1048576
TxRate = 2097152
MaxMessageSize = 65536
AcceptBacklog = 16
StreamTimeout = 60
`
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlContent), 0644))

	raw, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, RawConfig{
		BindAddr:       []string{"127.0.0.1:7000"},
		Transport:      "websocket",
		WebSocketPath:  "/mplex",
		ForwardAddr:    "127.0.0.1:8080",
		AdminAddr:      "127.0.0.1:7001",
		RxRate:         1048576,
		TxRate:         2097152,
		MaxMessageSize: 65536,
		AcceptBacklog:  16,
		StreamTimeout:  60,
	}, raw)

	sta, err := InitState(raw, common.RealWorldState)
	require.NoError(t, err)
	assert.Equal(t, TransportWebSocket, sta.Transport)
	assert.Equal(t, 60*time.Second, sta.Timeout)
	assert.Equal(t, 65536, sta.SessionConfig.MaxMessageSize)
	assert.Equal(t, 16, sta.SessionConfig.AcceptBacklog)
	require.Len(t, sta.BindAddr, 1)
	assert.Equal(t, "127.0.0.1:7000", sta.BindAddr[0].String())
}

func TestInitState(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		raw, err := ParseConfig(`{"BindAddr":[":7000"]}`)
		require.NoError(t, err)
		sta, err := InitState(raw, common.RealWorldState)
		require.NoError(t, err)
		assert.Equal(t, TransportTCP, sta.Transport)
		assert.Equal(t, "/", sta.WebSocketPath)
		assert.Equal(t, defaultStreamTimeout, sta.Timeout)
		assert.Empty(t, sta.ForwardAddr)
		assert.IsType(t, &usage.VoidRecorder{}, sta.Recorder)
	})

	bad := map[string]RawConfig{
		"unknown transport": {Transport: "quic"},
		"bad bind address":  {BindAddr: []string{"not an address"}},
		"bad forward":       {ForwardAddr: "nowhere"},
		"negative rate":     {RxRate: -1},
		"negative size":     {MaxMessageSize: -1},
		"bad database path": {DatabasePath: filepath.Join(t.TempDir(), "missing", "usage.db")},
	}
	for name, raw := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := InitState(raw, common.RealWorldState)
			assert.Error(t, err)
		})
	}
}

func TestParseBindAddr(t *testing.T) {
	for _, addr := range []string{":443", "192.168.1.123:443", "[::]:443"} {
		t.Run(addr, func(t *testing.T) {
			addrs, err := parseBindAddr([]string{addr})
			require.NoError(t, err)
			assert.Equal(t, addr, addrs[0].String())
		})
	}

	t.Run("mixed", func(t *testing.T) {
		addrs, err := parseBindAddr([]string{":80", "[::]:443"})
		require.NoError(t, err)
		require.Len(t, addrs, 2)
		assert.Equal(t, ":80", addrs[0].String())
		assert.Equal(t, "[::]:443", addrs[1].String())
	})
}
