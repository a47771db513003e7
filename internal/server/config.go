package server

import (
	"github.com/cbeuw/mplex/internal/common"
)

type RawConfig struct {
	BindAddr []string
	// Transport is "tcp" or "websocket"
	Transport string
	// WebSocketPath is the path WebSocket upgrades are served on
	WebSocketPath string
	// ForwardAddr is a TCP address every accepted stream is forwarded to. Streams are echoed back if it is empty
	ForwardAddr string
	// AdminAddr is where the admin API listens. It is not served if empty
	AdminAddr    string
	DatabasePath string
	// RxRate and TxRate are per session limits in bytes per second, 0 for unlimited
	RxRate int64
	TxRate int64

	MaxMessageSize int
	AcceptBacklog  int
	// StreamTimeout is in seconds
	StreamTimeout int
}

// ParseConfig parses the config (either a path to a json or toml file, or the json itself as argument)
func ParseConfig(conf string) (raw RawConfig, err error) {
	err = common.LoadConfig(conf, &raw)
	return
}
