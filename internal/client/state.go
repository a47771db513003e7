package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cbeuw/mplex/internal/common"
	mux "github.com/cbeuw/mplex/internal/multiplex"
)

// RawConfig represents the fields in the config file
// nullable means if it's empty, a default value will be chosen in ProcessRawConfig
type RawConfig struct {
	RemoteHost string
	RemotePort string

	Transport      string // nullable
	WebSocketPath  string // nullable
	NumStreams     int    // nullable
	NumChunks      int    // nullable
	Label          string // nullable
	MaxMessageSize int    // nullable
	StreamTimeout  int    // nullable
	DialAttempts   int    // nullable
}

type RemoteConnConfig struct {
	RemoteAddr    string
	Dialer        common.Dialer
	DialAttempts  int
	SessionConfig mux.SessionConfig
}

type RunConfig struct {
	NumStreams int
	NumChunks  int
	Label      string
	Timeout    time.Duration
}

// ParseConfig parses the config (either a path to a json or toml file, or the json itself as argument)
func ParseConfig(conf string) (raw RawConfig, err error) {
	err = common.LoadConfig(conf, &raw)
	return
}

func (raw *RawConfig) ProcessRawConfig() (remote RemoteConnConfig, run RunConfig, err error) {
	if raw.RemoteHost == "" {
		err = errors.New("RemoteHost cannot be empty")
		return
	}
	if raw.RemotePort == "" {
		err = errors.New("RemotePort cannot be empty")
		return
	}
	remote.RemoteAddr = net.JoinHostPort(raw.RemoteHost, raw.RemotePort)

	switch strings.ToLower(raw.Transport) {
	case "", "tcp":
		remote.Dialer = &net.Dialer{}
	case "websocket":
		remote.Dialer = common.WebSocketDialer{Path: raw.WebSocketPath}
	default:
		err = fmt.Errorf("unknown transport %v", raw.Transport)
		return
	}

	if raw.DialAttempts <= 0 {
		remote.DialAttempts = 3
	} else {
		remote.DialAttempts = raw.DialAttempts
	}
	if raw.MaxMessageSize < 0 {
		err = errors.New("MaxMessageSize cannot be negative")
		return
	}
	remote.SessionConfig = mux.SessionConfig{MaxMessageSize: raw.MaxMessageSize}

	if raw.NumStreams <= 0 {
		run.NumStreams = 100
	} else {
		run.NumStreams = raw.NumStreams
	}
	if raw.NumChunks <= 0 {
		run.NumChunks = 99
	} else {
		run.NumChunks = raw.NumChunks
	}
	if raw.Label == "" {
		run.Label = "stream"
	} else {
		run.Label = raw.Label
	}
	if raw.StreamTimeout <= 0 {
		run.Timeout = 30 * time.Second
	} else {
		run.Timeout = time.Duration(raw.StreamTimeout) * time.Second
	}
	return
}
