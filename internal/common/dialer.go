package common

import (
	"net"
	"net/url"

	"github.com/gorilla/websocket"
)

type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// WebSocketDialer dials a WebSocket endpoint and hands back the connection as a byte stream. network is ignored.
type WebSocketDialer struct {
	// Path is the request path of the endpoint, "/" if empty
	Path string
	// Dialer defaults to websocket.DefaultDialer
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(network, address string) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	path := d.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: "ws", Host: address, Path: path}
	c, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(c), nil
}
