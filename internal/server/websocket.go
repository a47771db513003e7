package server

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/cbeuw/mplex/internal/common"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var ErrListenerClosed = errors.New("listener closed")

// wsListener accepts WebSocket connections as net.Conns. net/http owns the underlying listener and calls our
// handler for each upgrade request, which passes the upgraded connection on to Accept.
type wsListener struct {
	l        net.Listener
	conns    chan net.Conn
	upgrader websocket.Upgrader

	closeOnce sync.Once
	closed    chan struct{}
}

// ListenWebSocket serves WebSocket upgrades on path over l
func ListenWebSocket(l net.Listener, path string) net.Listener {
	ws := &wsListener{
		l:      l,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle(path, ws)
	go func() {
		err := http.Serve(l, mux)
		log.Debugf("websocket listener on %v stopped: %v", l.Addr(), err)
		ws.Close()
	}()
	return ws
}

func (ws *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("remoteAddr", r.RemoteAddr).Errorf("failed to upgrade connection to ws: %v", err)
		return
	}
	select {
	case ws.conns <- common.NewWebSocketConn(c):
	case <-ws.closed:
		c.Close()
	}
}

func (ws *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-ws.conns:
		return conn, nil
	case <-ws.closed:
		return nil, ErrListenerClosed
	}
}

func (ws *wsListener) Close() (err error) {
	ws.closeOnce.Do(func() {
		close(ws.closed)
		err = ws.l.Close()
	})
	return
}

func (ws *wsListener) Addr() net.Addr { return ws.l.Addr() }
