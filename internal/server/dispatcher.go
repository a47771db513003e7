package server

import (
	"errors"
	"net"
	"time"

	"github.com/cbeuw/mplex/internal/common"
	mux "github.com/cbeuw/mplex/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

// Serve accepts connections from l and runs a session over each of them. It returns once l is closed
func Serve(l net.Listener, sta *State) {
	waitDur := [10]time.Duration{
		50 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
		3 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}

	fails := 0
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrListenerClosed) {
				log.Debugf("listener %v closed", l.Addr())
				return
			}
			log.Errorf("%v, retrying", err)
			time.Sleep(waitDur[fails])
			if fails < 9 {
				fails++
			}
			continue
		}
		fails = 0
		go dispatchConnection(conn, sta)
	}
}

func dispatchConnection(conn net.Conn, sta *State) {
	sesh := sta.AddSession(conn)
	log.WithFields(log.Fields{
		"remoteAddr": conn.RemoteAddr(),
		"sessionId":  sesh.ID(),
	}).Info("New session")

	for {
		stream, err := sesh.AcceptStream()
		if err != nil {
			log.WithField("sessionId", sesh.ID()).Debugf("stopped accepting streams: %v", err)
			return
		}
		go serveStream(stream, sta)
	}
}

// serveStream echoes stream back to the remote, or joins it with a new connection to ForwardAddr
func serveStream(stream *mux.Stream, sta *State) {
	fields := log.Fields{
		"remoteAddr": stream.RemoteAddr(),
		"stream":     stream.ID(),
		"name":       stream.Name(),
	}
	if sta.ForwardAddr == "" {
		if _, err := common.Copy(stream, stream, sta.Timeout); err != nil {
			log.WithFields(fields).Debugf("echo: %v", err)
			_ = stream.Reset()
		}
		return
	}

	target, err := sta.ForwardDialer.Dial("tcp", sta.ForwardAddr)
	if err != nil {
		log.WithFields(fields).Errorf("failed to connect to %v: %v", sta.ForwardAddr, err)
		_ = stream.Reset()
		return
	}
	log.WithFields(fields).Tracef("forwarding to %v", sta.ForwardAddr)
	if _, _, err = common.Pipe(stream, target, sta.Timeout); err != nil {
		log.WithFields(fields).Debugf("forward: %v", err)
		_ = stream.Reset()
	}
}
