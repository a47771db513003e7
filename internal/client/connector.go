package client

import (
	"fmt"
	"time"

	mux "github.com/cbeuw/mplex/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

const redialInterval = 3 * time.Second

// MakeSession dials the server and starts a session over the connection, trying up to DialAttempts times
func MakeSession(connConfig RemoteConnConfig) (*mux.Session, error) {
	log.Info("Attempting to start a new session")

	var lastErr error
	for attempt := 1; attempt <= connConfig.DialAttempts; attempt++ {
		remoteConn, err := connConfig.Dialer.Dial("tcp", connConfig.RemoteAddr)
		if err != nil {
			lastErr = err
			log.Errorf("Failed to establish connection to remote (attempt %v of %v): %v",
				attempt, connConfig.DialAttempts, err)
			if attempt < connConfig.DialAttempts {
				time.Sleep(redialInterval)
			}
			continue
		}
		sesh := mux.MakeSession(0, remoteConn, connConfig.SessionConfig)
		log.Infof("Session established with %v", remoteConn.RemoteAddr())
		return sesh, nil
	}
	return nil, fmt.Errorf("unable to reach %v: %w", connConfig.RemoteAddr, lastErr)
}
