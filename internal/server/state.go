package server

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cbeuw/mplex/internal/common"
	mux "github.com/cbeuw/mplex/internal/multiplex"
	"github.com/cbeuw/mplex/internal/server/usage"
	log "github.com/sirupsen/logrus"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

const defaultStreamTimeout = 300 * time.Second

var ErrSessionNotFound = errors.New("session does not exist")

// State type stores the global state of the program
type State struct {
	BindAddr      []net.Addr
	Transport     string
	WebSocketPath string
	ForwardAddr   string
	AdminAddr     string

	Timeout time.Duration
	RxRate  int64
	TxRate  int64

	SessionConfig mux.SessionConfig

	WorldState common.WorldState
	// ForwardDialer is used to reach ForwardAddr
	ForwardDialer common.Dialer

	Recorder usage.Recorder

	sessionsM     sync.RWMutex
	sessions      map[uint32]*activeSession
	nextSessionID uint32
}

// activeSession is a session together with what is known about its connection
type activeSession struct {
	sesh       *mux.Session
	remoteAddr string
	startTime  time.Time
}

// SessionInfo describes a live session
type SessionInfo struct {
	SessionID    uint32
	RemoteAddr   string
	StartTime    int64
	LiveStreams  int
	OpenedLocal  uint64
	OpenedRemote uint64
	Rx           int64
	Tx           int64
}

func parseBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

func InitState(preParse RawConfig, worldState common.WorldState) (sta *State, err error) {
	sta = &State{
		WorldState:    worldState,
		ForwardDialer: &net.Dialer{},
		sessions:      map[uint32]*activeSession{},
	}

	sta.BindAddr, err = parseBindAddr(preParse.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse BindAddr: %w", err)
	}

	switch strings.ToLower(preParse.Transport) {
	case "", TransportTCP:
		sta.Transport = TransportTCP
	case TransportWebSocket:
		sta.Transport = TransportWebSocket
	default:
		return nil, fmt.Errorf("unknown transport %v", preParse.Transport)
	}
	sta.WebSocketPath = preParse.WebSocketPath
	if sta.WebSocketPath == "" {
		sta.WebSocketPath = "/"
	}

	if preParse.ForwardAddr != "" {
		if _, _, err = net.SplitHostPort(preParse.ForwardAddr); err != nil {
			return nil, fmt.Errorf("unable to parse ForwardAddr: %w", err)
		}
	}
	sta.ForwardAddr = preParse.ForwardAddr
	sta.AdminAddr = preParse.AdminAddr

	if preParse.StreamTimeout == 0 {
		sta.Timeout = defaultStreamTimeout
	} else {
		sta.Timeout = time.Duration(preParse.StreamTimeout) * time.Second
	}

	if preParse.RxRate < 0 || preParse.TxRate < 0 {
		return nil, errors.New("RxRate and TxRate cannot be negative")
	}
	sta.RxRate = preParse.RxRate
	sta.TxRate = preParse.TxRate

	if preParse.MaxMessageSize < 0 || preParse.AcceptBacklog < 0 {
		return nil, errors.New("MaxMessageSize and AcceptBacklog cannot be negative")
	}
	sta.SessionConfig = mux.SessionConfig{
		MaxMessageSize: preParse.MaxMessageSize,
		AcceptBacklog:  preParse.AcceptBacklog,
	}

	if preParse.DatabasePath == "" {
		sta.Recorder = &usage.VoidRecorder{}
	} else {
		sta.Recorder, err = usage.MakeBoltRecorder(preParse.DatabasePath, worldState)
		if err != nil {
			return nil, fmt.Errorf("unable to open usage database: %w", err)
		}
	}
	return sta, nil
}

func (sta *State) makeValve() *mux.Valve {
	rxRate, txRate := int64(mux.Unlimited), int64(mux.Unlimited)
	if sta.RxRate > 0 {
		rxRate = sta.RxRate
	}
	if sta.TxRate > 0 {
		txRate = sta.TxRate
	}
	return mux.MakeValve(rxRate, txRate)
}

// AddSession starts a session over conn and tracks it until it ends, at which point its usage is recorded
func (sta *State) AddSession(conn net.Conn) *mux.Session {
	config := sta.SessionConfig
	config.Valve = sta.makeValve()

	var remoteAddr string
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	sta.sessionsM.Lock()
	id := sta.nextSessionID
	sta.nextSessionID++
	sesh := mux.MakeSession(id, conn, config)
	sta.sessions[id] = &activeSession{
		sesh:       sesh,
		remoteAddr: remoteAddr,
		startTime:  sta.WorldState.Now(),
	}
	sta.sessionsM.Unlock()

	go func() {
		<-sesh.Done()
		sta.endSession(id)
	}()
	return sesh
}

func (sta *State) endSession(id uint32) {
	sta.sessionsM.RLock()
	active, ok := sta.sessions[id]
	sta.sessionsM.RUnlock()
	if !ok {
		return
	}
	// listed until recorded, as Shutdown closes the recorder once the list is empty
	defer func() {
		sta.sessionsM.Lock()
		delete(sta.sessions, id)
		sta.sessionsM.Unlock()
	}()

	stats := active.sesh.Stats()
	record := usage.Record{
		SessionID:    id,
		RemoteAddr:   active.remoteAddr,
		StartTime:    active.startTime.Unix(),
		EndTime:      sta.WorldState.Now().Unix(),
		OpenedLocal:  stats.OpenedLocal,
		OpenedRemote: stats.OpenedRemote,
		Rx:           stats.Rx,
		Tx:           stats.Tx,
		TerminalMsg:  active.sesh.TerminalMsg(),
	}
	if _, err := sta.Recorder.RecordSession(record); err != nil {
		log.WithField("sessionId", id).Errorf("failed to record usage: %v", err)
	}
	log.WithFields(log.Fields{
		"sessionId":  id,
		"remoteAddr": active.remoteAddr,
		"reason":     active.sesh.TerminalMsg(),
		"rx":         stats.Rx,
		"tx":         stats.Tx,
	}).Info("Session ended")
}

func (sta *State) GetSession(id uint32) (SessionInfo, error) {
	sta.sessionsM.RLock()
	defer sta.sessionsM.RUnlock()
	active, ok := sta.sessions[id]
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return active.info(id), nil
}

// ListSessions returns the live sessions ordered by id
func (sta *State) ListSessions() []SessionInfo {
	sta.sessionsM.RLock()
	infos := make([]SessionInfo, 0, len(sta.sessions))
	for id, active := range sta.sessions {
		infos = append(infos, active.info(id))
	}
	sta.sessionsM.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// CloseSession ends a live session, resetting all of its streams
func (sta *State) CloseSession(id uint32, reason string) error {
	sta.sessionsM.RLock()
	active, ok := sta.sessions[id]
	sta.sessionsM.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	active.sesh.SetTerminalMsg(reason)
	_ = active.sesh.Close()
	return nil
}

func (sta *State) NumSessions() int {
	sta.sessionsM.RLock()
	defer sta.sessionsM.RUnlock()
	return len(sta.sessions)
}

// Shutdown closes every live session and the usage database
func (sta *State) Shutdown() error {
	sta.sessionsM.RLock()
	var live []*mux.Session
	for _, active := range sta.sessions {
		live = append(live, active.sesh)
	}
	sta.sessionsM.RUnlock()
	for _, sesh := range live {
		sesh.SetTerminalMsg("server shutting down")
		_ = sesh.Close()
	}
	for sta.NumSessions() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	return sta.Recorder.Close()
}

func (active *activeSession) info(id uint32) SessionInfo {
	stats := active.sesh.Stats()
	return SessionInfo{
		SessionID:    id,
		RemoteAddr:   active.remoteAddr,
		StartTime:    active.startTime.Unix(),
		LiveStreams:  stats.Live,
		OpenedLocal:  stats.OpenedLocal,
		OpenedRemote: stats.OpenedRemote,
		Rx:           stats.Rx,
		Tx:           stats.Tx,
	}
}
