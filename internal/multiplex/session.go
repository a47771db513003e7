package multiplex

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

const (
	defaultAcceptBacklog = 1024
)

type SessionConfig struct {
	// Valve is used to limit transmission rates, and record usage. If it is nil, the session counts its
	// traffic on a Valve of its own without limiting it
	Valve *Valve

	// MaxMessageSize is the largest payload a frame carries. Writes are split into frames of at most this size
	// and a frame announcing a larger payload is a protocol error. Defaults to DefaultMaxMessageSize
	MaxMessageSize int

	// AcceptBacklog is the number of remotely opened streams that can wait for Accept. While the backlog is full
	// the session stops reading from its transport
	AcceptBacklog int
}

// A Session multiplexes streams over one underlying connection. It runs the only reader of the connection,
// which decodes frames and routes them to their streams, and it serialises the frames written by all of its
// streams so that they never interleave on the connection.
type Session struct {
	id uint32

	SessionConfig

	conn io.ReadWriteCloser

	table *streamTable
	// For accepting new streams
	acceptCh chan *Stream

	// held while a whole frame is written to conn
	writeM sync.Mutex
	// frame encoding buffers, sized to hold a full frame
	sendBufPool sync.Pool

	// atomic
	openedLocal  uint64
	openedRemote uint64

	// Used for LocalAddr() and RemoteAddr()
	addrs atomic.Value

	closed uint32
	die    chan struct{}
	// error ending the session, set once before die is closed
	terminalErr error

	terminalMsgSetter sync.Once
	terminalMsg       string
}

// MakeSession takes ownership of conn and starts multiplexing over it
func MakeSession(id uint32, conn io.ReadWriteCloser, config SessionConfig) *Session {
	sesh := &Session{
		id:            id,
		SessionConfig: config,
		conn:          conn,
		table:         makeStreamTable(),
		die:           make(chan struct{}),
	}

	if sesh.Valve == nil {
		sesh.Valve = MakeUnlimitedValve()
	}
	if sesh.MaxMessageSize <= 0 {
		sesh.MaxMessageSize = DefaultMaxMessageSize
	}
	if sesh.AcceptBacklog <= 0 {
		sesh.AcceptBacklog = defaultAcceptBacklog
	}
	sesh.acceptCh = make(chan *Stream, sesh.AcceptBacklog)

	sendBufferSize := sesh.MaxMessageSize + maxHeaderLen
	sesh.sendBufPool = sync.Pool{New: func() interface{} {
		b := make([]byte, 0, sendBufferSize)
		return &b
	}}

	addrs := []net.Addr{nil, nil}
	if c, ok := conn.(interface {
		LocalAddr() net.Addr
		RemoteAddr() net.Addr
	}); ok {
		addrs = []net.Addr{c.LocalAddr(), c.RemoteAddr()}
	}
	sesh.addrs.Store(addrs)

	go sesh.recvLoop()
	return sesh
}

// OpenStream is similar to net.Dial. It opens up a new stream, named after its id
func (sesh *Session) OpenStream() (*Stream, error) {
	return sesh.OpenNamedStream("")
}

// OpenNamedStream opens a new stream and announces it to the remote under name. The stream is returned as soon as
// the announcement has been written, before the remote has seen it.
func (sesh *Session) OpenNamedStream(name string) (*Stream, error) {
	if sesh.IsClosed() {
		return nil, sesh.brokenErr()
	}
	if len(name) > sesh.MaxMessageSize {
		return nil, fmt.Errorf("stream name of %v bytes does not fit in a frame", len(name))
	}
	id, err := sesh.table.allocate()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = strconv.FormatUint(id, 10)
		if len(name) > sesh.MaxMessageSize {
			return nil, fmt.Errorf("stream id %v does not fit in a frame as its name", name)
		}
	}
	key := streamKey{id: id, initiator: true}
	stream := makeStream(sesh, key, name)
	// registered before it is announced, so that the remote's replies always find it
	if err = sesh.table.register(key, stream); err != nil {
		return nil, err
	}

	f := Frame{
		StreamID:  id,
		Initiator: true,
		Kind:      KindNewStream,
		Payload:   []byte(name),
	}
	if err = sesh.writeFrame(&f, nil); err != nil {
		sesh.table.remove(key)
		return nil, err
	}
	atomic.AddUint64(&sesh.openedLocal, 1)
	log.Tracef("stream %v of session %v opened", key, sesh.id)
	return stream, nil
}

// AcceptStream blocks and returns the next stream opened by the remote
func (sesh *Session) AcceptStream() (*Stream, error) {
	select {
	case <-sesh.die:
		return nil, sesh.brokenErr()
	default:
	}
	select {
	case stream := <-sesh.acceptCh:
		log.Tracef("stream %v of session %v accepted", stream.key(), sesh.id)
		return stream, nil
	case <-sesh.die:
		return nil, sesh.brokenErr()
	}
}

// Accept is similar to net.Listener's Accept(). It blocks and returns an incoming stream
func (sesh *Session) Accept() (net.Conn, error) {
	stream, err := sesh.AcceptStream()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (sesh *Session) removeStream(s *Stream) {
	sesh.table.remove(s.key())
	log.Tracef("stream %v of session %v removed", s.key(), sesh.id)
}

// writeFrame encodes f and writes it to the connection as a whole. guard, if not nil, is checked once this
// frame has its turn on the connection, and the frame is dropped if guard fails.
func (sesh *Session) writeFrame(f *Frame, guard func() error) error {
	bufp := sesh.sendBufPool.Get().(*[]byte)
	defer sesh.sendBufPool.Put(bufp)
	out := AppendFrame((*bufp)[:0], f)
	*bufp = out[:0]

	sesh.writeM.Lock()
	defer sesh.writeM.Unlock()
	if guard != nil {
		if err := guard(); err != nil {
			return err
		}
	}
	if sesh.IsClosed() {
		return sesh.brokenErr()
	}

	sesh.Valve.txWait(len(out))
	n, err := sesh.conn.Write(out)
	sesh.Valve.AddTx(int64(n))
	if err == nil && n < len(out) {
		err = io.ErrShortWrite
	}
	if err != nil {
		sesh.SetTerminalMsg("failed to send to remote " + err.Error())
		sesh.fail(fmt.Errorf("writing %v: %w", f, err))
		return sesh.brokenErr()
	}
	return nil
}

// recvLoop is the only reader of the connection. It runs until the session ends.
func (sesh *Session) recvLoop() {
	fr := newFrameReader(&valvedReader{r: sesh.conn, valve: sesh.Valve}, sesh.MaxMessageSize)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			if err == io.EOF {
				sesh.SetTerminalMsg("connection closed by remote")
			} else {
				sesh.SetTerminalMsg("failed to read from remote " + err.Error())
			}
			sesh.fail(fmt.Errorf("reading frame: %w", err))
			return
		}
		if err = sesh.dispatch(&f); err != nil {
			sesh.SetTerminalMsg(err.Error())
			sesh.fail(err)
			return
		}
	}
}

// dispatch applies one received frame. A non-nil error is fatal to the session.
func (sesh *Session) dispatch(f *Frame) error {
	// f.Initiator is from the sender's point of view
	key := streamKey{id: f.StreamID, initiator: !f.Initiator}

	switch f.Kind {
	case KindNewStream:
		return sesh.acceptNewStream(key, string(f.Payload))
	case KindMessage:
		stream, err := sesh.streamFor(key, f)
		if stream == nil {
			return err
		}
		stream.recvMessage(f.Payload)
	case KindClose:
		stream, err := sesh.streamFor(key, f)
		if stream == nil {
			return err
		}
		stream.recvClose()
	case KindReset:
		stream, err := sesh.streamFor(key, f)
		if stream == nil {
			return err
		}
		stream.recvReset()
	default:
		return fmt.Errorf("%w: unknown frame kind %v", ErrProtocol, f.Kind)
	}
	return nil
}

func (sesh *Session) acceptNewStream(key streamKey, name string) error {
	// a peer may announce a stream without a name
	if name == "" {
		name = strconv.FormatUint(key.id, 10)
	}
	stream := makeStream(sesh, key, name)
	if err := sesh.table.register(key, stream); err != nil {
		return err
	}
	atomic.AddUint64(&sesh.openedRemote, 1)
	log.Tracef("stream %v of session %v opened by remote", key, sesh.id)
	select {
	case sesh.acceptCh <- stream:
		return nil
	case <-sesh.die:
		return sesh.brokenErr()
	}
}

// streamFor finds the stream a frame belongs to. It returns a nil stream and a nil error for frames that
// arrive late for a stream which has already been removed; those are dropped.
func (sesh *Session) streamFor(key streamKey, f *Frame) (*Stream, error) {
	stream, err := sesh.table.lookup(key)
	if err == nil {
		return stream, nil
	}
	if sesh.table.retired(key) {
		log.Tracef("session %v: dropping %v for retired stream %v", sesh.id, f, key)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %v for stream %v which was never opened", ErrProtocol, f.Kind, key)
}

// fail ends the session. Only the first call has any effect, and it reports whether it was the one.
func (sesh *Session) fail(err error) bool {
	if !atomic.CompareAndSwapUint32(&sesh.closed, 0, 1) {
		return false
	}
	sesh.terminalErr = err
	_ = sesh.conn.Close()

	live := sesh.table.drain()
	for _, stream := range live {
		stream.setReset()
	}
	close(sesh.die)

	if errors.Is(err, ErrBrokenSession) {
		log.Debugf("session %v closed, %v streams reset", sesh.id, len(live))
	} else {
		log.Debugf("session %v ended, %v streams reset: %v", sesh.id, len(live), err)
	}
	return true
}

// brokenErr is returned by operations on a session that has ended
func (sesh *Session) brokenErr() error {
	select {
	case <-sesh.die:
	default:
		// ending, but terminalErr is not published yet
		return ErrBrokenSession
	}
	if sesh.terminalErr == nil || errors.Is(sesh.terminalErr, ErrBrokenSession) {
		return ErrBrokenSession
	}
	return fmt.Errorf("%w: %w", ErrBrokenSession, sesh.terminalErr)
}

// Done returns a channel that is closed once the session has ended
func (sesh *Session) Done() <-chan struct{} { return sesh.die }

// Err returns the condition that ended the session: ErrBrokenSession if it was closed locally, an error wrapping
// io.EOF if the connection was closed, ErrProtocol or ErrDuplicateStream if the remote misbehaved. It returns nil
// while the session is running.
func (sesh *Session) Err() error {
	select {
	case <-sesh.die:
		return sesh.terminalErr
	default:
		return nil
	}
}

func (sesh *Session) SetTerminalMsg(msg string) {
	log.Debug("terminal message set to " + msg)
	sesh.terminalMsgSetter.Do(func() {
		sesh.terminalMsg = msg
	})
}

func (sesh *Session) TerminalMsg() string {
	return sesh.terminalMsg
}

// Close ends the session and closes the underlying connection. Every stream still live is reset.
func (sesh *Session) Close() error {
	log.Debugf("attempting to actively close session %v", sesh.id)
	sesh.SetTerminalMsg("closed locally")
	if !sesh.fail(ErrBrokenSession) {
		log.Debugf("session %v has already been closed", sesh.id)
		return errRepeatSessionClosing
	}
	return nil
}

func (sesh *Session) IsClosed() bool {
	return atomic.LoadUint32(&sesh.closed) == 1
}

// ID returns the id the session was made with
func (sesh *Session) ID() uint32 { return sesh.id }

// Stats is a snapshot of a session's counters
type Stats struct {
	OpenedLocal  uint64
	OpenedRemote uint64
	Live         int
	// Rx and Tx are read from the session's Valve, so they cover every session sharing it
	Rx int64
	Tx int64
}

func (sesh *Session) Stats() Stats {
	return Stats{
		OpenedLocal:  atomic.LoadUint64(&sesh.openedLocal),
		OpenedRemote: atomic.LoadUint64(&sesh.openedRemote),
		Live:         sesh.table.len(),
		Rx:           sesh.Valve.GetRx(),
		Tx:           sesh.Valve.GetTx(),
	}
}

func (sesh *Session) LocalAddr() net.Addr  { return sesh.addrs.Load().([]net.Addr)[0] }
func (sesh *Session) RemoteAddr() net.Addr { return sesh.addrs.Load().([]net.Addr)[1] }

// Addr makes Session a net.Listener
func (sesh *Session) Addr() net.Addr { return sesh.LocalAddr() }
