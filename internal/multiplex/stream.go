package multiplex

import (
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// StreamState is the lifecycle position of a Stream
type StreamState int

const (
	// StreamOpen means both directions are live
	StreamOpen StreamState = iota
	// StreamLocalClosed means we have sent Close but can still receive
	StreamLocalClosed
	// StreamRemoteClosed means the peer has sent Close but we can still send
	StreamRemoteClosed
	// StreamClosed means both directions ended normally
	StreamClosed
	// StreamReset means the stream was aborted by either side
	StreamReset
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamLocalClosed:
		return "local closed"
	case StreamRemoteClosed:
		return "remote closed"
	case StreamClosed:
		return "closed"
	case StreamReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Stream is one bidirectional byte channel of a Session. It implements net.Conn.
type Stream struct {
	id        uint64
	initiator bool
	name      string

	session *Session

	// recvBuf holds the payloads received from remote until they are read
	recvBuf *streamBufferedPipe

	stateM sync.Mutex
	state  StreamState
}

func makeStream(sesh *Session, key streamKey, name string) *Stream {
	return &Stream{
		id:        key.id,
		initiator: key.initiator,
		name:      name,
		session:   sesh,
		recvBuf:   NewStreamBufferedPipe(),
		state:     StreamOpen,
	}
}

func (s *Stream) key() streamKey { return streamKey{id: s.id, initiator: s.initiator} }

// ID returns the numeric id of the stream. It is only unique together with Initiator.
func (s *Stream) ID() uint64 { return s.id }

// Initiator reports whether this side opened the stream
func (s *Stream) Initiator() bool { return s.initiator }

// Name returns the name the opening side gave the stream
func (s *Stream) Name() string { return s.name }

func (s *Stream) State() StreamState {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	return s.state
}

// Read blocks until data is available. Once the remote has closed its direction, remaining data is drained and
// then io.EOF is returned. After a reset, Read returns ErrStreamClosed.
func (s *Stream) Read(buf []byte) (n int, err error) {
	return s.recvBuf.Read(buf)
}

// WriteTo continuously writes received data to w until the remote closes its direction, the stream is reset,
// or the timeout set by SetWriteToTimeout passes without new data
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	return s.recvBuf.WriteTo(w)
}

func (s *Stream) checkWritable() error {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	switch s.state {
	case StreamOpen, StreamRemoteClosed:
		return nil
	default:
		return ErrStreamClosed
	}
}

// Write sends in to the remote, split into frames of at most MaxMessageSize bytes of payload each
func (s *Stream) Write(in []byte) (n int, err error) {
	if err = s.checkWritable(); err != nil {
		return 0, err
	}
	for len(in) > 0 {
		chunk := in
		if len(chunk) > s.session.MaxMessageSize {
			chunk = chunk[:s.session.MaxMessageSize]
		}
		f := Frame{
			StreamID:  s.id,
			Initiator: s.initiator,
			Kind:      KindMessage,
			Payload:   chunk,
		}
		if err = s.session.writeFrame(&f, s.checkWritable); err != nil {
			return n, err
		}
		n += len(chunk)
		in = in[len(chunk):]
	}
	return n, nil
}

// Close ends our sending direction. Data already received can still be read, and the remote can keep sending
// until it closes its own direction.
func (s *Stream) Close() error {
	s.stateM.Lock()
	switch s.state {
	case StreamOpen:
		s.state = StreamLocalClosed
	case StreamRemoteClosed:
		s.state = StreamClosed
	default:
		s.stateM.Unlock()
		return ErrStreamClosed
	}
	state := s.state
	s.stateM.Unlock()

	f := Frame{
		StreamID:  s.id,
		Initiator: s.initiator,
		Kind:      KindClose,
	}
	err := s.session.writeFrame(&f, nil)
	if state == StreamClosed {
		s.session.removeStream(s)
	}
	log.Tracef("stream %v of session %v actively closed", s.key(), s.session.id)
	return err
}

// Reset aborts both directions immediately. Unread data is discarded.
func (s *Stream) Reset() error {
	if !s.setReset() {
		return ErrStreamClosed
	}
	f := Frame{
		StreamID:  s.id,
		Initiator: s.initiator,
		Kind:      KindReset,
	}
	log.Tracef("stream %v of session %v actively reset", s.key(), s.session.id)
	return s.session.writeFrame(&f, nil)
}

// setReset moves the stream into StreamReset. It returns false if the stream had already terminated.
func (s *Stream) setReset() bool {
	s.stateM.Lock()
	if s.state == StreamClosed || s.state == StreamReset {
		s.stateM.Unlock()
		return false
	}
	s.state = StreamReset
	s.stateM.Unlock()

	s.session.removeStream(s)
	s.recvBuf.Reset()
	return true
}

// recvMessage queues a payload received from remote
func (s *Stream) recvMessage(payload []byte) {
	if _, err := s.recvBuf.Write(payload); err != nil {
		log.Debugf("stream %v of session %v: dropping %v bytes received after remote close or reset",
			s.key(), s.session.id, len(payload))
	}
}

// recvClose applies a Close received from remote
func (s *Stream) recvClose() {
	s.stateM.Lock()
	switch s.state {
	case StreamOpen:
		s.state = StreamRemoteClosed
	case StreamLocalClosed:
		s.state = StreamClosed
	default:
		s.stateM.Unlock()
		log.Debugf("stream %v of session %v: ignoring close in state %v", s.key(), s.session.id, s.state)
		return
	}
	state := s.state
	s.stateM.Unlock()

	if state == StreamClosed {
		s.session.removeStream(s)
	}
	_ = s.recvBuf.Close() // recvBuf.Close should not return error
	log.Tracef("stream %v of session %v passively closed", s.key(), s.session.id)
}

// recvReset applies a Reset received from remote
func (s *Stream) recvReset() {
	if s.setReset() {
		log.Tracef("stream %v of session %v passively reset", s.key(), s.session.id)
	}
}

func (s *Stream) LocalAddr() net.Addr  { return s.session.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.session.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error {
	s.recvBuf.SetReadDeadline(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.recvBuf.SetReadDeadline(t)
	return nil
}

// SetWriteDeadline is a no-op: writes only wait for the shared transport
func (s *Stream) SetWriteDeadline(t time.Time) error { return nil }

// SetWriteToTimeout sets how long WriteTo waits for new data before giving up with ErrTimeout
func (s *Stream) SetWriteToTimeout(d time.Duration) { s.recvBuf.SetWriteToTimeout(d) }
