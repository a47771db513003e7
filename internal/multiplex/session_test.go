package multiplex

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawPeer drives one end of a session's transport frame by frame
type rawPeer struct {
	t      *testing.T
	conn   net.Conn
	frames chan Frame
}

func makeRawPeer(t *testing.T, config SessionConfig) (*Session, *rawPeer) {
	local, remote := net.Pipe()
	sesh := MakeSession(0, local, config)
	peer := &rawPeer{t: t, conn: remote, frames: make(chan Frame, 64)}
	go func() {
		defer close(peer.frames)
		fr := newFrameReader(remote, DefaultMaxMessageSize)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				return
			}
			f.Payload = append([]byte(nil), f.Payload...)
			peer.frames <- f
		}
	}()
	return sesh, peer
}

func (p *rawPeer) send(f Frame) {
	_, err := p.conn.Write(AppendFrame(nil, &f))
	require.NoError(p.t, err)
}

func (p *rawPeer) next() Frame {
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "transport closed")
		return f
	case <-time.After(time.Second):
		p.t.Fatal("timed out waiting for a frame")
		return Frame{}
	}
}

func waitForFailure(t *testing.T, sesh *Session) error {
	select {
	case <-sesh.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end")
	}
	return sesh.Err()
}

func TestSession_MessageForUnknownStream(t *testing.T) {
	for _, initiator := range []bool{true, false} {
		sesh, peer := makeRawPeer(t, SessionConfig{})
		peer.send(Frame{StreamID: 7, Initiator: initiator, Kind: KindMessage, Payload: []byte("hi")})
		err := waitForFailure(t, sesh)
		assert.True(t, errors.Is(err, ErrProtocol), "initiator %v: %v", initiator, err)
	}
}

func TestSession_CloseForUnknownStream(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	peer.send(Frame{StreamID: 0, Initiator: false, Kind: KindClose})
	assert.True(t, errors.Is(waitForFailure(t, sesh), ErrProtocol))
}

func TestSession_DuplicateNewStream(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	peer.send(Frame{StreamID: 3, Initiator: true, Kind: KindNewStream, Payload: []byte("a")})
	stream, err := sesh.AcceptStream()
	require.NoError(t, err)
	assert.Equal(t, "a", stream.Name())
	assert.EqualValues(t, 3, stream.ID())
	assert.False(t, stream.Initiator())

	peer.send(Frame{StreamID: 3, Initiator: true, Kind: KindNewStream, Payload: []byte("b")})
	assert.True(t, errors.Is(waitForFailure(t, sesh), ErrDuplicateStream))
	assert.Equal(t, StreamReset, stream.State())
}

func TestSession_InvalidFlag(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	// header 7: stream 0, flag 7
	_, err := peer.conn.Write([]byte{0x07, 0x00})
	require.NoError(t, err)
	assert.True(t, errors.Is(waitForFailure(t, sesh), ErrProtocol))
}

func TestSession_OversizedMessage(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{MaxMessageSize: 8})
	peer.send(Frame{StreamID: 0, Initiator: true, Kind: KindNewStream})
	_, err := sesh.AcceptStream()
	require.NoError(t, err)
	b := AppendFrame(nil, &Frame{StreamID: 0, Initiator: true, Kind: KindMessage, Payload: make([]byte, 9)})
	go peer.conn.Write(b)
	assert.True(t, errors.Is(waitForFailure(t, sesh), ErrProtocol))
}

func TestSession_LateFramesAfterReset(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	stream, err := sesh.OpenStream()
	require.NoError(t, err)
	f := peer.next()
	assert.Equal(t, KindNewStream, f.Kind)
	assert.True(t, f.Initiator)
	assert.Equal(t, "0", string(f.Payload))

	require.NoError(t, stream.Reset())
	assert.Equal(t, KindReset, peer.next().Kind)

	// the peer had not seen the reset when it sent these
	peer.send(Frame{StreamID: 0, Initiator: false, Kind: KindMessage, Payload: []byte("late")})
	peer.send(Frame{StreamID: 0, Initiator: false, Kind: KindClose})
	peer.send(Frame{StreamID: 0, Initiator: false, Kind: KindReset})

	// the session is still usable
	second, err := sesh.OpenStream()
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.ID())
	assert.Equal(t, KindNewStream, peer.next().Kind)
	assert.False(t, sesh.IsClosed())
	assert.NoError(t, sesh.Err())
}

func TestSession_FramesAppliedInArrivalOrder(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	peer.send(Frame{StreamID: 0, Initiator: true, Kind: KindNewStream})
	for _, m := range []string{"one ", "two ", "three"} {
		peer.send(Frame{StreamID: 0, Initiator: true, Kind: KindMessage, Payload: []byte(m)})
	}
	peer.send(Frame{StreamID: 0, Initiator: true, Kind: KindClose})
	// a message after close is dropped, not appended
	peer.send(Frame{StreamID: 0, Initiator: true, Kind: KindMessage, Payload: []byte("four")})

	stream, err := sesh.AcceptStream()
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	assert.NoError(t, err)
	assert.Equal(t, "one two three", string(data))
	assert.Equal(t, StreamRemoteClosed, stream.State())
	assert.False(t, sesh.IsClosed())

	_, err = stream.Write([]byte("reply"))
	assert.NoError(t, err)
	f := peer.next()
	assert.Equal(t, KindMessage, f.Kind)
	assert.False(t, f.Initiator)
	assert.Equal(t, "reply", string(f.Payload))

	require.NoError(t, stream.Close())
	assert.Equal(t, KindClose, peer.next().Kind)
	assert.Equal(t, StreamClosed, stream.State())
	assert.Zero(t, sesh.Stats().Live)
}

func TestSession_TransportEOF(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	peer.send(Frame{StreamID: 0, Initiator: true, Kind: KindNewStream})
	peer.send(Frame{StreamID: 0, Initiator: true, Kind: KindMessage, Payload: []byte("unread")})
	stream, err := sesh.AcceptStream()
	require.NoError(t, err)

	require.NoError(t, peer.conn.Close())
	err = waitForFailure(t, sesh)
	assert.True(t, errors.Is(err, io.EOF), "got %v", err)
	assert.Equal(t, "connection closed by remote", sesh.TerminalMsg())

	assert.Equal(t, StreamReset, stream.State())
	_, err = stream.Read(make([]byte, 10))
	assert.Equal(t, ErrStreamClosed, err)

	_, err = sesh.OpenStream()
	assert.True(t, errors.Is(err, ErrBrokenSession))
	assert.True(t, errors.Is(err, io.EOF))
	_, err = sesh.AcceptStream()
	assert.True(t, errors.Is(err, ErrBrokenSession))
}

func TestSession_TruncatedFrame(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	b := AppendFrame(nil, &Frame{StreamID: 0, Initiator: true, Kind: KindNewStream, Payload: []byte("name")})
	_, err := peer.conn.Write(b[:len(b)-1])
	require.NoError(t, err)
	require.NoError(t, peer.conn.Close())
	assert.True(t, errors.Is(waitForFailure(t, sesh), io.ErrUnexpectedEOF))
}

func TestSession_AcceptBacklog(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{AcceptBacklog: 2})
	for i := 0; i < 2; i++ {
		peer.send(Frame{StreamID: uint64(i), Initiator: true, Kind: KindNewStream})
	}
	// the read loop is now blocked handing this stream over, so the next write cannot complete
	peer.send(Frame{StreamID: 2, Initiator: true, Kind: KindNewStream})

	written := make(chan struct{})
	go func() {
		peer.send(Frame{StreamID: 3, Initiator: true, Kind: KindNewStream})
		close(written)
	}()
	select {
	case <-written:
		t.Fatal("read loop kept reading with a full backlog")
	case <-time.After(100 * time.Millisecond):
	}

	for i := 0; i < 4; i++ {
		stream, err := sesh.AcceptStream()
		require.NoError(t, err)
		assert.EqualValues(t, i, stream.ID())
	}
	<-written
	assert.EqualValues(t, 4, sesh.Stats().OpenedRemote)
}

func TestSession_Close(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	stream, err := sesh.OpenStream()
	require.NoError(t, err)
	peer.next()

	assert.NoError(t, sesh.Close())
	assert.Equal(t, errRepeatSessionClosing, sesh.Close())
	assert.Equal(t, ErrBrokenSession, sesh.Err())
	assert.Equal(t, "closed locally", sesh.TerminalMsg())

	assert.Equal(t, StreamReset, stream.State())
	_, err = stream.Write([]byte("x"))
	assert.Equal(t, ErrStreamClosed, err)

	_, err = sesh.OpenStream()
	assert.Equal(t, ErrBrokenSession, err)
	_, err = sesh.Accept()
	assert.Equal(t, ErrBrokenSession, err)
}

func TestSession_NameTooLong(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{MaxMessageSize: 4})
	_, err := sesh.OpenNamedStream("too long")
	assert.Error(t, err)
	assert.Zero(t, sesh.Stats().Live)

	// the refused name did not use up an id
	stream, err := sesh.OpenStream()
	require.NoError(t, err)
	assert.EqualValues(t, 0, stream.ID())
	f := peer.next()
	assert.Equal(t, KindNewStream, f.Kind)
	assert.Equal(t, "0", string(f.Payload))
}

func TestSession_MessageForSkippedRemoteID(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	peer.send(Frame{StreamID: 5, Initiator: true, Kind: KindNewStream})
	stream, err := sesh.AcceptStream()
	require.NoError(t, err)
	assert.EqualValues(t, 5, stream.ID())

	// ids below the highest one opened were never opened themselves
	peer.send(Frame{StreamID: 2, Initiator: true, Kind: KindMessage, Payload: []byte("hi")})
	assert.True(t, errors.Is(waitForFailure(t, sesh), ErrProtocol))
}

func TestSession_MessageAfterRefusedOpen(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{MaxMessageSize: 4})
	_, err := sesh.OpenNamedStream("too long")
	require.Error(t, err)

	peer.send(Frame{StreamID: 0, Initiator: false, Kind: KindMessage, Payload: []byte("hi")})
	assert.True(t, errors.Is(waitForFailure(t, sesh), ErrProtocol))
}

func TestSession_UnnamedRemoteStream(t *testing.T) {
	sesh, peer := makeRawPeer(t, SessionConfig{})
	peer.send(Frame{StreamID: 4, Initiator: true, Kind: KindNewStream})
	stream, err := sesh.AcceptStream()
	require.NoError(t, err)
	assert.Equal(t, "4", stream.Name())
}

func TestSession_Addr(t *testing.T) {
	sesh, _ := makeRawPeer(t, SessionConfig{})
	assert.Equal(t, "pipe", sesh.LocalAddr().Network())
	assert.Equal(t, sesh.LocalAddr(), sesh.Addr())

	stream, err := sesh.OpenStream()
	require.NoError(t, err)
	assert.Equal(t, sesh.RemoteAddr(), stream.RemoteAddr())
}
