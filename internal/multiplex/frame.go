package multiplex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// FrameKind is the operation a Frame carries, independent of which side of the stream sent it
type FrameKind uint8

const (
	KindNewStream FrameKind = iota
	KindMessage
	KindClose
	KindReset
)

func (k FrameKind) String() string {
	switch k {
	case KindNewStream:
		return "NewStream"
	case KindMessage:
		return "Message"
	case KindClose:
		return "Close"
	case KindReset:
		return "Reset"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}

// Flag is the 3-bit operation code found in the low bits of a frame header.
//
// The Receiver/Initiator suffix tells which end of the stream sent the frame: the same numeric id
// can be in use by both peers at once, one stream opened by each side.
type Flag uint8

const (
	FlagNewStream        Flag = 0
	FlagMessageReceiver  Flag = 1
	FlagMessageInitiator Flag = 2
	FlagCloseReceiver    Flag = 3
	FlagCloseInitiator   Flag = 4
	FlagResetReceiver    Flag = 5
	FlagResetInitiator   Flag = 6
)

const (
	flagBits = 3
	flagMask = 1<<flagBits - 1

	// MaxStreamID is the largest id whose header still fits in a 63-bit varint
	MaxStreamID = varint.MaxValueUvarint63 >> flagBits

	// DefaultMaxMessageSize is the largest payload carried by a single frame
	DefaultMaxMessageSize = 1 << 20

	// maxHeaderLen is the space needed for the header and length varints
	maxHeaderLen = 2 * binary.MaxVarintLen64
)

var errIncompleteFrame = errors.New("incomplete frame")

// Frame is the wire unit. Initiator is true when the sender of the frame is the side that opened the stream.
type Frame struct {
	StreamID  uint64
	Initiator bool
	Kind      FrameKind
	Payload   []byte
}

// Flag returns the wire flag for this frame
func (f *Frame) Flag() Flag {
	if f.Kind == KindNewStream {
		return FlagNewStream
	}
	// KindMessage -> 1/2, KindClose -> 3/4, KindReset -> 5/6
	flag := Flag(f.Kind)*2 - 1
	if f.Initiator {
		flag++
	}
	return flag
}

func (f *Frame) String() string {
	return fmt.Sprintf("%v{id: %v, initiator: %v, len: %v}", f.Kind, f.StreamID, f.Initiator, len(f.Payload))
}

// parseFlag maps a wire flag back onto a kind and the initiator bit of the sender
func parseFlag(flag Flag) (FrameKind, bool, error) {
	switch flag {
	case FlagNewStream:
		return KindNewStream, true, nil
	case FlagMessageReceiver, FlagCloseReceiver, FlagResetReceiver:
		return FrameKind((flag + 1) / 2), false, nil
	case FlagMessageInitiator, FlagCloseInitiator, FlagResetInitiator:
		return FrameKind(flag / 2), true, nil
	default:
		return 0, false, fmt.Errorf("%w: invalid flag %d", ErrProtocol, flag)
	}
}

// AppendFrame appends the wire encoding of f to dst and returns the extended slice
func AppendFrame(dst []byte, f *Frame) []byte {
	var hdr [maxHeaderLen]byte
	n := varint.PutUvarint(hdr[:], f.StreamID<<flagBits|uint64(f.Flag()))
	n += varint.PutUvarint(hdr[n:], uint64(len(f.Payload)))
	dst = append(dst, hdr[:n]...)
	return append(dst, f.Payload...)
}

// checkHeader validates a decoded header and payload length
func checkHeader(header, length uint64, maxPayload int) (Frame, error) {
	kind, initiator, err := parseFlag(Flag(header & flagMask))
	if err != nil {
		return Frame{}, err
	}
	if length > uint64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: payload length %v exceeds limit %v", ErrProtocol, length, maxPayload)
	}
	return Frame{
		StreamID:  header >> flagBits,
		Initiator: initiator,
		Kind:      kind,
	}, nil
}

func varintErr(err error) error {
	if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return err
}

// DecodeFrame decodes one frame from the start of b. It returns the frame and the number of bytes consumed.
// If b holds only part of a frame, errIncompleteFrame is returned and the caller should retry once more bytes
// have arrived. The returned Payload aliases b.
func DecodeFrame(b []byte, maxPayload int) (Frame, int, error) {
	header, hn, err := varint.FromUvarint(b)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return Frame{}, 0, errIncompleteFrame
		}
		return Frame{}, 0, varintErr(err)
	}
	length, ln, err := varint.FromUvarint(b[hn:])
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return Frame{}, 0, errIncompleteFrame
		}
		return Frame{}, 0, varintErr(err)
	}
	f, err := checkHeader(header, length, maxPayload)
	if err != nil {
		return Frame{}, 0, err
	}
	end := hn + ln + int(length)
	if len(b) < end {
		return Frame{}, 0, errIncompleteFrame
	}
	f.Payload = b[hn+ln : end]
	return f, end, nil
}

// frameReader decodes frames from a byte stream, however the stream happens to be segmented
type frameReader struct {
	r          *bufio.Reader
	maxPayload int
	// payload buffer reused across frames
	buf []byte
}

func newFrameReader(r io.Reader, maxPayload int) *frameReader {
	return &frameReader{
		r:          bufio.NewReader(r),
		maxPayload: maxPayload,
	}
}

// ReadFrame blocks until a whole frame has been read. The returned Payload is only valid until the next call.
// A clean io.EOF is returned only if the stream ended on a frame boundary.
func (fr *frameReader) ReadFrame() (Frame, error) {
	header, err := varint.ReadUvarint(fr.r)
	if err != nil {
		return Frame{}, varintErr(err)
	}
	length, err := varint.ReadUvarint(fr.r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, varintErr(err)
	}
	f, err := checkHeader(header, length, fr.maxPayload)
	if err != nil {
		return Frame{}, err
	}
	if cap(fr.buf) < int(length) {
		fr.buf = make([]byte, length)
	}
	f.Payload = fr.buf[:length]
	if _, err = io.ReadFull(fr.r, f.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return f, nil
}
