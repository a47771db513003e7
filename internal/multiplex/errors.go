package multiplex

import (
	"errors"
	"os"
)

// ErrProtocol is returned when the peer sent something that cannot be a valid frame sequence: a malformed
// header, an oversized payload, or a frame for a stream that was never opened. It ends the session.
var ErrProtocol = errors.New("protocol error")

// ErrDuplicateStream is returned when the peer opens a stream whose id is already live. It ends the session.
var ErrDuplicateStream = errors.New("duplicate stream")

// ErrStreamClosed is returned to a caller using a stream direction that has already ended
var ErrStreamClosed = errors.New("stream closed")

// ErrStreamIDsExhausted is returned by OpenStream once every local id has been used
var ErrStreamIDsExhausted = errors.New("stream ids exhausted")

var ErrBrokenSession = errors.New("broken session")

// ErrTimeout is returned by reads whose deadline has passed. It is a net.Error reporting Timeout() and matches
// os.ErrDeadlineExceeded, as net.Conn deadlines do.
var ErrTimeout error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string        { return "deadline exceeded" }
func (timeoutError) Timeout() bool        { return true }
func (timeoutError) Temporary() bool      { return true }
func (timeoutError) Is(target error) bool { return target == os.ErrDeadlineExceeded }

var errRepeatSessionClosing = errors.New("trying to close a closed session")
var errStreamNotFound = errors.New("stream not found")
