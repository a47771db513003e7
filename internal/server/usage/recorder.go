package usage

import "errors"

// Record is what is kept about a session after it has ended
type Record struct {
	Seq          uint64
	SessionID    uint32
	RemoteAddr   string
	StartTime    int64
	EndTime      int64
	OpenedLocal  uint64
	OpenedRemote uint64
	Rx           int64
	Tx           int64
	TerminalMsg  string
}

// Recorder stores Records of ended sessions
type Recorder interface {
	// RecordSession stores r and returns the sequence number it was stored under
	RecordSession(r Record) (uint64, error)
	ListRecords() ([]Record, error)
	GetRecord(seq uint64) (Record, error)
	DeleteRecord(seq uint64) error
	Close() error
}

var ErrRecordNotFound = errors.New("record does not exist")
var ErrRecordingDisabled = errors.New("usage recording is disabled")
