package multiplex

import (
	"fmt"
	"sync"
)

// streamKey identifies a stream within a session from the local point of view. initiator is true for streams
// we opened. Each peer numbers the streams it opens independently, so the id alone is ambiguous.
type streamKey struct {
	id        uint64
	initiator bool
}

func (k streamKey) String() string {
	if k.initiator {
		return fmt.Sprintf("%v(local)", k.id)
	}
	return fmt.Sprintf("%v(remote)", k.id)
}

// streamTable is the registry of live streams of a session
type streamTable struct {
	mu      sync.Mutex
	streams map[streamKey]*Stream
	// keys of streams that were registered and have since been removed
	removed map[streamKey]struct{}

	// the next id handed out to a locally opened stream
	nextLocalID uint64
}

func makeStreamTable() *streamTable {
	return &streamTable{
		streams: map[streamKey]*Stream{},
		removed: map[streamKey]struct{}{},
	}
}

// allocate returns the next unused local stream id. Ids are never handed out twice in a session.
func (t *streamTable) allocate() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextLocalID > MaxStreamID {
		return 0, ErrStreamIDsExhausted
	}
	id := t.nextLocalID
	t.nextLocalID++
	return id, nil
}

// register inserts a stream. It fails if a live stream already holds the same key.
func (t *streamTable) register(key streamKey, stream *Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streams == nil {
		return ErrBrokenSession
	}
	if _, exists := t.streams[key]; exists {
		return fmt.Errorf("%w: %v", ErrDuplicateStream, key)
	}
	t.streams[key] = stream
	delete(t.removed, key)
	return nil
}

func (t *streamTable) lookup(key streamKey) (*Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stream, ok := t.streams[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", errStreamNotFound, key)
	}
	return stream, nil
}

// retired reports whether key belonged to a stream earlier in this session that has since been removed.
// Frames for retired streams may still be in flight from the peer, frames for any other unknown key cannot.
func (t *streamTable) retired(key streamKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.removed[key]
	return ok
}

func (t *streamTable) remove(key streamKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, live := t.streams[key]; !live {
		return
	}
	delete(t.streams, key)
	t.removed[key] = struct{}{}
}

func (t *streamTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// drain empties the table for good and returns the streams that were still live
func (t *streamTable) drain() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	live := make([]*Stream, 0, len(t.streams))
	for _, stream := range t.streams {
		live = append(live, stream)
	}
	t.streams = nil
	return live
}
