// This is base on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package multiplex

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// The point of a streamBufferedPipe is that Read() will block until data is available.
//
// It is the inbound queue of a Stream. The session's read loop is the only writer and Write never blocks:
// there is no flow control, so a slow reader only makes the buffer grow.
type streamBufferedPipe struct {
	// only alloc when on first Read or Write
	buf *bytes.Buffer

	// closed means no more data will arrive. Buffered data can still be read, then io.EOF
	closed bool
	// reset means the stream was aborted. Buffered data is gone and every Read fails
	reset bool

	rwCond    *sync.Cond
	rDeadline time.Time
	wtTimeout time.Duration
}

func NewStreamBufferedPipe() *streamBufferedPipe {
	p := &streamBufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
	return p
}

// wait blocks until there is something to read, the pipe ends or the read deadline passes.
// Must be holding p.rwCond.L
func (p *streamBufferedPipe) wait(broadcastScheduled *bool) error {
	for {
		if p.reset {
			return ErrStreamClosed
		}
		if p.buf.Len() > 0 {
			return nil
		}
		if p.closed {
			return io.EOF
		}
		if !p.rDeadline.IsZero() {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return ErrTimeout
			}
			if !*broadcastScheduled {
				time.AfterFunc(d, p.rwCond.Broadcast)
				*broadcastScheduled = true
			}
		}
		p.rwCond.Wait()
	}
}

func (p *streamBufferedPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	if len(target) == 0 {
		if p.reset {
			return 0, ErrStreamClosed
		}
		return 0, nil
	}
	var scheduled bool
	if err := p.wait(&scheduled); err != nil {
		return 0, err
	}
	// err will always be nil because we have already verified that buf.Len() != 0
	return p.buf.Read(target)
}

// WriteTo copies data to w as it arrives. w is written to without holding the lock, so a slow w never stalls
// the session's read loop.
func (p *streamBufferedPipe) WriteTo(w io.Writer) (n int64, err error) {
	var chunk []byte
	for {
		p.rwCond.L.Lock()
		if p.buf == nil {
			p.buf = new(bytes.Buffer)
		}
		if p.wtTimeout != 0 {
			p.rDeadline = time.Now().Add(p.wtTimeout)
		}
		var scheduled bool
		if err = p.wait(&scheduled); err != nil {
			p.rwCond.L.Unlock()
			if err == io.EOF {
				err = nil
			}
			return n, err
		}
		chunk = append(chunk[:0], p.buf.Next(p.buf.Len())...)
		p.rwCond.L.Unlock()

		written, er := w.Write(chunk)
		n += int64(written)
		if er != nil {
			return n, er
		}
	}
}

func (p *streamBufferedPipe) Write(input []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	if p.closed || p.reset {
		return 0, io.ErrClosedPipe
	}
	n, err := p.buf.Write(input)
	// err will always be nil
	p.rwCond.Broadcast()
	return n, err
}

// Close marks the end of incoming data. Readers drain what is left and then get io.EOF
func (p *streamBufferedPipe) Close() error {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.closed = true
	p.rwCond.Broadcast()
	return nil
}

// Reset discards everything buffered and fails current and future reads
func (p *streamBufferedPipe) Reset() {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.reset = true
	p.buf = new(bytes.Buffer)
	p.rwCond.Broadcast()
}

// Len returns the number of unread bytes
func (p *streamBufferedPipe) Len() int {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.Len()
}

func (p *streamBufferedPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.rDeadline = t
	p.rwCond.Broadcast()
}

func (p *streamBufferedPipe) SetWriteToTimeout(d time.Duration) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.wtTimeout = d
	p.rwCond.Broadcast()
}
