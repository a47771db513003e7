package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	mux "github.com/cbeuw/mplex/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

var ErrMismatch = errors.New("echoed data does not match what was sent")

// Report summarises a Run
type Report struct {
	Streams       int
	Verified      int
	Failed        int
	BytesSent     int64
	BytesReceived int64
	Elapsed       time.Duration
}

// Chunk is the i-th piece of data written on the stream labelled label
func Chunk(label string, i int) []byte {
	return []byte(fmt.Sprintf("%v %v", label, i))
}

// Run opens run.NumStreams streams on sesh at once. On each it writes run.NumChunks labelled chunks, closes its
// sending direction and checks that what comes back is exactly the concatenation of the chunks. It returns the
// first failure alongside the report.
func Run(sesh *mux.Session, run RunConfig) (Report, error) {
	start := time.Now()
	report := Report{Streams: run.NumStreams}

	var reportM sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for i := 0; i < run.NumStreams; i++ {
		label := fmt.Sprintf("%v-%v", run.Label, i)
		stream, err := sesh.OpenNamedStream(label)
		if err != nil {
			reportM.Lock()
			report.Failed += run.NumStreams - i
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to open stream %v: %w", label, err)
			}
			reportM.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sent, received, err := exchange(stream, label, run)

			reportM.Lock()
			defer reportM.Unlock()
			report.BytesSent += sent
			report.BytesReceived += received
			if err != nil {
				report.Failed++
				if firstErr == nil {
					firstErr = err
				}
				log.WithField("stream", label).Warn(err)
				return
			}
			report.Verified++
			log.WithField("stream", label).Trace("verified")
		}()
	}
	wg.Wait()
	report.Elapsed = time.Since(start)
	return report, firstErr
}

func exchange(stream *mux.Stream, label string, run RunConfig) (sent int64, received int64, err error) {
	var expected bytes.Buffer
	for i := 0; i < run.NumChunks; i++ {
		chunk := Chunk(label, i)
		expected.Write(chunk)
		n, err := stream.Write(chunk)
		sent += int64(n)
		if err != nil {
			_ = stream.Reset()
			return sent, received, fmt.Errorf("stream %v: write: %w", label, err)
		}
	}
	if err = stream.Close(); err != nil {
		return sent, received, fmt.Errorf("stream %v: close: %w", label, err)
	}

	_ = stream.SetReadDeadline(time.Now().Add(run.Timeout))
	got, err := io.ReadAll(stream)
	received = int64(len(got))
	if err != nil {
		_ = stream.Reset()
		return sent, received, fmt.Errorf("stream %v: read: %w", label, err)
	}
	if !bytes.Equal(got, expected.Bytes()) {
		return sent, received, fmt.Errorf("stream %v: %w: got %v bytes, want %v", label, ErrMismatch, len(got), expected.Len())
	}
	return sent, received, nil
}
