package usage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cbeuw/mplex/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mockWorldState = common.WorldOfTime(time.Unix(1000, 0))
var mockRecord = Record{
	SessionID:    42,
	RemoteAddr:   "127.0.0.1:12345",
	StartTime:    900,
	OpenedLocal:  1,
	OpenedRemote: 100,
	Rx:           123456,
	Tx:           654321,
	TerminalMsg:  "connection closed by remote",
}

func makeRecorder(t *testing.T) *boltRecorder {
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	recorder, err := MakeBoltRecorder(dbPath, mockWorldState)
	require.NoError(t, err)
	t.Cleanup(func() { _ = recorder.Close() })
	return recorder
}

func TestBoltRecorder_RecordSession(t *testing.T) {
	recorder := makeRecorder(t)

	seq, err := recorder.RecordSession(mockRecord)
	require.NoError(t, err)

	got, err := recorder.GetRecord(seq)
	assert.NoError(t, err)
	expected := mockRecord
	expected.Seq = seq
	expected.EndTime = 1000
	assert.Equal(t, expected, got)

	t.Run("explicit end time is kept", func(t *testing.T) {
		r := mockRecord
		r.EndTime = 950
		seq, err := recorder.RecordSession(r)
		require.NoError(t, err)
		got, err := recorder.GetRecord(seq)
		assert.NoError(t, err)
		assert.EqualValues(t, 950, got.EndTime)
	})
}

func TestBoltRecorder_GetRecord(t *testing.T) {
	recorder := makeRecorder(t)
	_, err := recorder.GetRecord(1)
	assert.Equal(t, ErrRecordNotFound, err)
}

func TestBoltRecorder_ListRecords(t *testing.T) {
	recorder := makeRecorder(t)

	records, err := recorder.ListRecords()
	assert.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records)

	const numRecords = 20
	var wg sync.WaitGroup
	for i := 0; i < numRecords; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := mockRecord
			r.SessionID = uint32(i)
			_, err := recorder.RecordSession(r)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records, err = recorder.ListRecords()
	assert.NoError(t, err)
	require.Len(t, records, numRecords)
	seen := map[uint32]bool{}
	for i, r := range records {
		if i > 0 {
			assert.Greater(t, r.Seq, records[i-1].Seq, "records are listed in the order they were stored")
		}
		seen[r.SessionID] = true
	}
	assert.Len(t, seen, numRecords)
}

func TestBoltRecorder_DeleteRecord(t *testing.T) {
	recorder := makeRecorder(t)
	seq, err := recorder.RecordSession(mockRecord)
	require.NoError(t, err)

	assert.NoError(t, recorder.DeleteRecord(seq))
	_, err = recorder.GetRecord(seq)
	assert.Equal(t, ErrRecordNotFound, err)
	assert.Equal(t, ErrRecordNotFound, recorder.DeleteRecord(seq))
}

func TestBoltRecorder_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	recorder, err := MakeBoltRecorder(dbPath, mockWorldState)
	require.NoError(t, err)
	seq, err := recorder.RecordSession(mockRecord)
	require.NoError(t, err)
	require.NoError(t, recorder.Close())

	recorder, err = MakeBoltRecorder(dbPath, mockWorldState)
	require.NoError(t, err)
	defer recorder.Close()
	got, err := recorder.GetRecord(seq)
	assert.NoError(t, err)
	assert.Equal(t, mockRecord.SessionID, got.SessionID)

	next, err := recorder.RecordSession(mockRecord)
	assert.NoError(t, err)
	assert.Greater(t, next, seq, "sequence numbers are not reused")
}

func TestMakeBoltRecorder_BadPath(t *testing.T) {
	_, err := MakeBoltRecorder(filepath.Join(t.TempDir(), "missing", "usage.db"), mockWorldState)
	assert.Error(t, err)
}
