package usage

import (
	"encoding/binary"

	"github.com/cbeuw/mplex/internal/common"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var u32 = binary.BigEndian.Uint32
var u64 = binary.BigEndian.Uint64

func u64ToB(value uint64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, value)
	return oct
}
func i64ToB(value int64) []byte { return u64ToB(uint64(value)) }
func u32ToB(value uint32) []byte {
	nib := make([]byte, 4)
	binary.BigEndian.PutUint32(nib, value)
	return nib
}

var sessionsBucket = []byte("Sessions")

// boltRecorder keeps one nested bucket per record inside the Sessions bucket, keyed by a big endian sequence number
type boltRecorder struct {
	db    *bolt.DB
	world common.WorldState
}

func MakeBoltRecorder(dbPath string, worldState common.WorldState) (*boltRecorder, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltRecorder{
		db:    db,
		world: worldState,
	}, nil
}

// RecordSession stores r. If r.EndTime is unset it is filled in with the current time
func (recorder *boltRecorder) RecordSession(r Record) (seq uint64, err error) {
	if r.EndTime == 0 {
		r.EndTime = recorder.world.Now().Unix()
	}
	err = recorder.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		seq, err = sessions.NextSequence()
		if err != nil {
			return err
		}
		bucket, err := sessions.CreateBucket(u64ToB(seq))
		if err != nil {
			return err
		}
		fields := []struct {
			key   string
			value []byte
		}{
			{"SessionID", u32ToB(r.SessionID)},
			{"RemoteAddr", []byte(r.RemoteAddr)},
			{"StartTime", i64ToB(r.StartTime)},
			{"EndTime", i64ToB(r.EndTime)},
			{"OpenedLocal", u64ToB(r.OpenedLocal)},
			{"OpenedRemote", u64ToB(r.OpenedRemote)},
			{"Rx", i64ToB(r.Rx)},
			{"Tx", i64ToB(r.Tx)},
			{"TerminalMsg", []byte(r.TerminalMsg)},
		}
		for _, field := range fields {
			if err = bucket.Put([]byte(field.key), field.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("failed to record session %v: %v", r.SessionID, err)
	}
	return
}

func readRecord(seq uint64, bucket *bolt.Bucket) Record {
	return Record{
		Seq:          seq,
		SessionID:    u32(bucket.Get([]byte("SessionID"))),
		RemoteAddr:   string(bucket.Get([]byte("RemoteAddr"))),
		StartTime:    int64(u64(bucket.Get([]byte("StartTime")))),
		EndTime:      int64(u64(bucket.Get([]byte("EndTime")))),
		OpenedLocal:  u64(bucket.Get([]byte("OpenedLocal"))),
		OpenedRemote: u64(bucket.Get([]byte("OpenedRemote"))),
		Rx:           int64(u64(bucket.Get([]byte("Rx")))),
		Tx:           int64(u64(bucket.Get([]byte("Tx")))),
		TerminalMsg:  string(bucket.Get([]byte("TerminalMsg"))),
	}
}

// ListRecords returns every record in the order they were stored
func (recorder *boltRecorder) ListRecords() (records []Record, err error) {
	err = recorder.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		return sessions.ForEach(func(k, v []byte) error {
			bucket := sessions.Bucket(k)
			if bucket == nil {
				return nil
			}
			records = append(records, readRecord(u64(k), bucket))
			return nil
		})
	})
	if records == nil {
		records = []Record{}
	}
	return
}

func (recorder *boltRecorder) GetRecord(seq uint64) (r Record, err error) {
	err = recorder.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket).Bucket(u64ToB(seq))
		if bucket == nil {
			return ErrRecordNotFound
		}
		r = readRecord(seq, bucket)
		return nil
	})
	return
}

func (recorder *boltRecorder) DeleteRecord(seq uint64) error {
	return recorder.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(sessionsBucket).DeleteBucket(u64ToB(seq))
		if err == bolt.ErrBucketNotFound {
			return ErrRecordNotFound
		}
		return err
	})
}

func (recorder *boltRecorder) Close() error {
	return recorder.db.Close()
}
