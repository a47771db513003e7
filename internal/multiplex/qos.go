package multiplex

import (
	"io"
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits the transmission rates of a session's transport and counts the bytes moved through it.
// A Valve may be shared by several sessions to put them under a common limit.
type Valve struct {
	// rx is from remote to local, tx is from local to remote
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx *int64
	tx *int64
}

// Unlimited is the rate to pass to MakeValve for a direction that should not be throttled
const Unlimited = 1<<63 - 1

// MakeValve returns a Valve admitting rxRate and txRate bytes per second
func MakeValve(rxRate, txRate int64) *Valve {
	var rx, tx int64
	v := &Valve{
		rx: &rx,
		tx: &tx,
	}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

// MakeUnlimitedValve returns a Valve that only counts
func MakeUnlimitedValve() *Valve { return MakeValve(Unlimited, Unlimited) }

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) rxWait(n int)         { v.rxtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) txWait(n int)         { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(v.tx) }

// valvedReader throttles and counts everything read from the transport
type valvedReader struct {
	r     io.Reader
	valve *Valve
}

func (vr *valvedReader) Read(b []byte) (int, error) {
	n, err := vr.r.Read(b)
	if n > 0 {
		vr.valve.rxWait(n)
		vr.valve.AddRx(int64(n))
	}
	return n, err
}
