package mux

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits transmission rates and records usage. One Valve may be
// shared between several sessions; its token buckets and counters are safe
// for concurrent use.
type Valve struct {
	// traffic directions are referred to exclusively as rx and tx, from the
	// perspective of the local side of the session
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx int64
	tx int64
}

func MakeValve(rxRate, txRate int64) *Valve {
	v := &Valve{}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

var UnlimitedValve = MakeValve(1<<63-1, 1<<63-1)

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) rxWait(n int)         { v.rxtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) txWait(n int)         { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(&v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(&v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(&v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(&v.tx) }

// Nullify returns the byte counts accumulated so far and resets them.
func (v *Valve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(&v.rx, 0)
	tx := atomic.SwapInt64(&v.tx, 0)
	return rx, tx
}
