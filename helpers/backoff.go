package helpers

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/temoto/paxnode/helpers/atomic_clock"
)

// Limited exponential backoff for retry delays.
// Choose DelayAfter or DelayBefore whichever fits your code better.
// First delay is always 0.
// Update(false) or Failure() increases next delay by K.
// K=1 with Min=Max gives constant delay, Jitter adds random [0,Jitter) on top.
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min    time.Duration
	Max    time.Duration
	K      float32
	Jitter time.Duration
	Res    time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
//
//	for {
//	  err := op()
//	  time.Sleep(backoff.DelayAfter(err==nil))
//	}
func (b *Backoff) DelayAfter(success bool) time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
	return b.DelayBefore()
}

// Use scenario:
//
//	for {
//	  time.Sleep(backoff.DelayBefore())
//	  err := op()
//	  backoff.Update(err==nil)
//	}
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Next returns current delay without regard to time passed since last failure.
// Tick driven code sleeps exactly this long.
func (b *Backoff) Next() time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	d := b.limit(time.Duration(atomic.LoadInt64(&b.next)))
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return b.round(d)
}

// Increase next Delay()
func (b *Backoff) Failure() {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	next := time.Duration(atomic.LoadInt64(&b.next))
	k := b.K
	if k == 0 {
		k = 1
	}
	next = time.Duration(float32(next) * k)
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
