package dispatch

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/internal/sched"
	"github.com/temoto/paxnode/internal/stats"
	"github.com/temoto/paxnode/internal/store"
	"github.com/temoto/paxnode/log2"
)

type FlushConfig struct {
	IdleMs        int `hcl:"idle_ms"`
	MaxPerCycle   int `hcl:"max_per_cycle"`
	ItemGapMs     int `hcl:"item_gap_ms"`
	BusyDelayMs   int `hcl:"busy_delay_ms"`
	CalmDelayMs   int `hcl:"calm_delay_ms"`
	BusyThreshold int `hcl:"busy_threshold"`
	// primary queue is not fed past ThrottleQueueLen while store holds more than ThrottleStoreCount
	ThrottleStoreCount int `hcl:"throttle_store_count"`
	ThrottleQueueLen   int `hcl:"throttle_queue_len"`
}

const (
	DefaultIdleInterval  = 2 * time.Second
	DefaultMaxPerCycle   = 16
	DefaultItemGap       = 20 * time.Millisecond
	DefaultBusyDelay     = 100 * time.Millisecond
	DefaultCalmDelay     = 300 * time.Millisecond
	DefaultBusyThreshold = 10
	DefaultThrottleStore = 50
	DefaultThrottleQueue = 8
)

// Flusher redelivers stored records at least once: store head is removed only
// after a transport queue accepted its copy.
type Flusher struct {
	config FlushConfig
	d      *Dispatcher
	log    *log2.Log
	sleep  func(time.Duration)
}

func NewFlusher(config FlushConfig, d *Dispatcher, log *log2.Log) *Flusher {
	return &Flusher{config: config, d: d, log: log, sleep: time.Sleep}
}

func (self *Flusher) Tick(now time.Time) sched.Action {
	idle := sched.Sleep(helpers.IntMillisecondDefault(self.config.IdleMs, DefaultIdleInterval))
	st := self.d.store
	if !st.Available() {
		return idle
	}
	n, err := st.Count()
	if err != nil {
		if errors.Cause(err) != store.ErrUnavailable {
			self.log.Errorf("flush count: %v", err)
		}
		return idle
	}
	if n == 0 {
		return idle
	}

	throttled := int(n) > helpers.IntDefault(self.config.ThrottleStoreCount, DefaultThrottleStore)
	max := helpers.IntDefault(self.config.MaxPerCycle, DefaultMaxPerCycle)
	gap := helpers.IntMillisecondDefault(self.config.ItemGapMs, DefaultItemGap)
	moved := 0
cycle:
	for i := 0; i < max; i++ {
		r, err := st.Peek()
		switch errors.Cause(err) {
		case nil:
		case store.ErrCorrupt:
			dropped, derr := st.DiscardHead()
			if derr != nil {
				self.log.Errorf("flush discard corrupt head: %v", derr)
				break cycle
			}
			self.d.stats.Add(stats.Corrupt, uint64(dropped))
			self.d.stats.Add(stats.Lost, uint64(dropped))
			self.log.Errorf("record lost reason=corrupt count=%d err=%v", dropped, err)
			continue
		case store.ErrEmpty:
			break cycle
		default:
			self.log.Errorf("flush peek: %v", err)
			break cycle
		}

		if !self.redeliver(r, throttled) {
			break
		}
		if _, err = st.Dequeue(); err != nil {
			// record stays in store and will be delivered again
			self.log.Errorf("flush dequeue after delivery %s: %v", r, err)
			break
		}
		self.d.stats.Inc(stats.Flushed)
		moved++
		if i+1 < max {
			self.sleep(gap)
		}
	}
	if moved != 0 {
		self.log.Debugf("flushed %d", moved)
	}

	n, _ = st.Count()
	if int(n) > helpers.IntDefault(self.config.BusyThreshold, DefaultBusyThreshold) {
		return sched.Sleep(helpers.IntMillisecondDefault(self.config.BusyDelayMs, DefaultBusyDelay))
	}
	return sched.Sleep(helpers.IntMillisecondDefault(self.config.CalmDelayMs, DefaultCalmDelay))
}

// redeliver offers record to joined nominal primary, else to secondary in temporary mode.
// Throttled primary with a backlog stops the cycle so the send loop catches up.
func (self *Flusher) redeliver(r record.Record, throttled bool) bool {
	d := self.d
	p := d.primary
	if !d.Diverted() && p.Joined() && (d.tracker.PrimaryNominal() || d.healthcheck(r)) {
		if throttled && p.Len() > helpers.IntDefault(self.config.ThrottleQueueLen, DefaultThrottleQueue) {
			return false
		}
		if p.HasCapacity() {
			return p.Enqueue(r)
		}
	}
	s := d.secondary
	if s == nil || !s.HasCapacity() {
		return false
	}
	s.Enable(true)
	if !s.Enabled() {
		return false
	}
	return s.Enqueue(r)
}
