// Package dispatch routes produced records to the primary transport, the secondary
// transport or the overflow store, and redelivers stored records when capacity returns.
package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/internal/health"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/internal/sched"
	"github.com/temoto/paxnode/internal/stats"
	"github.com/temoto/paxnode/internal/store"
	"github.com/temoto/paxnode/log2"
)

const UnjoinedStore = "store"

type Primary interface {
	Joined() bool
	HasCapacity() bool
	Enqueue(record.Record) bool
	Len() int
	Cap() int
	Drain() []record.Record
	UnjoinedPolicy() string
}

type Secondary interface {
	Enabled() bool
	Enable(temporary bool)
	HasCapacity() bool
	Enqueue(record.Record) bool
	Len() int
	Cap() int
	Drain() []record.Record
}

// Store is the overflow store, *store.Store in production.
type Store interface {
	Available() bool
	Enqueue(record.Record) error
	Peek() (record.Record, error)
	Dequeue() (record.Record, error)
	DiscardHead() (uint32, error)
	Count() (uint32, error)
}

// pendinger is implemented by primary holding one in-flight record outside its queue.
type pendinger interface {
	TakePending() (record.Record, bool)
}

type Config struct {
	DivertThreshold int `hcl:"divert_threshold"`
	CheckMs         int `hcl:"check_ms"`
}

const (
	DefaultDivertThreshold = 5
	DefaultCheckInterval   = time.Second
)

type Dispatcher struct {
	config    Config
	log       *log2.Log
	tracker   *health.Tracker
	primary   Primary
	secondary Secondary
	store     Store
	stats     *stats.Stats
	diverted  uint32
}

// New: secondary may be nil when hardware has no second transport.
func New(config Config, tracker *health.Tracker, primary Primary, secondary Secondary, st Store, counters *stats.Stats, log *log2.Log) *Dispatcher {
	if primary == nil || st == nil {
		panic("code error dispatch.New primary and store required")
	}
	return &Dispatcher{
		config:    config,
		log:       log,
		tracker:   tracker,
		primary:   primary,
		secondary: secondary,
		store:     st,
		stats:     counters,
	}
}

func (self *Dispatcher) SetDiverted(v bool) {
	var x uint32
	if v {
		x = 1
	}
	if atomic.SwapUint32(&self.diverted, x) != x {
		self.log.Infof("diverted=%t", v)
	}
}

func (self *Dispatcher) Diverted() bool { return atomic.LoadUint32(&self.diverted) == 1 }

// healthcheck records go to a joined primary in any link state, the acked
// confirmed send is the only way back to nominal.
func (self *Dispatcher) healthcheck(r record.Record) bool {
	return r.Port == record.PortTelemetry && self.primary.Joined()
}

func (self *Dispatcher) primaryUsable(r record.Record) bool {
	if self.Diverted() {
		return false
	}
	if !self.tracker.PrimaryNominal() && !self.healthcheck(r) {
		return false
	}
	return self.primary.Joined() || self.primary.UnjoinedPolicy() == UnjoinedStore
}

// Route returns true when record is accepted by a transport queue or the store.
// False means invalid record or loss, loss is counted.
func (self *Dispatcher) Route(r record.Record) bool {
	if err := r.Validate(); err != nil {
		self.log.Errorf("route rejected: %v", err)
		return false
	}
	self.stats.Inc(stats.Accepted)
	if self.primaryUsable(r) && self.primary.Enqueue(r) {
		return true
	}
	if self.secondary != nil && self.secondary.Enabled() && self.secondary.Enqueue(r) {
		return true
	}
	return self.toStore(r, "route")
}

func (self *Dispatcher) toStore(r record.Record, reason string) bool {
	err := self.store.Enqueue(r)
	if err == nil {
		self.stats.Inc(stats.Stored)
		return true
	}
	self.stats.Inc(stats.Lost)
	self.log.Errorf("record lost reason=%s %s err=%v", reason, r, err)
	return false
}

// CheckQueue moves primary backlog to enabled secondary. Returns number moved.
func (self *Dispatcher) CheckQueue() int {
	if self.secondary == nil || !self.secondary.Enabled() {
		return 0
	}
	threshold := helpers.IntDefault(self.config.DivertThreshold, DefaultDivertThreshold)
	if self.primary.Len() < threshold {
		return 0
	}
	rs := self.primary.Drain()
	self.log.Infof("primary backlog=%d >= %d, moving to secondary", len(rs), threshold)
	for _, r := range rs {
		if !self.secondary.Enqueue(r) {
			self.toStore(r, "divert")
		}
	}
	return len(rs)
}

// Tick runs CheckQueue periodically.
func (self *Dispatcher) Tick(now time.Time) sched.Action {
	self.CheckQueue()
	return sched.Sleep(helpers.IntMillisecondDefault(self.config.CheckMs, DefaultCheckInterval))
}

// Flush moves everything queued in memory to the store. Shutdown path,
// call after transport loops stopped.
func (self *Dispatcher) Flush() int {
	var rs []record.Record
	if p, ok := self.primary.(pendinger); ok {
		if r, ok := p.TakePending(); ok {
			rs = append(rs, r)
		}
	}
	rs = append(rs, self.primary.Drain()...)
	if self.secondary != nil {
		rs = append(rs, self.secondary.Drain()...)
	}
	n := 0
	for _, r := range rs {
		if self.toStore(r, "flush") {
			n++
		}
	}
	if len(rs) != 0 {
		self.log.Infof("flush stored=%d of %d", n, len(rs))
	}
	return n
}

type Status struct {
	Link             health.Link
	Diverted         bool
	PrimaryJoined    bool
	PrimaryLen       int
	PrimaryCap       int
	SecondaryEnabled bool
	SecondaryLen     int
	SecondaryCap     int
	StoreAvailable   bool
	StoreCount       uint32
	Counters         stats.Snapshot
}

func (s Status) String() string {
	return fmt.Sprintf("link=%s diverted=%t primary=%d/%d joined=%t secondary=%d/%d enabled=%t store=%d available=%t",
		s.Link, s.Diverted, s.PrimaryLen, s.PrimaryCap, s.PrimaryJoined,
		s.SecondaryLen, s.SecondaryCap, s.SecondaryEnabled, s.StoreCount, s.StoreAvailable)
}

func (self *Dispatcher) Stats() Status {
	s := Status{
		Link:          self.tracker.PrimaryLink(),
		Diverted:      self.Diverted(),
		PrimaryJoined: self.primary.Joined(),
		PrimaryLen:    self.primary.Len(),
		PrimaryCap:    self.primary.Cap(),
		Counters:      self.stats.Snapshot(),
	}
	if self.secondary != nil {
		s.SecondaryEnabled = self.secondary.Enabled()
		s.SecondaryLen = self.secondary.Len()
		s.SecondaryCap = self.secondary.Cap()
	}
	s.StoreAvailable = self.store.Available()
	if s.StoreAvailable {
		n, err := self.store.Count()
		if err != nil && errors.Cause(err) != store.ErrUnavailable {
			self.log.Debugf("stats store count: %v", err)
		}
		s.StoreCount = n
	}
	return s
}
