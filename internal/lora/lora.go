// Package lora is the primary transport: one pending record at a time, busy retry,
// age and busy hand-off to the secondary transport or overflow store.
package lora

import (
	"sync"
	"time"

	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/internal/health"
	"github.com/temoto/paxnode/internal/queue"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/internal/sched"
	"github.com/temoto/paxnode/internal/stats"
	"github.com/temoto/paxnode/log2"
)

// Overflow takes records no transport accepts, *store.Store in production.
type Overflow interface {
	Enqueue(record.Record) error
}

// Secondary is the fallback transport.
type Secondary interface {
	Enable(temporary bool)
	Enabled() bool
	Enqueue(record.Record) bool
}

type Manager struct {
	t        timing
	log      *log2.Log
	radio    Radio
	q        *queue.Queue
	tracker  *health.Tracker
	stats    *stats.Stats
	overflow Overflow
	busy     helpers.Backoff

	secmu     sync.RWMutex
	secondary Secondary

	// Tick goroutine only
	pending      *record.Record
	pendingSince time.Time
	busySince    time.Time
	lastConfirm  time.Time

	mu              sync.Mutex
	state           JoinState
	firstJoin       bool
	joinStarted     time.Time
	lastJoinAttempt time.Time
	now             func() time.Time
}

func NewManager(config Config, radio Radio, tracker *health.Tracker, overflow Overflow, st *stats.Stats, log *log2.Log) *Manager {
	t := config.timing()
	return &Manager{
		t:         t,
		log:       log,
		radio:     radio,
		q:         queue.New(t.queueSize),
		tracker:   tracker,
		stats:     st,
		overflow:  overflow,
		busy:      helpers.Backoff{Min: t.busyRetry, Max: t.busyRetry, K: 1, Jitter: t.busyJitter},
		firstJoin: true,
		now:       time.Now,
	}
}

func (self *Manager) SetSecondary(s Secondary) {
	self.secmu.Lock()
	self.secondary = s
	self.secmu.Unlock()
}

func (self *Manager) getSecondary() Secondary {
	self.secmu.RLock()
	defer self.secmu.RUnlock()
	return self.secondary
}

func (self *Manager) Joined() bool      { return self.radio.Joined() }
func (self *Manager) HasCapacity() bool { return self.q.Free() > 0 }
func (self *Manager) Len() int          { return self.q.Len() }
func (self *Manager) Cap() int          { return self.q.Cap() }

// Drain removes all queued records, pending record stays with the manager.
func (self *Manager) Drain() []record.Record { return self.q.Drain() }

func (self *Manager) UnjoinedPolicy() string { return self.t.unjoinedPolicy }

// TakePending removes in-flight record. Only valid after send loop stopped.
func (self *Manager) TakePending() (record.Record, bool) {
	if self.pending == nil {
		return record.Record{}, false
	}
	r := *self.pending
	self.clearPending()
	return r, true
}

func (self *Manager) State() JoinState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// Enqueue applies queue priority rule, evicted record goes to overflow.
func (self *Manager) Enqueue(r record.Record) bool {
	if err := r.Validate(); err != nil {
		self.log.Errorf("enqueue rejected: %v", err)
		return false
	}
	evicted, ok := self.q.Offer(r)
	if evicted != nil {
		self.stats.Inc(stats.Evicted)
		self.toOverflow(*evicted, "evicted")
	}
	return ok
}

// PushFront returns record to the head without eviction, used when moving records back.
func (self *Manager) PushFront(r record.Record) bool { return self.q.PushFront(r) }

func (self *Manager) OnEvent(e Event) {
	now := self.now()
	self.log.Debugf("event %s", e)
	switch e.Kind {
	case EventJoining:
		self.mu.Lock()
		self.state = Joining
		self.mu.Unlock()

	case EventJoined:
		self.mu.Lock()
		self.state = Joined
		self.firstJoin = false
		self.mu.Unlock()
		self.tracker.ResetPrimary()

	case EventJoinFailed:
		self.mu.Lock()
		self.state = Unjoined
		self.mu.Unlock()
		if sec := self.getSecondary(); sec != nil {
			sec.Enable(false)
		}

	case EventJoinTxComplete:
		self.mu.Lock()
		if self.joinStarted.IsZero() {
			self.joinStarted = now
		}
		self.mu.Unlock()

	case EventTxComplete:
		if e.Ack {
			self.tracker.Ack()
		} else {
			self.tracker.NoAck()
		}

	case EventLinkDead:
		self.tracker.SetPrimaryLink(health.Degraded)
		self.mu.Lock()
		self.state = Joining
		self.lastJoinAttempt = now
		self.mu.Unlock()
		if err := self.radio.StartJoin(); err != nil {
			self.log.Errorf("rejoin after link dead: %v", err)
		}

	default:
		self.log.Errorf("code error unknown event %s", e)
	}
}

// Tick is one step of send loop.
func (self *Manager) Tick(now time.Time) sched.Action {
	if !self.radio.Joined() {
		self.unjoined()
		self.superviseJoin(now)
		return sched.Sleep(sleepUnjoined)
	}

	if self.pending == nil {
		r, ok := self.q.Pop()
		if !ok {
			return sched.Sleep(sleepIdle)
		}
		self.pending = &r
		self.pendingSince = now
		self.busySince = time.Time{}
	}
	r := *self.pending

	if now.Sub(self.pendingSince) > self.t.pendingMaxAge {
		self.log.Infof("pending age > %v, hand off %s", self.t.pendingMaxAge, r)
		self.clearPending()
		self.handOff(r, "pending-age")
		return sched.Sleep(sleepHandOff)
	}

	confirmed := self.t.alwaysConfirm
	if r.Port == record.PortTelemetry {
		confirmed = true
		self.tracker.HealthcheckSent()
	} else if self.t.confirmedEvery != 0 && now.Sub(self.lastConfirm) > self.t.confirmedEvery {
		confirmed = true
	}

	result := self.radio.Send(r.Port, r.Payload, confirmed)
	switch result {
	case Success:
		self.log.Debugf("sent %s confirmed=%t", r, confirmed)
		if confirmed {
			self.lastConfirm = now
		}
		self.clearPending()
		self.stats.Inc(stats.SentPrimary)
		return sched.Action{}

	case Busy, Failed:
		if self.busySince.IsZero() {
			self.busySince = now
		}
		if now.Sub(self.busySince) > self.t.busyTimeout {
			self.log.Infof("busy > %v, hand off %s", self.t.busyTimeout, r)
			self.clearPending()
			self.handOff(r, "busy-timeout")
			return sched.Sleep(sleepHandOff)
		}
		return sched.Sleep(self.busy.Next())

	default:
		self.log.Infof("send %s result=%s, hand off", r, result)
		self.clearPending()
		self.handOff(r, result.String())
		return sched.Action{}
	}
}

func (self *Manager) clearPending() {
	self.pending = nil
	self.pendingSince = time.Time{}
	self.busySince = time.Time{}
}

func (self *Manager) unjoined() {
	var rs []record.Record
	if self.pending != nil {
		rs = append(rs, *self.pending)
		self.clearPending()
	}
	rs = append(rs, self.q.Drain()...)
	if len(rs) == 0 {
		return
	}
	self.log.Debugf("unjoined, moving %d records policy=%s", len(rs), self.t.unjoinedPolicy)
	for _, r := range rs {
		if self.t.unjoinedPolicy == UnjoinedSecondary {
			self.handOff(r, "unjoined")
		} else {
			self.toOverflow(r, "unjoined")
		}
	}
}

func (self *Manager) superviseJoin(now time.Time) {
	sec := self.getSecondary()
	enable := false
	retry := false
	self.mu.Lock()
	if self.firstJoin && !self.joinStarted.IsZero() && now.Sub(self.joinStarted) > self.t.joinGrace {
		self.log.Infof("first join exceeded %v, enabling secondary", self.t.joinGrace)
		self.firstJoin = false
		enable = true
	}
	if sec == nil || (!sec.Enabled() && !enable) {
		self.lastJoinAttempt = now
	}
	if self.lastJoinAttempt.IsZero() {
		self.lastJoinAttempt = now
	}
	if now.Sub(self.lastJoinAttempt) > self.t.joinRetry {
		self.lastJoinAttempt = now
		retry = true
	}
	self.mu.Unlock()

	if enable && sec != nil {
		sec.Enable(false)
	}
	if retry {
		self.log.Infof("retry join")
		if err := self.radio.StartJoin(); err != nil {
			self.log.Errorf("retry join: %v", err)
		}
	}
}

// handOff gives record to secondary (temporary enable), then overflow.
func (self *Manager) handOff(r record.Record, reason string) {
	if sec := self.getSecondary(); sec != nil {
		sec.Enable(true)
		if sec.Enqueue(r) {
			self.stats.Inc(stats.HandedOff)
			return
		}
	}
	self.toOverflow(r, reason)
}

func (self *Manager) toOverflow(r record.Record, reason string) bool {
	if self.overflow != nil {
		err := self.overflow.Enqueue(r)
		if err == nil {
			self.stats.Inc(stats.Stored)
			return true
		}
		self.log.Debugf("overflow %s: %v", reason, err)
	}
	self.stats.Inc(stats.Lost)
	self.log.Errorf("record lost reason=%s %s", reason, r)
	return false
}
