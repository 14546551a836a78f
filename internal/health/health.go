// Package health keeps link health and enable flags shared by transport managers and the dispatcher.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/temoto/paxnode/helpers/atomic_clock"
	"github.com/temoto/paxnode/log2"
)

type Link uint8

const (
	Nominal Link = iota
	Degraded
)

func (l Link) String() string {
	switch l {
	case Nominal:
		return "nominal"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("link(%d)", uint8(l))
}

const DefaultMaxHealthcheckFailures = 3

// Tracker is safe for concurrent use.
type Tracker struct {
	mu  sync.Mutex
	log *log2.Log

	maxHealthcheck int
	link           Link
	hcFailures     int
	hcPending      bool

	secEnabled   bool
	secTemporary bool
	secAvailable bool

	lastAck atomic_clock.Clock
	Stages  *Counters
}

func NewTracker(maxHealthcheck int, limits Limits, log *log2.Log) *Tracker {
	if maxHealthcheck <= 0 {
		maxHealthcheck = DefaultMaxHealthcheckFailures
	}
	return &Tracker{
		log:            log,
		maxHealthcheck: maxHealthcheck,
		secAvailable:   true,
		Stages:         NewCounters(limits),
	}
}

func (self *Tracker) PrimaryLink() Link {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.link
}

func (self *Tracker) PrimaryNominal() bool { return self.PrimaryLink() == Nominal }

func (self *Tracker) SetPrimaryLink(l Link) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.link != l {
		self.log.Infof("primary link %s -> %s", self.link, l)
	}
	self.link = l
}

// HealthcheckSent marks confirmed health check in flight.
func (self *Tracker) HealthcheckSent() {
	self.mu.Lock()
	self.hcPending = true
	self.mu.Unlock()
}

func (self *Tracker) HealthcheckPending() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.hcPending
}

func (self *Tracker) HealthcheckFailures() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.hcFailures
}

// Ack is any acknowledged uplink, proves the link regardless of health check state.
func (self *Tracker) Ack() {
	self.lastAck.SetNow()
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.link == Degraded {
		self.log.Infof("primary recovered after healthcheck failures=%d", self.hcFailures)
	}
	self.link = Nominal
	self.hcFailures = 0
	self.hcPending = false
}

// AckAge is time since last acknowledged uplink, huge when there was none.
func (self *Tracker) AckAge(now time.Time) time.Duration { return self.lastAck.Age(now) }

// NoAck counts failure only while health check is pending.
// Returns true when this failure turned the link degraded.
func (self *Tracker) NoAck() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.hcPending {
		return false
	}
	self.hcPending = false
	self.hcFailures++
	self.log.Infof("healthcheck no ack failures=%d", self.hcFailures)
	if self.hcFailures >= self.maxHealthcheck && self.link != Degraded {
		self.log.Errorf("primary failed %d health checks, link degraded", self.hcFailures)
		self.link = Degraded
		return true
	}
	return false
}

// ResetPrimary is called on fresh join.
func (self *Tracker) ResetPrimary() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.link = Nominal
	self.hcFailures = 0
	self.hcPending = false
}

func (self *Tracker) SecondaryEnabled() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.secEnabled && self.secAvailable
}

func (self *Tracker) SecondaryTemporary() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.secTemporary
}

func (self *Tracker) SecondaryAvailable() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.secAvailable
}

// EnableSecondary sets enabled+available. Temporary mode never downgrades permanent enable.
// Returns true if secondary was disabled before.
func (self *Tracker) EnableSecondary(temporary bool) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	was := self.secEnabled
	switch {
	case !was:
		self.secTemporary = temporary
	case !temporary:
		self.secTemporary = false
	}
	self.secEnabled = true
	self.secAvailable = true
	if !was {
		self.log.Infof("secondary enabled temporary=%t", self.secTemporary)
	}
	return !was
}

func (self *Tracker) DisableSecondary() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.secEnabled {
		self.log.Infof("secondary disabled")
	}
	self.secEnabled = false
	self.secTemporary = false
}

// SecondaryRecovered marks transport usable again after modem init, enabled flag is kept.
func (self *Tracker) SecondaryRecovered() {
	self.mu.Lock()
	self.secAvailable = true
	self.mu.Unlock()
}

// SecondaryFailed is the failure-threshold reset: disabled and unavailable until next enable.
func (self *Tracker) SecondaryFailed() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.log.Errorf("secondary failed, disabled and unavailable")
	self.secEnabled = false
	self.secTemporary = false
	self.secAvailable = false
}

func (self *Tracker) String() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return fmt.Sprintf("primary=%s hc_failures=%d hc_pending=%t secondary enabled=%t temporary=%t available=%t",
		self.link, self.hcFailures, self.hcPending, self.secEnabled, self.secTemporary, self.secAvailable)
}
