// Package nbiot is the secondary transport: staged modem and MQTT bring-up,
// per-stage failure limits, temporary mode and the JSON uplink envelope.
package nbiot

import (
	"sync"
	"time"

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

// Primary is the primary transport as seen from here.
type Primary interface {
	Joined() bool
	HasCapacity() bool
	Enqueue(record.Record) bool
	Drain() []record.Record
}

// Router accepts downlink commands, *inbox.Inbox in production.
type Router interface {
	Route(topic string, port uint8, payload []byte) error
}

// Updater is the firmware update checker. Check runs in its own loop,
// a due check only keeps modem network up while secondary is disabled.
type Updater interface {
	Due(now time.Time) bool
}

type Manager struct {
	config   Config
	log      *log2.Log
	modem    Modem
	endpoint Endpoint
	q        *queue.Queue
	tracker  *health.Tracker
	stats    *stats.Stats
	overflow Overflow

	linkmu  sync.RWMutex
	primary Primary
	router  Router
	updater Updater

	mu         sync.Mutex
	state      State
	lastStatus time.Time
}

func NewManager(config Config, modem Modem, endpoint Endpoint, tracker *health.Tracker, overflow Overflow, st *stats.Stats, log *log2.Log) *Manager {
	return &Manager{
		config:   config,
		log:      log,
		modem:    modem,
		endpoint: endpoint,
		q:        queue.New(config.queueSize()),
		tracker:  tracker,
		stats:    st,
		overflow: overflow,
	}
}

func (self *Manager) SetPrimary(p Primary) {
	self.linkmu.Lock()
	self.primary = p
	self.linkmu.Unlock()
}

func (self *Manager) SetRouter(r Router) {
	self.linkmu.Lock()
	self.router = r
	self.linkmu.Unlock()
}

func (self *Manager) SetUpdater(u Updater) {
	self.linkmu.Lock()
	self.updater = u
	self.linkmu.Unlock()
}

func (self *Manager) links() (Primary, Router, Updater) {
	self.linkmu.RLock()
	defer self.linkmu.RUnlock()
	return self.primary, self.router, self.updater
}

func (self *Manager) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

func (self *Manager) setState(s State) {
	self.mu.Lock()
	if self.state != s {
		self.log.Debugf("state %s -> %s", self.state, s)
	}
	self.state = s
	self.mu.Unlock()
}

func (self *Manager) Enabled() bool { return self.tracker.SecondaryEnabled() }
func (self *Manager) Len() int      { return self.q.Len() }
func (self *Manager) Cap() int      { return self.q.Cap() }
func (self *Manager) HasCapacity() bool {
	return self.tracker.SecondaryAvailable() && self.q.Free() > 0
}

// Drain removes all queued records.
func (self *Manager) Drain() []record.Record { return self.q.Drain() }

// Enqueue returns true when record is queued here or persisted to overflow.
func (self *Manager) Enqueue(r record.Record) bool {
	if err := r.Validate(); err != nil {
		self.log.Errorf("enqueue rejected: %v", err)
		return false
	}
	if !self.tracker.SecondaryEnabled() {
		return self.toOverflow(r, "secondary-off")
	}
	evicted, ok := self.q.Offer(r)
	if evicted != nil {
		self.stats.Inc(stats.Evicted)
		self.toOverflow(*evicted, "evicted")
	}
	if !ok {
		return self.toOverflow(r, "secondary-full")
	}
	return true
}

// Enable takes over everything queued on primary.
func (self *Manager) Enable(temporary bool) {
	self.tracker.EnableSecondary(temporary)
	primary, _, _ := self.links()
	if primary == nil {
		return
	}
	rs := primary.Drain()
	if len(rs) != 0 {
		self.log.Debugf("enable: moving %d records from primary", len(rs))
	}
	for _, r := range rs {
		self.Enqueue(r)
	}
}

// Disable gives queued records back to primary, overflow when it is full.
func (self *Manager) Disable() {
	self.tracker.DisableSecondary()
	primary, _, _ := self.links()
	for _, r := range self.q.Drain() {
		if primary != nil && primary.Enqueue(r) {
			continue
		}
		self.toOverflow(r, "disable")
	}
}

// Tick is one step of the staged state machine.
func (self *Manager) Tick(now time.Time) sched.Action {
	next := sched.Sleep(self.config.tick())
	if stage, over := self.tracker.Stages.Exceeded(); over {
		self.failReset(stage)
		return next
	}

	state := self.State()
	if state == Uninitialized {
		self.stepInit()
		return next
	}

	_, _, updater := self.links()
	updateDue := updater != nil && updater.Due(now)
	enabled := self.tracker.SecondaryEnabled()
	if !updateDue && !enabled {
		return next
	}

	switch {
	case state < Registered:
		self.stage(health.StageRegister, Registered, self.modem.Register, self.modem.Registered)
		return next
	case state < NetworkConnected:
		self.stage(health.StageConnect, NetworkConnected, self.modem.Attach, self.modem.Attached)
		return next
	case enabled && state < ApplicationConnected:
		self.stage(health.StageMQTT, ApplicationConnected, self.brokerConnect, self.modem.BrokerConnected)
		return next
	case enabled && state < Subscribed:
		self.stage(health.StageSubscribe, Subscribed, self.subscribe, nil)
		return next
	}

	if !self.checkStatus(now) {
		return next
	}

	if enabled && self.State() == Steady {
		self.readDownlinks()
		self.sendQueued()
	}
	return next
}

func (self *Manager) stepInit() {
	if err := self.endpoint.Validate(); err != nil {
		self.log.Errorf("init: %v", err)
		self.tracker.Stages.Fail(health.StageInit)
		return
	}
	if err := self.modem.Init(); err != nil {
		self.log.Errorf("init: %v", err)
		self.tracker.Stages.Fail(health.StageInit)
		return
	}
	self.tracker.Stages.Reset(health.StageInit)
	self.tracker.SecondaryRecovered()
	self.setState(Initialized)
}

// stage runs one bring-up step. check, when set, must confirm success reported by do.
func (self *Manager) stage(s health.Stage, target State, do func() error, check func() bool) {
	err := do()
	if err == nil && check != nil && !check() {
		self.log.Debugf("%s reported ok but status check failed", s)
		err = errStatus
	}
	if err != nil {
		self.tracker.Stages.Fail(s)
		self.log.Debugf("stage %s failures=%d err=%v", s, self.tracker.Stages.Get(s), err)
		return
	}
	self.tracker.Stages.Reset(s)
	self.setState(target)
}

func (self *Manager) brokerConnect() error {
	return self.modem.BrokerConnect(Credentials{
		Server:   self.endpoint.ServerAddress,
		Port:     self.endpoint.Port,
		Username: self.endpoint.ServerUsername,
		Password: self.endpoint.ServerPassword,
		ClientID: self.config.DevEUI,
	})
}

func (self *Manager) subscribe() error {
	return self.modem.Subscribe(self.endpoint.DownlinkTopic(self.config.DevEUI))
}

// checkStatus runs every StatusCheckInterval, regresses state on first negative check.
func (self *Manager) checkStatus(now time.Time) bool {
	self.mu.Lock()
	due := now.Sub(self.lastStatus) >= self.config.statusCheck()
	if due {
		self.lastStatus = now
	}
	state := self.state
	self.mu.Unlock()
	if !due {
		return true
	}

	stages := self.tracker.Stages
	if !self.modem.Registered() {
		stages.Fail(health.StageRegister)
		self.log.Infof("status: network unregistered")
		self.setState(Initialized)
		return false
	}
	stages.Reset(health.StageRegister)
	if !self.modem.Attached() {
		stages.Fail(health.StageConnect)
		self.log.Infof("status: network detached")
		self.setState(Registered)
		return false
	}
	stages.Reset(health.StageConnect)
	if state >= ApplicationConnected {
		if !self.modem.BrokerConnected() {
			stages.Fail(health.StageMQTT)
			self.log.Infof("status: broker disconnected")
			self.setState(NetworkConnected)
			return false
		}
		stages.Reset(health.StageMQTT)
	}
	return true
}

func (self *Manager) readDownlinks() {
	_, router, _ := self.links()
	for {
		d, ok := self.modem.Receive()
		if !ok {
			return
		}
		env, err := DecodeDownlink(d.Payload)
		if err != nil {
			self.log.Errorf("downlink topic=%s: %v", d.Topic, err)
			continue
		}
		self.stats.Inc(stats.Downlinks)
		if router == nil {
			self.log.Debugf("downlink topic=%s port=%d dropped, no router", d.Topic, env.FPort)
			continue
		}
		if err = router.Route(d.Topic, env.FPort, env.Data); err != nil {
			self.log.Errorf("downlink route topic=%s: %v", d.Topic, err)
		}
	}
}

// sendQueued publishes up to queue length at start. Returns false after failure reset.
func (self *Manager) sendQueued() bool {
	topic := self.endpoint.UplinkTopic(self.config.DevEUI)
	stages := self.tracker.Stages
	n := self.q.Len()
	for i := 0; i < n; i++ {
		r, ok := self.q.Pop()
		if !ok {
			break
		}
		b, err := EncodeUplink(self.endpoint, self.config.DevEUI, r)
		if err == nil {
			err = self.modem.Publish(topic, b)
		}
		if err == nil {
			stages.Reset(health.StageSend)
			stages.Reset(health.StageConsecutive)
			self.stats.Inc(stats.SentSecondary)
			continue
		}

		self.log.Errorf("publish %s: %v", r, err)
		sendOver := stages.Fail(health.StageSend)
		consOver := stages.Fail(health.StageConsecutive)
		self.reroute(r.WithPriority(record.High))
		if sendOver || consOver {
			stage, _ := stages.Exceeded()
			self.failReset(stage)
			return false
		}
		// retry on next tick
		return true
	}

	if self.tracker.SecondaryTemporary() && self.q.Len() == 0 {
		self.log.Infof("temporary mode done, disabling")
		self.Disable()
	}
	return true
}

// reroute prefers joined primary with room, then own queue, then overflow.
func (self *Manager) reroute(r record.Record) {
	primary, _, _ := self.links()
	if primary != nil && primary.Joined() && primary.HasCapacity() && primary.Enqueue(r) {
		return
	}
	evicted, ok := self.q.Offer(r)
	if evicted != nil {
		self.stats.Inc(stats.Evicted)
		self.toOverflow(*evicted, "evicted")
	}
	if !ok {
		self.toOverflow(r, "reroute")
	}
}

// failReset is reaction to any stage limit: back to Uninitialized, disabled, queue to overflow.
func (self *Manager) failReset(stage health.Stage) {
	self.log.Errorf("stage %s failure limit reached (%s), reset", stage, self.tracker.Stages)
	self.tracker.Stages.ResetAll()
	self.setState(Uninitialized)
	self.tracker.SecondaryFailed()
	if err := self.modem.Reset(); err != nil {
		self.log.Errorf("modem reset: %v", err)
	}
	for _, r := range self.q.Drain() {
		self.toOverflow(r, "secondary-reset")
	}
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
