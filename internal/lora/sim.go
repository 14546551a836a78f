package lora

import (
	"sync"
	"time"
)

const (
	DefaultSimJoinDelay = 2 * time.Second
	DefaultSimAirtime   = 400 * time.Millisecond
)

// SimRadio is Radio without hardware for bench runs: join succeeds after JoinDelay,
// each send occupies the channel for Airtime and completes acked.
type SimRadio struct {
	JoinDelay time.Duration
	Airtime   time.Duration
	// Sent observes every accepted frame, optional.
	Sent func(port uint8, payload []byte, confirmed bool)

	mu      sync.Mutex
	events  func(Event)
	joined  bool
	joining bool
	busy    bool
}

var _ Radio = (*SimRadio)(nil)

func NewSimRadio() *SimRadio {
	return &SimRadio{JoinDelay: DefaultSimJoinDelay, Airtime: DefaultSimAirtime}
}

// SetEvents connects radio events, usually to Manager.OnEvent.
func (self *SimRadio) SetEvents(f func(Event)) {
	self.mu.Lock()
	self.events = f
	self.mu.Unlock()
}

func (self *SimRadio) emit(e Event) {
	self.mu.Lock()
	f := self.events
	self.mu.Unlock()
	if f != nil {
		f(e)
	}
}

func (self *SimRadio) Joined() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.joined
}

func (self *SimRadio) StartJoin() error {
	self.mu.Lock()
	if self.joining {
		self.mu.Unlock()
		return nil
	}
	self.joining = true
	self.joined = false
	self.mu.Unlock()

	self.emit(Event{Kind: EventJoining})
	self.emit(Event{Kind: EventJoinTxComplete})
	time.AfterFunc(self.JoinDelay, func() {
		self.mu.Lock()
		self.joining = false
		self.joined = true
		self.mu.Unlock()
		self.emit(Event{Kind: EventJoined})
	})
	return nil
}

// Leave simulates lost network session.
func (self *SimRadio) Leave() {
	self.mu.Lock()
	self.joined = false
	self.mu.Unlock()
	self.emit(Event{Kind: EventLinkDead})
}

func (self *SimRadio) Send(port uint8, payload []byte, confirmed bool) SendResult {
	self.mu.Lock()
	switch {
	case !self.joined:
		self.mu.Unlock()
		return Failed
	case self.busy:
		self.mu.Unlock()
		return Busy
	}
	self.busy = true
	sent := self.Sent
	self.mu.Unlock()

	if sent != nil {
		sent(port, payload, confirmed)
	}
	time.AfterFunc(self.Airtime, func() {
		self.mu.Lock()
		self.busy = false
		self.mu.Unlock()
		self.emit(Event{Kind: EventTxComplete, Ack: confirmed})
	})
	return Success
}
