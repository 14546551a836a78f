package health

import (
	"fmt"
	"strings"
	"sync"
)

type Stage uint8

const (
	StageInit Stage = iota
	StageRegister
	StageConnect
	StageMQTT
	StageSubscribe
	StageSend
	StageConsecutive
	stageCount
)

var stageNames = [stageCount]string{"init", "register", "connect", "mqtt", "subscribe", "send", "consecutive"}

func (s Stage) String() string {
	if s < stageCount {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Limits is maximum consecutive failures per stage, zero value means default.
type Limits [stageCount]int

func DefaultLimits() Limits {
	return Limits{
		StageInit:        10,
		StageRegister:    100,
		StageConnect:     10,
		StageMQTT:        10,
		StageSubscribe:   10,
		StageSend:        10,
		StageConsecutive: 10,
	}
}

type Counters struct {
	mu     sync.Mutex
	limits Limits
	counts [stageCount]int
}

func NewCounters(limits Limits) *Counters {
	def := DefaultLimits()
	for i, l := range limits {
		if l <= 0 {
			limits[i] = def[i]
		}
	}
	return &Counters{limits: limits}
}

// Fail increments stage counter, returns true when limit is reached.
func (self *Counters) Fail(s Stage) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.counts[s]++
	return self.counts[s] >= self.limits[s]
}

func (self *Counters) Reset(s Stage) {
	self.mu.Lock()
	self.counts[s] = 0
	self.mu.Unlock()
}

func (self *Counters) ResetAll() {
	self.mu.Lock()
	self.counts = [stageCount]int{}
	self.mu.Unlock()
}

func (self *Counters) Get(s Stage) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.counts[s]
}

func (self *Counters) Limit(s Stage) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.limits[s]
}

// Exceeded returns first stage at or over its limit.
func (self *Counters) Exceeded() (Stage, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for s := Stage(0); s < stageCount; s++ {
		if self.counts[s] >= self.limits[s] {
			return s, true
		}
	}
	return 0, false
}

func (self *Counters) String() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	parts := make([]string, 0, stageCount)
	for s := Stage(0); s < stageCount; s++ {
		parts = append(parts, fmt.Sprintf("%s=%d/%d", s, self.counts[s], self.limits[s]))
	}
	return strings.Join(parts, " ")
}
