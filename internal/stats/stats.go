// Package stats counts delivery outcomes. Counters survive restarts through persist.
package stats

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"
)

type Counter uint8

const (
	Accepted Counter = iota
	SentPrimary
	SentSecondary
	Stored
	Flushed
	Evicted
	Lost
	Corrupt
	HandedOff
	Downlinks
	counterCount
)

var counterNames = [counterCount]string{
	"accepted", "sent_primary", "sent_secondary", "stored", "flushed",
	"evicted", "lost", "corrupt", "handed_off", "downlinks",
}

func (c Counter) String() string {
	if c < counterCount {
		return counterNames[c]
	}
	return fmt.Sprintf("counter(%d)", uint8(c))
}

const snapshotVersion = 1

type Stats struct {
	v [counterCount]uint64
}

func New() *Stats { return &Stats{} }

func (self *Stats) Inc(c Counter) { self.Add(c, 1) }

func (self *Stats) Add(c Counter, n uint64) {
	if self == nil {
		return
	}
	atomic.AddUint64(&self.v[c], n)
}

func (self *Stats) Get(c Counter) uint64 {
	if self == nil {
		return 0
	}
	return atomic.LoadUint64(&self.v[c])
}

type Snapshot map[string]uint64

func (self *Stats) Snapshot() Snapshot {
	s := make(Snapshot, counterCount)
	for c := Counter(0); c < counterCount; c++ {
		s[c.String()] = self.Get(c)
	}
	return s
}

func (self *Stats) String() string {
	s := ""
	for c := Counter(0); c < counterCount; c++ {
		if c != 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%d", c, self.Get(c))
	}
	return s
}

// MarshalBinary: version(1) | n(1) | n * uint64 LE
func (self *Stats) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2+8*counterCount)
	b[0] = snapshotVersion
	b[1] = byte(counterCount)
	for c := Counter(0); c < counterCount; c++ {
		binary.LittleEndian.PutUint64(b[2+8*int(c):], self.Get(c))
	}
	return b, nil
}

// UnmarshalBinary accepts snapshots with fewer counters, from older builds.
func (self *Stats) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return errors.NotValidf("stats snapshot len=%d", len(b))
	}
	if b[0] != snapshotVersion {
		return errors.NotValidf("stats snapshot version=%d", b[0])
	}
	n := int(b[1])
	if len(b) != 2+8*n {
		return errors.NotValidf("stats snapshot len=%d counters=%d", len(b), n)
	}
	if n > int(counterCount) {
		n = int(counterCount)
	}
	for c := 0; c < n; c++ {
		atomic.StoreUint64(&self.v[c], binary.LittleEndian.Uint64(b[2+8*c:]))
	}
	return nil
}
