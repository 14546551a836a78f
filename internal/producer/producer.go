// Package producer packs scan and sensor results into records and hands them to the dispatcher.
//
// Payloads are big endian:
//
//	counter:  time(4) | count(2) per enabled source (wifi, ble, bt)
//	mac list: time(4) | hash(4) * up to MacChunk
//	battery:  millivolts(2)
package producer

import (
	"encoding/binary"
	"time"

	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/log2"
)

const (
	// DefaultMacChunk keeps mac list record at 48 bytes, safe for slowest primary data rate.
	DefaultMacChunk    = 11
	DefaultHealthcheck = time.Hour
)

type Router interface {
	Route(record.Record) bool
}

type Config struct {
	MacChunk       int `hcl:"mac_chunk"`
	HealthcheckMin int `hcl:"healthcheck_min"`
}

func (c *Config) HealthcheckInterval() time.Duration {
	return helpers.IntMinuteDefault(c.HealthcheckMin, DefaultHealthcheck)
}

// Sniff is one scanner result. MACs are salted hashes, never raw addresses.
type Sniff struct {
	Enabled bool
	Count   uint16
	MACs    []uint32
}

type Scan struct {
	Time time.Time
	Wifi Sniff
	BLE  Sniff
	BT   Sniff
}

type Producer struct {
	config Config
	router Router
	log    *log2.Log
	now    func() time.Time
}

func New(config Config, router Router, log *log2.Log) *Producer {
	return &Producer{config: config, router: router, log: log, now: time.Now}
}

func (self *Producer) macChunk() int {
	n := helpers.IntDefault(self.config.MacChunk, DefaultMacChunk)
	if max := (record.MaxPayload - 4) / 4; n > max {
		n = max
	}
	return n
}

func (self *Producer) route(port uint8, prio record.Priority, t time.Time, payload []byte) bool {
	r := record.New(port, prio, unix32(t), payload)
	ok := self.router.Route(r)
	if !ok {
		self.log.Debugf("produce %s not accepted", r)
	}
	return ok
}

// Scan sends counter record then MAC lists. Returns number of records accepted.
func (self *Producer) Scan(s Scan) int {
	if s.Time.IsZero() {
		s.Time = self.now()
	}
	ts := unix32(s.Time)
	n := 0

	counter := make([]byte, 4, 10)
	binary.BigEndian.PutUint32(counter, ts)
	for _, sn := range []Sniff{s.Wifi, s.BLE, s.BT} {
		if sn.Enabled {
			counter = append(counter, byte(sn.Count>>8), byte(sn.Count))
		}
	}
	if self.route(record.PortCounter, record.High, s.Time, counter) {
		n++
	}

	n += self.macs(record.PortWifiMACs, s.Time, s.Wifi)
	n += self.macs(record.PortBLEMACs, s.Time, s.BLE)
	n += self.macs(record.PortBTMACs, s.Time, s.BT)
	self.log.Debugf("scan wifi=%d ble=%d bt=%d records=%d", s.Wifi.Count, s.BLE.Count, s.BT.Count, n)
	return n
}

func (self *Producer) macs(port uint8, t time.Time, sn Sniff) int {
	if !sn.Enabled {
		return 0
	}
	chunk := self.macChunk()
	n := 0
	for rest := sn.MACs; len(rest) != 0; {
		k := len(rest)
		if k > chunk {
			k = chunk
		}
		b := make([]byte, 4+4*k)
		binary.BigEndian.PutUint32(b, unix32(t))
		for i, mac := range rest[:k] {
			binary.BigEndian.PutUint32(b[4+4*i:], mac)
		}
		if self.route(port, record.Low, t, b) {
			n++
		}
		rest = rest[k:]
	}
	return n
}

// Sensor index is 1-based.
func (self *Producer) Sensor(index int, data []byte) bool {
	if index < 1 || index > 3 {
		self.log.Errorf("code error sensor index=%d", index)
		return false
	}
	return self.route(record.PortSensor1+uint8(index-1), record.Normal, self.now(), data)
}

func (self *Producer) Battery(millivolts uint16) bool {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], millivolts)
	return self.route(record.PortBattery, record.Normal, self.now(), b[:])
}

func (self *Producer) Status(data []byte) bool {
	return self.route(record.PortStatus, record.High, self.now(), data)
}

func (self *Producer) TimeSync(data []byte) bool {
	return self.route(record.PortTimeSync, record.High, self.now(), data)
}

// Reply answers a remote command on the command port.
func (self *Producer) Reply(data []byte) bool {
	return self.route(record.PortRemote, record.High, self.now(), data)
}

// Healthcheck emits the link check record, primary transport sends it confirmed.
func (self *Producer) Healthcheck() bool {
	t := self.now()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], unix32(t))
	return self.route(record.PortTelemetry, record.Normal, t, b[:])
}

func unix32(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}
