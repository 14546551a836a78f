// Package record defines the unit of delivery shared by queues, transports and the overflow store.
package record

import (
	"fmt"

	"github.com/juju/errors"
)

// Payload capacity of a single record, fixed for all transports and the store.
const MaxPayload = 256

type Priority uint8

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) Valid() bool { return p <= High }

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// Well known ports, message semantics are opaque below the producer.
const (
	PortCounter   uint8 = 1
	PortRemote    uint8 = 2
	PortStatus    uint8 = 3
	PortConfig    uint8 = 5
	PortBattery   uint8 = 8
	PortTimeSync  uint8 = 9
	PortTelemetry uint8 = 10 // confirmed health check on primary
	PortSensor1   uint8 = 11
	PortSensor2   uint8 = 12
	PortSensor3   uint8 = 13
	PortWifiMACs  uint8 = 30
	PortBLEMACs   uint8 = 31
	PortBTMACs    uint8 = 32
)

type Record struct {
	Payload   []byte
	Port      uint8
	Priority  Priority
	Timestamp uint32 // unix seconds
}

func New(port uint8, prio Priority, ts uint32, payload []byte) Record {
	r := Record{Port: port, Priority: prio, Timestamp: ts}
	r.Payload = append(make([]byte, 0, len(payload)), payload...)
	return r
}

func (r Record) Validate() error {
	if len(r.Payload) == 0 {
		return errors.NotValidf("record port=%d empty payload", r.Port)
	}
	if len(r.Payload) > MaxPayload {
		return errors.NotValidf("record port=%d payload len=%d max=%d", r.Port, len(r.Payload), MaxPayload)
	}
	if !r.Priority.Valid() {
		return errors.NotValidf("record port=%d %s", r.Port, r.Priority)
	}
	return nil
}

// Clone detaches payload from caller memory.
func (r Record) Clone() Record {
	return New(r.Port, r.Priority, r.Timestamp, r.Payload)
}

// WithPriority returns copy with priority changed, used for escalation on send failure.
func (r Record) WithPriority(p Priority) Record {
	c := r.Clone()
	c.Priority = p
	return c
}

func (r Record) String() string {
	return fmt.Sprintf("port=%d prio=%s len=%d ts=%d", r.Port, r.Priority, len(r.Payload), r.Timestamp)
}
