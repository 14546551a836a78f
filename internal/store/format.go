package store

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/crc"
	"github.com/temoto/paxnode/internal/record"
)

// Queue file layout, little-endian:
// Header: magic(4) | version(1) | reserved(3) | head(4) | tail(4) | count(4) | header_crc(2) | pad(2)
// Record: len(2) | port(1) | priority(1) | timestamp(4) | crc(2) | payload(len)
const (
	Magic            uint32 = 0x31515850 // "PXQ1"
	Version          uint8  = 1
	HeaderSize              = 24
	RecordHeaderSize        = 10

	headerCRCOffset = 20
	recordCRCOffset = 8
)

type Header struct {
	Head  uint32
	Tail  uint32
	Count uint32
}

func EmptyHeader() Header { return Header{Head: HeaderSize, Tail: HeaderSize} }

func (h Header) Empty() bool { return h.Count == 0 }

func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:], Magic)
	b[4] = Version
	binary.LittleEndian.PutUint32(b[8:], h.Head)
	binary.LittleEndian.PutUint32(b[12:], h.Tail)
	binary.LittleEndian.PutUint32(b[16:], h.Count)
	binary.LittleEndian.PutUint16(b[headerCRCOffset:], crc.CCITT(b[:headerCRCOffset]))
	return b, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return errors.NotValidf("queue header len=%d", len(b))
	}
	if m := binary.LittleEndian.Uint32(b[0:]); m != Magic {
		return errors.NotValidf("queue header magic=%08x", m)
	}
	if b[4] != Version {
		return errors.NotValidf("queue header version=%d", b[4])
	}
	expect := binary.LittleEndian.Uint16(b[headerCRCOffset:])
	if actual := crc.CCITT(b[:headerCRCOffset]); actual != expect {
		return errors.NotValidf("queue header crc=%04x expected=%04x", actual, expect)
	}
	x := Header{
		Head:  binary.LittleEndian.Uint32(b[8:]),
		Tail:  binary.LittleEndian.Uint32(b[12:]),
		Count: binary.LittleEndian.Uint32(b[16:]),
	}
	if x.Head < HeaderSize || x.Head > x.Tail {
		return errors.NotValidf("queue header head=%d tail=%d", x.Head, x.Tail)
	}
	if x.Count > (x.Tail-x.Head)/(RecordHeaderSize+1) {
		return errors.NotValidf("queue header count=%d span=%d", x.Count, x.Tail-x.Head)
	}
	*h = x
	return nil
}

type RecordHeader struct {
	Len       uint16
	Port      uint8
	Priority  record.Priority
	Timestamp uint32
	CRC       uint16
}

// Size of whole record on disk.
func (rh RecordHeader) Size() uint32 { return RecordHeaderSize + uint32(rh.Len) }

// Plausible reports whether length field can be trusted to skip the record.
func (rh RecordHeader) Plausible() bool {
	return rh.Len > 0 && rh.Len <= record.MaxPayload
}

func (rh RecordHeader) put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], rh.Len)
	b[2] = rh.Port
	b[3] = byte(rh.Priority)
	binary.LittleEndian.PutUint32(b[4:], rh.Timestamp)
	binary.LittleEndian.PutUint16(b[recordCRCOffset:], rh.CRC)
}

func ParseRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < RecordHeaderSize {
		return RecordHeader{}, errors.NotValidf("record header len=%d", len(b))
	}
	return RecordHeader{
		Len:       binary.LittleEndian.Uint16(b[0:]),
		Port:      b[2],
		Priority:  record.Priority(b[3]),
		Timestamp: binary.LittleEndian.Uint32(b[4:]),
		CRC:       binary.LittleEndian.Uint16(b[recordCRCOffset:]),
	}, nil
}

func recordCRC(hdr []byte, payload []byte) uint16 {
	return crc.CRC16(crc.CCITT(hdr[:recordCRCOffset]), payload)
}

// EncodeRecord returns record header followed by payload.
func EncodeRecord(r record.Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, RecordHeaderSize+len(r.Payload))
	rh := RecordHeader{
		Len:       uint16(len(r.Payload)),
		Port:      r.Port,
		Priority:  r.Priority,
		Timestamp: r.Timestamp,
	}
	rh.put(b)
	copy(b[RecordHeaderSize:], r.Payload)
	binary.LittleEndian.PutUint16(b[recordCRCOffset:], recordCRC(b, r.Payload))
	return b, nil
}

// DecodeRecord validates complete record bytes as produced by EncodeRecord.
func DecodeRecord(b []byte) (record.Record, error) {
	rh, err := ParseRecordHeader(b)
	if err != nil {
		return record.Record{}, err
	}
	if !rh.Plausible() {
		return record.Record{}, errors.NotValidf("record len=%d", rh.Len)
	}
	if len(b) < int(rh.Size()) {
		return record.Record{}, errors.NotValidf("record truncated len=%d have=%d", rh.Len, len(b)-RecordHeaderSize)
	}
	payload := b[RecordHeaderSize:rh.Size()]
	if actual := recordCRC(b, payload); actual != rh.CRC {
		return record.Record{}, errors.NotValidf("record crc=%04x expected=%04x", actual, rh.CRC)
	}
	if !rh.Priority.Valid() {
		return record.Record{}, errors.NotValidf("record %s", rh.Priority)
	}
	return record.New(rh.Port, rh.Priority, rh.Timestamp, payload), nil
}
