// Package store is the persistent overflow FIFO of records on a storage medium.
//
// Store contract:
// - best effort: absent medium makes every call fail fast with ErrUnavailable
// - Enqueue writes record then header, failed write leaves previous header in effect
// - Dequeue and Peek never return record failing checksum, head stays in place
// - all calls serialized by store mutex with bounded wait, no network I/O inside
package store

import (
	"io"
	"math"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/log2"
)

const (
	DefaultName             = "paxqueue.q"
	DefaultLockTimeout      = 2 * time.Second
	DefaultCompactThreshold = 128000
	copyChunk               = 4 << 10
)

var (
	ErrUnavailable = errors.New("overflow store unavailable")
	ErrEmpty       = errors.New("overflow store empty")
	ErrCorrupt     = errors.New("overflow store corrupt")
	ErrLockTimeout = errors.New("overflow store lock timeout")
)

type Config struct {
	Name             string
	LockTimeout      time.Duration
	CompactThreshold uint32
}

type Store struct {
	config Config
	log    *log2.Log
	m      medium.Medium
	sem    chan struct{}
	flock  io.Closer
}

func New(m medium.Medium, config Config, log *log2.Log) *Store {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = DefaultLockTimeout
	}
	if config.CompactThreshold == 0 {
		config.CompactThreshold = DefaultCompactThreshold
	}
	return &Store{
		config: config,
		log:    log,
		m:      m,
		sem:    make(chan struct{}, 1),
	}
}

func (self *Store) Available() bool { return self.m != nil && self.m.Available() }

// Init creates or repairs queue file. Returns ErrUnavailable without medium,
// Store stays usable and will pick up medium when it appears.
func (self *Store) Init() error {
	if err := self.acquire(); err != nil {
		return err
	}
	defer self.release()
	if !self.Available() {
		self.log.Infof("medium absent, persistence disabled until it appears")
		return ErrUnavailable
	}
	if locker, ok := self.m.(medium.Locker); ok && self.flock == nil {
		l, err := locker.Lock(self.config.Name + ".lock")
		if err != nil {
			return errors.Annotate(err, "store Init")
		}
		self.flock = l
	}
	return self.withFile(func(f medium.File) error {
		h, err := self.loadHeader(f, true)
		if err == nil {
			self.log.Debugf("init head=%d tail=%d count=%d", h.Head, h.Tail, h.Count)
		}
		return err
	})
}

func (self *Store) Close() error {
	if err := self.acquire(); err != nil {
		return err
	}
	defer self.release()
	if self.flock != nil {
		err := self.flock.Close()
		self.flock = nil
		return err
	}
	return nil
}

func (self *Store) Enqueue(r record.Record) error {
	b, err := EncodeRecord(r)
	if err != nil {
		return errors.Annotate(err, "store Enqueue")
	}
	if err = self.acquire(); err != nil {
		return err
	}
	defer self.release()
	if !self.Available() {
		return ErrUnavailable
	}
	return self.withFile(func(f medium.File) error {
		h, err := self.loadHeader(f, true)
		if err != nil {
			return err
		}
		if uint64(h.Tail)+uint64(len(b)) > math.MaxUint32 {
			return errors.Errorf("store full tail=%d", h.Tail)
		}
		if _, err = f.WriteAt(b, int64(h.Tail)); err != nil {
			return errors.Annotatef(err, "store write record at=%d", h.Tail)
		}
		if err = f.Sync(); err != nil {
			return errors.Annotate(err, "store sync record")
		}
		next := h
		next.Tail += uint32(len(b))
		next.Count++
		return self.writeHeader(f, next)
	})
}

func (self *Store) Peek() (record.Record, error) {
	if err := self.acquire(); err != nil {
		return record.Record{}, err
	}
	defer self.release()
	if !self.Available() {
		return record.Record{}, ErrUnavailable
	}
	var r record.Record
	err := self.withFile(func(f medium.File) error {
		h, err := self.loadHeader(f, false)
		if err != nil {
			return err
		}
		if h.Empty() {
			return ErrEmpty
		}
		r, _, err = self.readRecord(f, h)
		return err
	})
	return r, err
}

func (self *Store) Dequeue() (record.Record, error) {
	if err := self.acquire(); err != nil {
		return record.Record{}, err
	}
	defer self.release()
	if !self.Available() {
		return record.Record{}, ErrUnavailable
	}
	var r record.Record
	var next Header
	err := self.withFile(func(f medium.File) error {
		h, err := self.loadHeader(f, false)
		if err != nil {
			return err
		}
		if h.Empty() {
			return ErrEmpty
		}
		var size uint32
		if r, size, err = self.readRecord(f, h); err != nil {
			return err
		}
		next = h
		next.Head += size
		next.Count--
		return self.writeHeader(f, next)
	})
	if err == nil && self.needCompact(next) {
		if cerr := self.compactLocked(); cerr != nil {
			self.log.Errorf("compact after dequeue err=%v", cerr)
		}
	}
	return r, err
}

// DiscardHead drops record at head without validating payload.
// When even the length field is unusable, whole queue is reset to empty.
// Returns number of records dropped.
func (self *Store) DiscardHead() (uint32, error) {
	if err := self.acquire(); err != nil {
		return 0, err
	}
	defer self.release()
	if !self.Available() {
		return 0, ErrUnavailable
	}
	var dropped uint32
	var next Header
	err := self.withFile(func(f medium.File) error {
		h, err := self.loadHeader(f, false)
		if errors.Cause(err) == ErrCorrupt {
			self.log.Errorf("discard: header unusable, reset err=%v", err)
			next = EmptyHeader()
			return self.writeHeader(f, next)
		}
		if err != nil {
			return err
		}
		if h.Empty() {
			return ErrEmpty
		}
		var buf [RecordHeaderSize]byte
		var rh RecordHeader
		if _, err = f.ReadAt(buf[:], int64(h.Head)); err == nil {
			rh, err = ParseRecordHeader(buf[:])
		}
		if err != nil || !rh.Plausible() || h.Head+rh.Size() > h.Tail {
			self.log.Errorf("discard: record length unusable at=%d, reset count=%d", h.Head, h.Count)
			dropped = h.Count
			next = EmptyHeader()
			return self.writeHeader(f, next)
		}
		dropped = 1
		next = h
		next.Head += rh.Size()
		next.Count--
		return self.writeHeader(f, next)
	})
	if err == nil && self.needCompact(next) {
		if cerr := self.compactLocked(); cerr != nil {
			self.log.Errorf("compact after discard err=%v", cerr)
		}
	}
	return dropped, err
}

func (self *Store) Count() (uint32, error) {
	if err := self.acquire(); err != nil {
		return 0, err
	}
	defer self.release()
	if !self.Available() {
		return 0, ErrUnavailable
	}
	var n uint32
	err := self.withFile(func(f medium.File) error {
		h, err := self.loadHeader(f, false)
		n = h.Count
		return err
	})
	return n, err
}

func (self *Store) Compact() error {
	if err := self.acquire(); err != nil {
		return err
	}
	defer self.release()
	if !self.Available() {
		return ErrUnavailable
	}
	return self.compactLocked()
}

func (self *Store) needCompact(h Header) bool {
	return h.Head != 0 && (h.Count == 0 || h.Head > self.config.CompactThreshold)
}

// compactLocked rewrites live span into fresh file. Empty queue becomes bare header.
func (self *Store) compactLocked() error {
	var h Header
	err := self.withFile(func(f medium.File) error {
		var err error
		if h, err = self.loadHeader(f, true); err != nil {
			return err
		}
		if !h.Empty() {
			return nil
		}
		if err = f.Truncate(0); err != nil {
			return errors.Annotate(err, "compact truncate")
		}
		return self.writeHeader(f, EmptyHeader())
	})
	if err != nil || h.Empty() {
		return err
	}

	tmpName := self.config.Name + ".compact"
	src, err := self.m.Open(self.config.Name)
	if err != nil {
		return errors.Annotate(err, "compact open")
	}
	defer src.Close()
	dst, err := self.m.Open(tmpName)
	if err != nil {
		return errors.Annotate(err, "compact open tmp")
	}
	err = self.copySpan(dst, src, h)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = self.m.Remove(tmpName)
		return errors.Annotate(err, "compact copy")
	}
	if err = self.m.Rename(tmpName, self.config.Name); err != nil {
		return errors.Annotate(err, "compact rename")
	}
	self.log.Debugf("compacted count=%d reclaimed=%d", h.Count, h.Head-HeaderSize)
	return nil
}

func (self *Store) copySpan(dst, src medium.File, h Header) error {
	if err := dst.Truncate(0); err != nil {
		return err
	}
	buf := make([]byte, copyChunk)
	out := int64(HeaderSize)
	for off := int64(h.Head); off < int64(h.Tail); {
		n := int64(len(buf))
		if rest := int64(h.Tail) - off; rest < n {
			n = rest
		}
		if _, err := src.ReadAt(buf[:n], off); err != nil {
			return err
		}
		if _, err := dst.WriteAt(buf[:n], out); err != nil {
			return err
		}
		off += n
		out += n
	}
	if err := dst.Sync(); err != nil {
		return err
	}
	next := Header{Head: HeaderSize, Tail: HeaderSize + (h.Tail - h.Head), Count: h.Count}
	return self.writeHeader(dst, next)
}

func (self *Store) readRecord(f medium.File, h Header) (record.Record, uint32, error) {
	var hb [RecordHeaderSize]byte
	if h.Head+RecordHeaderSize > h.Tail {
		return record.Record{}, 0, errors.Annotatef(ErrCorrupt, "record header beyond tail at=%d", h.Head)
	}
	if _, err := f.ReadAt(hb[:], int64(h.Head)); err != nil {
		return record.Record{}, 0, errors.Annotatef(ErrCorrupt, "read record header at=%d err=%v", h.Head, err)
	}
	rh, _ := ParseRecordHeader(hb[:])
	if !rh.Plausible() || h.Head+rh.Size() > h.Tail {
		return record.Record{}, 0, errors.Annotatef(ErrCorrupt, "record len=%d at=%d", rh.Len, h.Head)
	}
	b := make([]byte, rh.Size())
	if _, err := f.ReadAt(b, int64(h.Head)); err != nil {
		return record.Record{}, 0, errors.Annotatef(ErrCorrupt, "read record at=%d err=%v", h.Head, err)
	}
	r, err := DecodeRecord(b)
	if err != nil {
		return record.Record{}, 0, errors.Annotatef(ErrCorrupt, "at=%d %v", h.Head, err)
	}
	return r, rh.Size(), nil
}

// loadHeader reads header. Missing file reads as empty queue.
// Corrupt header is rebuilt when repair is set, otherwise reported as ErrCorrupt.
func (self *Store) loadHeader(f medium.File, repair bool) (Header, error) {
	size, err := f.Size()
	if err != nil {
		return Header{}, errors.Annotate(err, "store size")
	}
	if size < HeaderSize {
		h := EmptyHeader()
		if repair {
			return h, self.writeHeader(f, h)
		}
		return h, nil
	}
	var b [HeaderSize]byte
	if _, err = f.ReadAt(b[:], 0); err != nil && err != io.EOF {
		return Header{}, errors.Annotate(err, "store read header")
	}
	var h Header
	if err = h.UnmarshalBinary(b[:]); err != nil {
		if !repair {
			return Header{}, errors.Annotatef(ErrCorrupt, "%v", err)
		}
		self.log.Errorf("header rebuilt, previous content lost: %v", err)
		h = EmptyHeader()
		if err = f.Truncate(0); err != nil {
			return Header{}, errors.Annotate(err, "store truncate")
		}
		return h, self.writeHeader(f, h)
	}
	return h, nil
}

func (self *Store) writeHeader(f medium.File, h Header) error {
	b, _ := h.MarshalBinary()
	if _, err := f.WriteAt(b, 0); err != nil {
		return errors.Annotate(err, "store write header")
	}
	return errors.Annotate(f.Sync(), "store sync header")
}

func (self *Store) withFile(fun func(medium.File) error) error {
	f, err := self.m.Open(self.config.Name)
	if err != nil {
		return errors.Annotatef(err, "store open %s", self.config.Name)
	}
	err = fun(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Annotate(cerr, "store close")
	}
	return err
}

func (self *Store) acquire() error {
	select {
	case self.sem <- struct{}{}:
		return nil
	default:
	}
	tmr := time.NewTimer(self.config.LockTimeout)
	defer tmr.Stop()
	select {
	case self.sem <- struct{}{}:
		return nil
	case <-tmr.C:
		return ErrLockTimeout
	}
}

func (self *Store) release() { <-self.sem }
