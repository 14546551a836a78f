// Package inbox persists downlink commands and delivers them to a handler
// at least once, surviving restarts.
package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/topic"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/log2"
	"github.com/temoto/spq"
)

// Kind denotes value type in persistent queue bytes form.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindCommand
	KindConfig
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindConfig:
		return "config"
	case KindTime:
		return "time"
	}
	return "invalid"
}

// Handler executes one downlink. Returning a Transient error keeps entry queued.
type Handler func(ctx context.Context, kind Kind, port uint8, payload []byte) error

type transient struct{ error }

func (t transient) Cause() error { return t.error }

// Transient marks err as worth retrying later.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transient{err}
}

func IsTransient(err error) bool {
	if _, ok := err.(transient); ok {
		return true
	}
	if errors.IsTimeout(errors.Cause(err)) {
		return true
	}
	return false
}

type Inbox struct {
	log    *log2.Log
	q      *spq.Queue
	routes *topic.Tree
	retry  helpers.Backoff

	mu     sync.Mutex
	closed bool
}

// Open path may be spq.OnlyForTesting.
func Open(path string, log *log2.Log) (*Inbox, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "inbox open %s", path)
	}
	return &Inbox{
		log:    log,
		q:      q,
		routes: topic.NewStandardTree(),
		retry: helpers.Backoff{
			Min: 100 * time.Millisecond,
			Max: 30 * time.Second,
			K:   2,
		},
	}, nil
}

// Handle registers MQTT topic pattern (+ and # wildcards) for kind.
func (self *Inbox) Handle(pattern string, kind Kind) {
	if kind == KindInvalid {
		self.log.Fatal("code error inbox.Handle kind=invalid")
	}
	self.routes.Add(pattern, kind)
}

func (self *Inbox) match(t string) Kind {
	values := self.routes.Match(t)
	best := KindInvalid
	for _, v := range values {
		if k, ok := v.(Kind); ok && (best == KindInvalid || k < best) {
			best = k
		}
	}
	return best
}

// Route persists downlink for the worker. Unrouted topic is NotFound.
func (self *Inbox) Route(t string, port uint8, payload []byte) error {
	kind := self.match(t)
	if kind == KindInvalid {
		return errors.NotFoundf("inbox route topic=%s", t)
	}
	b, err := encode(kind, port, payload)
	if err != nil {
		return err
	}
	if err = self.q.Push(b); err != nil {
		return errors.Annotatef(err, "inbox push topic=%s", t)
	}
	self.log.Debugf("inbox queued kind=%s port=%d len=%d", kind, port, len(payload))
	return nil
}

// Start runs worker until Close or a.Stop().
func (self *Inbox) Start(ctx context.Context, a *alive.Alive, h Handler) bool {
	if !a.Add(1) {
		return false
	}
	go func() {
		defer a.Done()
		defer self.Close()
		go func() {
			<-a.StopChan()
			self.Close()
		}()
		self.worker(ctx, a, h)
	}()
	return true
}

func (self *Inbox) Close() {
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return
	}
	self.closed = true
	self.mu.Unlock()
	if err := self.q.Close(); err != nil {
		self.log.Errorf("inbox close: %v", err)
	}
}

func (self *Inbox) isClosed() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.closed
}

func (self *Inbox) worker(ctx context.Context, a *alive.Alive, h Handler) {
	for {
		box, err := self.q.Peek()
		switch errors.Cause(err) {
		case nil:
			// success path
			b := box.Bytes()
			if self.handle(ctx, h, b) {
				err = self.q.Delete(box)
			} else {
				err = self.q.DeletePush(box)
				if err == nil {
					self.sleep(a, self.retry.DelayAfter(false))
				}
			}
			if err != nil && errors.Cause(err) != spq.ErrClosed {
				self.log.Errorf("inbox entry=%x update err=%v", b, err)
			}

		case spq.ErrClosed:
			if !self.isClosed() {
				self.log.Errorf("CRITICAL inbox spq closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL inbox spq err=%v", err)
			self.sleep(a, time.Second)
		}
		if a.IsStopping() {
			return
		}
	}
}

// handle returns true when entry is done with, successfully or not.
func (self *Inbox) handle(ctx context.Context, h Handler, b []byte) bool {
	kind, port, payload, err := decode(b)
	if err != nil {
		self.log.Errorf("inbox entry=%x discarded: %v", b, err)
		return true
	}
	err = h(ctx, kind, port, payload)
	switch {
	case err == nil:
		self.retry.Reset()
		return true
	case IsTransient(err):
		self.log.Debugf("inbox kind=%s port=%d retry: %v", kind, port, err)
		return false
	default:
		self.log.Errorf("inbox kind=%s port=%d failed: %v", kind, port, err)
		return true
	}
}

func (self *Inbox) sleep(a *alive.Alive, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-a.StopChan():
	}
}

// entry := varint(kind) | port | payload
func encode(kind Kind, port uint8, payload []byte) ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, len(payload)+2))
	if err := buf.EncodeVarint(uint64(kind)); err != nil {
		return nil, err
	}
	b := append(buf.Bytes(), port)
	return append(b, payload...), nil
}

func decode(b []byte) (Kind, uint8, []byte, error) {
	if len(b) == 0 {
		return KindInvalid, 0, nil, errors.NotValidf("inbox entry empty")
	}
	x, n := proto.DecodeVarint(b)
	if n == 0 {
		return KindInvalid, 0, nil, errors.NotValidf("inbox entry kind varint")
	}
	kind := Kind(x)
	if x == 0 || x > uint64(KindTime) {
		return KindInvalid, 0, nil, errors.NotValidf("inbox entry kind=%d", x)
	}
	if len(b) < n+1 {
		return KindInvalid, 0, nil, errors.NotValidf("inbox entry short len=%d", len(b))
	}
	return kind, b[n], b[n+1:], nil
}
