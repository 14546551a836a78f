// Package queue is bounded in-memory deque of records owned by one transport.
// All methods are safe for concurrent use by multiple producers and consumers.
package queue

import (
	"sync"

	"github.com/temoto/paxnode/internal/record"
)

type Queue struct {
	mu    sync.Mutex
	items []record.Record // ring
	head  int
	n     int
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("code error queue capacity must be positive")
	}
	return &Queue{items: make([]record.Record, capacity)}
}

func (q *Queue) Cap() int { return len(q.items) }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.n
}

func (q *Queue) PushBack(r record.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.items) {
		return false
	}
	q.items[q.index(q.n)] = r.Clone()
	q.n++
	return true
}

func (q *Queue) PushFront(r record.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushFrontLocked(r)
}

func (q *Queue) pushFrontLocked(r record.Record) bool {
	if q.n == len(q.items) {
		return false
	}
	q.head = (q.head - 1 + len(q.items)) % len(q.items)
	q.items[q.head] = r.Clone()
	q.n++
	return true
}

// Pop removes record at head.
func (q *Queue) Pop() (record.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return record.Record{}, false
	}
	r := q.items[q.head]
	q.items[q.head] = record.Record{}
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return r, true
}

// Drain removes all records in delivery order.
func (q *Queue) Drain() []record.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]record.Record, 0, q.n)
	for q.n > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = record.Record{}
		q.head = (q.head + 1) % len(q.items)
		q.n--
	}
	return out
}

// Offer applies priority insertion rules:
// high goes to front, evicting one record when full;
// normal and low go to back and never evict.
// Evicted record is returned to caller, who must find it a new owner.
func (q *Queue) Offer(r record.Record) (evicted *record.Record, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r.Priority != record.High {
		if q.n == len(q.items) {
			return nil, false
		}
		q.items[q.index(q.n)] = r.Clone()
		q.n++
		return nil, true
	}
	if q.n == len(q.items) {
		v := q.removeLocked(q.victimLocked())
		evicted = &v
	}
	return evicted, q.pushFrontLocked(r)
}

// victimLocked finds oldest record of the lowest priority class present.
func (q *Queue) victimLocked() int {
	best := 0
	for i := 1; i < q.n; i++ {
		if q.items[q.index(i)].Priority < q.items[q.index(best)].Priority {
			best = i
		}
	}
	return best
}

// removeLocked removes i-th record counting from head, preserving order of the rest.
func (q *Queue) removeLocked(i int) record.Record {
	r := q.items[q.index(i)]
	for j := i; j < q.n-1; j++ {
		q.items[q.index(j)] = q.items[q.index(j+1)]
	}
	q.items[q.index(q.n-1)] = record.Record{}
	q.n--
	return r
}

func (q *Queue) index(i int) int { return (q.head + i) % len(q.items) }
