package store

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/log2"
)

func newTestStore(t testing.TB, config Config) (*Store, *medium.Memory) {
	m := medium.NewMemory()
	s := New(m, config, log2.NewTest(t, log2.LDebug))
	require.NoError(t, s.Init())
	return s, m
}

func testRecord(i int) record.Record {
	payload := bytes.Repeat([]byte{byte(i)}, 1+i%record.MaxPayload)
	return record.New(uint8(i), record.Priority(i%3), uint32(1600000000+i), payload)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []record.Record{
		record.New(record.PortCounter, record.High, 1700000000, []byte{0x01, 0x02, 0x03}),
		record.New(record.PortWifiMACs, record.Low, 0, bytes.Repeat([]byte{0xaa}, record.MaxPayload)),
		record.New(0, record.Normal, 0xffffffff, []byte{0}),
	}
	for i, r := range cases {
		r := r
		t.Run(fmt.Sprintf("%d/%s", i, r), func(t *testing.T) {
			s, _ := newTestStore(t, Config{})
			require.NoError(t, s.Enqueue(r))
			peek, err := s.Peek()
			require.NoError(t, err)
			assert.Equal(t, r, peek)
			got, err := s.Dequeue()
			require.NoError(t, err)
			assert.Equal(t, r, got)
			_, err = s.Dequeue()
			assert.Equal(t, ErrEmpty, errors.Cause(err))
		})
	}
}

func TestFIFOAndCount(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, Config{})
	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, s.Enqueue(testRecord(i)))
	}
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(n), count)
	for i := 0; i < n; i++ {
		r, err := s.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, testRecord(i), r)
	}
	count, err = s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
}

func TestEnqueueInvalid(t *testing.T) {
	t.Parallel()
	s, m := newTestStore(t, Config{})
	before := m.Bytes(DefaultName)
	err := s.Enqueue(record.New(1, record.High, 0, make([]byte, record.MaxPayload+1)))
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
	assert.Equal(t, before, m.Bytes(DefaultName))
}

func TestEnqueueWriteFailureKeepsState(t *testing.T) {
	t.Parallel()
	s, m := newTestStore(t, Config{})
	require.NoError(t, s.Enqueue(testRecord(1)))
	before := m.Bytes(DefaultName)
	m.FailWrites(true)
	require.Error(t, s.Enqueue(testRecord(2)))
	m.FailWrites(false)
	assert.Equal(t, before, m.Bytes(DefaultName))
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
}

func TestCorruptionDetection(t *testing.T) {
	t.Parallel()
	r := record.New(record.PortCounter, record.High, 42, []byte("people=17"))
	for i := 0; i < len(r.Payload); i++ {
		i := i
		t.Run(fmt.Sprintf("payload-byte-%d", i), func(t *testing.T) {
			s, m := newTestStore(t, Config{})
			require.NoError(t, s.Enqueue(r))
			off := HeaderSize + RecordHeaderSize + i
			b := m.Bytes(DefaultName)
			m.Poke(DefaultName, off, b[off]^0x40)
			headerBefore := m.Bytes(DefaultName)[:HeaderSize]

			_, err := s.Dequeue()
			require.Error(t, err)
			assert.Equal(t, ErrCorrupt, errors.Cause(err))
			_, err = s.Peek()
			assert.Equal(t, ErrCorrupt, errors.Cause(err))
			assert.Equal(t, headerBefore, m.Bytes(DefaultName)[:HeaderSize], "head must not advance")
			count, err := s.Count()
			require.NoError(t, err)
			assert.Equal(t, uint32(1), count)
		})
	}
}

func TestDiscardHead(t *testing.T) {
	t.Parallel()
	s, m := newTestStore(t, Config{})
	require.NoError(t, s.Enqueue(testRecord(1)))
	require.NoError(t, s.Enqueue(testRecord(2)))
	m.Poke(DefaultName, HeaderSize+RecordHeaderSize, 0xee)

	_, err := s.Dequeue()
	require.Equal(t, ErrCorrupt, errors.Cause(err))
	dropped, err := s.DiscardHead()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), dropped)
	r, err := s.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, testRecord(2), r)
}

func TestDiscardHeadBadLength(t *testing.T) {
	t.Parallel()
	s, m := newTestStore(t, Config{})
	require.NoError(t, s.Enqueue(testRecord(1)))
	require.NoError(t, s.Enqueue(testRecord(2)))
	m.Poke(DefaultName, HeaderSize+1, 0xff) // len high byte
	dropped, err := s.DiscardHead()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), dropped)
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
}

func TestCorruptHeader(t *testing.T) {
	t.Parallel()
	s, m := newTestStore(t, Config{})
	require.NoError(t, s.Enqueue(testRecord(1)))
	m.Poke(DefaultName, 9, 0x55) // head

	_, err := s.Peek()
	assert.Equal(t, ErrCorrupt, errors.Cause(err))
	_, err = s.Count()
	assert.Equal(t, ErrCorrupt, errors.Cause(err))

	// enqueue repairs header, previous content is lost
	require.NoError(t, s.Enqueue(testRecord(5)))
	r, err := s.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, testRecord(5), r)
}

func TestInitRepairsGarbage(t *testing.T) {
	t.Parallel()
	m := medium.NewMemory()
	require.NoError(t, medium.WriteFile(m, DefaultName, []byte("garbage garbage garbage garbage")))
	s := New(m, Config{}, log2.NewTest(t, log2.LDebug))
	require.NoError(t, s.Init())
	var h Header
	require.NoError(t, h.UnmarshalBinary(m.Bytes(DefaultName)))
	assert.Equal(t, EmptyHeader(), h)
}

func TestCompactionIdempotence(t *testing.T) {
	t.Parallel()
	s, m := newTestStore(t, Config{})
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(testRecord(i)))
		_, err := s.Dequeue()
		require.NoError(t, err)
	}
	require.NoError(t, s.Compact())
	first := m.Bytes(DefaultName)
	require.NoError(t, s.Compact())
	second := m.Bytes(DefaultName)
	assert.Equal(t, first, second)
	require.Len(t, first, HeaderSize)
	var h Header
	require.NoError(t, h.UnmarshalBinary(first))
	assert.Equal(t, EmptyHeader(), h)
}

func TestCompactionThreshold(t *testing.T) {
	t.Parallel()
	s, m := newTestStore(t, Config{CompactThreshold: 300})
	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, s.Enqueue(testRecord(100+i)))
	}
	sizeFull := len(m.Bytes(DefaultName))
	for i := 0; i < 3; i++ {
		r, err := s.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, testRecord(100+i), r)
	}
	var h Header
	require.NoError(t, h.UnmarshalBinary(m.Bytes(DefaultName)))
	assert.Equal(t, uint32(HeaderSize), h.Head, "compacted after head passed threshold")
	assert.Equal(t, uint32(n-3), h.Count)
	assert.Less(t, len(m.Bytes(DefaultName)), sizeFull)
	assert.False(t, m.Exists(DefaultName+".compact"))
	for i := 3; i < n; i++ {
		r, err := s.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, testRecord(100+i), r)
	}
}

func TestMediumAbsent(t *testing.T) {
	t.Parallel()
	check := func(t testing.TB, s *Store) {
		assert.Equal(t, ErrUnavailable, s.Enqueue(testRecord(1)))
		_, err := s.Dequeue()
		assert.Equal(t, ErrUnavailable, err)
		_, err = s.Peek()
		assert.Equal(t, ErrUnavailable, err)
		_, err = s.Count()
		assert.Equal(t, ErrUnavailable, err)
		assert.Equal(t, ErrUnavailable, s.Compact())
	}
	t.Run("nil", func(t *testing.T) {
		s := New(nil, Config{}, log2.NewTest(t, log2.LDebug))
		assert.Equal(t, ErrUnavailable, s.Init())
		check(t, s)
	})
	t.Run("removed", func(t *testing.T) {
		s, m := newTestStore(t, Config{})
		require.NoError(t, s.Enqueue(testRecord(1)))
		m.SetAvailable(false)
		check(t, s)
		m.SetAvailable(true)
		r, err := s.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, testRecord(1), r)
	})
}

func TestLockTimeout(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, Config{LockTimeout: 20 * time.Millisecond})
	require.NoError(t, s.acquire())
	tbegin := time.Now()
	err := s.Enqueue(testRecord(1))
	assert.Equal(t, ErrLockTimeout, err)
	assert.True(t, time.Since(tbegin) >= 20*time.Millisecond)
	s.release()
	require.NoError(t, s.Enqueue(testRecord(1)))
}
