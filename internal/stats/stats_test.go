package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	t.Parallel()
	s := New()
	s.Inc(Lost)
	s.Add(Stored, 5)
	assert.Equal(t, uint64(1), s.Get(Lost))
	assert.Equal(t, uint64(5), s.Snapshot()["stored"])
	assert.Contains(t, s.String(), "lost=1")

	var null *Stats
	null.Inc(Lost)
	assert.Equal(t, uint64(0), null.Get(Lost))
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()
	s := New()
	s.Add(SentPrimary, 1000)
	s.Inc(Corrupt)
	b, err := s.MarshalBinary()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.UnmarshalBinary(b))
	assert.Equal(t, s.Snapshot(), restored.Snapshot())

	old := append([]byte(nil), b[:2+8*3]...)
	old[1] = 3
	older := New()
	require.NoError(t, older.UnmarshalBinary(old))
	assert.Equal(t, uint64(1000), older.Get(SentPrimary))
	assert.Equal(t, uint64(0), older.Get(Corrupt))
}

func TestSnapshotReject(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"version", []byte{9, 0}},
		{"short", []byte{1, 2, 0, 0}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Error(t, New().UnmarshalBinary(c.input))
		})
	}
}
