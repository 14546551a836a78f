package record

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		r         Record
		expectErr string
	}{
		{"ok", New(PortCounter, High, 1, []byte{1, 2}), ""},
		{"max", New(PortWifiMACs, Low, 1, bytes.Repeat([]byte{7}, MaxPayload)), ""},
		{"empty", New(PortCounter, High, 1, nil), "record port=1 empty payload not valid"},
		{"oversize", New(PortStatus, Normal, 1, make([]byte, MaxPayload+1)), "record port=3 payload len=257 max=256 not valid"},
		{"priority", Record{Payload: []byte{1}, Port: 9, Priority: 7}, "record port=9 priority(7) not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := c.r.Validate()
			if c.expectErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, c.expectErr)
				assert.True(t, errors.IsNotValid(err))
			}
		})
	}
}

func TestCloneDetached(t *testing.T) {
	t.Parallel()
	src := []byte{1, 2, 3}
	r := New(PortSensor1, Normal, 5, src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, r.Payload)

	e := r.WithPriority(High)
	e.Payload[1] = 9
	assert.Equal(t, High, e.Priority)
	assert.Equal(t, Normal, r.Priority)
	assert.Equal(t, []byte{1, 2, 3}, r.Payload)
}
