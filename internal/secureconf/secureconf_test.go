package secureconf

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/nbiot"
	"github.com/temoto/paxnode/log2"
)

var (
	testDevice   = []byte{0x24, 0x6f, 0x28, 0x01, 0x02, 0x03}
	testEndpoint = nbiot.Endpoint{
		ServerAddress:   "mqtt.example.net",
		ServerUsername:  "node",
		ServerPassword:  "secret",
		ApplicationID:   "7",
		ApplicationName: "pax",
		GatewayID:       "gw1",
		Port:            8883,
	}
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	b, err := Seal(testDevice, testEndpoint, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x31, 0x43, 0x42, 0x4e}, b[:4])
	assert.Equal(t, 0, (len(b)-headLen-tagLen)%16)
	assert.False(t, bytes.Contains(b, []byte("secret")))

	e, err := Open(testDevice, b)
	require.NoError(t, err)
	assert.Equal(t, testEndpoint, e)

	b2, err := Seal(testDevice, testEndpoint, nil)
	require.NoError(t, err)
	assert.NotEqual(t, b, b2, "random iv")
}

func TestOpenReject(t *testing.T) {
	t.Parallel()
	good, err := Seal(testDevice, testEndpoint, bytes.NewReader(make([]byte, 16)))
	require.NoError(t, err)

	cases := []struct {
		name   string
		device []byte
		mutate func([]byte) []byte
	}{
		{"short", testDevice, func(b []byte) []byte { return b[:20] }},
		{"magic", testDevice, func(b []byte) []byte { b[0] ^= 1; return b }},
		{"iv", testDevice, func(b []byte) []byte { b[5] ^= 1; return b }},
		{"ciphertext", testDevice, func(b []byte) []byte { b[headLen+3] ^= 0x80; return b }},
		{"tag", testDevice, func(b []byte) []byte { b[len(b)-1] ^= 1; return b }},
		{"truncated", testDevice, func(b []byte) []byte { return b[:len(b)-1] }},
		{"length-not-block", testDevice, func(b []byte) []byte { b[4+ivLen] = 17; return b }},
		{"length-huge", testDevice, func(b []byte) []byte { b[4+ivLen+1] = 0xff; return b }},
		{"other-device", []byte{1, 2, 3, 4, 5, 6}, func(b []byte) []byte { return b }},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			b := c.mutate(append([]byte(nil), good...))
			_, err := Open(c.device, b)
			require.Error(t, err)
			assert.True(t, errors.IsNotValid(err), "err=%v", err)
		})
	}
}

func TestPadding(t *testing.T) {
	t.Parallel()
	for n := 0; n <= 33; n++ {
		in := bytes.Repeat([]byte{'x'}, n)
		p := pad(in)
		assert.Equal(t, 0, len(p)%16)
		assert.True(t, len(p) > n)
		out, err := unpad(p)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
	_, err := unpad([]byte{1, 2, 3, 0})
	assert.Error(t, err)
	_, err = unpad(append(bytes.Repeat([]byte{0}, 14), 3, 2))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		setup  func(testing.TB, *medium.Memory)
		expect nbiot.Endpoint
		regen  bool
	}{
		{"valid", func(t testing.TB, m *medium.Memory) {
			require.NoError(t, Save(m, DefaultName, testDevice, testEndpoint))
		}, testEndpoint, false},
		{"absent", func(t testing.TB, m *medium.Memory) {}, DefaultEndpoint, true},
		{"tampered", func(t testing.TB, m *medium.Memory) {
			require.NoError(t, Save(m, DefaultName, testDevice, testEndpoint))
			m.Poke(DefaultName, headLen, m.Bytes(DefaultName)[headLen]^1)
		}, DefaultEndpoint, true},
		{"foreign-device", func(t testing.TB, m *medium.Memory) {
			require.NoError(t, Save(m, DefaultName, []byte("other"), testEndpoint))
		}, DefaultEndpoint, true},
		{"invalid-endpoint", func(t testing.TB, m *medium.Memory) {
			require.NoError(t, Save(m, DefaultName, testDevice, nbiot.Endpoint{ServerAddress: "x"}))
		}, DefaultEndpoint, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := medium.NewMemory()
			c.setup(t, m)
			before := m.Bytes(DefaultName)
			e, err := Load(m, "", testDevice, DefaultEndpoint, log2.NewTest(t, log2.LDebug))
			require.NoError(t, err)
			assert.Equal(t, c.expect, e)

			after := m.Bytes(DefaultName)
			if !c.regen {
				assert.Equal(t, before, after)
				return
			}
			assert.NotEqual(t, before, after, "file regenerated")
			regenerated, err := Open(testDevice, after)
			require.NoError(t, err)
			assert.Equal(t, DefaultEndpoint, regenerated)
		})
	}
}

func TestLoadMediumAbsent(t *testing.T) {
	t.Parallel()
	m := medium.NewMemory()
	m.SetAvailable(false)
	e, err := Load(m, "", testDevice, DefaultEndpoint, log2.NewTest(t, log2.LDebug))
	assert.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, e)

	e, err = Load(nil, "", testDevice, testEndpoint, log2.NewTest(t, log2.LDebug))
	assert.NoError(t, err)
	assert.Equal(t, testEndpoint, e)
}

func TestLoadRegenerateFails(t *testing.T) {
	t.Parallel()
	m := medium.NewMemory()
	m.FailWrites(true)
	e, err := Load(m, "", testDevice, DefaultEndpoint, log2.NewTest(t, log2.LDebug))
	assert.Error(t, err)
	assert.Equal(t, DefaultEndpoint, e)
}
