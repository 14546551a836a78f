package inbox

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/paxnode/log2"
	"github.com/temoto/spq"
)

type delivery struct {
	kind    Kind
	port    uint8
	payload string
}

func openTest(t *testing.T, path string) *Inbox {
	ib, err := Open(path, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	ib.retry.Min = time.Millisecond
	ib.retry.Max = 5 * time.Millisecond
	ib.Handle("+/application/+/device/+/tx", KindCommand)
	ib.Handle("time/#", KindTime)
	return ib
}

func recv(t testing.TB, ch <-chan delivery) delivery {
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	return delivery{}
}

func TestCodec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  []byte
		kind   Kind
		port   uint8
		expect string
		errstr string
	}{
		{"command", []byte{1, 10, 'h', 'i'}, KindCommand, 10, "hi", ""},
		{"empty-payload", []byte{3, 7}, KindTime, 7, "", ""},
		{"empty", []byte{}, 0, 0, "", "inbox entry empty not valid"},
		{"kind-zero", []byte{0, 1, 2}, 0, 0, "", "inbox entry kind=0 not valid"},
		{"kind-unknown", []byte{9, 1, 2}, 0, 0, "", "inbox entry kind=9 not valid"},
		{"no-port", []byte{1}, 0, 0, "", "inbox entry short len=1 not valid"},
		{"varint-truncated", []byte{0x80}, 0, 0, "", "inbox entry kind varint not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			kind, port, payload, err := decode(c.input)
			if c.errstr != "" {
				require.Error(t, err)
				assert.True(t, errors.IsNotValid(err))
				assert.Equal(t, c.errstr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.kind, kind)
			assert.Equal(t, c.port, port)
			assert.Equal(t, c.expect, string(payload))

			b, err := encode(kind, port, payload)
			require.NoError(t, err)
			assert.Equal(t, c.input, b)
		})
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()
	ib := openTest(t, spq.OnlyForTesting)
	defer ib.Close()

	assert.Equal(t, KindCommand, ib.match("gw1/application/7/device/0011/tx"))
	assert.Equal(t, KindTime, ib.match("time/sync/now"))
	assert.Equal(t, KindInvalid, ib.match("gw1/application/7/device/0011/rx"))

	err := ib.Route("unknown", 1, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestWorkerOrder(t *testing.T) {
	t.Parallel()
	ib := openTest(t, spq.OnlyForTesting)
	for i := 0; i < 3; i++ {
		require.NoError(t, ib.Route("gw1/application/7/device/0011/tx", uint8(i+1), []byte(fmt.Sprintf("cmd%d", i))))
	}

	ch := make(chan delivery, 8)
	a := alive.NewAlive()
	require.True(t, ib.Start(context.Background(), a, func(ctx context.Context, kind Kind, port uint8, payload []byte) error {
		ch <- delivery{kind, port, string(payload)}
		return nil
	}))
	for i := 0; i < 3; i++ {
		d := recv(t, ch)
		assert.Equal(t, delivery{KindCommand, uint8(i + 1), fmt.Sprintf("cmd%d", i)}, d)
	}
	require.NoError(t, ib.Route("time/set", 0, []byte("t")))
	assert.Equal(t, delivery{KindTime, 0, "t"}, recv(t, ch))

	a.Stop()
	a.Wait()
	assert.True(t, ib.isClosed())
	assert.Equal(t, 0, len(ch))
}

func TestWorkerRetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		expect int
	}{
		{"transient", Transient(errors.New("busy")), 3},
		{"timeout", errors.Timeoutf("handler"), 3},
		{"permanent", errors.New("bad command"), 1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ib := openTest(t, spq.OnlyForTesting)
			require.NoError(t, ib.Route("time/x", 5, []byte("a")))
			require.NoError(t, ib.Route("time/x", 6, []byte("b")))

			ch := make(chan delivery, 16)
			fails := 0
			a := alive.NewAlive()
			ib.Start(context.Background(), a, func(ctx context.Context, kind Kind, port uint8, payload []byte) error {
				ch <- delivery{kind, port, string(payload)}
				if port == 5 && fails < 2 {
					fails++
					return c.err
				}
				return nil
			})

			calls, seen := 0, false
			for !(seen && calls == c.expect) {
				d := recv(t, ch)
				if d.port == 5 {
					calls++
				} else {
					seen = true
				}
				require.LessOrEqual(t, calls, c.expect)
			}
			a.Stop()
			a.Wait()
			assert.Equal(t, 0, len(ch), "no deliveries after success")
		})
	}
}

func TestPersistence(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inbox")

	ib := openTest(t, path)
	require.NoError(t, ib.Route("gw1/application/7/device/0011/tx", 3, []byte("reboot")))
	ib.Close()

	ib = openTest(t, path)
	ch := make(chan delivery, 1)
	a := alive.NewAlive()
	ib.Start(context.Background(), a, func(ctx context.Context, kind Kind, port uint8, payload []byte) error {
		ch <- delivery{kind, port, string(payload)}
		return nil
	})
	assert.Equal(t, delivery{KindCommand, 3, "reboot"}, recv(t, ch))
	a.Stop()
	a.Wait()
}
