package console

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/paxnode/internal/config"
	"github.com/temoto/paxnode/internal/lora"
	"github.com/temoto/paxnode/internal/state"
	"github.com/temoto/paxnode/log2"
)

func newTestConsole(t testing.TB) (context.Context, *console, *bytes.Buffer) {
	log := log2.NewTest(t, log2.LDebug)
	fs := config.NewMockFullReader(map[string]string{
		"test-inline": fmt.Sprintf(`persist { root = "%s" } store { enable = true }`, t.TempDir()),
	})
	ctx, g := state.NewContext(log)
	g.BuildVersion = "test"
	g.Radio = &lora.SimRadio{JoinDelay: time.Hour, Airtime: time.Millisecond}
	g.MustInit(ctx, config.MustReadConfig(log, fs, "test-inline"))
	buf := bytes.NewBuffer(nil)
	return ctx, &console{g: g, out: buf, rand: rand.New(rand.NewSource(1))}, buf
}

func TestConsoleStore(t *testing.T) {
	t.Parallel()
	ctx, c, buf := newTestConsole(t)
	defer c.g.Shutdown(time.Second)

	steps := []struct {
		line   string
		expect string
	}{
		{"send 10 high 0102", "accepted=true"},
		{"flush", "stored=1"},
		{"store count", "count=1"},
		{"store peek", "payload=0102"},
		{"store drop", "dropped"},
		{"store peek", "empty"},
		{"scan 2 0 0", "records accepted=2"},
		{"battery 3700", "accepted=true"},
		{"status", "counters"},
	}
	for _, s := range steps {
		buf.Reset()
		require.NoError(t, c.exec(ctx, s.line), s.line)
		assert.Contains(t, buf.String(), s.expect, s.line)
	}
}

func TestConsoleExec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		line   string
		check  func(error) bool
		expect string
	}{
		{"empty", "  ", nil, ""},
		{"help", "help", nil, "commands:"},
		{"divert", "divert on", nil, ""},
		{"divert-arg", "divert maybe", errors.IsNotValid, ""},
		{"send-port", "send x high 01", errors.IsNotValid, ""},
		{"send-prio", "send 10 urgent 01", errors.IsNotValid, ""},
		{"send-hex", "send 10 low zz", errors.IsNotValid, ""},
		{"scan-count", "scan 1 -1 0", errors.IsNotValid, ""},
		{"store-op", "store shuffle", errors.IsNotValid, ""},
		{"unknown", "bogus", errors.IsNotFound, ""},
		{"exit", "exit", func(err error) bool { return errors.Cause(err) == errExit }, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx, con, buf := newTestConsole(t)
			defer con.g.Shutdown(time.Second)
			err := con.exec(ctx, c.line)
			if c.check != nil {
				require.Error(t, err)
				assert.True(t, c.check(err), err.Error())
			} else {
				require.NoError(t, err)
			}
			assert.Contains(t, buf.String(), c.expect)
		})
	}
}

func TestConsoleDivert(t *testing.T) {
	t.Parallel()
	ctx, c, _ := newTestConsole(t)
	defer c.g.Shutdown(time.Second)
	require.NoError(t, c.exec(ctx, "divert on"))
	assert.True(t, c.g.Dispatcher.Diverted())
	require.NoError(t, c.exec(ctx, "divert off"))
	assert.False(t, c.g.Dispatcher.Diverted())
}
