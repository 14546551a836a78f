package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/paxnode/internal/health"
	"github.com/temoto/paxnode/internal/lora"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/internal/sched"
	"github.com/temoto/paxnode/internal/stats"
	"github.com/temoto/paxnode/internal/store"
	"github.com/temoto/paxnode/log2"
)

// ackRadio is always joined, confirmed sends complete immediately with configured ack.
type ackRadio struct {
	mu        sync.Mutex
	m         *lora.Manager
	ack       bool
	sends     int
	confirmed int
	ports     map[uint8]int
}

func (r *ackRadio) Send(port uint8, payload []byte, confirmed bool) lora.SendResult {
	r.mu.Lock()
	r.sends++
	r.ports[port]++
	if confirmed {
		r.confirmed++
	}
	r.mu.Unlock()
	if confirmed {
		r.m.OnEvent(lora.Event{Kind: lora.EventTxComplete, Ack: r.ack})
	}
	return lora.Success
}
func (r *ackRadio) Joined() bool     { return true }
func (r *ackRadio) StartJoin() error { return nil }

type pipeline struct {
	radio   *ackRadio
	tracker *health.Tracker
	st      *store.Store
	stats   *stats.Stats
	primary *lora.Manager
	d       *Dispatcher
	f       *Flusher
	now     time.Time
}

func newPipeline(t testing.TB, ack bool) *pipeline {
	log := log2.NewTest(t, log2.LDebug)
	pl := &pipeline{
		radio:   &ackRadio{ack: ack, ports: make(map[uint8]int)},
		tracker: health.NewTracker(0, health.Limits{}, log),
		stats:   stats.New(),
		now:     time.Unix(1700000000, 0),
	}
	pl.st = store.New(medium.NewMemory(), store.Config{}, log)
	require.NoError(t, pl.st.Init())
	pl.primary = lora.NewManager(lora.Config{}, pl.radio, pl.tracker, pl.st, pl.stats, log.Tag("lora"))
	pl.radio.m = pl.primary
	pl.d = New(Config{}, pl.tracker, pl.primary, nil, pl.st, pl.stats, log.Tag("dispatch"))
	pl.f = NewFlusher(FlushConfig{}, pl.d, log.Tag("flush"))
	pl.f.sleep = func(time.Duration) {}
	return pl
}

func (pl *pipeline) step() {
	pl.now = pl.now.Add(100 * time.Millisecond)
	pl.f.Tick(pl.now)
	pl.primary.Tick(pl.now)
}

func (pl *pipeline) storeCount(t testing.TB) int {
	n, err := pl.st.Count()
	require.NoError(t, err)
	return int(n)
}

func TestPipelineDrainsLargeBacklog(t *testing.T) {
	t.Parallel()
	pl := newPipeline(t, true)
	const n = 120
	for i := 0; i < n; i++ {
		require.NoError(t, pl.st.Enqueue(rec(i, record.Normal)))
	}

	maxQueued := 0
	for i := 0; i < 2000 && pl.radio.sends < n; i++ {
		pl.step()
		if pl.storeCount(t) > DefaultThrottleStore && pl.primary.Len() > maxQueued {
			maxQueued = pl.primary.Len()
		}
	}
	assert.Equal(t, n, pl.radio.sends)
	assert.Equal(t, 0, pl.storeCount(t))
	assert.Equal(t, 0, pl.primary.Len())
	assert.Equal(t, uint64(n), pl.stats.Get(stats.Flushed))
	assert.Equal(t, uint64(0), pl.stats.Get(stats.Lost))
	assert.True(t, maxQueued <= DefaultThrottleQueue+1, "primary queue fed past throttle: %d", maxQueued)
}

func TestPipelineHealthcheckRecovers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		ack        bool
		expectLink health.Link
		expectFail int
	}{
		{"ack", true, health.Nominal, 0},
		{"no-ack", false, health.Degraded, 1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			pl := newPipeline(t, c.ack)
			pl.tracker.SetPrimaryLink(health.Degraded)

			require.True(t, pl.d.Route(rec(1, record.Normal)))
			assert.Equal(t, 1, pl.storeCount(t), "degraded primary takes no data")
			hc := record.New(record.PortTelemetry, record.Normal, 1700000000, []byte{1, 2, 3, 4})
			require.True(t, pl.d.Route(hc))
			assert.Equal(t, 1, pl.primary.Len(), "health check reaches degraded primary")

			pl.primary.Tick(pl.now)
			assert.Equal(t, 1, pl.radio.ports[record.PortTelemetry])
			assert.Equal(t, 1, pl.radio.confirmed)
			assert.Equal(t, c.expectLink, pl.tracker.PrimaryLink())
			assert.Equal(t, c.expectFail, pl.tracker.HealthcheckFailures())

			for i := 0; i < 10; i++ {
				pl.step()
			}
			if c.ack {
				assert.Equal(t, 0, pl.storeCount(t), "stored record delivered after recovery")
				assert.Equal(t, 1, pl.radio.ports[record.PortCounter])
			} else {
				assert.Equal(t, 1, pl.storeCount(t))
				assert.Equal(t, 0, pl.radio.ports[record.PortCounter])
			}
		})
	}
}

func TestFlusherThrottle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		stored      int
		queued      int
		expectMoved int
	}{
		{"backlog-queue-full", 60, 9, 0},
		{"backlog-queue-short", 60, 8, 1},
		{"small-store", 40, 9, DefaultMaxPerCycle},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, 50, 3)
			env.fillStore(t, c.stored)
			for i := 0; i < c.queued; i++ {
				require.True(t, env.p.Enqueue(rec(1000+i, record.Normal)))
			}
			act := env.f.Tick(time.Now())
			assert.Equal(t, sched.Sleep(DefaultBusyDelay), act)
			assert.Equal(t, c.queued+c.expectMoved, env.p.Len())
			assert.Equal(t, c.stored-c.expectMoved, env.storeCount(t))
			assert.Equal(t, 0, env.s.Len(), "throttled primary does not spill to secondary")
		})
	}
}
