package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/paxnode/log2"
)

func TestHealthcheck(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, Limits{}, log2.NewTest(t, log2.LDebug))

	assert.False(t, tr.NoAck(), "no-ack without pending check is ignored")
	assert.Equal(t, 0, tr.HealthcheckFailures())

	assert.True(t, tr.AckAge(time.Now()) > 24*time.Hour, "never acked")
	tr.HealthcheckSent()
	assert.True(t, tr.HealthcheckPending())
	assert.False(t, tr.NoAck())
	assert.False(t, tr.HealthcheckPending())
	assert.Equal(t, Nominal, tr.PrimaryLink())

	tr.HealthcheckSent()
	assert.True(t, tr.NoAck())
	assert.Equal(t, Degraded, tr.PrimaryLink())

	tr.HealthcheckSent()
	assert.False(t, tr.NoAck(), "already degraded")
	assert.Equal(t, 3, tr.HealthcheckFailures())

	tr.Ack()
	assert.Equal(t, Nominal, tr.PrimaryLink())
	assert.Equal(t, 0, tr.HealthcheckFailures())
	assert.True(t, tr.AckAge(time.Now()) < time.Minute)
}

func TestSecondaryFlags(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		steps     func(*Tracker)
		enabled   bool
		temporary bool
		available bool
	}{
		{"initial", func(*Tracker) {}, false, false, true},
		{"temporary", func(tr *Tracker) { tr.EnableSecondary(true) }, true, true, true},
		{"permanent-wins", func(tr *Tracker) { tr.EnableSecondary(false); tr.EnableSecondary(true) }, true, false, true},
		{"upgrade", func(tr *Tracker) { tr.EnableSecondary(true); tr.EnableSecondary(false) }, true, false, true},
		{"disable", func(tr *Tracker) { tr.EnableSecondary(true); tr.DisableSecondary() }, false, false, true},
		{"failed", func(tr *Tracker) { tr.EnableSecondary(false); tr.SecondaryFailed() }, false, false, false},
		{"failed-reenable", func(tr *Tracker) { tr.SecondaryFailed(); tr.EnableSecondary(true) }, true, true, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			tr := NewTracker(0, Limits{}, log2.NewTest(t, log2.LDebug))
			c.steps(tr)
			assert.Equal(t, c.enabled, tr.SecondaryEnabled())
			assert.Equal(t, c.temporary, tr.SecondaryTemporary())
			assert.Equal(t, c.available, tr.SecondaryAvailable())
		})
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	var limits Limits
	limits[StageMQTT] = 3
	c := NewCounters(limits)
	assert.Equal(t, 100, c.Limit(StageRegister))
	assert.Equal(t, 3, c.Limit(StageMQTT))

	_, over := c.Exceeded()
	assert.False(t, over)
	assert.False(t, c.Fail(StageMQTT))
	assert.False(t, c.Fail(StageMQTT))
	require.True(t, c.Fail(StageMQTT), "N failures equal to max trigger")
	s, over := c.Exceeded()
	assert.True(t, over)
	assert.Equal(t, StageMQTT, s)
	assert.Contains(t, c.String(), "mqtt=3/3")

	c.Reset(StageMQTT)
	_, over = c.Exceeded()
	assert.False(t, over)
	c.Fail(StageInit)
	c.ResetAll()
	assert.Equal(t, 0, c.Get(StageInit))
}
