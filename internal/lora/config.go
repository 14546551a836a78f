package lora

import (
	"time"

	"github.com/temoto/paxnode/helpers"
)

const (
	UnjoinedStore     = "store"
	UnjoinedSecondary = "secondary"
)

type Config struct {
	QueueSize              int    `hcl:"queue_size"`
	PendingMaxAgeSec       int    `hcl:"pending_max_age_sec"`
	BusyTimeoutSec         int    `hcl:"busy_timeout_sec"`
	BusyRetryMs            int    `hcl:"busy_retry_ms"`
	BusyJitterMs           int    `hcl:"busy_jitter_ms"`
	UnjoinedPolicy         string `hcl:"unjoined_policy"`
	JoinGraceMin           int    `hcl:"join_grace_min"`
	JoinRetryMin           int    `hcl:"join_retry_min"`
	ConfirmedEveryMin      int    `hcl:"confirmed_every_min"`
	AlwaysConfirmed        bool   `hcl:"always_confirmed"`
	MaxHealthcheckFailures int    `hcl:"max_healthcheck_failures"`
}

type timing struct {
	queueSize      int
	pendingMaxAge  time.Duration
	busyTimeout    time.Duration
	busyRetry      time.Duration
	busyJitter     time.Duration
	unjoinedPolicy string
	joinGrace      time.Duration
	joinRetry      time.Duration
	confirmedEvery time.Duration // 0 = off
	alwaysConfirm  bool
}

const (
	sleepUnjoined = 500 * time.Millisecond
	sleepIdle     = 50 * time.Millisecond
	sleepHandOff  = 50 * time.Millisecond
)

func (c *Config) timing() timing {
	t := timing{
		queueSize:      helpers.IntDefault(c.QueueSize, 50),
		pendingMaxAge:  helpers.IntSecondDefault(c.PendingMaxAgeSec, 90*time.Second),
		busyTimeout:    helpers.IntSecondDefault(c.BusyTimeoutSec, 30*time.Second),
		busyRetry:      helpers.IntMillisecondDefault(c.BusyRetryMs, 1000*time.Millisecond),
		busyJitter:     helpers.IntMillisecondDefault(c.BusyJitterMs, 500*time.Millisecond),
		unjoinedPolicy: c.UnjoinedPolicy,
		joinGrace:      helpers.IntMinuteDefault(c.JoinGraceMin, 5*time.Minute),
		joinRetry:      helpers.IntMinuteDefault(c.JoinRetryMin, 10*time.Minute),
		alwaysConfirm:  c.AlwaysConfirmed,
	}
	if c.ConfirmedEveryMin > 0 {
		t.confirmedEvery = time.Duration(c.ConfirmedEveryMin) * time.Minute
	}
	if t.unjoinedPolicy != UnjoinedSecondary {
		t.unjoinedPolicy = UnjoinedStore
	}
	return t
}
