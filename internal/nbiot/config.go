package nbiot

import (
	"time"

	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/internal/health"
)

type Config struct {
	DevEUI         string `hcl:"dev_eui"`
	QueueSize      int    `hcl:"queue_size"`
	TickMs         int    `hcl:"tick_ms"`
	StatusCheckSec int    `hcl:"status_check_sec"`

	MaxConsecutiveFailures int `hcl:"max_consecutive_failures"`
	MaxInitFailures        int `hcl:"max_init_failures"`
	MaxRegisterFailures    int `hcl:"max_register_failures"`
	MaxConnectFailures     int `hcl:"max_connect_failures"`
	MaxMQTTFailures        int `hcl:"max_mqtt_failures"`
	MaxSubscribeFailures   int `hcl:"max_subscribe_failures"`
	MaxSendFailures        int `hcl:"max_send_failures"`

	// MQTTModem
	Interface         string `hcl:"interface"`
	Scheme            string `hcl:"scheme"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}

// Limits for health.Counters, zero means default.
func (c *Config) Limits() health.Limits {
	var l health.Limits
	l[health.StageInit] = c.MaxInitFailures
	l[health.StageRegister] = c.MaxRegisterFailures
	l[health.StageConnect] = c.MaxConnectFailures
	l[health.StageMQTT] = c.MaxMQTTFailures
	l[health.StageSubscribe] = c.MaxSubscribeFailures
	l[health.StageSend] = c.MaxSendFailures
	l[health.StageConsecutive] = c.MaxConsecutiveFailures
	return l
}

const (
	DefaultTick           = time.Second
	DefaultStatusCheck    = 30 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
)

func (c *Config) queueSize() int      { return helpers.IntDefault(c.QueueSize, 50) }
func (c *Config) tick() time.Duration { return helpers.IntMillisecondDefault(c.TickMs, DefaultTick) }
func (c *Config) statusCheck() time.Duration {
	return helpers.IntSecondDefault(c.StatusCheckSec, DefaultStatusCheck)
}
func (c *Config) keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, 60*time.Second)
}
func (c *Config) networkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}
