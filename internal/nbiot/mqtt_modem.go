package nbiot

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/paxnode/log2"
)

const downlinkBuffer = 16

// MQTTModem is Modem for hosts where cellular modem is a network interface
// (ppp, wwan) managed by the OS. Registration and attach are interface checks,
// application layer is paho MQTT.
type MQTTModem struct {
	config  Config
	log     *log2.Log
	timeout time.Duration

	mu     sync.Mutex
	client mqtt.Client
	rx     chan Downlink
}

var _ Modem = (*MQTTModem)(nil)

func NewMQTTModem(config Config, log *log2.Log) *MQTTModem {
	mqttLog := log.Clone(log2.LInfo)
	if config.LogDebug {
		mqttLog.SetLevel(log2.LDebug)
		mqtt.DEBUG = mqttLog
	}
	mqtt.ERROR = mqttLog
	mqtt.CRITICAL = mqttLog
	mqtt.WARN = mqttLog
	return &MQTTModem{
		config:  config,
		log:     log,
		timeout: config.networkTimeout(),
		rx:      make(chan Downlink, downlinkBuffer),
	}
}

func (self *MQTTModem) iface() (*net.Interface, error) {
	if self.config.Interface == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(self.config.Interface)
	return ifi, errors.Annotatef(err, "interface %s", self.config.Interface)
}

func (self *MQTTModem) Init() error {
	_, err := self.iface()
	return err
}

func (self *MQTTModem) Register() error {
	if !self.Registered() {
		return errors.NotFoundf("interface %s up", self.config.Interface)
	}
	return nil
}

func (self *MQTTModem) Attach() error {
	if !self.Attached() {
		return errors.NotFoundf("interface %s address", self.config.Interface)
	}
	return nil
}

func (self *MQTTModem) Registered() bool {
	ifi, err := self.iface()
	if err != nil {
		return false
	}
	return ifi == nil || ifi.Flags&net.FlagUp != 0
}

func (self *MQTTModem) Attached() bool {
	ifi, err := self.iface()
	if err != nil {
		return false
	}
	if ifi == nil {
		return true
	}
	addrs, err := ifi.Addrs()
	return err == nil && len(addrs) != 0
}

func (self *MQTTModem) brokerURL(c Credentials) string {
	if strings.Contains(c.Server, "://") {
		return c.Server
	}
	scheme := self.config.Scheme
	if scheme == "" {
		scheme = "tcp"
	}
	port := c.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Server, port)
}

func (self *MQTTModem) BrokerConnect(c Credentials) error {
	self.disconnect()
	opt := mqtt.NewClientOptions().
		AddBroker(self.brokerURL(c)).
		SetClientID(c.ClientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(self.config.keepalive()).
		SetPingTimeout(self.timeout).
		SetConnectTimeout(self.timeout).
		SetDefaultPublishHandler(self.onMessage).
		SetOnConnectHandler(func(mqtt.Client) { self.log.Infof("mqtt connected") }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { self.log.Infof("mqtt connection lost: %v", err) })
	client := mqtt.NewClient(opt)
	if err := self.wait(client.Connect(), "connect"); err != nil {
		return err
	}
	self.mu.Lock()
	self.client = client
	self.mu.Unlock()
	return nil
}

func (self *MQTTModem) BrokerConnected() bool {
	c := self.getClient()
	return c != nil && c.IsConnected()
}

func (self *MQTTModem) Subscribe(topic string) error {
	c := self.getClient()
	if c == nil {
		return errors.Errorf("mqtt subscribe %s: not connected", topic)
	}
	return self.wait(c.Subscribe(topic, 1, self.onMessage), "subscribe "+topic)
}

func (self *MQTTModem) Publish(topic string, payload []byte) error {
	c := self.getClient()
	if c == nil {
		return errors.Errorf("mqtt publish %s: not connected", topic)
	}
	return self.wait(c.Publish(topic, 1, false, payload), "publish "+topic)
}

func (self *MQTTModem) Receive() (Downlink, bool) {
	select {
	case d := <-self.rx:
		return d, true
	default:
		return Downlink{}, false
	}
}

func (self *MQTTModem) Reset() error {
	self.disconnect()
	return nil
}

func (self *MQTTModem) onMessage(_ mqtt.Client, msg mqtt.Message) {
	d := Downlink{Topic: msg.Topic(), Payload: append([]byte(nil), msg.Payload()...)}
	select {
	case self.rx <- d:
	default:
		self.log.Errorf("mqtt downlink buffer full, dropped topic=%s", d.Topic)
	}
}

func (self *MQTTModem) wait(t mqtt.Token, op string) error {
	if !t.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt %s", op)
	}
	return errors.Annotatef(t.Error(), "mqtt %s", op)
}

func (self *MQTTModem) getClient() mqtt.Client {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.client
}

func (self *MQTTModem) disconnect() {
	self.mu.Lock()
	c := self.client
	self.client = nil
	self.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Disconnect(250)
	}
}
