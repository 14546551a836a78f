package nbiot

import (
	"fmt"

	"github.com/juju/errors"
)

// Modem abstracts cellular modem primitives. Calls may block up to modem timeouts,
// Receive never blocks.
type Modem interface {
	Init() error
	Register() error
	Attach() error
	BrokerConnect(Credentials) error
	Subscribe(topic string) error
	Publish(topic string, payload []byte) error

	Registered() bool
	Attached() bool
	BrokerConnected() bool

	Receive() (Downlink, bool)
	Reset() error
}

var errStatus = errors.New("modem status check failed")

type Credentials struct {
	Server   string
	Port     int
	Username string
	Password string
	ClientID string
}

type Downlink struct {
	Topic   string
	Payload []byte
}

// Endpoint is the cellular backend account, loaded from encrypted config.
type Endpoint struct {
	ServerAddress   string
	ServerUsername  string
	ServerPassword  string
	ApplicationID   string
	ApplicationName string
	GatewayID       string
	Port            int
}

func (e Endpoint) Validate() error {
	if len(e.ServerAddress) < 5 {
		return errors.NotValidf("nbiot endpoint server=%q", e.ServerAddress)
	}
	if e.GatewayID == "" || e.ApplicationID == "" {
		return errors.NotValidf("nbiot endpoint gateway=%q application=%q", e.GatewayID, e.ApplicationID)
	}
	return nil
}

func (e Endpoint) topic(devEUI, dir string) string {
	return fmt.Sprintf("%s/application/%s/device/%s/%s", e.GatewayID, e.ApplicationID, devEUI, dir)
}

func (e Endpoint) UplinkTopic(devEUI string) string   { return e.topic(devEUI, "rx") }
func (e Endpoint) DownlinkTopic(devEUI string) string { return e.topic(devEUI, "tx") }

type State uint8

const (
	Uninitialized State = iota
	Initialized
	Registered
	NetworkConnected
	ApplicationConnected
	Subscribed
)

// Steady is Subscribed, the only state where records are sent.
const Steady = Subscribed

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Registered:
		return "registered"
	case NetworkConnected:
		return "network-connected"
	case ApplicationConnected:
		return "application-connected"
	case Subscribed:
		return "steady"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}
