package nbiot

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/internal/record"
)

// Uplink is the network-server style JSON envelope, Data is base64 on the wire.
type Uplink struct {
	ApplicationID   string `json:"applicationID"`
	ApplicationName string `json:"applicationName"`
	FPort           uint8  `json:"fPort"`
	Data            []byte `json:"data"`
	DeviceName      string `json:"deviceName"`
	DevEUI          string `json:"devEUI"`
}

func EncodeUplink(e Endpoint, devEUI string, r record.Record) ([]byte, error) {
	u := Uplink{
		ApplicationID:   e.ApplicationID,
		ApplicationName: e.ApplicationName,
		FPort:           r.Port,
		Data:            r.Payload,
		DeviceName:      devEUI,
		DevEUI:          devEUI,
	}
	b, err := json.Marshal(&u)
	return b, errors.Annotate(err, "uplink encode")
}

type DownlinkEnvelope struct {
	FPort     uint8  `json:"fPort"`
	Confirmed bool   `json:"confirmed"`
	Data      []byte `json:"data"`
}

func DecodeDownlink(b []byte) (DownlinkEnvelope, error) {
	var d DownlinkEnvelope
	if err := json.Unmarshal(b, &d); err != nil {
		return d, errors.NotValidf("downlink json: %v", err)
	}
	if len(d.Data) == 0 {
		return d, errors.NotValidf("downlink empty data")
	}
	return d, nil
}
