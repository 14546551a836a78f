package state

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/internal/inbox"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/internal/stats"
)

// Remote command opcodes, first byte of command port payload.
const (
	CmdStatus  byte = 0x01
	CmdDivert  byte = 0x02
	CmdRestore byte = 0x03
)

const (
	replyOK      byte = 0
	replyUnknown byte = 0xff
)

func (g *Global) handleDownlink(ctx context.Context, kind inbox.Kind, port uint8, payload []byte) error {
	g.Stats.Inc(stats.Downlinks)
	if kind != inbox.KindCommand {
		return errors.NotValidf("downlink kind=%s", kind)
	}
	switch port {
	case record.PortTimeSync:
		return g.timeSync(payload)
	case record.PortRemote:
		return g.command(payload)
	}
	return errors.NotSupportedf("downlink port=%d", port)
}

// timeSync answers with local clock next to server time, backend computes offset.
func (g *Global) timeSync(payload []byte) error {
	if len(payload) < 4 {
		return errors.NotValidf("time sync len=%d", len(payload))
	}
	server := binary.BigEndian.Uint32(payload)
	local := uint32(time.Now().Unix())
	g.Log.Infof("time sync server=%d local=%d drift=%d", server, local, int64(local)-int64(server))
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:], server)
	binary.BigEndian.PutUint32(b[4:], local)
	if !g.Producer.TimeSync(b[:]) {
		return inbox.Transient(errors.Errorf("time sync reply not accepted"))
	}
	return nil
}

func (g *Global) command(payload []byte) error {
	if len(payload) == 0 {
		return errors.NotValidf("command empty")
	}
	op := payload[0]
	reply := replyOK
	switch op {
	case CmdStatus:
		if !g.Producer.Status(g.statusPayload()) {
			return inbox.Transient(errors.Errorf("status not accepted"))
		}
		return nil
	case CmdDivert:
		g.Dispatcher.SetDiverted(true)
	case CmdRestore:
		g.Dispatcher.SetDiverted(false)
	default:
		g.Log.Errorf("command unknown op=%02x", op)
		reply = replyUnknown
	}
	if !g.Producer.Reply([]byte{op, reply}) {
		return inbox.Transient(errors.Errorf("command reply not accepted"))
	}
	return nil
}

// statusPayload: primary len(2) | secondary len(2) | store count(4) | flags(1)
// flags: 1=joined 2=secondary enabled 4=diverted 8=store available
func (g *Global) statusPayload() []byte {
	s := g.Dispatcher.Stats()
	b := make([]byte, 9)
	binary.BigEndian.PutUint16(b[0:], uint16(s.PrimaryLen))
	binary.BigEndian.PutUint16(b[2:], uint16(s.SecondaryLen))
	binary.BigEndian.PutUint32(b[4:], s.StoreCount)
	var flags byte
	if s.PrimaryJoined {
		flags |= 1
	}
	if s.SecondaryEnabled {
		flags |= 2
	}
	if s.Diverted {
		flags |= 4
	}
	if s.StoreAvailable {
		flags |= 8
	}
	b[8] = flags
	return b
}
