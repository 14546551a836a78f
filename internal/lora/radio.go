package lora

import "fmt"

type SendResult uint8

const (
	Success SendResult = iota
	Busy
	Failed
	TooLarge
	NotFeasible
	SendError
)

func (r SendResult) String() string {
	switch r {
	case Success:
		return "success"
	case Busy:
		return "busy"
	case Failed:
		return "failed"
	case TooLarge:
		return "too-large"
	case NotFeasible:
		return "not-feasible"
	case SendError:
		return "error"
	}
	return fmt.Sprintf("result(%d)", uint8(r))
}

// Radio is LoRaWAN MAC layer driver. Send must not block for airtime,
// completion is reported by EventTxComplete.
type Radio interface {
	Send(port uint8, payload []byte, confirmed bool) SendResult
	Joined() bool
	StartJoin() error
}

type EventKind uint8

const (
	EventJoining EventKind = iota + 1
	EventJoined
	EventJoinFailed
	EventJoinTxComplete
	EventTxComplete
	EventLinkDead
)

func (k EventKind) String() string {
	switch k {
	case EventJoining:
		return "joining"
	case EventJoined:
		return "joined"
	case EventJoinFailed:
		return "join-failed"
	case EventJoinTxComplete:
		return "join-tx-complete"
	case EventTxComplete:
		return "tx-complete"
	case EventLinkDead:
		return "link-dead"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

type Event struct {
	Kind EventKind
	Ack  bool // EventTxComplete only
}

func (e Event) String() string {
	if e.Kind == EventTxComplete {
		return fmt.Sprintf("%s ack=%t", e.Kind, e.Ack)
	}
	return e.Kind.String()
}

type JoinState uint8

const (
	Unjoined JoinState = iota
	Joining
	Joined
)

func (s JoinState) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	}
	return fmt.Sprintf("join(%d)", uint8(s))
}
