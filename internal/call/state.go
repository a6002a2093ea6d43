package call

import "fmt"

// Phase is the position of the call state machine.
type Phase int

const (
	Idle            Phase = iota
	Outgoing              // ringing a target, offer sent
	IncomingPending       // offer received, waiting for accept or decline
	Active                // remote payload applied, media flowing or about to
	Ended                 // transient; always followed by Idle
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case IncomingPending:
		return "incoming"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a snapshot of the call as shown to the user. PeerID is the target
// for Outgoing and the caller for IncomingPending; PeerName is the caller's
// display name when the offer carried one.
type State struct {
	Phase    Phase
	PeerID   string
	PeerName string
}

func (s State) String() string {
	if s.PeerID == "" {
		return s.Phase.String()
	}
	if s.PeerName != "" {
		return fmt.Sprintf("%s(%s %q)", s.Phase, s.PeerID, s.PeerName)
	}
	return fmt.Sprintf("%s(%s)", s.Phase, s.PeerID)
}
