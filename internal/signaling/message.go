// Package signaling carries call and chat events between clients through the
// relay. It holds the wire messages, the websocket relay client and the
// rendezvous server that assigns session ids and routes events.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of relay event.
type MessageType string

const (
	MsgTypeAssignedID MessageType = "assigned-id"
	MsgTypeCallOffer  MessageType = "call-offer"
	MsgTypeCallAnswer MessageType = "call-answer"
	MsgTypeCallReject MessageType = "call-reject"
	MsgTypeCallEnd    MessageType = "call-end"
	MsgTypeChat       MessageType = "chat"
)

// Reject reasons carried by call-reject.
const (
	ReasonBusy        = "busy"
	ReasonDeclined    = "declined"
	ReasonUnavailable = "unavailable"
)

// Message is the JSON structure exchanged with the relay. Call events address
// peers with To/From; chat events use AuthorID/TargetID.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"` // assigned-id only
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Name      string          `json:"name,omitempty"`   // caller display name on call-offer
	Signal    json.RawMessage `json:"signal,omitempty"` // opaque engine payload
	Reason    string          `json:"reason,omitempty"`

	ID        string `json:"id,omitempty"`
	AuthorID  string `json:"authorId,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
}

var (
	ErrMalformed   = errors.New("malformed relay message")
	ErrUnknownType = errors.New("unknown relay message type")
)

// Recipient returns the session id the relay should deliver msg to.
func (m *Message) Recipient() string {
	if m.Type == MsgTypeChat {
		return m.TargetID
	}
	return m.To
}

// Sender returns the session id msg claims to come from.
func (m *Message) Sender() string {
	if m.Type == MsgTypeChat {
		return m.AuthorID
	}
	return m.From
}

// stampSender overwrites the sender fields with the id the relay knows the
// connection by.
func (m *Message) stampSender(id string) {
	if m.Type == MsgTypeChat {
		m.AuthorID = id
		return
	}
	m.From = id
}

// Validate checks that the fields required by the message type are present.
func (m *Message) Validate() error {
	switch m.Type {
	case MsgTypeAssignedID:
		if m.SessionID == "" {
			return fmt.Errorf("%w: %s without sessionId", ErrMalformed, m.Type)
		}
	case MsgTypeCallOffer, MsgTypeCallAnswer:
		if m.To == "" && m.From == "" {
			return fmt.Errorf("%w: %s without address", ErrMalformed, m.Type)
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("%w: %s without signal", ErrMalformed, m.Type)
		}
	case MsgTypeCallReject, MsgTypeCallEnd:
		if m.To == "" && m.From == "" {
			return fmt.Errorf("%w: %s without address", ErrMalformed, m.Type)
		}
	case MsgTypeChat:
		if m.TargetID == "" && m.AuthorID == "" {
			return fmt.Errorf("%w: chat without address", ErrMalformed)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Encode serializes a Message for a websocket text frame.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode deserializes and validates a websocket text frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
