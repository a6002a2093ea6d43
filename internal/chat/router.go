// Package chat routes short text messages between sessions and keeps the
// local, append-only conversation log.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/meet/internal/signaling"
	"github.com/1ureka/meet/internal/util"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoTarget     = errors.New("no one to send to")
	ErrNoIdentity   = errors.New("no session id assigned yet")
)

// Message is one entry of the conversation log. It is never modified after
// being appended.
type Message struct {
	ID       string
	Text     string
	AuthorID string
	TargetID string
	Time     time.Time
}

// Mine reports whether the message was written by self.
func (m Message) Mine(self string) bool { return m.AuthorID == self }

// Relay sends events to the rendezvous relay.
type Relay interface {
	Send(*signaling.Message) error
}

// Router decides where outgoing messages go and records both directions.
//
// The correspondent is the explicit target when one is set, otherwise the
// last session we exchanged a message with. Like call.Manager, a Router is
// driven from a single event loop.
type Router struct {
	relay     Relay
	onMessage func(Message)
	now       func() time.Time

	self     string
	explicit string
	last     string
	log      []Message
}

// NewRouter creates a Router. onMessage, if non-nil, is called for every
// message appended to the log.
func NewRouter(relay Relay, onMessage func(Message)) *Router {
	return &Router{relay: relay, onMessage: onMessage, now: time.Now}
}

func (r *Router) SetIdentity(id string) { r.self = id }

// SetTarget pins the correspondent. An empty id falls back to the last one.
func (r *Router) SetTarget(id string) { r.explicit = strings.TrimSpace(id) }

// Target returns the session id the next Send would go to.
func (r *Router) Target() string {
	if r.explicit != "" {
		return r.explicit
	}
	return r.last
}

// Send delivers text to the current correspondent and appends it to the log.
// Nothing changes when it returns an error.
func (r *Router) Send(text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	if r.self == "" {
		return Message{}, ErrNoIdentity
	}
	target := r.Target()
	if target == "" {
		return Message{}, ErrNoTarget
	}

	msg := Message{
		ID:       uuid.NewString(),
		Text:     text,
		AuthorID: r.self,
		TargetID: target,
		Time:     r.now(),
	}

	err := r.relay.Send(&signaling.Message{
		Type:      signaling.MsgTypeChat,
		ID:        msg.ID,
		AuthorID:  msg.AuthorID,
		TargetID:  msg.TargetID,
		Text:      msg.Text,
		Timestamp: msg.Time.UnixMilli(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	util.Stats.AddChatSent()
	r.last = target
	r.append(msg)
	return msg, nil
}

// Receive appends an inbound chat event and makes its author the last
// correspondent. Our own messages echoed back are ignored.
func (r *Router) Receive(in *signaling.Message) {
	if in.AuthorID == "" || (r.self != "" && in.AuthorID == r.self) {
		util.LogDebug("ignoring chat echo %s", in.ID)
		return
	}

	ts := r.now()
	if in.Timestamp > 0 {
		ts = time.UnixMilli(in.Timestamp)
	}

	util.Stats.AddChatRecv()
	r.last = in.AuthorID
	r.append(Message{
		ID:       in.ID,
		Text:     in.Text,
		AuthorID: in.AuthorID,
		TargetID: in.TargetID,
		Time:     ts,
	})
}

// Messages returns a copy of the log in insertion order.
func (r *Router) Messages() []Message {
	return append([]Message(nil), r.log...)
}

func (r *Router) append(m Message) {
	r.log = append(r.log, m)
	if r.onMessage != nil {
		r.onMessage(m)
	}
}
