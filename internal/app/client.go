package app

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/meet/internal/call"
	"github.com/1ureka/meet/internal/chat"
	"github.com/1ureka/meet/internal/signaling"
	"github.com/1ureka/meet/internal/util"
)

// Options configures a Client. Hooks are invoked on the event loop and must
// not call back into the Client synchronously.
type Options struct {
	RelayURL    string
	Name        string
	RingTimeout time.Duration

	// MaxMessageBytes caps relay frames; 0 uses signaling.DefaultMaxMessageBytes.
	MaxMessageBytes int64

	NewEngine call.EngineFactory
	Media     call.Stream

	OnIdentity    func(id string)
	OnCallState   func(call.State)
	OnChat        func(chat.Message)
	OnRemoteMedia func(call.Stream)
}

// Client is one user's session: relay connection, call and chat.
type Client struct {
	opts  Options
	loop  *Loop
	relay *signaling.Client
	calls *call.Manager
	chat  *chat.Router

	self string // loop-owned
}

func NewClient(opts Options) *Client {
	c := &Client{opts: opts, loop: NewLoop()}

	c.relay = signaling.NewClient(opts.RelayURL, func(msg *signaling.Message) {
		c.loop.Post(func() { c.dispatch(msg) })
	})
	c.relay.SetMaxMessageBytes(opts.MaxMessageBytes)

	c.calls = call.NewManager(call.Options{
		Relay:         c.relay,
		NewEngine:     opts.NewEngine,
		Post:          c.loop.Post,
		RingTimeout:   opts.RingTimeout,
		OnState:       opts.OnCallState,
		OnRemoteMedia: opts.OnRemoteMedia,
	})
	c.calls.SetDisplayName(opts.Name)
	c.calls.SetMedia(opts.Media)

	c.chat = chat.NewRouter(c.relay, opts.OnChat)
	return c
}

// Run connects to the relay and processes events until ctx is cancelled.
// A call still in progress is hung up before the relay connection closes.
func (c *Client) Run(ctx context.Context) error {
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = c.relay.Run(relayCtx)
	}()

	err := c.loop.Run(ctx)

	c.calls.Leave()
	cancelRelay()
	<-relayDone

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch routes one relay event. Runs on the loop.
func (c *Client) dispatch(msg *signaling.Message) {
	switch msg.Type {
	case signaling.MsgTypeAssignedID:
		c.setIdentity(msg.SessionID)
	case signaling.MsgTypeCallOffer:
		c.calls.HandleOffer(msg)
	case signaling.MsgTypeCallAnswer:
		c.calls.HandleAnswer(msg)
	case signaling.MsgTypeCallReject:
		c.calls.HandleReject(msg)
	case signaling.MsgTypeCallEnd:
		c.calls.HandleEnd(msg)
	case signaling.MsgTypeChat:
		c.chat.Receive(msg)
	}
}

// setIdentity accepts the first assigned id; later ones must match it.
func (c *Client) setIdentity(id string) {
	if c.self != "" {
		if id != c.self {
			util.LogWarning("Relay assigned a new session id %s, keeping %s", id, c.self)
		}
		return
	}

	c.self = id
	c.calls.SetIdentity(id)
	c.chat.SetIdentity(id)
	util.LogSuccess("Your session id: %s", id)

	if c.opts.OnIdentity != nil {
		c.opts.OnIdentity(id)
	}
}

// ---------------------------------------------------------------------------
// User intents
// ---------------------------------------------------------------------------

func (c *Client) PlaceCall(ctx context.Context, target string) error {
	return c.loop.Do(ctx, func() error { return c.calls.PlaceCall(target) })
}

func (c *Client) Accept(ctx context.Context) error {
	return c.loop.Do(ctx, c.calls.Accept)
}

func (c *Client) Decline(ctx context.Context) error {
	return c.loop.Do(ctx, c.calls.Decline)
}

func (c *Client) Leave(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		c.calls.Leave()
		return nil
	})
}

// SendChat sends text to the current chat correspondent.
func (c *Client) SendChat(ctx context.Context, text string) (chat.Message, error) {
	var sent chat.Message
	err := c.loop.Do(ctx, func() error {
		var err error
		sent, err = c.chat.Send(text)
		return err
	})
	return sent, err
}

// SetChatTarget pins the chat correspondent; "" reverts to the last one.
func (c *Client) SetChatTarget(ctx context.Context, id string) error {
	return c.loop.Do(ctx, func() error {
		c.chat.SetTarget(id)
		return nil
	})
}

// Snapshot is a consistent view of the client for display.
type Snapshot struct {
	Self       string
	Call       call.State
	ChatTarget string
	Messages   []chat.Message
	Connected  bool
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.loop.Do(ctx, func() error {
		s = Snapshot{
			Self:       c.self,
			Call:       c.calls.State(),
			ChatTarget: c.chat.Target(),
			Messages:   c.chat.Messages(),
			Connected:  c.relay.Connected(),
		}
		return nil
	})
	return s, err
}
