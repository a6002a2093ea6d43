// Package call holds the call session state machine: who is being called,
// which engine belongs to the current attempt and whether the remote payload
// has been applied.
//
// A Manager is not safe for concurrent use. Every method, and every closure
// it hands to Options.Post, must run on the same event loop.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1ureka/meet/internal/signaling"
	"github.com/1ureka/meet/internal/util"
)

var (
	ErrNoIdentity = errors.New("no session id assigned yet")
	ErrNoTarget   = errors.New("no call target")
	ErrSelfCall   = errors.New("cannot call yourself")
	ErrNoMedia    = errors.New("local media not ready")
	ErrBusy       = errors.New("a call is already in progress")
	ErrNoIncoming = errors.New("no incoming call")
)

// Relay sends events to the rendezvous relay.
type Relay interface {
	Send(*signaling.Message) error
}

type Options struct {
	Relay     Relay
	NewEngine EngineFactory

	// Post schedules fn on the event loop that owns the Manager. Engine
	// callbacks and ring timers are delivered through it. Required.
	Post func(fn func())

	// RingTimeout ends an unanswered outgoing call. Zero rings forever.
	RingTimeout time.Duration

	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) (stop func() bool)

	OnState       func(State)
	OnRemoteMedia func(Stream)
}

// attempt is one engine lifetime. Engine callbacks carry the attempt they
// were created for; once m.attempt moves on they are stale and dropped.
type attempt struct {
	role     Role
	peer     string
	engine   Engine
	applied  bool
	stopRing func() bool
}

// Manager drives a single call at a time.
type Manager struct {
	opts Options

	self  string
	name  string
	media Stream

	state   State
	attempt *attempt
	pending json.RawMessage // offer signal held while IncomingPending
}

// NewManager panics if opts.Post is nil.
func NewManager(opts Options) *Manager {
	if opts.Post == nil {
		panic("call: Options.Post is required")
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		}
	}
	return &Manager{opts: opts}
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// SetIdentity records the session id assigned by the relay.
func (m *Manager) SetIdentity(id string) { m.self = id }

// SetDisplayName sets the name sent with outgoing offers.
func (m *Manager) SetDisplayName(name string) { m.name = strings.TrimSpace(name) }

// SetMedia provides the local stream used for every later call.
func (m *Manager) SetMedia(media Stream) { m.media = media }

func (m *Manager) State() State { return m.state }

// ---------------------------------------------------------------------------
// User intents
// ---------------------------------------------------------------------------

// PlaceCall starts ringing target.
func (m *Manager) PlaceCall(target string) error {
	target = strings.TrimSpace(target)
	switch {
	case m.self == "":
		return ErrNoIdentity
	case target == "":
		return ErrNoTarget
	case target == m.self:
		return ErrSelfCall
	case m.media == nil:
		return ErrNoMedia
	case m.state.Phase != Idle:
		return ErrBusy
	}

	a, err := m.startAttempt(RoleInitiator, target)
	if err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}

	if m.opts.RingTimeout > 0 {
		a.stopRing = m.opts.AfterFunc(m.opts.RingTimeout, func() {
			m.opts.Post(func() { m.ringExpired(a) })
		})
	}

	util.Stats.AddCallStarted()
	util.LogInfo("Calling %s...", target)
	m.setState(State{Phase: Outgoing, PeerID: target})
	return nil
}

// Accept answers the pending incoming call.
func (m *Manager) Accept() error {
	if m.state.Phase != IncomingPending {
		return ErrNoIncoming
	}
	if m.media == nil {
		return ErrNoMedia
	}

	caller, callerName, offer := m.state.PeerID, m.state.PeerName, m.pending

	a, err := m.startAttempt(RoleResponder, caller)
	if err != nil {
		m.notify(&signaling.Message{Type: signaling.MsgTypeCallReject, To: caller, Reason: signaling.ReasonUnavailable})
		m.end()
		return fmt.Errorf("failed to accept call: %w", err)
	}
	m.pending = nil

	util.Stats.AddCallStarted()
	m.setState(State{Phase: Active, PeerID: caller, PeerName: callerName})

	a.applied = true
	if err := a.engine.ApplyRemotePayload(offer); err != nil {
		m.notify(&signaling.Message{Type: signaling.MsgTypeCallEnd, To: caller})
		m.end()
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	util.Stats.AddSignalApplied()
	return nil
}

// Decline rejects the pending incoming call.
func (m *Manager) Decline() error {
	if m.state.Phase != IncomingPending {
		return ErrNoIncoming
	}
	caller := m.state.PeerID
	m.notify(&signaling.Message{Type: signaling.MsgTypeCallReject, To: caller, Reason: signaling.ReasonDeclined})
	m.pending = nil
	util.LogInfo("Declined call from %s", caller)
	m.setState(State{Phase: Idle})
	return nil
}

// Leave ends whatever call is in progress. It is a no-op when Idle and safe
// to call repeatedly.
func (m *Manager) Leave() {
	switch m.state.Phase {
	case Idle, Ended:
		return
	case IncomingPending:
		_ = m.Decline()
		return
	}

	if a := m.attempt; a != nil {
		m.notify(&signaling.Message{Type: signaling.MsgTypeCallEnd, To: a.peer})
	}
	util.LogInfo("Call with %s ended", m.state.PeerID)
	m.end()
}

// ---------------------------------------------------------------------------
// Relay events
// ---------------------------------------------------------------------------

// HandleOffer processes an inbound call-offer.
func (m *Manager) HandleOffer(msg *signaling.Message) {
	switch {
	case m.state.Phase == Idle:
		m.pending = msg.Signal
		util.LogInfo("Incoming call from %s", displayName(msg.From, msg.Name))
		m.setState(State{Phase: IncomingPending, PeerID: msg.From, PeerName: msg.Name})

	case m.state.Phase == IncomingPending && m.state.PeerID == msg.From:
		m.drop("repeated offer from %s", msg.From)

	default:
		util.LogDebug("rejecting offer from %s: %s", msg.From, m.state.Phase)
		m.notify(&signaling.Message{Type: signaling.MsgTypeCallReject, To: msg.From, Reason: signaling.ReasonBusy})
	}
}

// HandleAnswer applies an inbound call-answer to the current outgoing
// attempt, at most once.
func (m *Manager) HandleAnswer(msg *signaling.Message) {
	a := m.attempt
	switch {
	case a == nil || m.state.Phase != Outgoing:
		m.drop("answer from %s without outgoing call", msg.From)
		return
	case a.peer != msg.From:
		m.drop("answer from %s while calling %s", msg.From, a.peer)
		return
	case a.applied || a.engine.Closed():
		m.drop("duplicate answer from %s", msg.From)
		return
	}

	a.applied = true
	if a.stopRing != nil {
		a.stopRing()
	}

	if err := a.engine.ApplyRemotePayload(msg.Signal); err != nil {
		util.LogError("Failed to apply answer from %s: %v", msg.From, err)
		m.notify(&signaling.Message{Type: signaling.MsgTypeCallEnd, To: a.peer})
		m.end()
		return
	}

	util.Stats.AddSignalApplied()
	util.LogSuccess("Connected to %s", a.peer)
	m.setState(State{Phase: Active, PeerID: a.peer})
}

// HandleReject ends the outgoing call when the target turns it down.
func (m *Manager) HandleReject(msg *signaling.Message) {
	a := m.attempt
	if a == nil || m.state.Phase != Outgoing || a.peer != msg.From {
		m.drop("reject from %s without outgoing call", msg.From)
		return
	}
	util.LogWarning("%s did not take the call (%s)", msg.From, msg.Reason)
	m.end()
}

// HandleEnd processes a hangup from the peer.
func (m *Manager) HandleEnd(msg *signaling.Message) {
	switch m.state.Phase {
	case IncomingPending:
		if m.state.PeerID != msg.From {
			break
		}
		util.LogInfo("%s cancelled the call", msg.From)
		m.end()
		return

	case Outgoing, Active:
		if a := m.attempt; a != nil && a.peer == msg.From {
			util.LogInfo("%s hung up", msg.From)
			m.end()
			return
		}
	}
	m.drop("call-end from %s without matching call", msg.From)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// startAttempt destroys any previous engine and creates a new one bound to a
// fresh attempt with its guard cleared.
func (m *Manager) startAttempt(role Role, peer string) (*attempt, error) {
	m.resetAttempt()

	a := &attempt{role: role, peer: peer}
	cb := Callbacks{
		LocalPayload: func(payload json.RawMessage) {
			m.opts.Post(func() { m.onLocalPayload(a, payload) })
		},
		RemoteMedia: func(s Stream) {
			m.opts.Post(func() { m.onRemoteMedia(a, s) })
		},
		Closed: func(err error) {
			m.opts.Post(func() { m.onEngineClosed(a, err) })
		},
	}

	engine, err := m.opts.NewEngine(role, m.media, cb)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	m.attempt = a
	return a, nil
}

func (m *Manager) onLocalPayload(a *attempt, payload json.RawMessage) {
	if m.attempt != a || a.engine.Closed() {
		m.drop("stale local payload for %s", a.peer)
		return
	}

	msg := &signaling.Message{To: a.peer, From: m.self, Signal: payload}
	if a.role == RoleInitiator {
		msg.Type = signaling.MsgTypeCallOffer
		msg.Name = m.name
	} else {
		msg.Type = signaling.MsgTypeCallAnswer
	}

	if err := m.opts.Relay.Send(msg); err != nil {
		util.LogWarning("Failed to send %s to %s: %v", msg.Type, a.peer, err)
		return
	}
	util.Stats.AddSignalSent()
}

func (m *Manager) onRemoteMedia(a *attempt, s Stream) {
	if m.attempt != a {
		return
	}
	util.LogDebug("remote media from %s: stream %s", a.peer, s.StreamID())
	if m.opts.OnRemoteMedia != nil {
		m.opts.OnRemoteMedia(s)
	}
}

func (m *Manager) onEngineClosed(a *attempt, err error) {
	if m.attempt != a {
		return
	}
	if err != nil {
		util.LogError("Call with %s failed: %v", a.peer, err)
	} else {
		util.LogInfo("Connection to %s closed", a.peer)
	}
	m.notify(&signaling.Message{Type: signaling.MsgTypeCallEnd, To: a.peer})
	m.end()
}

func (m *Manager) ringExpired(a *attempt) {
	if m.attempt != a || m.state.Phase != Outgoing {
		return
	}
	util.LogWarning("No answer from %s", a.peer)
	m.notify(&signaling.Message{Type: signaling.MsgTypeCallEnd, To: a.peer})
	m.end()
}

// end tears the current call down and passes through Ended back to Idle.
func (m *Manager) end() {
	if m.attempt != nil {
		util.Stats.AddCallEnded()
	}
	m.resetAttempt()
	m.pending = nil

	m.setState(State{Phase: Ended, PeerID: m.state.PeerID, PeerName: m.state.PeerName})
	m.setState(State{Phase: Idle})
}

func (m *Manager) resetAttempt() {
	a := m.attempt
	if a == nil {
		return
	}
	m.attempt = nil
	if a.stopRing != nil {
		a.stopRing()
	}
	a.engine.Destroy()
}

func (m *Manager) setState(s State) {
	m.state = s
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

// notify sends a best-effort control event; failures only get logged.
func (m *Manager) notify(msg *signaling.Message) {
	msg.From = m.self
	if err := m.opts.Relay.Send(msg); err != nil {
		util.LogDebug("failed to send %s to %s: %v", msg.Type, msg.To, err)
	}
}

func (m *Manager) drop(format string, args ...any) {
	util.Stats.AddSignalDropped()
	util.LogDebug("dropped "+format, args...)
}

func displayName(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}
