package call

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/meet/internal/signaling"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// queue stands in for the client event loop; tests drain it explicitly.
type queue struct{ fns []func() }

func (q *queue) post(fn func()) { q.fns = append(q.fns, fn) }

func (q *queue) drain() {
	for len(q.fns) > 0 {
		fn := q.fns[0]
		q.fns = q.fns[1:]
		fn()
	}
}

type fakeEngine struct {
	role      Role
	cb        Callbacks
	applied   []json.RawMessage
	destroyed int
	applyErr  error
}

func (e *fakeEngine) ApplyRemotePayload(p json.RawMessage) error {
	if e.applyErr != nil {
		return e.applyErr
	}
	e.applied = append(e.applied, p)
	return nil
}

func (e *fakeEngine) Closed() bool { return e.destroyed > 0 }
func (e *fakeEngine) Destroy()     { e.destroyed++ }

type fakeStream string

func (s fakeStream) StreamID() string { return string(s) }

// recorder captures everything sent to the relay.
type recorder struct {
	sent []*signaling.Message
	err  error
}

func (r *recorder) Send(msg *signaling.Message) error {
	if r.err != nil {
		return r.err
	}
	cp := *msg
	r.sent = append(r.sent, &cp)
	return nil
}

func (r *recorder) last(t *testing.T) *signaling.Message {
	t.Helper()
	if len(r.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return r.sent[len(r.sent)-1]
}

type timer struct {
	fn      func()
	stopped bool
}

type harness struct {
	m       *Manager
	q       *queue
	relay   *recorder
	engines []*fakeEngine
	states  []State
	timers  []*timer
	failNew error
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{q: &queue{}, relay: &recorder{}}
	h.m = NewManager(Options{
		Relay: h.relay,
		NewEngine: func(role Role, media Stream, cb Callbacks) (Engine, error) {
			if h.failNew != nil {
				return nil, h.failNew
			}
			e := &fakeEngine{role: role, cb: cb}
			h.engines = append(h.engines, e)
			return e, nil
		},
		Post:        h.q.post,
		RingTimeout: 30 * time.Second,
		AfterFunc: func(d time.Duration, fn func()) func() bool {
			tm := &timer{fn: fn}
			h.timers = append(h.timers, tm)
			return func() bool { tm.stopped = true; return true }
		},
		OnState: func(s State) { h.states = append(h.states, s) },
	})
	h.m.SetIdentity(self)
	h.m.SetMedia(fakeStream("local-" + self))
	return h
}

func (h *harness) engine(t *testing.T) *fakeEngine {
	t.Helper()
	if len(h.engines) == 0 {
		t.Fatal("no engine created")
	}
	return h.engines[len(h.engines)-1]
}

func (h *harness) phase() Phase { return h.m.State().Phase }

var (
	offerSig  = json.RawMessage(`{"type":"offer","sdp":"o"}`)
	answerSig = json.RawMessage(`{"type":"answer","sdp":"a"}`)
)

func offerFrom(from string) *signaling.Message {
	return &signaling.Message{Type: signaling.MsgTypeCallOffer, From: from, To: "b", Name: "Alice", Signal: offerSig}
}

func answerFrom(from string) *signaling.Message {
	return &signaling.Message{Type: signaling.MsgTypeCallAnswer, From: from, To: "a", Signal: answerSig}
}

// ---------------------------------------------------------------------------
// Outgoing
// ---------------------------------------------------------------------------

func TestPlaceCallPreconditions(t *testing.T) {
	h := newHarness(t, "a")

	if err := h.m.PlaceCall("  "); !errors.Is(err, ErrNoTarget) {
		t.Errorf("empty target: %v", err)
	}
	if err := h.m.PlaceCall("a"); !errors.Is(err, ErrSelfCall) {
		t.Errorf("self call: %v", err)
	}

	h.m.SetMedia(nil)
	if err := h.m.PlaceCall("b"); !errors.Is(err, ErrNoMedia) {
		t.Errorf("no media: %v", err)
	}

	noID := newHarness(t, "")
	if err := noID.m.PlaceCall("b"); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("no identity: %v", err)
	}

	if h.phase() != Idle || len(h.engines) != 0 || len(h.relay.sent) != 0 {
		t.Errorf("state changed on failed preconditions: %s, %d engines, %d sent", h.phase(), len(h.engines), len(h.relay.sent))
	}
}

func TestPlaceCallSendsOffer(t *testing.T) {
	h := newHarness(t, "a")
	h.m.SetDisplayName(" Alice ")

	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}
	if h.phase() != Outgoing || h.m.State().PeerID != "b" {
		t.Fatalf("state = %s", h.m.State())
	}
	if e := h.engine(t); e.role != RoleInitiator {
		t.Fatalf("engine role = %v", e.role)
	}

	h.engine(t).cb.LocalPayload(offerSig)
	h.q.drain()

	msg := h.relay.last(t)
	if msg.Type != signaling.MsgTypeCallOffer || msg.To != "b" || msg.From != "a" || msg.Name != "Alice" {
		t.Errorf("sent %+v", msg)
	}
	if string(msg.Signal) != string(offerSig) {
		t.Errorf("signal = %s", msg.Signal)
	}

	if err := h.m.PlaceCall("c"); !errors.Is(err, ErrBusy) {
		t.Errorf("second call: %v", err)
	}
}

func TestAnswerAppliedExactlyOnce(t *testing.T) {
	h := newHarness(t, "a")
	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}

	h.m.HandleAnswer(answerFrom("b"))
	h.m.HandleAnswer(answerFrom("b"))

	e := h.engine(t)
	if len(e.applied) != 1 {
		t.Fatalf("answer applied %d times, want 1", len(e.applied))
	}
	if h.phase() != Active {
		t.Fatalf("phase = %s, want active", h.phase())
	}
	if !h.timers[0].stopped {
		t.Error("ring timer still armed after answer")
	}
}

func TestUnmatchedAnswerIgnored(t *testing.T) {
	h := newHarness(t, "a")

	h.m.HandleAnswer(answerFrom("b"))
	if h.phase() != Idle || len(h.states) != 0 {
		t.Fatalf("answer while idle changed state: %v", h.states)
	}

	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}
	h.m.HandleAnswer(answerFrom("c"))
	if h.phase() != Outgoing || len(h.engine(t).applied) != 0 {
		t.Fatalf("answer from wrong peer applied")
	}
}

func TestStalePayloadDropped(t *testing.T) {
	h := newHarness(t, "a")
	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}
	old := h.engine(t)

	h.m.Leave()
	sentAfterLeave := len(h.relay.sent)

	if err := h.m.PlaceCall("c"); err != nil {
		t.Fatal(err)
	}

	old.cb.LocalPayload(offerSig)
	h.q.drain()

	if len(h.relay.sent) != sentAfterLeave {
		t.Fatalf("stale payload was sent: %+v", h.relay.last(t))
	}
	if old.destroyed != 1 {
		t.Errorf("old engine destroyed %d times", old.destroyed)
	}
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t, "a")
	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}

	h.timers[0].fn()
	h.q.drain()

	if h.phase() != Idle {
		t.Fatalf("phase = %s after ring timeout", h.phase())
	}
	if msg := h.relay.last(t); msg.Type != signaling.MsgTypeCallEnd || msg.To != "b" {
		t.Errorf("sent %+v", msg)
	}
	if h.engine(t).destroyed != 1 {
		t.Error("engine not destroyed")
	}
}

func TestRejectEndsOutgoing(t *testing.T) {
	h := newHarness(t, "a")
	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}

	h.m.HandleReject(&signaling.Message{Type: signaling.MsgTypeCallReject, From: "b", Reason: signaling.ReasonBusy})

	if h.phase() != Idle {
		t.Fatalf("phase = %s", h.phase())
	}
	n := len(h.states)
	if n < 2 || h.states[n-2].Phase != Ended || h.states[n-1].Phase != Idle {
		t.Errorf("states = %v, want ... ended idle", h.states)
	}
}

// ---------------------------------------------------------------------------
// Incoming
// ---------------------------------------------------------------------------

func TestIncomingAccept(t *testing.T) {
	h := newHarness(t, "b")

	h.m.HandleOffer(offerFrom("a"))
	if s := h.m.State(); s.Phase != IncomingPending || s.PeerID != "a" || s.PeerName != "Alice" {
		t.Fatalf("state = %s", s)
	}
	if len(h.engines) != 0 {
		t.Fatal("engine created before accept")
	}

	if err := h.m.Accept(); err != nil {
		t.Fatal(err)
	}
	e := h.engine(t)
	if e.role != RoleResponder || len(e.applied) != 1 || string(e.applied[0]) != string(offerSig) {
		t.Fatalf("engine %+v", e)
	}
	if h.phase() != Active {
		t.Fatalf("phase = %s", h.phase())
	}

	e.cb.LocalPayload(answerSig)
	h.q.drain()
	if msg := h.relay.last(t); msg.Type != signaling.MsgTypeCallAnswer || msg.To != "a" {
		t.Errorf("sent %+v", msg)
	}
}

func TestOfferWhileBusyRejected(t *testing.T) {
	h := newHarness(t, "b")
	h.m.HandleOffer(offerFrom("a"))

	h.m.HandleOffer(offerFrom("a"))
	if len(h.relay.sent) != 0 {
		t.Fatalf("repeated offer from pending caller answered: %+v", h.relay.last(t))
	}

	h.m.HandleOffer(offerFrom("c"))
	msg := h.relay.last(t)
	if msg.Type != signaling.MsgTypeCallReject || msg.To != "c" || msg.Reason != signaling.ReasonBusy {
		t.Errorf("sent %+v", msg)
	}
	if s := h.m.State(); s.PeerID != "a" {
		t.Errorf("pending caller replaced: %s", s)
	}
}

func TestDecline(t *testing.T) {
	h := newHarness(t, "b")
	if err := h.m.Decline(); !errors.Is(err, ErrNoIncoming) {
		t.Errorf("decline while idle: %v", err)
	}

	h.m.HandleOffer(offerFrom("a"))
	if err := h.m.Decline(); err != nil {
		t.Fatal(err)
	}
	if h.phase() != Idle {
		t.Fatalf("phase = %s", h.phase())
	}
	msg := h.relay.last(t)
	if msg.Type != signaling.MsgTypeCallReject || msg.Reason != signaling.ReasonDeclined {
		t.Errorf("sent %+v", msg)
	}
	if err := h.m.Accept(); !errors.Is(err, ErrNoIncoming) {
		t.Errorf("accept after decline: %v", err)
	}
}

func TestCallerCancelsIncoming(t *testing.T) {
	h := newHarness(t, "b")
	h.m.HandleOffer(offerFrom("a"))

	h.m.HandleEnd(&signaling.Message{Type: signaling.MsgTypeCallEnd, From: "c"})
	if h.phase() != IncomingPending {
		t.Fatal("call-end from stranger cancelled the call")
	}

	h.m.HandleEnd(&signaling.Message{Type: signaling.MsgTypeCallEnd, From: "a"})
	if h.phase() != Idle {
		t.Fatalf("phase = %s", h.phase())
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestDoubleLeave(t *testing.T) {
	h := newHarness(t, "a")
	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}
	h.m.HandleAnswer(answerFrom("b"))

	h.m.Leave()
	h.m.Leave()

	if h.phase() != Idle {
		t.Fatalf("phase = %s", h.phase())
	}
	if d := h.engine(t).destroyed; d != 1 {
		t.Errorf("engine destroyed %d times", d)
	}

	ends := 0
	for _, msg := range h.relay.sent {
		if msg.Type == signaling.MsgTypeCallEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("sent %d call-end, want 1", ends)
	}
}

func TestEngineFailureEndsCall(t *testing.T) {
	h := newHarness(t, "a")
	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}
	h.m.HandleAnswer(answerFrom("b"))

	h.engine(t).cb.Closed(errors.New("ice failed"))
	h.q.drain()

	if h.phase() != Idle {
		t.Fatalf("phase = %s", h.phase())
	}
	if msg := h.relay.last(t); msg.Type != signaling.MsgTypeCallEnd {
		t.Errorf("sent %+v", msg)
	}
}

func TestApplyFailureEndsCall(t *testing.T) {
	h := newHarness(t, "a")
	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}
	h.engine(t).applyErr = errors.New("bad sdp")

	h.m.HandleAnswer(answerFrom("b"))
	if h.phase() != Idle {
		t.Fatalf("phase = %s", h.phase())
	}
}

func TestEngineCreateFailure(t *testing.T) {
	h := newHarness(t, "a")
	h.failNew = errors.New("no codecs")

	if err := h.m.PlaceCall("b"); err == nil {
		t.Fatal("PlaceCall succeeded without engine")
	}
	if h.phase() != Idle {
		t.Fatalf("phase = %s", h.phase())
	}
}

func TestRelayDownKeepsState(t *testing.T) {
	h := newHarness(t, "a")
	h.relay.err = signaling.ErrRelayUnavailable

	if err := h.m.PlaceCall("b"); err != nil {
		t.Fatal(err)
	}
	h.engine(t).cb.LocalPayload(offerSig)
	h.q.drain()

	if h.phase() != Outgoing {
		t.Fatalf("phase = %s", h.phase())
	}
}

// ---------------------------------------------------------------------------
// Two managers over an in-memory relay
// ---------------------------------------------------------------------------

// linkedRelay delivers a manager's messages to the other harness the way the
// relay does: sender stamped, routed by recipient, posted to the loop.
type linkedRelay struct {
	self  string
	q     *queue
	peers map[string]*Manager
}

func (r *linkedRelay) Send(msg *signaling.Message) error {
	cp := *msg
	cp.From = r.self
	dst, ok := r.peers[cp.To]
	if !ok {
		return nil
	}
	r.q.post(func() {
		switch cp.Type {
		case signaling.MsgTypeCallOffer:
			dst.HandleOffer(&cp)
		case signaling.MsgTypeCallAnswer:
			dst.HandleAnswer(&cp)
		case signaling.MsgTypeCallReject:
			dst.HandleReject(&cp)
		case signaling.MsgTypeCallEnd:
			dst.HandleEnd(&cp)
		}
	})
	return nil
}

func TestCallBetweenTwoClients(t *testing.T) {
	q := &queue{}
	peers := map[string]*Manager{}
	engines := map[string][]*fakeEngine{}

	newClient := func(id string) *Manager {
		m := NewManager(Options{
			Relay: &linkedRelay{self: id, q: q, peers: peers},
			NewEngine: func(role Role, media Stream, cb Callbacks) (Engine, error) {
				e := &fakeEngine{role: role, cb: cb}
				engines[id] = append(engines[id], e)
				return e, nil
			},
			Post: q.post,
		})
		m.SetIdentity(id)
		m.SetMedia(fakeStream(id))
		peers[id] = m
		return m
	}
	a, b := newClient("A"), newClient("B")

	if err := a.PlaceCall("B"); err != nil {
		t.Fatal(err)
	}
	engines["A"][0].cb.LocalPayload(offerSig)
	q.drain()

	if b.State().Phase != IncomingPending || b.State().PeerID != "A" {
		t.Fatalf("B state = %s", b.State())
	}

	if err := b.Accept(); err != nil {
		t.Fatal(err)
	}
	engines["B"][0].cb.LocalPayload(answerSig)
	q.drain()

	if a.State().Phase != Active || b.State().Phase != Active {
		t.Fatalf("A = %s, B = %s", a.State(), b.State())
	}
	if len(engines["A"][0].applied) != 1 || len(engines["B"][0].applied) != 1 {
		t.Fatal("payload not applied exactly once on each side")
	}

	a.Leave()
	q.drain()
	if a.State().Phase != Idle || b.State().Phase != Idle {
		t.Fatalf("after hangup A = %s, B = %s", a.State(), b.State())
	}
}

func TestGlareBothReject(t *testing.T) {
	q := &queue{}
	peers := map[string]*Manager{}
	newClient := func(id string) *Manager {
		m := NewManager(Options{
			Relay: &linkedRelay{self: id, q: q, peers: peers},
			NewEngine: func(role Role, media Stream, cb Callbacks) (Engine, error) {
				e := &fakeEngine{role: role, cb: cb}
				cb.LocalPayload(offerSig)
				return e, nil
			},
			Post: q.post,
		})
		m.SetIdentity(id)
		m.SetMedia(fakeStream(id))
		peers[id] = m
		return m
	}
	a, b := newClient("A"), newClient("B")

	if err := a.PlaceCall("B"); err != nil {
		t.Fatal(err)
	}
	if err := b.PlaceCall("A"); err != nil {
		t.Fatal(err)
	}
	q.drain()

	if a.State().Phase != Idle || b.State().Phase != Idle {
		t.Fatalf("A = %s, B = %s", a.State(), b.State())
	}
}

func TestNewManagerRequiresPost(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewManager accepted a nil Post")
		}
	}()
	NewManager(Options{Relay: &recorder{}})
}
