package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meet/internal/util"
)

var (
	ErrDestroyed         = errors.New("peer destroyed")
	ErrUnexpectedPayload = errors.New("unexpected session description")
	ErrConnectionFailed  = errors.New("peer connection failed")
)

// Callbacks receive a Peer's asynchronous results. They are called from pion
// goroutines and must not block.
type Callbacks struct {
	LocalPayload func(json.RawMessage) // complete local description, once
	RemoteMedia  func(*RemoteStream)   // first remote track of a stream
	Closed       func(error)           // nil on orderly close, never after Destroy
}

// Peer wraps a single PeerConnection for one call attempt.
//
// The initiator starts producing its offer as soon as it is created. The
// responder produces its answer once ApplyRemotePayload has been given the
// offer.
type Peer struct {
	role Role
	pc   *webrtc.PeerConnection
	cb   Callbacks

	done        chan struct{}
	doneOnce    sync.Once
	destroyOnce sync.Once
	destroyed   atomic.Bool
	closeOnce   sync.Once

	mu      sync.Mutex
	streams map[string]*RemoteStream
}

// NewPeer creates a Peer carrying local's tracks.
func (f *Factory) NewPeer(role Role, local *LocalMedia, cb Callbacks) (*Peer, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	p := &Peer{
		role:    role,
		pc:      pc,
		cb:      cb,
		done:    make(chan struct{}),
		streams: make(map[string]*RemoteStream),
	}

	if local != nil {
		for _, track := range local.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
			}
			go readRTCP(sender)
		}
	}

	pc.OnTrack(p.handleTrack)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state (%s): %s", role, state)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.closed(ErrConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			p.closed(nil)
		}
	})

	if role == Initiator {
		go p.negotiate(func() (webrtc.SessionDescription, error) {
			return pc.CreateOffer(nil)
		})
	}

	return p, nil
}

// ApplyRemotePayload applies the remote session description: the offer on a
// responder, the answer on an initiator.
func (p *Peer) ApplyRemotePayload(payload json.RawMessage) error {
	if p.destroyed.Load() {
		return ErrDestroyed
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}

	want := webrtc.SDPTypeAnswer
	if p.role == Responder {
		want = webrtc.SDPTypeOffer
	}
	if desc.Type != want {
		return fmt.Errorf("%w: %s got %s", ErrUnexpectedPayload, p.role, desc.Type)
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	if p.role == Responder {
		go p.negotiate(func() (webrtc.SessionDescription, error) {
			return p.pc.CreateAnswer(nil)
		})
	}
	return nil
}

// Closed reports whether the Peer has been destroyed or its connection ended.
func (p *Peer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Destroy closes the PeerConnection. It is safe to call more than once and
// suppresses the Closed callback.
func (p *Peer) Destroy() {
	p.destroyOnce.Do(func() {
		p.destroyed.Store(true)
		p.markDone()
		if err := p.pc.Close(); err != nil {
			util.LogDebug("PeerConnection close (%s): %v", p.role, err)
		}
	})
}

// negotiate creates the local description, waits for ICE gathering to
// complete and emits the full description.
func (p *Peer) negotiate(create func() (webrtc.SessionDescription, error)) {
	desc, err := create()
	if err != nil {
		p.closed(fmt.Errorf("failed to create %s description: %w", p.role, err))
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		p.closed(fmt.Errorf("failed to set local description: %w", err))
		return
	}

	select {
	case <-gatherComplete:
	case <-p.done:
		return
	}

	payload, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		p.closed(fmt.Errorf("failed to encode local description: %w", err))
		return
	}

	if p.destroyed.Load() {
		return
	}
	p.cb.LocalPayload(payload)
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	util.LogDebug("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)

	p.mu.Lock()
	stream, known := p.streams[track.StreamID()]
	if !known {
		stream = &RemoteStream{id: track.StreamID()}
		p.streams[stream.id] = stream
	}
	p.mu.Unlock()

	stream.addTrack(track)
	if !known && p.cb.RemoteMedia != nil {
		p.cb.RemoteMedia(stream)
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go requestKeyframes(p.pc, track, p.done)
	}
	go readRemote(track, stream)
}

// closed reports the end of the connection once, unless Destroy got there first.
func (p *Peer) closed(err error) {
	if p.destroyed.Load() {
		return
	}
	p.closeOnce.Do(func() {
		p.markDone()
		if p.cb.Closed != nil {
			p.cb.Closed(err)
		}
	})
}

func (p *Peer) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}
