// Package engine implements media negotiation on top of pion/webrtc.
//
// Negotiation is non-trickle: each side waits for ICE gathering to finish and
// emits its complete session description as one JSON payload.
package engine

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Role selects which side of the negotiation a Peer plays.
type Role int

const (
	Initiator Role = iota // creates the offer
	Responder             // answers a remote offer
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Factory builds Peers sharing one configured pion API.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewFactory creates a Factory with the default codecs and interceptors.
// An empty stunServers list disables server reflexive candidates.
func NewFactory(stunServers []string) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}

	f := &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
	}
	if len(stunServers) > 0 {
		f.iceServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return f, nil
}

func (f *Factory) newPeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
}
