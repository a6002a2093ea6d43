package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// LocalMedia is the local audio/video stream offered to the remote peer.
// Capture is not done here; a source writes samples into Audio and Video.
type LocalMedia struct {
	id    string
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample
}

// NewLocalMedia creates an opus audio track and a vp8 video track sharing one
// stream id.
func NewLocalMedia() (*LocalMedia, error) {
	id := uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	return &LocalMedia{id: id, Audio: audio, Video: video}, nil
}

func (m *LocalMedia) StreamID() string { return m.id }

// Tracks returns the tracks to attach to a PeerConnection.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.Audio, m.Video}
}
