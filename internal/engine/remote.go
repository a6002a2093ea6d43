package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meet/internal/util"
)

const pliInterval = 3 * time.Second

// RemoteStream is the media received from the peer. Tracks are added as
// pion reports them; the stream is announced once, on its first track.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote

	packets atomic.Int64
	bytes   atomic.Int64
}

func (s *RemoteStream) StreamID() string { return s.id }

// Tracks returns a snapshot of the remote tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// Received returns the RTP packet and byte totals across all tracks.
func (s *RemoteStream) Received() (packets, bytes int64) {
	return s.packets.Load(), s.bytes.Load()
}

func (s *RemoteStream) addTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

func (s *RemoteStream) count(pkt *rtp.Packet) {
	n := pkt.MarshalSize()
	s.packets.Add(1)
	s.bytes.Add(int64(n))
	util.Stats.AddMediaRecv(n)
}

// readRemote drains track until it ends. Nothing is rendered here; packets
// are only counted so the interceptors keep producing receiver reports.
func readRemote(track *webrtc.TrackRemote, stream *RemoteStream) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		stream.count(pkt)
	}
}

// requestKeyframes sends a PictureLossIndication for a remote video track
// every pliInterval until done is closed or the write fails.
func requestKeyframes(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, done <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readRTCP drains RTCP for one local sender so interceptors run, and logs
// keyframe requests from the peer.
func readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				if t := sender.Track(); t != nil {
					util.LogDebug("peer requested a keyframe on %s", t.ID())
				}
			}
		}
	}
}
