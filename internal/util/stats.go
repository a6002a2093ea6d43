package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/chat/media counter.
var Stats = &stats{}

type stats struct {
	CallsStarted   atomic.Int64 // outgoing calls placed or incoming calls accepted
	CallsEnded     atomic.Int64 // calls torn down for any reason
	SignalsSent    atomic.Int64 // call-offer / call-answer messages handed to the relay
	SignalsApplied atomic.Int64 // remote payloads applied to an engine
	SignalsDropped atomic.Int64 // duplicate, stale or unmatched signaling events
	ChatSent       atomic.Int64
	ChatRecv       atomic.Int64
	MediaBytesRecv atomic.Int64 // RTP bytes received on remote tracks
}

func (s *stats) AddCallStarted()    { s.CallsStarted.Add(1) }
func (s *stats) AddCallEnded()      { s.CallsEnded.Add(1) }
func (s *stats) AddSignalSent()     { s.SignalsSent.Add(1) }
func (s *stats) AddSignalApplied()  { s.SignalsApplied.Add(1) }
func (s *stats) AddSignalDropped()  { s.SignalsDropped.Add(1) }
func (s *stats) AddChatSent()       { s.ChatSent.Add(1) }
func (s *stats) AddChatRecv()       { s.ChatRecv.Add(1) }
func (s *stats) AddMediaRecv(n int) { s.MediaBytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval. Nothing is logged for quiet intervals. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev), interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	started, ended, sent, applied, dropped, chatOut, chatIn, media int64
}

func takeSnapshot() snapshot {
	return snapshot{
		started: Stats.CallsStarted.Load(),
		ended:   Stats.CallsEnded.Load(),
		sent:    Stats.SignalsSent.Load(),
		applied: Stats.SignalsApplied.Load(),
		dropped: Stats.SignalsDropped.Load(),
		chatOut: Stats.ChatSent.Load(),
		chatIn:  Stats.ChatRecv.Load(),
		media:   Stats.MediaBytesRecv.Load(),
	}
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		started: s.started - o.started,
		ended:   s.ended - o.ended,
		sent:    s.sent - o.sent,
		applied: s.applied - o.applied,
		dropped: s.dropped - o.dropped,
		chatOut: s.chatOut - o.chatOut,
		chatIn:  s.chatIn - o.chatIn,
		media:   s.media - o.media,
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of one interval's deltas for display in the logger.
func formatStats(d snapshot, interval time.Duration) string {
	rate := float64(d.media) / interval.Seconds()
	return fmt.Sprintf("Media: %s/s | Calls: %2d↑ %2d↓ | Signals: %2d sent %2d applied %2d dropped | Chat: %2d↑ %2d↓",
		formatBytes(rate),
		d.started,
		d.ended,
		d.sent,
		d.applied,
		d.dropped,
		d.chatOut,
		d.chatIn,
	)
}
