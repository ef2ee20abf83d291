// Package audio forks per-room audio frames into the gated voice-agent path
// and the always-on transcription path, with mute gating, fair interleaving,
// and independent backpressure per upstream.
package audio

import "time"

// Encoding declared once at router setup and fixed for the orchestrator's
// lifetime (§3).
type Encoding string

const (
	EncodingLinear16 Encoding = "linear16"
	EncodingOpus     Encoding = "opus"
)

// Frame is a value type carrying one participant's captured audio. Frames
// from a given participant must be delivered to the router in capture
// order; timestamps are non-decreasing per participant.
type Frame struct {
	ParticipantID string
	Payload       []byte
	CapturedAt    time.Time
	DurationMS    int
}
