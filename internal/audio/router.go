package audio

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

// UpstreamSink is the narrow contract both the Voice Agent Connection and
// the Transcription Connection satisfy (§4.5 send-path contract). SendAudio
// reports whether the frame was accepted; BufferedBytes lets the router
// sample the connection's own backpressure signal before queuing more.
type UpstreamSink interface {
	SendAudio(frame []byte) bool
	BufferedBytes() int
}

// RoomMediaSink accepts agent-synthesized audio destined for playback to
// room participants. The real SFU/media transport is out of scope (§1); this
// is the abstract boundary the router writes through.
type RoomMediaSink interface {
	PlayAgentAudio(chunk []byte)
}

type participantQueue struct {
	identity string
	frames   []Frame
}

// Router forks each room's per-participant audio frames into the gated
// voice-agent path and the ungated transcription path, and separately drains
// agent-synthesized audio toward the room media sink, clearable on barge-in.
type Router struct {
	roomID string

	mu     sync.Mutex
	cond   *sync.Cond
	queues []*participantQueue
	cursor int
	closed bool
	wg     sync.WaitGroup

	voiceAgent    UpstreamSink
	transcription UpstreamSink
	mute          *MuteGate

	vaBP *backpressureTracker
	txBP *backpressureTracker

	agentAudioMu   sync.Mutex
	agentAudioCond *sync.Cond
	agentAudioQ    [][]byte
	agentClosed    bool
	mediaSink      RoomMediaSink
}

// NewRouter constructs a Router for one orchestrator session. bufferMaxBytes
// is the configured per-upstream backpressure threshold; zero falls back to
// defaultBackpressureThresholdBytes.
func NewRouter(roomID string, voiceAgent, transcription UpstreamSink, mute *MuteGate, mediaSink RoomMediaSink, bufferMaxBytes int) *Router {
	r := &Router{
		roomID:        roomID,
		voiceAgent:    voiceAgent,
		transcription: transcription,
		mute:          mute,
		vaBP:          newBackpressureTracker("voice_agent", roomID, bufferMaxBytes),
		txBP:          newBackpressureTracker("transcription", roomID, bufferMaxBytes),
		mediaSink:     mediaSink,
	}
	r.cond = sync.NewCond(&r.mu)
	r.agentAudioCond = sync.NewCond(&r.agentAudioMu)
	return r
}

// Start launches the two drain goroutines (inbound fork, agent-audio
// fan-out). Both exit once ctx is cancelled and Stop has been called.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.drainInbound(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.drainAgentAudio(ctx)
	}()
}

// Push enqueues a captured frame for forking. Per-participant order is
// preserved by appending to that participant's own queue (§3 invariant).
func (r *Router) Push(frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	for _, q := range r.queues {
		if q.identity == frame.ParticipantID {
			q.frames = append(q.frames, frame)
			r.cond.Signal()
			return
		}
	}
	r.queues = append(r.queues, &participantQueue{identity: frame.ParticipantID, frames: []Frame{frame}})
	r.cond.Signal()
}

// drainInbound round-robins across per-participant queues, forking each
// popped frame to both upstreams per the routing rules (§4.3).
func (r *Router) drainInbound(ctx context.Context) {
	for {
		r.mu.Lock()
		for r.allEmptyLocked() && !r.closed {
			r.cond.Wait()
		}
		if r.closed && r.allEmptyLocked() {
			r.mu.Unlock()
			return
		}
		frame, ok := r.popNextLocked()
		r.mu.Unlock()
		if !ok {
			continue
		}
		r.dispatch(ctx, frame)
	}
}

func (r *Router) allEmptyLocked() bool {
	for _, q := range r.queues {
		if len(q.frames) > 0 {
			return false
		}
	}
	return true
}

// popNextLocked advances the round-robin cursor to the next non-empty queue
// and pops its head frame. Caller holds r.mu.
func (r *Router) popNextLocked() (Frame, bool) {
	n := len(r.queues)
	if n == 0 {
		return Frame{}, false
	}
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		q := r.queues[idx]
		if len(q.frames) == 0 {
			continue
		}
		frame := q.frames[0]
		q.frames = q.frames[1:]
		r.cursor = (idx + 1) % n
		return frame, true
	}
	return Frame{}, false
}

func (r *Router) dispatch(ctx context.Context, frame Frame) {
	// Rule 1: transcription always receives the frame, mute state notwithstanding.
	r.txBP.setBufferedBytes(r.transcription.BufferedBytes())
	if r.txBP.overThreshold() {
		r.txBP.recordDrop(ctx, "backpressure")
	} else if r.transcription.SendAudio(frame.Payload) {
		metrics.AudioFramesRouted.WithLabelValues("transcription", r.roomID).Inc()
	} else {
		r.txBP.recordDrop(ctx, "rejected")
	}

	// Rule 2: voice agent only for unmuted humans; the AI's own audio never
	// re-enters the router (callers never Push AI frames here).
	if r.mute.IsMuted(frame.ParticipantID) {
		metrics.AudioFramesDropped.WithLabelValues("voice_agent", r.roomID, "muted").Inc()
		return
	}

	r.vaBP.setBufferedBytes(r.voiceAgent.BufferedBytes())
	if r.vaBP.overThreshold() {
		r.vaBP.recordDrop(ctx, "backpressure")
		return
	}
	if r.voiceAgent.SendAudio(frame.Payload) {
		metrics.AudioFramesRouted.WithLabelValues("voice_agent", r.roomID).Inc()
		r.mute.NoteVoiceFrameSent(time.Now())
	} else {
		r.vaBP.recordDrop(ctx, "rejected")
	}
}

// EnqueueAgentAudio queues a synthesized TTS chunk for the room media sink.
func (r *Router) EnqueueAgentAudio(chunk []byte) {
	r.agentAudioMu.Lock()
	defer r.agentAudioMu.Unlock()
	if r.agentClosed {
		return
	}
	r.agentAudioQ = append(r.agentAudioQ, chunk)
	r.agentAudioCond.Signal()
}

// ClearAgentAudio drops all pending agent audio, implementing barge-in:
// no further agent audio reaches the room sink until the next
// AgentStartedSpeaking cycle re-populates the queue (§4.3).
func (r *Router) ClearAgentAudio(ctx context.Context) {
	r.agentAudioMu.Lock()
	dropped := len(r.agentAudioQ)
	r.agentAudioQ = nil
	r.agentAudioMu.Unlock()
	if dropped > 0 {
		logging.Info(ctx, "barge-in cleared pending agent audio",
			zap.String("room_id", r.roomID), zap.Int("chunks_dropped", dropped))
	}
}

func (r *Router) drainAgentAudio(ctx context.Context) {
	for {
		r.agentAudioMu.Lock()
		for len(r.agentAudioQ) == 0 && !r.agentClosed {
			r.agentAudioCond.Wait()
		}
		if r.agentClosed && len(r.agentAudioQ) == 0 {
			r.agentAudioMu.Unlock()
			return
		}
		chunk := r.agentAudioQ[0]
		r.agentAudioQ = r.agentAudioQ[1:]
		r.agentAudioMu.Unlock()

		r.mediaSink.PlayAgentAudio(chunk)
	}
}

// Stop drains for up to 1s, then forces closed regardless of remaining
// queued work, matching the orchestrator shutdown contract (§5).
func (r *Router) Stop() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	r.agentAudioMu.Lock()
	r.agentClosed = true
	r.agentAudioCond.Broadcast()
	r.agentAudioMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		logging.Warn(context.Background(), "router drain deadline exceeded, forcing close", zap.String("room_id", r.roomID))
		// Discard what is still queued so both drain loops exit after the
		// item they are currently handling.
		r.mu.Lock()
		r.queues = nil
		r.mu.Unlock()
		r.agentAudioMu.Lock()
		r.agentAudioQ = nil
		r.agentAudioMu.Unlock()
	}
}
