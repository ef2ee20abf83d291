package audio

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

// MuteGate tracks which participants are currently silenced for the
// voice-agent path and drives keep-alive emission during silence (§4.4).
// Mutation happens only via validated coach commands; reads take a
// snapshot under a read lock so the router never blocks on the gate.
type MuteGate struct {
	mu    sync.RWMutex
	muted set.Set[string]

	roomID            string
	keepAliveInterval time.Duration
	lastVoiceFrameAt  time.Time
	onKeepAlive       func()
}

// NewMuteGate constructs a gate for one orchestrator session. onKeepAlive is
// invoked (from OnTick) to emit the upstream KeepAlive control message.
func NewMuteGate(roomID string, keepAliveInterval time.Duration, onKeepAlive func()) *MuteGate {
	return &MuteGate{
		muted:             set.New[string](),
		roomID:            roomID,
		keepAliveInterval: keepAliveInterval,
		lastVoiceFrameAt:  time.Now(),
		onKeepAlive:       onKeepAlive,
	}
}

// Mute silences identity for the voice-agent path. The AI participant is
// never muted — it does not consume its own output, so the request is
// rejected per the MuteState invariant (§3).
func (g *MuteGate) Mute(ctx context.Context, identity string) {
	if strings.HasPrefix(identity, "ai-") {
		logging.Warn(ctx, "refused to mute AI participant", zap.String("room_id", g.roomID))
		return
	}
	g.mu.Lock()
	g.muted.Insert(identity)
	g.mu.Unlock()
}

// Unmute lifts silencing for identity.
func (g *MuteGate) Unmute(identity string) {
	g.mu.Lock()
	g.muted.Delete(identity)
	g.mu.Unlock()
}

// MuteAllHumans applies pause_ai's room-wide scope (§6.1): every non-AI
// identity currently known to the caller is muted. The caller (orchestrator)
// supplies the current human roster since the gate itself tracks no
// participant roster, only mute membership.
func (g *MuteGate) MuteAllHumans(ctx context.Context, humanIdentities []string) {
	g.mu.Lock()
	for _, id := range humanIdentities {
		g.muted.Insert(id)
	}
	g.mu.Unlock()
}

// UnmuteAllHumans lifts pause_ai for every identity supplied.
func (g *MuteGate) UnmuteAllHumans(humanIdentities []string) {
	g.mu.Lock()
	for _, id := range humanIdentities {
		g.muted.Delete(id)
	}
	g.mu.Unlock()
}

// IsMuted reports whether identity is currently silenced.
func (g *MuteGate) IsMuted(identity string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.muted.Has(identity)
}

// NoteVoiceFrameSent resets the keep-alive clock whenever the router
// successfully dispatches a frame to the voice-agent sink.
func (g *MuteGate) NoteVoiceFrameSent(now time.Time) {
	g.mu.Lock()
	g.lastVoiceFrameAt = now
	g.mu.Unlock()
}

// OnTick checks whether keepAliveInterval has elapsed since the last voice
// frame and, if so, fires onKeepAlive and resets the clock so the ticker
// loop doesn't fire repeatedly within one interval.
func (g *MuteGate) OnTick(now time.Time) {
	g.mu.Lock()
	idle := now.Sub(g.lastVoiceFrameAt)
	due := idle >= g.keepAliveInterval
	if due {
		g.lastVoiceFrameAt = now
	}
	g.mu.Unlock()

	if due && g.onKeepAlive != nil {
		g.onKeepAlive()
		metrics.KeepAlivesSent.WithLabelValues(g.roomID).Inc()
	}
}
