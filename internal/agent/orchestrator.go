package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ultradaoto/hybrid-coach/internal/audio"
	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
	"github.com/ultradaoto/hybrid-coach/internal/roomhub"
	"github.com/ultradaoto/hybrid-coach/internal/transcription"
	"github.com/ultradaoto/hybrid-coach/internal/voiceagent"
)

// HubBroadcaster is the narrow surface of *roomhub.Hub the orchestrator
// needs to push system-originated messages (transcript, agent_state) back
// into the room, without needing the full Hub/Room API.
type HubBroadcaster interface {
	BroadcastSystem(roomID roomhub.RoomID, msg roomhub.OutboundMessage)
}

// Config is everything the orchestrator needs to stand up one session,
// assembled by the Supervisor from the process-wide broker config plus the
// target room id.
type Config struct {
	RoomID RoomID

	VoiceAgentURL       string
	VoiceAgentAPIKey    string
	TranscriptionURL    string
	TranscriptionAPIKey string

	STTModel       string
	TTSModel       string
	LLMModel       string
	CoachingPrompt string
	Greeting       string

	KeepAliveInterval   time.Duration
	FunctionCallTimeout time.Duration

	OutboundBufferMaxBytes int

	FunctionHandlers map[string]FunctionHandler
}

// RoomID is a local alias so this package doesn't need to import roomhub
// just to spell the room id type in Config; the underlying representation
// is always a plain string at the wire/config boundary.
type RoomID = roomhub.RoomID

// Orchestrator composes the router, mute gate, and two upstream connections
// for one room for the lifetime of an AI-agent session (§4.8).
type Orchestrator struct {
	cfg       Config
	hub       HubBroadcaster
	mediaSink audio.RoomMediaSink

	mu            sync.Mutex
	agentSpeaking bool
	sessionID     string
	basePrompt    string
	humanRoster   map[string]struct{}
	stopped       bool

	router     *audio.Router
	mute       *audio.MuteGate
	va         *voiceagent.Connection
	tx         *transcription.Connection
	calls      *FunctionCallTable
	transcript *Transcript

	cancel context.CancelFunc
	stopWG sync.WaitGroup
}

// NewOrchestrator constructs an Orchestrator; Start must be called to bring
// up the upstream connections.
func NewOrchestrator(cfg Config, hub HubBroadcaster, mediaSink audio.RoomMediaSink) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		hub:         hub,
		mediaSink:   mediaSink,
		basePrompt:  cfg.CoachingPrompt,
		humanRoster: make(map[string]struct{}),
		transcript:  NewTranscript(string(cfg.RoomID)),
	}
}

// Start connects both upstreams in parallel (§4.8: "it initializes by
// connecting both upstreams in parallel; if either connect fails, the
// orchestrator surfaces a failure and does not partially open").
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.va = voiceagent.NewConnection(o.cfg.VoiceAgentURL, o.cfg.VoiceAgentAPIKey,
		voiceagent.SettingsFor(voiceagent.Config{
			STTModel:       o.cfg.STTModel,
			TTSModel:       o.cfg.TTSModel,
			LLMModel:       o.cfg.LLMModel,
			CoachingPrompt: o.cfg.CoachingPrompt,
			Greeting:       o.cfg.Greeting,
		}), o, string(o.cfg.RoomID))

	o.tx = transcription.NewConnection(o.cfg.TranscriptionURL, o.cfg.TranscriptionAPIKey, o, string(o.cfg.RoomID))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.va.Connect(gctx) })
	g.Go(func() error { return o.tx.Connect(gctx) })

	if err := g.Wait(); err != nil {
		o.va.Close()
		o.tx.Close()
		cancel()
		o.broadcastAgentState(roomhub.AgentStateFailed)
		return fmt.Errorf("orchestrator failed to open both upstreams: %w", err)
	}

	o.mute = audio.NewMuteGate(string(o.cfg.RoomID), o.keepAliveInterval(), o.sendKeepAlive)
	o.router = audio.NewRouter(string(o.cfg.RoomID), o.va, o.tx, o.mute, o.mediaSink, o.cfg.OutboundBufferMaxBytes)
	o.calls = NewFunctionCallTable(string(o.cfg.RoomID), o.cfg.FunctionHandlers, o.cfg.FunctionCallTimeout, o.onCallSettled)

	o.router.Start(runCtx)

	o.stopWG.Add(1)
	go o.keepAliveTicker(runCtx)

	return nil
}

func (o *Orchestrator) keepAliveInterval() time.Duration {
	if o.cfg.KeepAliveInterval <= 0 {
		return 4 * time.Second
	}
	return o.cfg.KeepAliveInterval
}

func (o *Orchestrator) keepAliveTicker(ctx context.Context) {
	defer o.stopWG.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.mute.OnTick(now)
		}
	}
}

func (o *Orchestrator) sendKeepAlive() {
	_ = o.va.SendControl(voiceagent.KeepAlive())
}

// Push is the single sink for incoming audio frames the Room Hub writes to
// (§4.8). Only human frames should ever be pushed; the AI's own output
// never re-enters the router (enforced by the caller, not re-checked here).
func (o *Orchestrator) Push(frame audio.Frame) {
	o.router.Push(frame)
}

// RegisterParticipant / UnregisterParticipant satisfy roomhub.OrchestratorHandle.
func (o *Orchestrator) RegisterParticipant(identity, role string) {
	o.mu.Lock()
	o.humanRoster[identity] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) UnregisterParticipant(identity string) {
	o.mu.Lock()
	delete(o.humanRoster, identity)
	o.mu.Unlock()
	if o.mute != nil {
		o.mute.Unmute(identity)
	}
}

func (o *Orchestrator) rosterSnapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.humanRoster))
	for id := range o.humanRoster {
		out = append(out, id)
	}
	return out
}

// HandlePauseAI toggles MuteState for every known human participant,
// per §6.1's literal room-wide scope for pause_ai.
func (o *Orchestrator) HandlePauseAI(ctx context.Context, paused bool) {
	roster := o.rosterSnapshot()
	if paused {
		o.mute.MuteAllHumans(ctx, roster)
	} else {
		o.mute.UnmuteAllHumans(roster)
	}
}

// HandleCoachWhisper merges the whisper text into the base coaching prompt
// and sends exactly one UpdatePrompt upstream; no transcript is broadcast
// for the whisper itself (§6.1, §9c).
func (o *Orchestrator) HandleCoachWhisper(ctx context.Context, text string) {
	o.mu.Lock()
	merged := o.basePrompt + "\n\n" + text
	o.mu.Unlock()

	if err := o.va.SendControl(voiceagent.UpdatePrompt(merged)); err != nil {
		logging.Error(ctx, "failed to send coach whisper upstream", zap.Error(err), zap.String("room_id", string(o.cfg.RoomID)))
	}
}

// --- voiceagent.Handler ---

func (o *Orchestrator) OnWelcome(sessionID string) {
	o.mu.Lock()
	o.sessionID = sessionID
	o.mu.Unlock()
}

func (o *Orchestrator) OnSettingsApplied() {
	o.broadcastAgentState(roomhub.AgentStateReady)
}

func (o *Orchestrator) OnUserStartedSpeaking() {
	o.mu.Lock()
	wasSpeaking := o.agentSpeaking
	o.agentSpeaking = false
	o.mu.Unlock()

	if wasSpeaking {
		o.router.ClearAgentAudio(context.Background())
		o.broadcastAgentState(roomhub.AgentStateReady)
	}
}

func (o *Orchestrator) OnUserStoppedSpeaking() {
	// informational only (§4.5)
}

func (o *Orchestrator) OnAgentStartedSpeaking() {
	o.mu.Lock()
	o.agentSpeaking = true
	o.mu.Unlock()
	o.broadcastAgentState(roomhub.AgentStateSpeaking)
}

func (o *Orchestrator) OnAgentAudioDone() {
	o.mu.Lock()
	o.agentSpeaking = false
	o.mu.Unlock()
	o.broadcastAgentState(roomhub.AgentStateReady)
}

func (o *Orchestrator) OnConversationText(role, content string) {
	entryRole := RoleUser
	if role == "assistant" {
		entryRole = RoleAssistant
	}
	entry := o.transcript.Append(entryRole, content, SourceVoiceAgent, true)
	o.broadcastTranscript(entry)
}

func (o *Orchestrator) OnPromptUpdated() {
	// settles the pending coach-whisper; no further action required beyond
	// the already-sent UpdatePrompt (§4.5)
}

func (o *Orchestrator) OnFunctionCallRequest(callID, name string, input json.RawMessage) {
	o.calls.Dispatch(context.Background(), callID, name, input)
}

func (o *Orchestrator) onCallSettled(callID, output string) {
	if err := o.va.SendControl(voiceagent.FunctionCallResponse(callID, output)); err != nil {
		logging.Error(context.Background(), "failed to send function call response", zap.Error(err), zap.String("call_id", callID))
	}
}

func (o *Orchestrator) OnAudio(chunk []byte) {
	// After barge-in (or AgentAudioDone) agent audio is dropped until the
	// next AgentStartedSpeaking.
	o.mu.Lock()
	speaking := o.agentSpeaking
	o.mu.Unlock()
	if !speaking {
		return
	}
	o.router.EnqueueAgentAudio(chunk)
}

func (o *Orchestrator) OnError(description string, fatal bool) {
	logging.Warn(context.Background(), "voice agent reported error", zap.String("description", description), zap.Bool("fatal", fatal), zap.String("room_id", string(o.cfg.RoomID)))
	if fatal {
		o.broadcastAgentState(roomhub.AgentStateFailed)
	}
}

func (o *Orchestrator) OnPermanentFailure(err error) {
	logging.Error(context.Background(), "voice agent permanently failed", zap.Error(err), zap.String("room_id", string(o.cfg.RoomID)))
	o.broadcastAgentState(roomhub.AgentStateFailed)
}

// --- transcription.Handler ---

func (o *Orchestrator) OnResult(result transcription.Result) {
	if !result.IsFinal {
		return
	}
	entry := o.transcript.Append(RoleUser, result.Alternative, SourceTranscription, true)
	o.broadcastTranscript(entry)
}

func (o *Orchestrator) broadcastTranscript(entry TranscriptEntry) {
	o.hub.BroadcastSystem(o.cfg.RoomID, roomhub.OutboundMessage{
		Type: roomhub.TypeTranscript,
		Body: roomhub.TranscriptBody{
			Role:    entry.Role,
			Content: entry.Text,
			Final:   entry.Final,
			Source:  entry.Source,
			Ts:      entry.Timestamp.UnixMilli(),
		},
	})
}

func (o *Orchestrator) broadcastAgentState(state string) {
	o.hub.BroadcastSystem(o.cfg.RoomID, roomhub.OutboundMessage{
		Type: roomhub.TypeAgentState,
		Body: roomhub.AgentStateBody{State: state},
	})
	stateVal := float64(metrics.OrchestratorStateRunning)
	switch state {
	case roomhub.AgentStateSpawning:
		stateVal = float64(metrics.OrchestratorStateSpawning)
	case roomhub.AgentStateFailed:
		stateVal = float64(metrics.OrchestratorStateFailed)
	case roomhub.AgentStateOffline:
		stateVal = float64(metrics.OrchestratorStateStopped)
	}
	metrics.OrchestratorState.WithLabelValues(string(o.cfg.RoomID)).Set(stateVal)
}

// Shutdown cascades an idempotent close to both upstreams and the router.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	if o.router != nil {
		o.router.Stop()
	}
	if o.va != nil {
		o.va.Close()
	}
	if o.tx != nil {
		o.tx.Close()
	}
	o.stopWG.Wait()
	o.broadcastAgentState(roomhub.AgentStateOffline)
	logging.Info(ctx, "orchestrator shut down", zap.String("room_id", string(o.cfg.RoomID)))
}
