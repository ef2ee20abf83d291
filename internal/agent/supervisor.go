package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/audio"
	"github.com/ultradaoto/hybrid-coach/internal/config"
	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/roomhub"
)

// membershipDebounce absorbs the rapid join/leave churn around a room's
// human-count transitions (e.g. a reconnect cycle) before committing to a
// spawn or teardown decision (§4.8).
const membershipDebounce = 250 * time.Millisecond

// RoomAccessor is the narrow surface of *roomhub.Hub the supervisor needs:
// look up a room to attach/detach an orchestrator, and broadcast the
// spawning state a room's participants never get from the orchestrator
// itself because it doesn't exist yet. The offline state is broadcast by
// Orchestrator.Shutdown.
type RoomAccessor interface {
	Room(roomID roomhub.RoomID) (*roomhub.Room, bool)
	BroadcastSystem(roomID roomhub.RoomID, msg roomhub.OutboundMessage)
}

// MediaSinkFactory builds the room-scoped media sink an orchestrator writes
// agent-synthesized audio through. The real SFU/WebRTC media path is an
// external collaborator (§1); production wiring supplies a factory that
// bridges into it.
type MediaSinkFactory func(roomID roomhub.RoomID) audio.RoomMediaSink

type session struct {
	orchestrator *Orchestrator
	cancel       context.CancelFunc
}

// Supervisor watches room membership and spawns or tears down one
// Orchestrator per room: up when the first human joins, down when the last
// one leaves (§4.8). It implements roomhub.MembershipObserver.
type Supervisor struct {
	hub        RoomAccessor
	cfg        *config.Config
	mediaSinks MediaSinkFactory
	functions  map[string]FunctionHandler

	mu       sync.Mutex
	sessions map[roomhub.RoomID]*session
	timers   map[roomhub.RoomID]*time.Timer
}

// NewSupervisor constructs a Supervisor. functions is the dispatch table
// handed to every orchestrator's FunctionCallTable.
func NewSupervisor(hub RoomAccessor, cfg *config.Config, mediaSinks MediaSinkFactory, functions map[string]FunctionHandler) *Supervisor {
	return &Supervisor{
		hub:        hub,
		cfg:        cfg,
		mediaSinks: mediaSinks,
		functions:  functions,
		sessions:   make(map[roomhub.RoomID]*session),
		timers:     make(map[roomhub.RoomID]*time.Timer),
	}
}

// OnMembershipChanged implements roomhub.MembershipObserver. It debounces
// the decision rather than acting on every individual join/leave.
func (s *Supervisor) OnMembershipChanged(roomID roomhub.RoomID, humanCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[roomID]; ok {
		t.Stop()
	}
	s.timers[roomID] = time.AfterFunc(membershipDebounce, func() {
		s.reconcile(roomID, humanCount)
	})
}

func (s *Supervisor) reconcile(roomID roomhub.RoomID, humanCount int) {
	s.mu.Lock()
	_, running := s.sessions[roomID]
	s.mu.Unlock()

	switch {
	case humanCount > 0 && !running:
		s.spawn(roomID)
	case humanCount == 0 && running:
		s.teardown(roomID)
	}
}

func (s *Supervisor) spawn(roomID roomhub.RoomID) {
	room, ok := s.hub.Room(roomID)
	if !ok {
		return
	}

	s.mu.Lock()
	if _, exists := s.sessions[roomID]; exists {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.hub.BroadcastSystem(roomID, roomhub.OutboundMessage{
		Type: roomhub.TypeAgentState,
		Body: roomhub.AgentStateBody{State: roomhub.AgentStateSpawning},
	})

	ctx, cancel := context.WithCancel(context.Background())
	orch := NewOrchestrator(Config{
		RoomID:              roomID,
		VoiceAgentURL:       s.cfg.VoiceAgentURL,
		VoiceAgentAPIKey:    s.cfg.VoiceAgentAPIKey,
		TranscriptionURL:    s.cfg.TranscriptionURL,
		TranscriptionAPIKey: s.cfg.TranscriptionAPIKey,
		STTModel:            s.cfg.STTModel,
		TTSModel:            s.cfg.TTSModel,
		LLMModel:            s.cfg.LLMModel,
		CoachingPrompt:      s.cfg.CoachingPrompt,
		Greeting:            s.cfg.Greeting,
		KeepAliveInterval:   s.cfg.KeepAliveInterval,
		FunctionCallTimeout: s.cfg.FunctionCallTimeout,

		OutboundBufferMaxBytes: s.cfg.OutboundBufferMaxBytes,

		FunctionHandlers: s.functions,
	}, s.hub, s.mediaSinks(roomID))

	if err := orch.Start(ctx); err != nil {
		cancel()
		logging.Error(ctx, "failed to spawn orchestrator", zap.Error(err), zap.String("room_id", string(roomID)))
		return
	}

	s.mu.Lock()
	s.sessions[roomID] = &session{orchestrator: orch, cancel: cancel}
	s.mu.Unlock()

	room.SetOrchestrator(orch)
	logging.Info(ctx, "orchestrator spawned", zap.String("room_id", string(roomID)))
}

func (s *Supervisor) teardown(roomID roomhub.RoomID) {
	s.mu.Lock()
	sess, ok := s.sessions[roomID]
	if ok {
		delete(s.sessions, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if room, found := s.hub.Room(roomID); found {
		room.SetOrchestrator(nil)
	}

	ctx := context.Background()
	sess.orchestrator.Shutdown(ctx)
	sess.cancel()
	logging.Info(ctx, "orchestrator torn down", zap.String("room_id", string(roomID)))
}

// Shutdown tears down every still-running orchestrator session, for use
// during process shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	roomIDs := make([]roomhub.RoomID, 0, len(s.sessions))
	for id := range s.sessions {
		roomIDs = append(roomIDs, id)
	}
	s.mu.Unlock()

	for _, id := range roomIDs {
		s.teardown(id)
	}
}
