package roomhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/bus"
	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

// ErrAlreadyPresent is returned by Join when the identity (or its role
// prefix, for the AI) is already occupied in the room.
var ErrAlreadyPresent = errors.New("participant already present")

const reconnectGraceDefault = 30 * time.Second

// MembershipObserver is notified whenever a room's human participant count
// changes. The Supervisor implements this to drive orchestrator spawn/teardown.
type MembershipObserver interface {
	OnMembershipChanged(roomID RoomID, humanCount int)
}

// OrchestratorHandle is the narrow surface a Room needs from whatever the
// Supervisor attached for this room — just enough to route inbound
// application-data messages and to know whether one is currently installed.
// The concrete *agent.Orchestrator implements this; Room never imports the
// agent package, breaking the cycle the spec's design notes call out.
type OrchestratorHandle interface {
	HandleCoachWhisper(ctx context.Context, text string)
	HandlePauseAI(ctx context.Context, paused bool)
	RegisterParticipant(identity string, role string)
	UnregisterParticipant(identity string)
}

// Room is the authoritative registry of one room's participants. All
// mutation happens under mu, held only for the critical section — never
// across a Sink.Deliver or I/O call.
type Room struct {
	ID        RoomID
	createdAt time.Time

	mu              sync.Mutex
	participants    map[ParticipantID]*Participant
	seq             uint64
	reconnectTimers map[ParticipantID]*time.Timer
	orchestrator    OrchestratorHandle

	onEmpty  func(RoomID)
	observer MembershipObserver
	bus      *bus.Service

	reconnectGrace time.Duration
}

// NewRoom constructs an empty Room. busService may be nil (single-instance
// mode); observer may be nil if no Supervisor is wired (e.g. in tests).
// reconnectGrace of zero falls back to reconnectGraceDefault.
func NewRoom(id RoomID, onEmpty func(RoomID), observer MembershipObserver, busService *bus.Service, reconnectGrace time.Duration) *Room {
	if reconnectGrace <= 0 {
		reconnectGrace = reconnectGraceDefault
	}
	r := &Room{
		ID:              id,
		createdAt:       time.Now(),
		participants:    make(map[ParticipantID]*Participant),
		reconnectTimers: make(map[ParticipantID]*time.Timer),
		onEmpty:         onEmpty,
		observer:        observer,
		bus:             busService,
		reconnectGrace:  reconnectGrace,
	}
	if busService != nil {
		r.subscribeToBus()
	}
	return r
}

// SetOrchestrator installs (or, with nil, removes) the orchestrator handle
// for application-data dispatch. Called by the Supervisor on spawn/teardown.
// Installing a non-nil handle retroactively registers every human already
// in the room: the orchestrator typically spawns in reaction to the first
// human's join, so without this those humans would be invisible to the
// roster HandlePauseAI mutes.
func (r *Room) SetOrchestrator(o OrchestratorHandle) {
	r.mu.Lock()
	r.orchestrator = o
	var present []*Participant
	if o != nil {
		for _, p := range r.participants {
			if p.Role != RoleAI {
				present = append(present, p)
			}
		}
	}
	r.mu.Unlock()

	for _, p := range present {
		o.RegisterParticipant(string(p.Identity), string(p.Role))
	}
}

func (r *Room) nextSeq() uint64 {
	r.seq++
	return r.seq
}

// humanCountLocked counts non-AI participants. Caller must hold mu.
func (r *Room) humanCountLocked() int {
	n := 0
	for _, p := range r.participants {
		if p.Role != RoleAI && (p.State == StateActive || p.State == StateJoining || p.State == StateReconnecting) {
			n++
		}
	}
	return n
}

// Join admits a participant, rejecting a duplicate exact identity or a
// second ai-* identity. On success it installs the sink, emits
// peer-discovery to the joiner, and user-joined (with the deterministic
// shouldInitiate flag) to every existing participant.
func (r *Room) Join(ctx context.Context, identity ParticipantID, displayName DisplayName, role Role, sink Sink) error {
	if err := ValidateParticipantID(identity); err != nil {
		return err
	}

	r.mu.Lock()

	if existing, ok := r.participants[identity]; ok {
		if existing.State == StateReconnecting || existing.State == StateJoining {
			// Reconnect within grace: swap the sink atomically, reuse identity.
			if timer, ok := r.reconnectTimers[identity]; ok {
				timer.Stop()
				delete(r.reconnectTimers, identity)
			}
			existing.Sink.Close()
			existing.Sink = sink
			existing.State = StateActive
			existing.LastActivity = time.Now()
			r.mu.Unlock()
			logging.Info(ctx, "participant reconnected within grace window",
				zap.String("room_id", string(r.ID)), zap.String("participant_id", string(identity)))
			r.sendPeerDiscovery(identity, sink)
			return nil
		}
		r.mu.Unlock()
		return ErrAlreadyPresent
	}

	if role == RoleAI {
		for _, p := range r.participants {
			if p.Role == RoleAI && p.State != StateGone {
				r.mu.Unlock()
				return ErrAlreadyPresent
			}
		}
	}

	existingPeers := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if p.State == StateActive || p.State == StateJoining {
			existingPeers = append(existingPeers, p)
		}
	}

	participant := &Participant{
		Identity:     identity,
		DisplayName:  displayName,
		Role:         role,
		JoinedAt:     time.Now(),
		LastActivity: time.Now(),
		State:        StateActive,
		Sink:         sink,
	}
	r.participants[identity] = participant

	// user-joined to every existing peer, each with the tie-break flag
	// computed for that specific (joiner, peer) pair.
	for _, peer := range existingPeers {
		shouldInitiate := shouldInitiateOffer(peer.Identity, peer.Role, identity, role)
		peer.Sink.Deliver(OutboundMessage{
			Type: TypeUserJoined,
			Body: UserJoinedBody{
				UserID:         identity,
				UserName:       displayName,
				UserRole:       role,
				ShouldInitiate: shouldInitiate,
			},
		}, false)
	}

	humanCount := r.humanCountLocked()
	orchestrator := r.orchestrator
	r.mu.Unlock()

	r.sendPeerDiscovery(identity, sink)

	metrics.RoomParticipants.WithLabelValues(string(r.ID), string(role)).Inc()
	logging.Info(ctx, "participant joined",
		zap.String("room_id", string(r.ID)), zap.String("participant_id", string(identity)), zap.String("role", string(role)))

	if role != RoleAI && orchestrator != nil {
		orchestrator.RegisterParticipant(string(identity), string(role))
	}
	if r.observer != nil {
		r.observer.OnMembershipChanged(r.ID, humanCount)
	}
	if r.bus != nil {
		_ = r.bus.SetAdd(ctx, r.rosterKey(), string(identity))
	}
	return nil
}

// sendPeerDiscovery enumerates existing participants (excluding the joiner
// itself) to the newly installed sink. AI participants never initiate, so
// their shouldInitiate is omitted from the computation the joiner performs
// locally — the hub reports peers without a flag for the joiner's own view;
// flags are delivered to the *peers*, not to the joiner, per §4.1.
func (r *Room) sendPeerDiscovery(joiner ParticipantID, sink Sink) {
	r.mu.Lock()
	peers := make([]PeerInfo, 0, len(r.participants))
	for id, p := range r.participants {
		if id == joiner {
			continue
		}
		if p.State != StateActive && p.State != StateJoining {
			continue
		}
		peers = append(peers, p.peerInfo())
	}
	r.mu.Unlock()

	sink.Deliver(OutboundMessage{
		Type: TypePeerDiscovery,
		Body: PeerDiscoveryBody{Peers: peers, RoomID: r.ID},
	}, true)
}

// shouldInitiateOffer computes, from peer's perspective, whether peer is the
// offerer toward joiner, per the deterministic tie-break rule (§4.1).
func shouldInitiateOffer(peer ParticipantID, peerRole Role, joiner ParticipantID, joinerRole Role) bool {
	if peerRole == RoleAI {
		return false
	}
	if joinerRole == RoleAI {
		return true
	}
	if peerRole == RoleCoach && joinerRole == RoleClient {
		return true
	}
	if peerRole == RoleClient && joinerRole == RoleCoach {
		return false
	}
	return peer < joiner
}

// Leave removes a participant and, if it was the last human, notifies the
// membership observer so the Supervisor can tear down the orchestrator.
func (r *Room) Leave(ctx context.Context, identity ParticipantID) {
	r.mu.Lock()
	p, ok := r.participants[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.State = StateGone
	p.Sink.Close()
	delete(r.participants, identity)
	humanCount := r.humanCountLocked()
	empty := len(r.participants) == 0
	orchestrator := r.orchestrator
	r.mu.Unlock()

	metrics.RoomParticipants.WithLabelValues(string(r.ID), string(p.Role)).Dec()
	logging.Info(ctx, "participant left", zap.String("room_id", string(r.ID)), zap.String("participant_id", string(identity)))

	r.broadcastExcept(identity, OutboundMessage{Type: TypeUserLeft, Body: UserLeftBody{UserID: identity}}, false)

	if p.Role != RoleAI && orchestrator != nil {
		orchestrator.UnregisterParticipant(string(identity))
	}
	if r.bus != nil {
		_ = r.bus.SetRem(ctx, r.rosterKey(), string(identity))
	}
	if r.observer != nil {
		r.observer.OnMembershipChanged(r.ID, humanCount)
	}
	if empty && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// MarkReconnecting transitions a participant to Reconnecting and schedules a
// final sweep after the grace window if no reconnect arrives.
func (r *Room) MarkReconnecting(ctx context.Context, identity ParticipantID) {
	r.mu.Lock()
	p, ok := r.participants[identity]
	if !ok || p.State == StateGone {
		r.mu.Unlock()
		return
	}
	p.State = StateReconnecting

	if timer, exists := r.reconnectTimers[identity]; exists {
		timer.Stop()
	}
	timer := time.AfterFunc(r.reconnectGrace, func() {
		r.sweepIfStillReconnecting(identity)
	})
	r.reconnectTimers[identity] = timer
	r.mu.Unlock()
}

func (r *Room) sweepIfStillReconnecting(identity ParticipantID) {
	r.mu.Lock()
	p, ok := r.participants[identity]
	if !ok || p.State != StateReconnecting {
		r.mu.Unlock()
		return
	}
	delete(r.reconnectTimers, identity)
	r.mu.Unlock()

	r.Leave(context.Background(), identity)
}

// route dispatches an inbound message from `from`, satisfying roomRouter.
func (r *Room) route(ctx context.Context, from ParticipantID, in InboundMessage) {
	r.mu.Lock()
	sender, ok := r.participants[from]
	if ok {
		sender.LastActivity = time.Now()
	}
	orchestrator := r.orchestrator
	r.mu.Unlock()
	if !ok {
		return
	}

	switch in.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		r.forwardTargeted(from, in)
	case TypeCoachWhisper:
		if sender.Role != RoleCoach {
			logging.Warn(ctx, "coach_whisper from non-coach ignored", zap.String("participant_id", string(from)))
			return
		}
		var payload CoachWhisperPayload
		if err := json.Unmarshal(in.Raw, &payload); err != nil {
			return
		}
		if orchestrator != nil {
			orchestrator.HandleCoachWhisper(ctx, payload.Text)
		}
	case TypePauseAI:
		if sender.Role != RoleCoach {
			logging.Warn(ctx, "pause_ai from non-coach ignored", zap.String("participant_id", string(from)))
			return
		}
		var payload PauseAIPayload
		if err := json.Unmarshal(in.Raw, &payload); err != nil {
			return
		}
		if orchestrator != nil {
			orchestrator.HandlePauseAI(ctx, payload.Paused)
		}
	case TypePing, TypePong:
		// handled in the participant read loop before reaching here
	default:
		if in.ToID != "" {
			r.forwardTargeted(from, in)
		}
		// else: unknown application type with no target, dropped per §6.1
	}
}

func (r *Room) forwardTargeted(from ParticipantID, in InboundMessage) {
	if in.ToID == "" {
		r.broadcastExcept(from, OutboundMessage{Type: in.Type, Body: rawBody(in.Raw)}, false)
		return
	}
	r.mu.Lock()
	target, ok := r.participants[in.ToID]
	r.mu.Unlock()
	if !ok {
		return // silent drop, §4.1 failure semantics
	}
	target.Sink.Deliver(OutboundMessage{Type: in.Type, Body: rawBody(in.Raw)}, false)
}

// rawBody lets a forwarded opaque payload pass through unmodified instead of
// being re-interpreted, while still flowing through the type-stamping
// OutboundMessage envelope.
type rawBody []byte

func (b rawBody) MarshalJSON() ([]byte, error) { return b, nil }

// Broadcast is system-originated fan-out (transcript, agent_state), per §4.1.
func (r *Room) Broadcast(msg OutboundMessage) {
	r.broadcastExcept("", msg, true)
}

func (r *Room) broadcastExcept(exclude ParticipantID, msg OutboundMessage, critical bool) {
	r.mu.Lock()
	targets := make([]Sink, 0, len(r.participants))
	for id, p := range r.participants {
		if id == exclude {
			continue
		}
		if p.State != StateActive && p.State != StateJoining {
			continue
		}
		targets = append(targets, p.Sink)
	}
	r.nextSeq()
	r.mu.Unlock()

	for _, sink := range targets {
		sink.Deliver(msg, critical)
	}
}

func (r *Room) handleDisconnect(identity ParticipantID) {
	r.MarkReconnecting(context.Background(), identity)
}

func (r *Room) rosterKey() string {
	return fmt.Sprintf("room:%s:roster", r.ID)
}

func (r *Room) subscribeToBus() {
	var wg sync.WaitGroup
	r.bus.Subscribe(context.Background(), string(r.ID), &wg, func(env bus.Envelope) {
		r.broadcastExcept(ParticipantID(env.SenderID), OutboundMessage{Type: env.Event, Body: rawBody(env.Payload)}, false)
	})
}

// ParticipantCount returns the current live participant count, for tests
// and metrics.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
