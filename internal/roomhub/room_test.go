package roomhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records every delivered message for assertions and never touches
// the network, mirroring the teacher's MockWSConnection approach of faking
// the narrowest interface a type under test actually depends on.
type fakeSink struct {
	mu       sync.Mutex
	messages []OutboundMessage
	closed   bool
}

func (f *fakeSink) Deliver(msg OutboundMessage, critical bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Type
	}
	return out
}

type fakeOrchestrator struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	whispers     []string
	pauses       []bool
}

func (f *fakeOrchestrator) HandleCoachWhisper(ctx context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whispers = append(f.whispers, text)
}

func (f *fakeOrchestrator) HandlePauseAI(ctx context.Context, paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, paused)
}

func (f *fakeOrchestrator) RegisterParticipant(identity, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, identity)
}

func (f *fakeOrchestrator) UnregisterParticipant(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, identity)
}

func TestShouldInitiateOffer(t *testing.T) {
	cases := []struct {
		name              string
		peer, joiner      Role
		peerID, joinerID  ParticipantID
		wantPeerInitiates bool
	}{
		{"ai peer never initiates", RoleAI, RoleClient, "ai-1", "client-a", false},
		{"ai joiner means peer always initiates", RoleClient, RoleAI, "client-a", "ai-1", true},
		{"coach initiates toward client", RoleCoach, RoleClient, "coach-a", "client-b", true},
		{"client never initiates toward coach", RoleClient, RoleCoach, "client-a", "coach-b", false},
		{"two clients break tie lexicographically (peer smaller wins)", RoleClient, RoleClient, "client-a", "client-b", true},
		{"two clients break tie lexicographically (peer larger loses)", RoleClient, RoleClient, "client-b", "client-a", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := shouldInitiateOffer(c.peerID, c.peer, c.joinerID, c.joiner)
			assert.Equal(t, c.wantPeerInitiates, got)
		})
	}
}

func TestRoomJoin_DuplicateIdentityRejected(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	sink1 := &fakeSink{}
	sink2 := &fakeSink{}

	require.NoError(t, room.Join(context.Background(), "client-a", "Alice", RoleClient, sink1))
	err := room.Join(context.Background(), "client-a", "Alice", RoleClient, sink2)
	assert.ErrorIs(t, err, ErrAlreadyPresent)
}

func TestRoomJoin_SecondAIRejected(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	require.NoError(t, room.Join(context.Background(), "ai-1", "Agent", RoleAI, &fakeSink{}))
	err := room.Join(context.Background(), "ai-2", "Agent", RoleAI, &fakeSink{})
	assert.ErrorIs(t, err, ErrAlreadyPresent)
}

func TestRoomJoin_NotifiesOrchestratorRosterOnlyForHumans(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	orch := &fakeOrchestrator{}
	room.SetOrchestrator(orch)

	require.NoError(t, room.Join(context.Background(), "client-a", "Alice", RoleClient, &fakeSink{}))
	require.NoError(t, room.Join(context.Background(), "ai-1", "Agent", RoleAI, &fakeSink{}))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.Equal(t, []string{"client-a"}, orch.registered)
}

func TestRoomSetOrchestrator_RegistersHumansAlreadyPresent(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)

	// Real ordering: humans join first, which is what triggers the
	// orchestrator to spawn; SetOrchestrator only runs afterward.
	require.NoError(t, room.Join(context.Background(), "client-a", "Alice", RoleClient, &fakeSink{}))
	require.NoError(t, room.Join(context.Background(), "coach-a", "Coach", RoleCoach, &fakeSink{}))
	require.NoError(t, room.Join(context.Background(), "ai-1", "Agent", RoleAI, &fakeSink{}))

	orch := &fakeOrchestrator{}
	room.SetOrchestrator(orch)

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.ElementsMatch(t, []string{"client-a", "coach-a"}, orch.registered)
}

func TestRoomLeave_UnregistersHumanFromOrchestrator(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	orch := &fakeOrchestrator{}
	room.SetOrchestrator(orch)

	require.NoError(t, room.Join(context.Background(), "client-a", "Alice", RoleClient, &fakeSink{}))
	room.Leave(context.Background(), "client-a")

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.Equal(t, []string{"client-a"}, orch.unregistered)
}

func TestRoomJoin_ExistingPeersReceiveUserJoined(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	coachSink := &fakeSink{}
	require.NoError(t, room.Join(context.Background(), "coach-a", "Coach", RoleCoach, coachSink))
	require.NoError(t, room.Join(context.Background(), "client-b", "Client", RoleClient, &fakeSink{}))

	assert.Contains(t, coachSink.types(), TypeUserJoined)
}

func TestRoute_CoachWhisperRejectedFromNonCoach(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	orch := &fakeOrchestrator{}
	room.SetOrchestrator(orch)
	require.NoError(t, room.Join(context.Background(), "client-a", "Alice", RoleClient, &fakeSink{}))

	room.route(context.Background(), "client-a", InboundMessage{
		Type: TypeCoachWhisper,
		Raw:  []byte(`{"text":"try again"}`),
	})

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.Empty(t, orch.whispers)
}

func TestRoute_CoachWhisperDispatchedFromCoach(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	orch := &fakeOrchestrator{}
	room.SetOrchestrator(orch)
	require.NoError(t, room.Join(context.Background(), "coach-a", "Coach", RoleCoach, &fakeSink{}))

	room.route(context.Background(), "coach-a", InboundMessage{
		Type: TypeCoachWhisper,
		Raw:  []byte(`{"text":"slow down"}`),
	})

	orch.mu.Lock()
	defer orch.mu.Unlock()
	require.Len(t, orch.whispers, 1)
	assert.Equal(t, "slow down", orch.whispers[0])
}

func TestRoute_PauseAIRequiresCoach(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	orch := &fakeOrchestrator{}
	room.SetOrchestrator(orch)
	require.NoError(t, room.Join(context.Background(), "coach-a", "Coach", RoleCoach, &fakeSink{}))

	room.route(context.Background(), "coach-a", InboundMessage{
		Type: TypePauseAI,
		Raw:  []byte(`{"paused":true}`),
	})

	orch.mu.Lock()
	defer orch.mu.Unlock()
	require.Len(t, orch.pauses, 1)
	assert.True(t, orch.pauses[0])
}

func TestForwardTargeted_SilentlyDropsUnknownTarget(t *testing.T) {
	room := NewRoom(RoomID("room-1"), nil, nil, nil, 0)
	require.NoError(t, room.Join(context.Background(), "client-a", "Alice", RoleClient, &fakeSink{}))

	// Should not panic even though "client-ghost" doesn't exist.
	room.route(context.Background(), "client-a", InboundMessage{
		Type: TypeOffer,
		ToID: "client-ghost",
		Raw:  []byte(`{}`),
	})
}

func TestLeave_NotifiesObserverWithOnEmptyCallback(t *testing.T) {
	emptied := make(chan RoomID, 1)
	room := NewRoom(RoomID("room-1"), func(id RoomID) { emptied <- id }, nil, nil, 0)
	require.NoError(t, room.Join(context.Background(), "client-a", "Alice", RoleClient, &fakeSink{}))

	room.Leave(context.Background(), "client-a")

	select {
	case id := <-emptied:
		assert.Equal(t, RoomID("room-1"), id)
	case <-time.After(time.Second):
		t.Fatal("onEmpty callback was not invoked")
	}
}
