package audio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	frames   [][]byte
	buffered int
	accept   bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{accept: true}
}

func (s *recordingSink) SendAudio(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return true
}

func (s *recordingSink) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type recordingMediaSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (m *recordingMediaSink) PlayAgentAudio(chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunk)
}

func (m *recordingMediaSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestRouter_TranscriptionAlwaysReceivesFrameRegardlessOfMute(t *testing.T) {
	voiceAgent := newRecordingSink()
	transcription := newRecordingSink()
	mute := NewMuteGate("room-1", time.Hour, func() {})
	mute.Mute(context.Background(), "client-a")

	router := NewRouter("room-1", voiceAgent, transcription, mute, &recordingMediaSink{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)
	defer router.Stop()

	router.Push(Frame{ParticipantID: "client-a", Payload: []byte("hello")})

	waitFor(t, time.Second, func() bool { return transcription.count() == 1 })
	assert.Equal(t, 0, voiceAgent.count(), "muted participant's audio must not reach the voice agent")
}

func TestRouter_UnmutedParticipantReachesBothUpstreams(t *testing.T) {
	voiceAgent := newRecordingSink()
	transcription := newRecordingSink()
	mute := NewMuteGate("room-1", time.Hour, func() {})

	router := NewRouter("room-1", voiceAgent, transcription, mute, &recordingMediaSink{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)
	defer router.Stop()

	router.Push(Frame{ParticipantID: "client-a", Payload: []byte("hello")})

	waitFor(t, time.Second, func() bool { return transcription.count() == 1 && voiceAgent.count() == 1 })
}

func TestRouter_PreservesPerParticipantOrder(t *testing.T) {
	voiceAgent := newRecordingSink()
	transcription := newRecordingSink()
	mute := NewMuteGate("room-1", time.Hour, func() {})

	router := NewRouter("room-1", voiceAgent, transcription, mute, &recordingMediaSink{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)
	defer router.Stop()

	router.Push(Frame{ParticipantID: "client-a", Payload: []byte{1}})
	router.Push(Frame{ParticipantID: "client-a", Payload: []byte{2}})
	router.Push(Frame{ParticipantID: "client-a", Payload: []byte{3}})

	waitFor(t, time.Second, func() bool { return transcription.count() == 3 })

	transcription.mu.Lock()
	defer transcription.mu.Unlock()
	require.Len(t, transcription.frames, 3)
	assert.Equal(t, byte(1), transcription.frames[0][0])
	assert.Equal(t, byte(2), transcription.frames[1][0])
	assert.Equal(t, byte(3), transcription.frames[2][0])
}

func TestRouter_AgentAudioClearableOnBargeIn(t *testing.T) {
	voiceAgent := newRecordingSink()
	transcription := newRecordingSink()
	mute := NewMuteGate("room-1", time.Hour, func() {})
	media := &recordingMediaSink{}

	router := NewRouter("room-1", voiceAgent, transcription, mute, media, 0)
	// Enqueue before Start so ClearAgentAudio can empty it before drain begins.
	router.EnqueueAgentAudio([]byte("speak-chunk-1"))
	router.EnqueueAgentAudio([]byte("speak-chunk-2"))
	router.ClearAgentAudio(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)
	defer router.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, media.count(), "cleared queue should not play any chunk")
}

func TestRouter_AgentAudioPlaysInOrderWhenNotCleared(t *testing.T) {
	voiceAgent := newRecordingSink()
	transcription := newRecordingSink()
	mute := NewMuteGate("room-1", time.Hour, func() {})
	media := &recordingMediaSink{}

	router := NewRouter("room-1", voiceAgent, transcription, mute, media, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)
	defer router.Stop()

	router.EnqueueAgentAudio([]byte("chunk-1"))
	router.EnqueueAgentAudio([]byte("chunk-2"))

	waitFor(t, time.Second, func() bool { return media.count() == 2 })
}
