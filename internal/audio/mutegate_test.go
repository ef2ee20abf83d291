package audio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMuteGate_MuteUnmute(t *testing.T) {
	gate := NewMuteGate("room-1", time.Second, func() {})
	assert.False(t, gate.IsMuted("client-a"))

	gate.Mute(context.Background(), "client-a")
	assert.True(t, gate.IsMuted("client-a"))

	gate.Unmute("client-a")
	assert.False(t, gate.IsMuted("client-a"))
}

func TestMuteGate_RefusesToMuteAI(t *testing.T) {
	gate := NewMuteGate("room-1", time.Second, func() {})
	gate.Mute(context.Background(), "ai-1")
	assert.False(t, gate.IsMuted("ai-1"))
}

func TestMuteGate_MuteAllHumansIsRoomWide(t *testing.T) {
	gate := NewMuteGate("room-1", time.Second, func() {})
	roster := []string{"client-a", "coach-b"}

	gate.MuteAllHumans(context.Background(), roster)
	assert.True(t, gate.IsMuted("client-a"))
	assert.True(t, gate.IsMuted("coach-b"))

	gate.UnmuteAllHumans(roster)
	assert.False(t, gate.IsMuted("client-a"))
	assert.False(t, gate.IsMuted("coach-b"))
}

func TestMuteGate_OnTickFiresKeepAliveAfterInterval(t *testing.T) {
	var calls int32
	gate := NewMuteGate("room-1", 10*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	})

	base := time.Now()
	gate.OnTick(base)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "should not fire before the interval elapses")

	gate.OnTick(base.Add(20 * time.Millisecond))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// immediately ticking again should not refire until another interval passes
	gate.OnTick(base.Add(21 * time.Millisecond))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestMuteGate_NoteVoiceFrameSentResetsClock(t *testing.T) {
	var calls int32
	gate := NewMuteGate("room-1", 10*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	})

	base := time.Now()
	gate.NoteVoiceFrameSent(base)
	gate.OnTick(base.Add(5 * time.Millisecond))
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "voice frame should have reset the idle clock")
}
