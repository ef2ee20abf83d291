package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	callID string
	output string
}

func collectSettlements() (func(callID, output string), func() []settlement) {
	var mu sync.Mutex
	var got []settlement
	onSettled := func(callID, output string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, settlement{callID, output})
	}
	snapshot := func() []settlement {
		mu.Lock()
		defer mu.Unlock()
		out := make([]settlement, len(got))
		copy(out, got)
		return out
	}
	return onSettled, snapshot
}

func TestFunctionCallTable_SuccessfulDispatchSettlesOnce(t *testing.T) {
	onSettled, snapshot := collectSettlements()
	handlers := map[string]FunctionHandler{
		"book_session": func(ctx context.Context, input json.RawMessage) (string, error) {
			return "booked", nil
		},
	}
	table := NewFunctionCallTable("room-1", handlers, time.Second, onSettled)

	table.Dispatch(context.Background(), "call-1", "book_session", json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)
	got := snapshot()
	assert.Equal(t, "call-1", got[0].callID)
	assert.Equal(t, "booked", got[0].output)
}

func TestFunctionCallTable_DuplicateDispatchIgnored(t *testing.T) {
	onSettled, snapshot := collectSettlements()
	var calls int
	var mu sync.Mutex
	handlers := map[string]FunctionHandler{
		"slow": func(ctx context.Context, input json.RawMessage) (string, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return "done", nil
		},
	}
	table := NewFunctionCallTable("room-1", handlers, time.Second, onSettled)

	table.Dispatch(context.Background(), "call-1", "slow", json.RawMessage(`{}`))
	table.Dispatch(context.Background(), "call-1", "slow", json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "duplicate call id must not invoke the handler twice")
}

func TestFunctionCallTable_UnknownFunctionSettlesImmediatelyWithError(t *testing.T) {
	onSettled, snapshot := collectSettlements()
	table := NewFunctionCallTable("room-1", map[string]FunctionHandler{}, time.Second, onSettled)

	table.Dispatch(context.Background(), "call-1", "does_not_exist", json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)
	got := snapshot()
	assert.Contains(t, got[0].output, "unknown function")
}

func TestFunctionCallTable_TimeoutSettlesWithErrorAfterConfiguredDuration(t *testing.T) {
	onSettled, snapshot := collectSettlements()
	blocked := make(chan struct{})
	handlers := map[string]FunctionHandler{
		"never_returns": func(ctx context.Context, input json.RawMessage) (string, error) {
			<-blocked
			return "too late", nil
		},
	}
	table := NewFunctionCallTable("room-1", handlers, 20*time.Millisecond, onSettled)
	defer close(blocked)

	table.Dispatch(context.Background(), "call-1", "never_returns", json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)
	got := snapshot()
	assert.Contains(t, got[0].output, "timed out")
}

func TestFunctionCallTable_HandlerErrorIsSurfacedAsOutput(t *testing.T) {
	onSettled, snapshot := collectSettlements()
	handlers := map[string]FunctionHandler{
		"failing": func(ctx context.Context, input json.RawMessage) (string, error) {
			return "", assertErr{"boom"}
		},
	}
	table := NewFunctionCallTable("room-1", handlers, time.Second, onSettled)

	table.Dispatch(context.Background(), "call-1", "failing", json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)
	got := snapshot()
	assert.Contains(t, got[0].output, "boom")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
