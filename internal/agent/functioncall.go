// Package agent composes the audio router, mute gate, and the two upstream
// speech connections into one per-room orchestrator, and supervises their
// lifecycle against room membership (§4.6–§4.8).
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

const functionCallTimeoutDefault = 10 * time.Second

// FunctionHandler executes a named function call and returns a UTF-8
// string result (or an error, synthesized into an error string by the
// caller). Supplied by the integrator, not by this package (§4.6).
type FunctionHandler func(ctx context.Context, input json.RawMessage) (string, error)

// pendingCall tracks one outstanding FunctionCallRequest.
type pendingCall struct {
	name     string
	issuedAt time.Time
	settled  bool
}

// FunctionCallTable dispatches named function calls with exactly-once
// settlement and a per-call timeout (§4.6).
type FunctionCallTable struct {
	mu       sync.Mutex
	handlers map[string]FunctionHandler
	pending  map[string]*pendingCall
	timeout  time.Duration
	roomID   string

	onSettled func(callID, output string)
}

// NewFunctionCallTable constructs a table bound to the given handlers.
// onSettled is invoked exactly once per call id with the final output,
// whether from the handler or from timeout synthesis.
func NewFunctionCallTable(roomID string, handlers map[string]FunctionHandler, timeout time.Duration, onSettled func(callID, output string)) *FunctionCallTable {
	if timeout <= 0 {
		timeout = functionCallTimeoutDefault
	}
	return &FunctionCallTable{
		handlers:  handlers,
		pending:   make(map[string]*pendingCall),
		timeout:   timeout,
		roomID:    roomID,
		onSettled: onSettled,
	}
}

// Dispatch records callID as pending and runs its handler on a worker
// goroutine, settling exactly once via onSettled — either with the
// handler's result or, on timeout, a synthesized error string.
func (t *FunctionCallTable) Dispatch(ctx context.Context, callID, name string, input json.RawMessage) {
	t.mu.Lock()
	if _, exists := t.pending[callID]; exists {
		t.mu.Unlock()
		logging.Warn(ctx, "duplicate function call id ignored", zap.String("call_id", callID), zap.String("room_id", t.roomID))
		return
	}
	t.pending[callID] = &pendingCall{name: name, issuedAt: time.Now()}
	handler, ok := t.handlers[name]
	t.mu.Unlock()

	if !ok {
		t.settle(ctx, callID, fmt.Sprintf("error: unknown function %q", name), "unknown_function")
		return
	}

	go t.run(ctx, callID, name, input, handler)
}

func (t *FunctionCallTable) run(ctx context.Context, callID, name string, input json.RawMessage, handler FunctionHandler) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan string, 1)
	go func() {
		output, err := handler(callCtx, input)
		if err != nil {
			resultCh <- fmt.Sprintf("error: %s", err.Error())
			return
		}
		resultCh <- output
	}()

	select {
	case output := <-resultCh:
		t.settle(ctx, callID, output, "success")
		metrics.FunctionCallLatency.WithLabelValues(name, "success").Observe(time.Since(start).Seconds())
	case <-callCtx.Done():
		t.settle(ctx, callID, fmt.Sprintf("error: function %q timed out", name), "timeout")
		metrics.FunctionCallLatency.WithLabelValues(name, "timeout").Observe(time.Since(start).Seconds())
	}
}

// settle enforces exactly-once delivery per call id (§4.6, §8 invariant 5).
func (t *FunctionCallTable) settle(ctx context.Context, callID, output, outcome string) {
	t.mu.Lock()
	call, ok := t.pending[callID]
	if !ok || call.settled {
		t.mu.Unlock()
		logging.Error(ctx, "attempted second settlement of function call, dropped", zap.String("call_id", callID), zap.String("room_id", t.roomID))
		return
	}
	call.settled = true
	name := call.name
	t.mu.Unlock()

	metrics.FunctionCallsSettled.WithLabelValues(name, outcome).Inc()
	if t.onSettled != nil {
		t.onSettled(callID, output)
	}
}
