package voiceagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeHandler struct {
	welcomeSessionID  string
	settingsApplied   bool
	userStarted       bool
	userStopped       bool
	agentStarted      bool
	agentAudioDone    bool
	conversationRole  string
	conversationText  string
	promptUpdated     bool
	functionCallID    string
	functionCallName  string
	functionCallInput json.RawMessage
	audioChunks       [][]byte
	errorDescriptions []string
	permanentFailure  error
}

func (f *fakeHandler) OnWelcome(sessionID string) { f.welcomeSessionID = sessionID }
func (f *fakeHandler) OnSettingsApplied()         { f.settingsApplied = true }
func (f *fakeHandler) OnUserStartedSpeaking()     { f.userStarted = true }
func (f *fakeHandler) OnUserStoppedSpeaking()     { f.userStopped = true }
func (f *fakeHandler) OnAgentStartedSpeaking()    { f.agentStarted = true }
func (f *fakeHandler) OnAgentAudioDone()          { f.agentAudioDone = true }
func (f *fakeHandler) OnConversationText(role, content string) {
	f.conversationRole = role
	f.conversationText = content
}
func (f *fakeHandler) OnPromptUpdated() { f.promptUpdated = true }
func (f *fakeHandler) OnFunctionCallRequest(callID, name string, input json.RawMessage) {
	f.functionCallID = callID
	f.functionCallName = name
	f.functionCallInput = input
}
func (f *fakeHandler) OnAudio(chunk []byte) { f.audioChunks = append(f.audioChunks, chunk) }
func (f *fakeHandler) OnError(description string, fatal bool) {
	f.errorDescriptions = append(f.errorDescriptions, description)
}
func (f *fakeHandler) OnPermanentFailure(err error) { f.permanentFailure = err }

func newTestConnection(handler Handler) *Connection {
	return NewConnection("wss://example.invalid", "test-key", Settings{}, handler, "room-1")
}

func TestDispatch_WelcomeCarriesSessionID(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)
	c.dispatch(context.Background(), []byte(`{"type":"Welcome","session_id":"sess-123"}`))
	assert.Equal(t, "sess-123", h.welcomeSessionID)
}

func TestDispatch_SettingsAppliedAndSpeakingEvents(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)

	c.dispatch(context.Background(), []byte(`{"type":"SettingsApplied"}`))
	assert.True(t, h.settingsApplied)

	c.dispatch(context.Background(), []byte(`{"type":"UserStartedSpeaking"}`))
	assert.True(t, h.userStarted)

	c.dispatch(context.Background(), []byte(`{"type":"AgentStartedSpeaking"}`))
	assert.True(t, h.agentStarted)

	c.dispatch(context.Background(), []byte(`{"type":"AgentAudioDone"}`))
	assert.True(t, h.agentAudioDone)
}

func TestDispatch_ConversationTextCarriesRoleAndContent(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)
	c.dispatch(context.Background(), []byte(`{"type":"ConversationText","role":"assistant","content":"hello there"}`))
	assert.Equal(t, "assistant", h.conversationRole)
	assert.Equal(t, "hello there", h.conversationText)
}

func TestDispatch_FunctionCallRequestCarriesFields(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)
	c.dispatch(context.Background(), []byte(`{"type":"FunctionCallRequest","function_call_id":"call-1","function_name":"book","input":{"slot":"9am"}}`))
	assert.Equal(t, "call-1", h.functionCallID)
	assert.Equal(t, "book", h.functionCallName)
	assert.JSONEq(t, `{"slot":"9am"}`, string(h.functionCallInput))
}

func TestDispatch_HistoryEventIgnored(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)
	c.dispatch(context.Background(), []byte(`{"type":"History","content":"stale transcript"}`))
	assert.Empty(t, h.conversationText, "History must not synthesize a conversation-text entry")
}

func TestDispatch_UnparsableNonJSONIgnored(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)
	// Should not panic on a non-JSON control frame.
	c.dispatch(context.Background(), []byte("ping"))
	assert.Empty(t, h.welcomeSessionID)
}

func TestSendAudio_RejectsWhenQueueFull(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)
	c.outbound = make(chan outboundFrame, 1)

	assert.True(t, c.SendAudio([]byte("frame-1")))
	assert.False(t, c.SendAudio([]byte("frame-2")), "a full outbound queue must reject rather than block")
}

func TestBufferedBytes_TracksEnqueuedAudio(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)

	assert.Equal(t, 0, c.BufferedBytes())
	c.SendAudio([]byte("12345"))
	assert.Equal(t, 5, c.BufferedBytes())
}

func TestSendControl_ErrorsWhenClosed(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)
	c.closed = true

	err := c.SendControl(KeepAlive())
	require.Error(t, err)
}

func TestClose_IsIdempotent(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConnection(h)

	c.Close()
	assert.True(t, c.closed)
	// second call must not panic even with no live connection.
	c.Close()
}

var upgrader = websocket.Upgrader{}

// newEchoServer upgrades every connection and hands the server-side socket
// to onConn for the test to drive directly.
func newEchoServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// TestConnection_ReconnectRetiresPriorWriteLoop forces an abnormal close on
// the first dial and confirms the reconnect that follows leaves exactly one
// writeLoop/readLoop pair alive, not two draining the same outbound channel.
func TestConnection_ReconnectRetiresPriorWriteLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	dials := 0
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		if n == 1 {
			// Kill the TCP connection outright (no close frame) so the
			// client sees an abnormal closure and reconnects.
			conn.Close()
			return
		}
		// Second dial: consume the Settings frame Connect sends, then hold
		// the connection open until the test closes it.
		_, _, _ = conn.ReadMessage()
		_, _, _ = conn.ReadMessage()
	})

	h := &fakeHandler{}
	c := NewConnection(wsURL(srv), "test-key", Settings{}, h, "room-1")
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 3*time.Second, 10*time.Millisecond, "client must reconnect after the abnormal close")

	// Give the retired generation's writeLoop a moment to observe the
	// cancellation before we tear down the live one.
	time.Sleep(50 * time.Millisecond)
	c.Close()
}
