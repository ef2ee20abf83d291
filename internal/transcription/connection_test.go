package transcription

import (
	"context"
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
	mu               sync.Mutex
	results          []Result
	permanentFailure error
}

func (f *fakeHandler) OnResult(r Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
}

func (f *fakeHandler) OnPermanentFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanentFailure = err
}

func (f *fakeHandler) snapshot() []Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Result, len(f.results))
	copy(out, f.results)
	return out
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

func TestConnection_FinalResultReachesHandler(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		msg := `{"type":"Results","channel":{"alternatives":[{"transcript":"hello coach","confidence":0.9}]},"is_final":true,"speaker_tag":"client-a"}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		time.Sleep(50 * time.Millisecond)
	})

	h := &fakeHandler{}
	c := NewConnection(wsURL(srv), "test-key", h, "room-1")
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := h.snapshot()[0]
	assert.Equal(t, "hello coach", got.Alternative)
	assert.True(t, got.IsFinal)
	assert.Equal(t, "client-a", got.SpeakerTag)
}

func TestConnection_InterimResultIsDropped(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		msg := `{"type":"Results","channel":{"alternatives":[{"transcript":"hel"}]},"is_final":false}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		time.Sleep(50 * time.Millisecond)
	})

	h := &fakeHandler{}
	c := NewConnection(wsURL(srv), "test-key", h, "room-1")
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.snapshot(), "a non-final result must never reach the handler")
}

func TestSendAudio_RejectsWhenQueueFull(t *testing.T) {
	h := &fakeHandler{}
	c := NewConnection("wss://example.invalid", "test-key", h, "room-1")
	c.outbound = make(chan []byte, 1)

	assert.True(t, c.SendAudio([]byte("frame-1")))
	assert.False(t, c.SendAudio([]byte("frame-2")))
}

func TestBufferedBytes_TracksEnqueuedAudio(t *testing.T) {
	h := &fakeHandler{}
	c := NewConnection("wss://example.invalid", "test-key", h, "room-1")

	assert.Equal(t, 0, c.BufferedBytes())
	c.SendAudio([]byte("abcd"))
	assert.Equal(t, 4, c.BufferedBytes())
}

func TestClose_IsIdempotent(t *testing.T) {
	h := &fakeHandler{}
	c := NewConnection("wss://example.invalid", "test-key", h, "room-1")
	c.Close()
	assert.True(t, c.closed)
	c.Close()
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
		// Second dial: hold the connection open until the test closes it.
		_, _, _ = conn.ReadMessage()
	})

	h := &fakeHandler{}
	c := NewConnection(wsURL(srv), "test-key", h, "room-1")
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
