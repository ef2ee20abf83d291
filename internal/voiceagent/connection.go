package voiceagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

const (
	connectTimeout   = 5 * time.Second
	writeWait        = 10 * time.Second
	maxReconnects    = 3
	outboundCapacity = 512
)

// Handler receives the dispatch table from §4.5. Implemented by the
// orchestrator; Connection itself holds no session-level state beyond the
// socket and its outbound queue.
type Handler interface {
	OnWelcome(sessionID string)
	OnSettingsApplied()
	OnUserStartedSpeaking()
	OnUserStoppedSpeaking()
	OnAgentStartedSpeaking()
	OnAgentAudioDone()
	OnConversationText(role, content string)
	OnPromptUpdated()
	OnFunctionCallRequest(callID, name string, input json.RawMessage)
	OnAudio(chunk []byte)
	OnError(description string, fatal bool)
	OnPermanentFailure(err error)
}

type outboundFrame struct {
	binary []byte
	json   any
}

// Connection owns one WebSocket to the conversational voice-agent service
// for the lifetime of an orchestrator session (§4.5).
type Connection struct {
	url      string
	apiKey   string
	settings Settings
	handler  Handler
	roomID   string

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	outbound   chan outboundFrame
	baseCtx    context.Context
	loopCancel context.CancelFunc

	bufferedBytes atomic.Int64
}

// NewConnection constructs a Connection. Connect must be called before use.
func NewConnection(url, apiKey string, settings Settings, handler Handler, roomID string) *Connection {
	return &Connection{
		url:      url,
		apiKey:   apiKey,
		settings: settings,
		handler:  handler,
		roomID:   roomID,
		outbound: make(chan outboundFrame, outboundCapacity),
	}
}

// Connect dials the upstream, sends Settings, and starts the read/write
// loops. It returns once the socket is open and Settings has been sent;
// SettingsApplied arrives asynchronously via the handler.
func (c *Connection) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Token "+c.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		metrics.UpstreamConnectAttempts.WithLabelValues("voice_agent", "failure").Inc()
		return fmt.Errorf("voice agent connect failed: %w", err)
	}
	metrics.UpstreamConnectAttempts.WithLabelValues("voice_agent", "success").Inc()

	c.mu.Lock()
	if c.baseCtx == nil {
		// baseCtx lives for the whole session, independent of any one
		// generation's loop context, so retiring a stale generation below
		// never cancels the loops it is about to start.
		c.baseCtx = ctx
	}
	loopCtx, loopCancel := context.WithCancel(c.baseCtx)
	if c.loopCancel != nil {
		// Retire the previous generation's read/write loops before this one
		// starts, so a reconnect never leaves two writers draining outbound.
		c.loopCancel()
	}
	c.conn = conn
	c.closed = false
	c.loopCancel = loopCancel
	c.mu.Unlock()

	go c.writeLoop(loopCtx)
	go c.readLoop(loopCtx)

	settingsJSON, err := json.Marshal(c.settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return c.writeRaw(websocket.TextMessage, settingsJSON)
}

func (c *Connection) writeRaw(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("voice agent connection not open")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

// SendAudio implements audio.UpstreamSink. It enqueues a binary audio frame
// non-blockingly, reporting false (rejected) if the outbound queue is full.
func (c *Connection) SendAudio(frame []byte) bool {
	select {
	case c.outbound <- outboundFrame{binary: frame}:
		c.bufferedBytes.Add(int64(len(frame)))
		return true
	default:
		return false
	}
}

// BufferedBytes implements audio.UpstreamSink.
func (c *Connection) BufferedBytes() int {
	return int(c.bufferedBytes.Load())
}

// SendControl blocks until the JSON control message is enqueued, or returns
// an error if the socket has been closed.
func (c *Connection) SendControl(msg any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("voice agent connection closed")
	}
	c.outbound <- outboundFrame{json: msg}
	return nil
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			if frame.json != nil {
				data, err := json.Marshal(frame.json)
				if err != nil {
					logging.Error(ctx, "failed to marshal control message", zap.Error(err))
					continue
				}
				if err := c.writeRaw(websocket.TextMessage, data); err != nil {
					return
				}
				continue
			}
			err := c.writeRaw(websocket.BinaryMessage, frame.binary)
			c.bufferedBytes.Add(-int64(len(frame.binary)))
			if err != nil {
				return
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseGoingAway
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			c.handleClose(ctx, code)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handler.OnAudio(data)
		case websocket.TextMessage:
			c.dispatch(ctx, data)
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return
	}

	var evt InboundEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		logging.Warn(ctx, "failed to decode voice agent event", zap.Error(err))
		return
	}

	switch evt.Type {
	case EventWelcome:
		c.handler.OnWelcome(evt.SessionID)
	case EventSettingsApplied:
		c.handler.OnSettingsApplied()
	case EventUserStartedSpeaking:
		c.handler.OnUserStartedSpeaking()
	case EventUserStoppedSpeaking:
		c.handler.OnUserStoppedSpeaking()
	case EventAgentStartedSpeaking:
		c.handler.OnAgentStartedSpeaking()
	case EventAgentAudioDone:
		c.handler.OnAgentAudioDone()
	case EventConversationText:
		c.handler.OnConversationText(evt.Role, evt.Content)
	case EventPromptUpdated:
		c.handler.OnPromptUpdated()
	case EventFunctionCallRequest:
		c.handler.OnFunctionCallRequest(evt.FunctionCallID, evt.FunctionName, evt.Input)
	case EventHistory:
		// ignored: duplicates ConversationText (§9b)
	case EventError:
		c.handler.OnError(evt.Description, evt.Fatal)
	default:
		logging.Debug(ctx, "unrecognized voice agent event", zap.String("type", evt.Type))
	}
}

// handleClose interprets the close code (§6.2) and either reconnects with
// backoff or reports a permanent failure.
func (c *Connection) handleClose(ctx context.Context, code int) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if code == websocket.CloseNormalClosure {
		return
	}

	logging.Warn(ctx, "voice agent connection closed abnormally", zap.Int("close_code", code), zap.String("room_id", c.roomID))

	for attempt := 1; attempt <= maxReconnects; attempt++ {
		backoff := time.Duration(attempt) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		metrics.UpstreamReconnects.WithLabelValues("voice_agent", fmt.Sprintf("%d", code)).Inc()
		if err := c.Connect(ctx); err == nil {
			logging.Info(ctx, "voice agent reconnected", zap.Int("attempt", attempt), zap.String("room_id", c.roomID))
			return
		}
	}

	c.handler.OnPermanentFailure(fmt.Errorf("voice agent reconnection budget exhausted after %d attempts", maxReconnects))
}

// Close sends a normal close frame and tears down the connection. Safe to
// call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	if c.loopCancel != nil {
		c.loopCancel()
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}
