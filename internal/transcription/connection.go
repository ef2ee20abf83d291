package transcription

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
	outboundCapacity = 256
)

// Handler receives committable transcription results and terminal failure
// notice. Implemented by the orchestrator.
type Handler interface {
	OnResult(result Result)
	OnPermanentFailure(err error)
}

// Connection owns one WebSocket to the streaming-transcription service for
// the lifetime of an orchestrator session, with the same reconnection
// policy as the voice-agent connection (§4.7).
type Connection struct {
	url     string
	apiKey  string
	handler Handler
	roomID  string

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	outbound   chan []byte
	baseCtx    context.Context
	loopCancel context.CancelFunc

	bufferedBytes atomic.Int64
}

// NewConnection constructs a Connection. Connect must be called before use.
func NewConnection(url, apiKey string, handler Handler, roomID string) *Connection {
	return &Connection{
		url:      url,
		apiKey:   apiKey,
		handler:  handler,
		roomID:   roomID,
		outbound: make(chan []byte, outboundCapacity),
	}
}

// Connect dials the upstream and starts the read/write loops.
func (c *Connection) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Token "+c.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		metrics.UpstreamConnectAttempts.WithLabelValues("transcription", "failure").Inc()
		return fmt.Errorf("transcription connect failed: %w", err)
	}
	metrics.UpstreamConnectAttempts.WithLabelValues("transcription", "success").Inc()

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
	return nil
}

// SendAudio implements audio.UpstreamSink.
func (c *Connection) SendAudio(frame []byte) bool {
	select {
	case c.outbound <- frame:
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

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.BinaryMessage, frame)
			c.bufferedBytes.Add(-int64(len(frame)))
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
		if messageType != websocket.TextMessage {
			continue
		}

		trimmed := strings.TrimSpace(string(data))
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}

		var env rawEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(ctx, "failed to decode transcription result", zap.Error(err))
			continue
		}
		if env.Type != "Results" || len(env.Channel.Alternatives) == 0 {
			continue
		}
		if !env.IsFinal {
			continue
		}

		c.handler.OnResult(Result{
			Alternative: env.Channel.Alternatives[0].Transcript,
			IsFinal:     env.IsFinal,
			SpeakerTag:  env.SpeakerTag,
		})
	}
}

func (c *Connection) handleClose(ctx context.Context, code int) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if code == websocket.CloseNormalClosure {
		return
	}

	logging.Warn(ctx, "transcription connection closed abnormally", zap.Int("close_code", code), zap.String("room_id", c.roomID))

	for attempt := 1; attempt <= maxReconnects; attempt++ {
		backoff := time.Duration(attempt) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		metrics.UpstreamReconnects.WithLabelValues("transcription", fmt.Sprintf("%d", code)).Inc()
		if err := c.Connect(ctx); err == nil {
			logging.Info(ctx, "transcription reconnected", zap.Int("attempt", attempt), zap.String("room_id", c.roomID))
			return
		}
	}

	c.handler.OnPermanentFailure(fmt.Errorf("transcription reconnection budget exhausted after %d attempts", maxReconnects))
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
