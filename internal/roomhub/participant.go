package roomhub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

const (
	outboundQueueCapacity = 256
	pingInterval          = 30 * time.Second
	deadAfter             = 60 * time.Second
	writeWait             = 10 * time.Second
)

// roomRouter is the subset of *Room a Session needs, kept narrow so tests
// can substitute a fake without constructing a full Room.
type roomRouter interface {
	route(ctx context.Context, from ParticipantID, in InboundMessage)
	handleDisconnect(identity ParticipantID)
}

type queuedMsg struct {
	msg      OutboundMessage
	critical bool
}

// Session owns one participant's bidirectional connection. It runs a
// readPump and a writePump goroutine, each the sole owner of one direction
// of the socket, matching the single-writer invariant WebSockets require.
type Session struct {
	conn   *websocket.Conn
	room   roomRouter
	roomID RoomID

	Identity    ParticipantID
	DisplayName DisplayName
	Role        Role

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queuedMsg
	closed bool

	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewSession wraps an already-upgraded WebSocket connection.
func NewSession(conn *websocket.Conn, room roomRouter, roomID RoomID, identity ParticipantID, displayName DisplayName, role Role) *Session {
	s := &Session{
		conn:         conn,
		room:         room,
		roomID:       roomID,
		Identity:     identity,
		DisplayName:  displayName,
		Role:         role,
		lastActivity: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Deliver implements Sink. It appends to the bounded queue, dropping the
// oldest non-critical entry when full before inserting the new message.
func (s *Session) Deliver(msg OutboundMessage, critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) >= outboundQueueCapacity {
		dropped := false
		for i, qm := range s.queue {
			if !qm.critical {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			// Queue saturated with critical messages; drop the oldest to
			// bound memory rather than block the sender.
			s.queue = s.queue[1:]
		}
		logging.Warn(context.Background(), "outbound queue overflow, dropped message",
			zap.String("participant_id", string(s.Identity)), zap.String("room_id", string(s.roomID)))
	}

	s.queue = append(s.queue, queuedMsg{msg: msg, critical: critical})
	s.cond.Signal()
}

// Close marks the session closed and wakes the writePump so it can exit.
// Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	_ = s.conn.Close()
}

func (s *Session) touchActivity() {
	s.lastActivityMu.Lock()
	s.lastActivity = time.Now()
	s.lastActivityMu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.lastActivityMu.RLock()
	defer s.lastActivityMu.RUnlock()
	return time.Since(s.lastActivity)
}

// ReadPump decodes inbound JSON text frames and dispatches them to the room.
// It runs until the connection errors or the idle timeout elapses.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.room.handleDisconnect(s.Identity)
		s.Close()
		metrics.DecConnection()
	}()

	go s.idleWatchdog(ctx)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.touchActivity()

		var env struct {
			Type string        `json:"type"`
			ToID ParticipantID `json:"toId,omitempty"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(ctx, "failed to decode inbound message", zap.String("participant_id", string(s.Identity)), zap.Error(err))
			continue
		}

		if env.Type == TypePong {
			continue
		}
		if env.Type == TypePing {
			s.Deliver(OutboundMessage{Type: TypePong, Body: PongBody}, true)
			continue
		}

		s.room.route(ctx, s.Identity, InboundMessage{Type: env.Type, ToID: env.ToID, Raw: data})
	}
}

// idleWatchdog forces the connection closed once no traffic has been seen
// for deadAfter, so a half-open socket doesn't pin a Participant slot open.
func (s *Session) idleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idleFor() >= deadAfter {
				logging.Info(ctx, "participant idle timeout, closing", zap.String("participant_id", string(s.Identity)))
				s.Close()
				return
			}
			s.Deliver(OutboundMessage{Type: TypePing, Body: PingBody}, false)
		}
	}
}

// WritePump drains the outbound queue in FIFO order, the sole writer to the
// socket as the single-writer invariant requires.
func (s *Session) WritePump() {
	defer s.conn.Close()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		data, err := json.Marshal(item.msg)
		if err != nil {
			logging.Error(context.Background(), "failed to marshal outbound message", zap.Error(err))
			continue
		}

		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
