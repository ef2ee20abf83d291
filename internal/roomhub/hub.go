package roomhub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/authtoken"
	"github.com/ultradaoto/hybrid-coach/internal/bus"
	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
	"github.com/ultradaoto/hybrid-coach/internal/ratelimit"
)

// Hub is the process-wide registry of Rooms. It performs admission (token
// verification, rate limiting, WebSocket upgrade) and hands connections off
// to a Room.
type Hub struct {
	mu    sync.Mutex
	rooms map[RoomID]*Room

	validator      authtoken.Validator
	limiter        *ratelimit.RateLimiter
	bus            *bus.Service
	observer       MembershipObserver
	allowedOrigins []string

	cleanupGrace   time.Duration
	reconnectGrace time.Duration
	cleanupTimers  map[RoomID]*time.Timer
}

// NewHub constructs a Hub. limiter and busService may be nil. reconnectGrace
// of zero lets each Room fall back to its own default.
func NewHub(validator authtoken.Validator, limiter *ratelimit.RateLimiter, busService *bus.Service, observer MembershipObserver, allowedOrigins []string, reconnectGrace time.Duration) *Hub {
	return &Hub{
		rooms:          make(map[RoomID]*Room),
		validator:      validator,
		limiter:        limiter,
		bus:            busService,
		observer:       observer,
		allowedOrigins: allowedOrigins,
		cleanupGrace:   5 * time.Second,
		reconnectGrace: reconnectGrace,
		cleanupTimers:  make(map[RoomID]*time.Timer),
	}
}

// GetOrCreateRoom returns the Room for roomID, creating it if absent. It is
// used by ServeWs on admission; the Agent Supervisor looks rooms up with
// Room instead, which never creates one.
func (h *Hub) GetOrCreateRoom(roomID RoomID) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomID]; ok {
		if timer, pending := h.cleanupTimers[roomID]; pending {
			timer.Stop()
			delete(h.cleanupTimers, roomID)
		}
		return room
	}

	room := NewRoom(roomID, h.scheduleRoomCleanup, h.observer, h.bus, h.reconnectGrace)
	h.rooms[roomID] = room
	metrics.ActiveRooms.Inc()
	return room
}

// Room looks up an existing room without creating one.
func (h *Hub) Room(roomID RoomID) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

func (h *Hub) scheduleRoomCleanup(roomID RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, exists := h.cleanupTimers[roomID]; exists {
		timer.Stop()
	}
	timer := time.AfterFunc(h.cleanupGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if room, ok := h.rooms[roomID]; ok && room.ParticipantCount() == 0 {
			delete(h.rooms, roomID)
			delete(h.cleanupTimers, roomID)
			metrics.ActiveRooms.Dec()
			metrics.RoomParticipants.DeleteLabelValues(string(roomID), "client")
			metrics.RoomParticipants.DeleteLabelValues(string(roomID), "coach")
			metrics.RoomParticipants.DeleteLabelValues(string(roomID), "ai")
		} else {
			delete(h.cleanupTimers, roomID)
		}
	})
	h.cleanupTimers[roomID] = timer
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ServeWs authenticates the admission token, applies connection rate
// limiting, upgrades to a WebSocket, and joins the participant to its room.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // limiter already wrote the response
	}

	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	identity := ParticipantID(claims.Subject)
	if err := ValidateParticipantID(identity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), string(identity)); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
	}

	roomIDParam := c.Param("roomId")
	displayName := c.Query("displayName")
	if displayName == "" {
		displayName = claims.Name
		if displayName == "" {
			displayName = string(identity)
		}
	}

	upgrader.CheckOrigin = h.checkOrigin

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade websocket", zap.Error(err))
		return
	}

	roomID := RoomID(roomIDParam)
	room := h.GetOrCreateRoom(roomID)

	session := NewSession(conn, room, roomID, identity, DisplayName(displayName), RoleOf(identity))

	ctx := logging.WithRoomID(c.Request.Context(), string(roomID))
	ctx = logging.WithParticipantID(ctx, string(identity))

	if err := room.Join(ctx, identity, DisplayName(displayName), RoleOf(identity), session); err != nil {
		logging.Warn(ctx, "join rejected", zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
		return
	}

	metrics.ActiveWebSocketConnections.Inc()
	go session.WritePump()
	go session.ReadPump(ctx)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}

// BroadcastSystem lets the agent orchestrator push transcript/agent_state
// events into a room without importing roomhub's internal routing.
func (h *Hub) BroadcastSystem(roomID RoomID, msg OutboundMessage) {
	if room, ok := h.Room(roomID); ok {
		room.Broadcast(msg)
	}
}
