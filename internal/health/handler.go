// Package health exposes liveness/readiness probes for the broker process.
package health

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ultradaoto/hybrid-coach/internal/bus"
	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"go.uber.org/zap"
)

// UpstreamChecker probes reachability of an external speech service's host.
type UpstreamChecker interface {
	Check(ctx context.Context, wsURL string) string
}

// DefaultUpstreamChecker dials the WebSocket URL's host:port over plain TCP.
// It does not perform the WebSocket handshake — that is the connection's own
// job at orchestrator-start time; this is only a coarse reachability probe.
type DefaultUpstreamChecker struct {
	Dialer net.Dialer
}

func (c *DefaultUpstreamChecker) Check(ctx context.Context, wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "unhealthy"
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "wss" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := c.Dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		logging.Warn(ctx, "upstream reachability check failed", zap.String("host", host), zap.Error(err))
		return "unhealthy"
	}
	_ = conn.Close()
	return "healthy"
}

// Handler serves /healthz and /readyz.
type Handler struct {
	redis                 *bus.Service
	voiceAgentURL         string
	transcriptionURL      string
	upstreamChecksEnabled bool
	checker               UpstreamChecker
}

// NewHandler constructs a Handler. upstreamChecksEnabled controls whether
// Readiness dials the two upstream hosts (disable in environments where that
// would be noisy, e.g. behind a restrictive egress policy).
func NewHandler(redisService *bus.Service, voiceAgentURL, transcriptionURL string, upstreamChecksEnabled bool) *Handler {
	return &Handler{
		redis:                 redisService,
		voiceAgentURL:         voiceAgentURL,
		transcriptionURL:      transcriptionURL,
		upstreamChecksEnabled: upstreamChecksEnabled,
		checker:               &DefaultUpstreamChecker{},
	}
}

type livenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 if the process is alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only if Redis (when enabled) and both upstream hosts
// (when enabled) are reachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.upstreamChecksEnabled {
		vaStatus := h.checker.Check(ctx, h.voiceAgentURL)
		checks["voice_agent"] = vaStatus
		if vaStatus != "healthy" {
			allHealthy = false
		}

		txStatus := h.checker.Check(ctx, h.transcriptionURL)
		checks["transcription"] = txStatus
		if txStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, readinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redis == nil {
		return "healthy"
	}
	if err := h.redis.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
