package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/agent"
	"github.com/ultradaoto/hybrid-coach/internal/audio"
	"github.com/ultradaoto/hybrid-coach/internal/authtoken"
	"github.com/ultradaoto/hybrid-coach/internal/bus"
	"github.com/ultradaoto/hybrid-coach/internal/config"
	"github.com/ultradaoto/hybrid-coach/internal/health"
	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/middleware"
	"github.com/ultradaoto/hybrid-coach/internal/ratelimit"
	"github.com/ultradaoto/hybrid-coach/internal/roomhub"
	"github.com/ultradaoto/hybrid-coach/internal/tracing"
)

// loggingMediaSink is the default media-sink bridge until a real SFU/media
// integration is wired in; it lets the orchestrator's audio path run
// end-to-end in development without a browser media consumer attached.
type loggingMediaSink struct {
	roomID roomhub.RoomID
}

func newLoggingMediaSink(roomID roomhub.RoomID) audio.RoomMediaSink {
	return loggingMediaSink{roomID: roomID}
}

func (s loggingMediaSink) PlayAgentAudio(chunk []byte) {
	logging.Debug(context.Background(), "agent audio chunk ready for media sink",
		zap.String("room_id", string(s.roomID)), zap.Int("bytes", len(chunk)))
}

func main() {
	if err := godotenv.Load(); err != nil {
		os.Stderr.WriteString("no .env file found, relying on process environment\n")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "hybrid-coach-broker", cfg.OTelCollectorAddr)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	} else {
		logging.Info(ctx, "OTEL_COLLECTOR_ADDR not set, tracing disabled")
	}

	var validator authtoken.Validator
	if cfg.SkipAdmissionTokenCheck {
		logging.Warn(ctx, "admission token verification disabled — do not use in production")
		validator = &authtoken.DevValidator{}
	} else {
		v, err := authtoken.NewJWKSValidator(ctx, cfg.AdmissionJWKSDomain, cfg.AdmissionJWTAudience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize admission token validator", zap.Error(err))
		}
		validator = v
	}

	var redisService *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		defer redisService.Close()
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	functionHandlers := map[string]agent.FunctionHandler{}

	allowedOrigins := splitOrigins(cfg.AllowedOrigins)

	supervisorRef := &supervisorHolder{}
	hub := roomhub.NewHub(validator, limiter, redisService, supervisorRef, allowedOrigins, cfg.ReconnectGrace)

	supervisor := agent.NewSupervisor(hub, cfg, newLoggingMediaSink, functionHandlers)
	supervisorRef.set(supervisor)
	defer supervisor.Shutdown()

	healthHandler := health.NewHandler(redisService, cfg.VoiceAgentURL, cfg.TranscriptionURL, cfg.GoEnv == "production")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTelCollectorAddr != "" {
		router.Use(otelgin.Middleware("hybrid-coach-broker"))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/ws/room/:roomId", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "coaching broker listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "shutdown complete")
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// supervisorHolder breaks the initialization cycle between Hub (which needs
// a MembershipObserver at construction) and Supervisor (which needs the Hub
// it observes); the Supervisor is attached once both exist.
type supervisorHolder struct {
	supervisor roomhub.MembershipObserver
}

func (s *supervisorHolder) set(observer roomhub.MembershipObserver) {
	s.supervisor = observer
}

func (s *supervisorHolder) OnMembershipChanged(roomID roomhub.RoomID, humanCount int) {
	if s.supervisor != nil {
		s.supervisor.OnMembershipChanged(roomID, humanCount)
	}
}
