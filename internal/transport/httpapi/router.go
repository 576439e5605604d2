// Package httpapi exposes the scheduling service over HTTP/JSON.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/service/scheduling"
)

type schedulingService interface {
	CreateAppointment(ctx context.Context, in scheduling.CreateAppointmentInput) (domain.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, by domain.CancelledBy) (bool, error)
	UpdateRehabilitationNotes(ctx context.Context, id uuid.UUID, providerID, notes string) (domain.Appointment, error)
	ListAppointments(ctx context.Context, in scheduling.ListInput) (scheduling.Page, error)
	WatchAppointments(ctx context.Context, in scheduling.ListInput) (<-chan scheduling.Page, error)
	BlockTimeSlot(ctx context.Context, in scheduling.BlockInput) (domain.BlockedTimeSlot, error)
	GetBlock(ctx context.Context, id uuid.UUID) (domain.BlockedTimeSlot, error)
	ListBlocks(ctx context.Context, providerID string, date domain.Date) ([]domain.BlockedTimeSlot, error)
	UnblockTimeSlot(ctx context.Context, id uuid.UUID) (bool, error)
	AvailableSlots(ctx context.Context, providerID string, date domain.Date) ([]string, error)
	TimeSlots() []string
}

type Options struct {
	RequestTimeout    time.Duration
	CORSOrigins       []string
	TrustedProxies    []string
	RateLimit         float64
	RateBurst         int
	HeartbeatInterval time.Duration
	TracerProvider    trace.TracerProvider
	// Health reports whether the backing store is reachable. Nil means always
	// healthy.
	Health func(ctx context.Context) error
}

type Handler struct {
	svc       schedulingService
	log       *slog.Logger
	health    func(ctx context.Context) error
	heartbeat time.Duration
}

func NewHandler(svc schedulingService, log *slog.Logger, opts Options) *Handler {
	if log == nil {
		log = slog.Default()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Handler{
		svc:       svc,
		log:       log.With(slog.String("component", "http")),
		health:    opts.Health,
		heartbeat: heartbeat,
	}
}

// NewRouter builds the gin engine with every route and middleware installed.
func NewRouter(svc schedulingService, log *slog.Logger, opts Options) *gin.Engine {
	h := NewHandler(svc, log, opts)

	r := gin.New()
	// With no trusted proxies, forwarding headers are ignored and the client
	// IP is the peer address.
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		h.log.Warn("invalid trusted proxies, trusting none", slog.Any("err", err))
		_ = r.SetTrustedProxies(nil)
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	r.Use(gin.Recovery(), tracing(tp.Tracer("physiolink/http")), requestLogger(h.log))
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))

	r.GET("/healthz", requestTimeout(opts.RequestTimeout), h.Healthz)

	v1 := r.Group("/v1")
	v1.Use(rateLimit(newIPLimiter(rate.Limit(opts.RateLimit), opts.RateBurst), h.log))

	// Streams outlive the request timeout.
	v1.GET("/appointments/stream", h.StreamAppointments)

	api := v1.Group("")
	api.Use(requestTimeout(opts.RequestTimeout))
	{
		api.GET("/time-slots", h.ListTimeSlots)

		api.POST("/appointments", h.CreateAppointment)
		api.GET("/appointments", h.ListAppointments)
		api.GET("/appointments/:id", h.GetAppointment)
		api.POST("/appointments/:id/cancel", h.CancelAppointment)
		api.PUT("/appointments/:id/notes", h.UpdateNotes)

		api.GET("/providers/:id/availability", h.Availability)
		api.POST("/providers/:id/blocks", h.BlockTimeSlot)
		api.GET("/providers/:id/blocks", h.ListBlocks)
		api.GET("/blocks/:id", h.GetBlock)
		api.DELETE("/blocks/:id", h.UnblockTimeSlot)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type", "Idempotency-Key", "X-Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (h *Handler) Healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.log.Warn("health check failed", slog.Any("err", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
