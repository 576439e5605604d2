package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-check name clients use for the scheduling API.
const ServiceName = "physiolink.scheduling.v1"

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter mirrors store reachability into a grpc health server.
type HealthReporter struct {
	server   *health.Server
	store    pinger
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	last healthpb.HealthCheckResponse_ServingStatus
}

func NewHealthReporter(server *health.Server, store pinger, interval time.Duration, log *slog.Logger) *HealthReporter {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout > 3*time.Second {
		timeout = 3 * time.Second
	}
	return &HealthReporter{
		server:   server,
		store:    store,
		interval: interval,
		timeout:  timeout,
		log:      log.With(slog.String("component", "grpc.health")),
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
}

// Check pings the store once and publishes the result.
func (r *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := r.store.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if r.last != status {
			r.log.Warn("store unreachable", slog.Any("err", err))
		}
	} else if r.last == healthpb.HealthCheckResponse_NOT_SERVING {
		r.log.Info("store reachable again")
	}
	r.last = status

	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
	return status
}

// Run checks on every tick until ctx ends, then marks everything NOT_SERVING.
func (r *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}
