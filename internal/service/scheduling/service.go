// Package scheduling books physiotherapy appointments and provider blocks
// against per-slot reservation entries. The store's create-if-absent on the
// slot key is the only commit point for slot ownership; the service keeps no
// locks of its own.
package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/events"
	"physiolink/backend/internal/store"
)

const (
	DefaultStaleAfter = 2 * time.Minute

	compensationTimeout = 5 * time.Second
	maxIdempotencyKey   = 256
	maxNotesLength      = 10000
)

type Service struct {
	store      store.Store
	catalog    domain.Catalog
	now        func() time.Time
	location   *time.Location
	staleAfter time.Duration
	publisher  events.Publisher
	bus        events.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    metrics
}

type Option func(*Service)

func WithCatalog(c domain.Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the zone in which "today" is evaluated.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.location = loc }
}

// WithStaleAfter sets how old an entry without a live owner must be before
// it may be deleted.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) { s.staleAfter = d }
}

// WithPublisher sends change events after committed writes. A Bus also
// enables WatchAppointments.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
		if b, ok := p.(events.Bus); ok {
			s.bus = b
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(instrumentationName) }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.metrics = newMetrics(mp.Meter(instrumentationName)) }
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:      st,
		catalog:    domain.DefaultCatalog(),
		now:        time.Now,
		location:   time.UTC,
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default(),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    newMetrics(otel.Meter(instrumentationName)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "scheduling"))
	return s
}

func (s *Service) TimeSlots() []string {
	return s.catalog.Slots()
}

func (s *Service) today() domain.Date {
	return domain.DateOf(s.now().In(s.location))
}

func (s *Service) validateSlot(date domain.Date, slot string) error {
	if date.IsZero() {
		return invalidSlot("date is required")
	}
	if !s.catalog.Contains(slot) {
		return invalidSlot("time slot " + slot + " is not offered")
	}
	if date.Before(s.today()) {
		return invalidSlot("date " + date.String() + " is in the past")
	}
	return nil
}

// detached keeps cleanup writes running after the request context ends.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.publisher == nil {
		return
	}
	for _, ch := range events.Channels(e) {
		if err := s.publisher.Publish(ctx, ch, e); err != nil {
			s.logger.Warn("publish failed",
				slog.String("channel", ch),
				slog.String("type", string(e.Type)),
				slog.Any("err", err),
			)
		}
	}
}

func (s *Service) appointmentEvent(t events.Type, a domain.Appointment) events.Event {
	return events.NewEvent(t, a.ID, a.UserID, a.ProviderID, a.Date, a.TimeSlot, s.now().UTC())
}

func (s *Service) blockEvent(t events.Type, b domain.BlockedTimeSlot) events.Event {
	return events.NewEvent(t, b.ID, "", b.ProviderID, b.Date, b.TimeSlot, s.now().UTC())
}

func idempotentID(scope, subject, key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("physiolink:"+scope+":"+subject+":"+key))
}

func newID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
