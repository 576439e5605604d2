package scheduling

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strconv"
	"strings"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/events"
	"physiolink/backend/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListInput selects the appointments of exactly one user or one provider.
type ListInput struct {
	UserID     string
	ProviderID string
	Status     domain.AppointmentStatus
	From       domain.Date
	To         domain.Date
	Limit      int
	PageToken  string
}

type Page struct {
	Appointments  []domain.Appointment
	NextPageToken string
}

func (s *Service) ListAppointments(ctx context.Context, in ListInput) (Page, error) {
	f, err := s.listFilter(in)
	if err != nil {
		return Page{}, err
	}
	return s.listPage(ctx, f)
}

func (s *Service) listFilter(in ListInput) (store.AppointmentFilter, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	if (in.UserID == "") == (in.ProviderID == "") {
		return store.AppointmentFilter{}, validationError("exactly one of user_id or provider_id is required")
	}
	switch in.Status {
	case "", domain.AppointmentStatusActive, domain.AppointmentStatusCancelled:
	default:
		return store.AppointmentFilter{}, validationError("invalid status")
	}
	if !in.From.IsZero() && !in.To.IsZero() && in.To.Before(in.From) {
		return store.AppointmentFilter{}, validationError("to must not be before from")
	}

	limit := in.Limit
	switch {
	case limit < 0:
		return store.AppointmentFilter{}, validationError("limit must not be negative")
	case limit == 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	offset, err := decodePageToken(in.PageToken)
	if err != nil {
		return store.AppointmentFilter{}, err
	}

	return store.AppointmentFilter{
		UserID:     in.UserID,
		ProviderID: in.ProviderID,
		Status:     in.Status,
		From:       in.From,
		To:         in.To,
		Offset:     offset,
		Limit:      limit,
	}, nil
}

func (s *Service) listPage(ctx context.Context, f store.AppointmentFilter) (Page, error) {
	limit := f.Limit
	f.Limit = limit + 1
	rows, err := s.store.ListAppointments(ctx, f)
	if err != nil {
		return Page{}, unavailable("list appointments", err)
	}

	page := Page{Appointments: rows}
	if len(rows) > limit {
		page.Appointments = rows[:limit]
		page.NextPageToken = encodePageToken(f.Offset + limit)
	}
	if page.Appointments == nil {
		page.Appointments = []domain.Appointment{}
	}
	return page, nil
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, validationError("invalid page_token")
	}
	rest, ok := strings.CutPrefix(string(raw), "o:")
	if !ok {
		return 0, validationError("invalid page_token")
	}
	offset, err := strconv.Atoi(rest)
	if err != nil || offset < 0 {
		return 0, validationError("invalid page_token")
	}
	return offset, nil
}

// WatchAppointments emits the first page for in, then a fresh page after
// every change event for the user or provider. The channel closes when ctx
// ends or the event stream does; callers resubscribe by calling again.
func (s *Service) WatchAppointments(ctx context.Context, in ListInput) (<-chan Page, error) {
	if s.bus == nil {
		return nil, ErrStreamUnavailable
	}
	f, err := s.listFilter(in)
	if err != nil {
		return nil, err
	}

	channel := events.ProviderChannel(f.ProviderID)
	if f.UserID != "" {
		channel = events.UserChannel(f.UserID)
	}

	// Subscribe before the first read so no change between the two is lost.
	subCtx, unsubscribe := context.WithCancel(ctx)
	changes, err := s.bus.Subscribe(subCtx, channel)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	first, err := s.listPage(ctx, f)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan Page, 1)
	out <- first
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				drain(changes)
				page, err := s.listPage(ctx, f)
				if err != nil {
					s.logger.Warn("watch refresh failed", slog.String("channel", channel), slog.Any("err", err))
					continue
				}
				select {
				case out <- page:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan events.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
