package scheduling

import (
	"context"
	"log/slog"
	"strings"

	"physiolink/backend/internal/domain"
)

// AvailableSlots returns the catalog slots with no live reservation for the
// provider on date, in catalog order. Appointment and block entries count
// alike.
func (s *Service) AvailableSlots(ctx context.Context, providerID string, date domain.Date) (out []string, err error) {
	ctx, span := s.startSpan(ctx, "AvailableSlots")
	defer func() { endSpan(span, err) }()

	occupied, err := s.OccupiedSlots(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	return s.catalog.Without(occupied), nil
}

// OccupiedSlots lists the time slots held by live reservation entries. Stale
// entries whose owner is gone are deleted on the way.
func (s *Service) OccupiedSlots(ctx context.Context, providerID string, date domain.Date) ([]string, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if date.IsZero() {
		return nil, invalidSlot("date is required")
	}

	entries, err := s.store.ListReservations(ctx, providerID, date)
	if err != nil {
		return nil, unavailable("list reservations", err)
	}

	occupied := make([]string, 0, len(entries))
	for _, e := range entries {
		released, err := s.releaseIfStale(ctx, e)
		if err != nil {
			s.logger.Warn("stale check failed, counting slot as occupied",
				slog.String("slot_key", e.Key),
				slog.Any("err", err),
			)
		}
		if !released {
			occupied = append(occupied, e.TimeSlot)
		}
	}
	return occupied, nil
}
