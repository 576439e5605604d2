package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
)

type ReconcileReport struct {
	StaleReleased int
	Restored      int
	// Unrepairable holds live records whose slot key is held by another owner.
	Unrepairable []uuid.UUID
}

// Reconcile repairs the reservation entries of one provider day: stale
// ownerless entries are deleted and live records missing their entry get it
// back when the key is free.
func (s *Service) Reconcile(ctx context.Context, providerID string, date domain.Date) (report ReconcileReport, err error) {
	ctx, span := s.startSpan(ctx, "Reconcile")
	defer func() { endSpan(span, err) }()

	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return ReconcileReport{}, validationError("provider_id is required")
	}
	if date.IsZero() {
		return ReconcileReport{}, invalidSlot("date is required")
	}

	entries, err := s.store.ListReservations(ctx, providerID, date)
	if err != nil {
		return ReconcileReport{}, unavailable("list reservations", err)
	}
	for _, e := range entries {
		released, err := s.releaseIfStale(ctx, e)
		if err != nil {
			return report, err
		}
		if released {
			report.StaleReleased++
		}
	}

	appts, err := s.store.FindActiveAppointments(ctx, store.SlotQuery{ProviderID: providerID, Date: date})
	if err != nil {
		return report, unavailable("list appointments", err)
	}
	blocks, err := s.store.ListBlocks(ctx, providerID, date)
	if err != nil {
		return report, unavailable("list blocks", err)
	}

	now := s.now().UTC()
	wanted := make([]domain.Reservation, 0, len(appts)+len(blocks))
	for _, a := range appts {
		wanted = append(wanted, domain.NewAppointmentReservation(a, now))
	}
	for _, b := range blocks {
		wanted = append(wanted, domain.NewBlockReservation(b, now))
	}

	for _, entry := range wanted {
		restored, err := s.restore(ctx, entry)
		if err != nil {
			return report, err
		}
		switch restored {
		case restoreCreated:
			report.Restored++
			s.logger.Info("restored missing reservation",
				slog.String("slot_key", entry.Key),
				slog.String("owner_id", entry.OwnerID.String()),
			)
		case restoreHeldByOther:
			report.Unrepairable = append(report.Unrepairable, entry.OwnerID)
			s.logger.Warn("slot held by another owner",
				slog.String("slot_key", entry.Key),
				slog.String("owner_id", entry.OwnerID.String()),
			)
		}
	}
	return report, nil
}

type restoreResult int

const (
	restorePresent restoreResult = iota
	restoreCreated
	restoreHeldByOther
)

func (s *Service) restore(ctx context.Context, entry domain.Reservation) (restoreResult, error) {
	err := s.store.CreateReservation(ctx, entry)
	if err == nil {
		return restoreCreated, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return restorePresent, unavailable("restore reservation", err)
	}
	current, err := s.store.GetReservation(ctx, entry.Key)
	if isNotFound(err) {
		return s.restore(ctx, entry)
	}
	if err != nil {
		return restorePresent, unavailable("read reservation", err)
	}
	if current.OwnerID != entry.OwnerID {
		return restoreHeldByOther, nil
	}
	return restorePresent, nil
}
