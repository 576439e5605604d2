package scheduling

import (
	"context"
	"errors"
	"log/slog"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
)

// claim takes the slot key through write, which is either a bare
// create-if-absent of entry or one that also writes the owning record.
// held reports that entry.OwnerID already owned the key, which happens when a
// request is retried after a partial failure.
func (s *Service) claim(ctx context.Context, entry domain.Reservation, write func(context.Context) error) (held bool, err error) {
	kind := string(entry.Kind)
	for attempt := 0; attempt < 2; attempt++ {
		err := write(ctx)
		if err == nil {
			s.metrics.claims.Add(ctx, 1, kindAttr(kind))
			return false, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, unavailable("reserve slot", err)
		}

		current, err := s.store.GetReservation(ctx, entry.Key)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return false, unavailable("read reservation", err)
		}
		if current.OwnerID == entry.OwnerID {
			return true, nil
		}

		released, err := s.releaseIfStale(ctx, current)
		if err != nil {
			return false, err
		}
		if !released {
			break
		}
	}
	s.metrics.conflicts.Add(ctx, 1, kindAttr(kind))
	return false, ErrSlotOccupied
}

// releaseIfStale deletes entry when it is older than the grace period and its
// owner is missing, cancelled, or booked elsewhere. The delete is conditional
// on the owner, so an entry re-taken in the meantime is never touched.
func (s *Service) releaseIfStale(ctx context.Context, entry domain.Reservation) (bool, error) {
	if s.now().Sub(entry.CreatedAt) < s.staleAfter {
		return false, nil
	}
	live, err := s.ownerLive(ctx, entry)
	if err != nil {
		return false, err
	}
	if live {
		return false, nil
	}

	err = s.store.DeleteReservation(ctx, entry.Key, entry.OwnerID)
	if err != nil && !isNotFound(err) {
		return false, unavailable("release stale reservation", err)
	}
	if err == nil {
		s.metrics.reaped.Add(ctx, 1, kindAttr(string(entry.Kind)))
		s.logger.Info("released stale reservation",
			slog.String("slot_key", entry.Key),
			slog.String("owner_id", entry.OwnerID.String()),
			slog.String("kind", string(entry.Kind)),
		)
	}
	return true, nil
}

func (s *Service) ownerLive(ctx context.Context, entry domain.Reservation) (bool, error) {
	if entry.Kind == domain.ReservationKindBlock {
		b, err := s.store.GetBlock(ctx, entry.OwnerID)
		if isNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, unavailable("read block", err)
		}
		return b.SlotKey() == entry.Key, nil
	}

	a, err := s.store.GetAppointment(ctx, entry.OwnerID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("read appointment", err)
	}
	return a.Active() && a.SlotKey() == entry.Key, nil
}

// compensate releases entry after its record write failed, but only once the
// record is confirmed absent. An unknown outcome leaves the entry for the
// stale-reservation sweep.
func (s *Service) compensate(ctx context.Context, entry domain.Reservation) {
	ctx, cancel := detached(ctx)
	defer cancel()

	log := s.logger.With(
		slog.String("slot_key", entry.Key),
		slog.String("owner_id", entry.OwnerID.String()),
	)

	live, err := s.ownerLive(ctx, entry)
	if err != nil {
		log.Warn("compensation skipped, owner state unknown", slog.Any("err", err))
		return
	}
	if live {
		return
	}
	if err := s.store.DeleteReservation(ctx, entry.Key, entry.OwnerID); err != nil && !isNotFound(err) {
		log.Warn("compensation failed", slog.Any("err", err))
		return
	}
	s.metrics.compensations.Add(ctx, 1, kindAttr(string(entry.Kind)))
}

// release drops an entry this request created for a record that turned out
// not to need it.
func (s *Service) release(ctx context.Context, entry domain.Reservation) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if err := s.store.DeleteReservation(ctx, entry.Key, entry.OwnerID); err != nil && !isNotFound(err) {
		s.logger.Warn("release failed",
			slog.String("slot_key", entry.Key),
			slog.Any("err", err),
		)
	}
}

// stillHeld checks that entry was not reaped while the record write was in
// flight. A missing entry is re-created; one held by another owner is lost.
func (s *Service) stillHeld(ctx context.Context, entry domain.Reservation) (bool, error) {
	current, err := s.store.GetReservation(ctx, entry.Key)
	if err == nil {
		return current.OwnerID == entry.OwnerID, nil
	}
	if !isNotFound(err) {
		return false, unavailable("verify reservation", err)
	}

	restored := entry
	restored.CreatedAt = s.now().UTC()
	err = s.store.CreateReservation(ctx, restored)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return false, unavailable("restore reservation", err)
	}
	current, err = s.store.GetReservation(ctx, entry.Key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, unavailable("verify reservation", err)
	}
	return current.OwnerID == entry.OwnerID, nil
}
