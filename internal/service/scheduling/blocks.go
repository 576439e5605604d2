package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/events"
	"physiolink/backend/internal/store"
)

type BlockInput struct {
	ProviderID     string
	Date           domain.Date
	TimeSlot       string
	IdempotencyKey string
}

// BlockTimeSlot makes a provider slot unavailable. It fails with
// ErrSlotOccupied while an ACTIVE appointment or another block holds the slot.
func (s *Service) BlockTimeSlot(ctx context.Context, in BlockInput) (out domain.BlockedTimeSlot, err error) {
	ctx, span := s.startSpan(ctx, "BlockTimeSlot",
		attribute.String("provider_id", in.ProviderID),
		attribute.String("date", in.Date.String()),
		attribute.String("time_slot", in.TimeSlot),
	)
	defer func() { endSpan(span, err) }()

	block, err := s.newBlock(in)
	if err != nil {
		return domain.BlockedTimeSlot{}, err
	}

	if in.IdempotencyKey != "" {
		if existing, ok, err := s.replayBlock(ctx, block); err != nil || ok {
			return existing, err
		}
	}

	booked, err := s.store.FindActiveAppointments(ctx, store.SlotQuery{
		ProviderID: block.ProviderID,
		Date:       block.Date,
		TimeSlot:   block.TimeSlot,
	})
	if err != nil {
		return domain.BlockedTimeSlot{}, unavailable("check provider bookings", err)
	}
	if len(booked) > 0 {
		return domain.BlockedTimeSlot{}, ErrSlotOccupied
	}

	entry := domain.NewBlockReservation(block, block.CreatedAt)
	atomic, isAtomic := s.store.(store.AtomicReserver)
	write := func(ctx context.Context) error { return s.store.CreateReservation(ctx, entry) }
	if isAtomic {
		write = func(ctx context.Context) error { return atomic.ReserveBlock(ctx, entry, block) }
	}

	held, err := s.claim(ctx, entry, write)
	if errors.Is(err, ErrSlotOccupied) {
		if existing, ok, rerr := s.replayBlock(ctx, block); rerr != nil || ok {
			return existing, rerr
		}
		return domain.BlockedTimeSlot{}, ErrSlotOccupied
	}
	if err != nil {
		return domain.BlockedTimeSlot{}, err
	}

	if held {
		if existing, ok, err := s.replayBlock(ctx, block); err != nil || ok {
			return existing, err
		}
	}

	if !isAtomic || held {
		if err := s.store.InsertBlock(ctx, block); err != nil {
			if errors.Is(err, store.ErrConflict) {
				if existing, ok, rerr := s.replayBlock(ctx, block); rerr != nil || ok {
					return existing, rerr
				}
			}
			s.compensate(ctx, entry)
			return domain.BlockedTimeSlot{}, unavailable("insert block", err)
		}

		ok, err := s.stillHeld(ctx, entry)
		if err != nil {
			s.logger.Warn("could not verify reservation after insert",
				slog.String("block_id", block.ID.String()),
				slog.Any("err", err),
			)
		} else if !ok {
			return domain.BlockedTimeSlot{}, s.withdrawBlock(ctx, block)
		}
	}

	s.publish(ctx, s.blockEvent(events.SlotBlocked, block))
	return block, nil
}

func (s *Service) newBlock(in BlockInput) (domain.BlockedTimeSlot, error) {
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.TimeSlot = strings.TrimSpace(in.TimeSlot)
	key := strings.TrimSpace(in.IdempotencyKey)

	if in.ProviderID == "" {
		return domain.BlockedTimeSlot{}, validationError("provider_id is required")
	}
	if len(key) > maxIdempotencyKey {
		return domain.BlockedTimeSlot{}, validationError("idempotency_key too long")
	}
	if err := s.validateSlot(in.Date, in.TimeSlot); err != nil {
		return domain.BlockedTimeSlot{}, err
	}

	id := idempotentID("block_time_slot", in.ProviderID, key)
	if key == "" {
		var err error
		if id, err = newID(); err != nil {
			return domain.BlockedTimeSlot{}, err
		}
	}
	return domain.BlockedTimeSlot{
		ID:         id,
		ProviderID: in.ProviderID,
		Date:       in.Date,
		TimeSlot:   in.TimeSlot,
		CreatedAt:  s.now().UTC(),
	}, nil
}

func (s *Service) replayBlock(ctx context.Context, block domain.BlockedTimeSlot) (domain.BlockedTimeSlot, bool, error) {
	existing, err := s.store.GetBlock(ctx, block.ID)
	if isNotFound(err) {
		return domain.BlockedTimeSlot{}, false, nil
	}
	if err != nil {
		return domain.BlockedTimeSlot{}, false, unavailable("read block", err)
	}
	if existing.SlotKey() != block.SlotKey() {
		return domain.BlockedTimeSlot{}, false, ErrIdempotencyConflict
	}
	return existing, true, nil
}

func (s *Service) withdrawBlock(ctx context.Context, block domain.BlockedTimeSlot) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := s.store.ApplyBatch(ctx, store.Batch{DeleteBlocks: []uuid.UUID{block.ID}}); err != nil {
		s.logger.Error("failed to withdraw block after losing its slot",
			slog.String("block_id", block.ID.String()),
			slog.Any("err", err),
		)
		return unavailable("withdraw block", err)
	}
	s.metrics.selfCancelled.Add(ctx, 1)
	return ErrSlotOccupied
}

func (s *Service) GetBlock(ctx context.Context, id uuid.UUID) (domain.BlockedTimeSlot, error) {
	if id == uuid.Nil {
		return domain.BlockedTimeSlot{}, validationError("block_id is required")
	}
	b, err := s.store.GetBlock(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return domain.BlockedTimeSlot{}, ErrNotFound
		}
		return domain.BlockedTimeSlot{}, unavailable("read block", err)
	}
	return b, nil
}

func (s *Service) ListBlocks(ctx context.Context, providerID string, date domain.Date) ([]domain.BlockedTimeSlot, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if date.IsZero() {
		return nil, invalidSlot("date is required")
	}
	rows, err := s.store.ListBlocks(ctx, providerID, date)
	if err != nil {
		return nil, unavailable("list blocks", err)
	}
	return rows, nil
}

// UnblockTimeSlot deletes a block and its reservation in one batch.
func (s *Service) UnblockTimeSlot(ctx context.Context, id uuid.UUID) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "UnblockTimeSlot", attribute.String("block_id", id.String()))
	defer func() { endSpan(span, err) }()

	block, err := s.GetBlock(ctx, id)
	if err != nil {
		return false, err
	}
	res, err := s.store.ApplyBatch(ctx, store.Batch{
		DeleteBlocks:        []uuid.UUID{block.ID},
		ReleaseReservations: []store.ReservationRef{{Key: block.SlotKey(), OwnerID: block.ID}},
	})
	if err != nil {
		return false, unavailable("unblock time slot", err)
	}
	if res.BlocksDeleted > 0 {
		s.publish(ctx, s.blockEvent(events.SlotUnblocked, block))
	}
	return true, nil
}
