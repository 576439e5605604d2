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

type CreateAppointmentInput struct {
	ProviderID     string
	UserID         string
	Date           domain.Date
	TimeSlot       string
	IdempotencyKey string
}

func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (out domain.Appointment, err error) {
	ctx, span := s.startSpan(ctx, "CreateAppointment",
		attribute.String("provider_id", in.ProviderID),
		attribute.String("date", in.Date.String()),
		attribute.String("time_slot", in.TimeSlot),
	)
	defer func() { endSpan(span, err) }()

	appt, err := s.newAppointment(in)
	if err != nil {
		return domain.Appointment{}, err
	}

	if in.IdempotencyKey != "" {
		if existing, ok, err := s.replayAppointment(ctx, appt); err != nil || ok {
			return existing, err
		}
	}

	dup, err := s.store.FindActiveAppointments(ctx, store.SlotQuery{
		UserID:   appt.UserID,
		Date:     appt.Date,
		TimeSlot: appt.TimeSlot,
	})
	if err != nil {
		return domain.Appointment{}, unavailable("check user bookings", err)
	}
	for _, a := range dup {
		if a.ID != appt.ID {
			return domain.Appointment{}, ErrUserDoubleBooked
		}
	}

	entry := domain.NewAppointmentReservation(appt, appt.CreatedAt)
	atomic, isAtomic := s.store.(store.AtomicReserver)
	write := func(ctx context.Context) error { return s.store.CreateReservation(ctx, entry) }
	if isAtomic {
		write = func(ctx context.Context) error { return atomic.ReserveAppointment(ctx, entry, appt) }
	}

	held, err := s.claim(ctx, entry, write)
	if errors.Is(err, ErrSlotOccupied) {
		if existing, ok, rerr := s.replayAppointment(ctx, appt); rerr != nil || ok {
			return existing, rerr
		}
		return domain.Appointment{}, ErrSlotOccupied
	}
	if err != nil {
		return domain.Appointment{}, err
	}

	if held {
		if existing, ok, err := s.replayAppointment(ctx, appt); err != nil || ok {
			if ok && !existing.Active() {
				s.release(ctx, entry)
			}
			return existing, err
		}
	}

	if !isAtomic || held {
		if err := s.store.InsertAppointment(ctx, appt); err != nil {
			if errors.Is(err, store.ErrConflict) {
				existing, ok, rerr := s.replayAppointment(ctx, appt)
				if rerr != nil {
					return domain.Appointment{}, rerr
				}
				if ok {
					if !existing.Active() {
						s.release(ctx, entry)
					}
					return existing, nil
				}
			}
			s.compensate(ctx, entry)
			return domain.Appointment{}, unavailable("insert appointment", err)
		}

		ok, err := s.stillHeld(ctx, entry)
		if err != nil {
			s.logger.Warn("could not verify reservation after insert",
				slog.String("appointment_id", appt.ID.String()),
				slog.Any("err", err),
			)
		} else if !ok {
			return domain.Appointment{}, s.withdraw(ctx, appt)
		}
	}

	s.publish(ctx, s.appointmentEvent(events.AppointmentCreated, appt))
	return appt, nil
}

func (s *Service) newAppointment(in CreateAppointmentInput) (domain.Appointment, error) {
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.UserID = strings.TrimSpace(in.UserID)
	in.TimeSlot = strings.TrimSpace(in.TimeSlot)
	key := strings.TrimSpace(in.IdempotencyKey)

	if in.UserID == "" {
		return domain.Appointment{}, validationError("user_id is required")
	}
	if in.ProviderID == "" {
		return domain.Appointment{}, validationError("provider_id is required")
	}
	if len(key) > maxIdempotencyKey {
		return domain.Appointment{}, validationError("idempotency_key too long")
	}
	if err := s.validateSlot(in.Date, in.TimeSlot); err != nil {
		return domain.Appointment{}, err
	}

	id := idempotentID("create_appointment", in.UserID, key)
	if key == "" {
		var err error
		if id, err = newID(); err != nil {
			return domain.Appointment{}, err
		}
	}

	now := s.now().UTC()
	return domain.Appointment{
		ID:         id,
		UserID:     in.UserID,
		ProviderID: in.ProviderID,
		Date:       in.Date,
		TimeSlot:   in.TimeSlot,
		Status:     domain.AppointmentStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// replayAppointment looks up a stored appointment under appt.ID. It fails with
// ErrIdempotencyConflict when the stored booking differs from the request.
func (s *Service) replayAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, bool, error) {
	existing, err := s.store.GetAppointment(ctx, appt.ID)
	if isNotFound(err) {
		return domain.Appointment{}, false, nil
	}
	if err != nil {
		return domain.Appointment{}, false, unavailable("read appointment", err)
	}
	if !existing.SameBooking(appt) {
		return domain.Appointment{}, false, ErrIdempotencyConflict
	}
	return existing, true, nil
}

// withdraw cancels an appointment whose reservation was taken by another
// owner, so the slot never has two live bookings.
func (s *Service) withdraw(ctx context.Context, appt domain.Appointment) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := s.store.CancelAppointment(ctx, appt.ID, domain.CancelledBySystem, s.now().UTC()); err != nil {
		s.logger.Error("failed to withdraw appointment after losing its slot",
			slog.String("appointment_id", appt.ID.String()),
			slog.Any("err", err),
		)
		return unavailable("withdraw appointment", err)
	}
	s.metrics.selfCancelled.Add(ctx, 1)
	s.logger.Warn("withdrew appointment after losing its slot",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("slot_key", appt.SlotKey()),
	)
	return ErrSlotOccupied
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	a, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return domain.Appointment{}, ErrNotFound
		}
		return domain.Appointment{}, unavailable("read appointment", err)
	}
	return a, nil
}

// CancelAppointment cancels an ACTIVE appointment and releases its slot in one
// batch. Cancelling an already-cancelled appointment succeeds.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, by domain.CancelledBy) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "CancelAppointment", attribute.String("appointment_id", id.String()))
	defer func() { endSpan(span, err) }()

	if !by.Valid() {
		return false, validationError("cancelled_by must be user or provider")
	}
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return false, err
	}

	res, err := s.store.ApplyBatch(ctx, store.Batch{
		CancelAppointments:  []store.CancelOp{{ID: appt.ID, CancelledBy: by, At: s.now().UTC()}},
		ReleaseReservations: []store.ReservationRef{{Key: appt.SlotKey(), OwnerID: appt.ID}},
	})
	if err != nil {
		return false, unavailable("cancel appointment", err)
	}
	if res.Cancelled > 0 {
		s.publish(ctx, s.appointmentEvent(events.AppointmentCancelled, appt))
	}
	return true, nil
}

// UpdateRehabilitationNotes replaces the notes of an appointment. Only the
// appointment's provider may write them.
func (s *Service) UpdateRehabilitationNotes(ctx context.Context, id uuid.UUID, providerID, notes string) (domain.Appointment, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return domain.Appointment{}, validationError("provider_id is required")
	}
	if len(notes) > maxNotesLength {
		return domain.Appointment{}, validationError("rehabilitation_notes too long")
	}
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	if appt.ProviderID != providerID {
		return domain.Appointment{}, ErrForbidden
	}

	updated, err := s.store.UpdateNotes(ctx, id, notes, s.now().UTC())
	if err != nil {
		if isNotFound(err) {
			return domain.Appointment{}, ErrNotFound
		}
		return domain.Appointment{}, unavailable("update notes", err)
	}
	s.publish(ctx, s.appointmentEvent(events.AppointmentNotesUpdated, updated))
	return updated, nil
}
