package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"physiolink/backend/internal/domain"
)

// ReservationRepository owns the one-entry-per-slot-key invariant.
type ReservationRepository interface {
	// CreateReservation stores entry only if no entry exists under entry.Key.
	// It returns ErrConflict, with no side effects, when the key is taken.
	CreateReservation(ctx context.Context, entry domain.Reservation) error
	GetReservation(ctx context.Context, key string) (domain.Reservation, error)
	ListReservations(ctx context.Context, providerID string, date domain.Date) ([]domain.Reservation, error)
	// DeleteReservation removes the entry under key only while ownerID still owns
	// it, and returns ErrNotFound otherwise.
	DeleteReservation(ctx context.Context, key string, ownerID uuid.UUID) error
}

type AppointmentRepository interface {
	// InsertAppointment returns ErrConflict when the id is already stored.
	InsertAppointment(ctx context.Context, appt domain.Appointment) error
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	FindActiveAppointments(ctx context.Context, q SlotQuery) ([]domain.Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]domain.Appointment, error)
	UpdateNotes(ctx context.Context, id uuid.UUID, notes string, at time.Time) (domain.Appointment, error)
	// CancelAppointment moves an ACTIVE appointment to CANCELLED and reports
	// whether a transition happened. It leaves the reservation entry alone.
	CancelAppointment(ctx context.Context, id uuid.UUID, by domain.CancelledBy, at time.Time) (bool, error)
}

type BlockRepository interface {
	InsertBlock(ctx context.Context, block domain.BlockedTimeSlot) error
	GetBlock(ctx context.Context, id uuid.UUID) (domain.BlockedTimeSlot, error)
	ListBlocks(ctx context.Context, providerID string, date domain.Date) ([]domain.BlockedTimeSlot, error)
}

// Batcher applies a Batch as one atomic unit. Batches carry no read
// preconditions; each operation is filtered on its own document only.
type Batcher interface {
	ApplyBatch(ctx context.Context, b Batch) (BatchResult, error)
}

type Store interface {
	ReservationRepository
	AppointmentRepository
	BlockRepository
	Batcher

	Ping(ctx context.Context) error
	Close() error
}

// AtomicReserver is implemented by stores that can chain the owning record
// write onto the conditional reservation create inside one transaction.
// Both methods return ErrConflict, writing nothing, when either the slot key
// or the record id is already taken.
type AtomicReserver interface {
	ReserveAppointment(ctx context.Context, entry domain.Reservation, appt domain.Appointment) error
	ReserveBlock(ctx context.Context, entry domain.Reservation, block domain.BlockedTimeSlot) error
}

// SlotQuery selects ACTIVE appointments on one day. Empty fields are not
// filtered on.
type SlotQuery struct {
	UserID     string
	ProviderID string
	Date       domain.Date
	TimeSlot   string
}

type AppointmentFilter struct {
	UserID     string
	ProviderID string
	Status     domain.AppointmentStatus
	From       domain.Date
	To         domain.Date
	Offset     int
	Limit      int
}

// Matches applies the filter to a single appointment, for stores that filter
// in memory.
func (f AppointmentFilter) Matches(a domain.Appointment) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.ProviderID != "" && a.ProviderID != f.ProviderID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && a.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.Date.After(f.To) {
		return false
	}
	return true
}

func (q SlotQuery) Matches(a domain.Appointment) bool {
	if !a.Active() || a.Date != q.Date {
		return false
	}
	if q.UserID != "" && a.UserID != q.UserID {
		return false
	}
	if q.ProviderID != "" && a.ProviderID != q.ProviderID {
		return false
	}
	if q.TimeSlot != "" && a.TimeSlot != q.TimeSlot {
		return false
	}
	return true
}

// AppointmentLess is the listing order: day, slot, creation time, id.
func AppointmentLess(a, b domain.Appointment) bool {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c < 0
	}
	if a.TimeSlot != b.TimeSlot {
		return a.TimeSlot < b.TimeSlot
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

type CancelOp struct {
	ID          uuid.UUID
	CancelledBy domain.CancelledBy
	At          time.Time
}

type ReservationRef struct {
	Key     string
	OwnerID uuid.UUID
}

type Batch struct {
	// CancelAppointments only touches appointments that are still ACTIVE.
	CancelAppointments []CancelOp
	DeleteBlocks       []uuid.UUID
	// ReleaseReservations deletes entries still owned by the given owner.
	ReleaseReservations []ReservationRef
}

type BatchResult struct {
	Cancelled            int
	BlocksDeleted        int
	ReservationsReleased int
}
