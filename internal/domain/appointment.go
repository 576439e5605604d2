package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusActive    AppointmentStatus = "ACTIVE"
	AppointmentStatusCancelled AppointmentStatus = "CANCELLED"
)

type CancelledBy string

const (
	CancelledByUser     CancelledBy = "user"
	CancelledByProvider CancelledBy = "provider"
	// CancelledBySystem marks an appointment the service withdrew itself after
	// losing its slot reservation.
	CancelledBySystem CancelledBy = "system"
)

func (c CancelledBy) Valid() bool {
	return c == CancelledByUser || c == CancelledByProvider
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                  uuid.UUID         `bun:"id,pk,type:uuid"`
	UserID              string            `bun:"user_id,notnull"`
	ProviderID          string            `bun:"provider_id,notnull"`
	Date                Date              `bun:"date,notnull,type:date"`
	TimeSlot            string            `bun:"time_slot,notnull"`
	Status              AppointmentStatus `bun:"status,notnull"`
	CancelledBy         CancelledBy       `bun:"cancelled_by,nullzero"`
	CancelledAt         *time.Time        `bun:"cancelled_at"`
	RehabilitationNotes string            `bun:"rehabilitation_notes,notnull"`
	CreatedAt           time.Time         `bun:"created_at,notnull"`
	UpdatedAt           time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if a == nil {
		return nil
	}
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.Status == "" {
			a.Status = AppointmentStatusActive
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

func (a Appointment) SlotKey() string {
	return SlotKey(a.ProviderID, a.Date, a.TimeSlot)
}

func (a Appointment) Active() bool {
	return a.Status == AppointmentStatusActive
}

// SameBooking reports whether b describes the same booking request as a,
// ignoring lifecycle fields.
func (a Appointment) SameBooking(b Appointment) bool {
	return a.UserID == b.UserID &&
		a.ProviderID == b.ProviderID &&
		a.Date == b.Date &&
		a.TimeSlot == b.TimeSlot
}
