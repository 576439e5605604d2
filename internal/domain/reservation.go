package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BlockedTimeSlot struct {
	bun.BaseModel `bun:"table:blocked_time_slots"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID string    `bun:"provider_id,notnull"`
	Date       Date      `bun:"date,notnull,type:date"`
	TimeSlot   string    `bun:"time_slot,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

func (b *BlockedTimeSlot) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if b == nil {
		return nil
	}
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (b BlockedTimeSlot) SlotKey() string {
	return SlotKey(b.ProviderID, b.Date, b.TimeSlot)
}

type ReservationKind string

const (
	ReservationKindAppointment ReservationKind = "APPOINTMENT"
	ReservationKindBlock       ReservationKind = "BLOCK"
)

// Reservation is the uniqueness token for one provider time slot. Its presence
// alone means the slot is occupied, whoever owns it.
type Reservation struct {
	bun.BaseModel `bun:"table:slot_reservations"`

	Key        string          `bun:"slot_key,pk"`
	ProviderID string          `bun:"provider_id,notnull"`
	Date       Date            `bun:"date,notnull,type:date"`
	TimeSlot   string          `bun:"time_slot,notnull"`
	Kind       ReservationKind `bun:"kind,notnull"`
	OwnerID    uuid.UUID       `bun:"owner_id,notnull,type:uuid"`
	CreatedAt  time.Time       `bun:"created_at,notnull"`
}

func NewAppointmentReservation(a Appointment, now time.Time) Reservation {
	return Reservation{
		Key:        a.SlotKey(),
		ProviderID: a.ProviderID,
		Date:       a.Date,
		TimeSlot:   a.TimeSlot,
		Kind:       ReservationKindAppointment,
		OwnerID:    a.ID,
		CreatedAt:  now,
	}
}

func NewBlockReservation(b BlockedTimeSlot, now time.Time) Reservation {
	return Reservation{
		Key:        b.SlotKey(),
		ProviderID: b.ProviderID,
		Date:       b.Date,
		TimeSlot:   b.TimeSlot,
		Kind:       ReservationKindBlock,
		OwnerID:    b.ID,
		CreatedAt:  now,
	}
}
