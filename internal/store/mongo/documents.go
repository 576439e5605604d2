package mongo

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"physiolink/backend/internal/domain"
)

const (
	reservationsCollection = "slot_reservations"
	appointmentsCollection = "appointments"
	blocksCollection       = "blocked_time_slots"
)

// Days are stored as "YYYY-MM-DD" strings so equality filters match the
// calendar day exactly.
type reservationDoc struct {
	Key        string    `bson:"_id"`
	ProviderID string    `bson:"providerId"`
	Date       string    `bson:"date"`
	TimeSlot   string    `bson:"timeSlot"`
	Kind       string    `bson:"kind"`
	OwnerID    string    `bson:"ownerId"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type appointmentDoc struct {
	ID                  string     `bson:"_id"`
	UserID              string     `bson:"userId"`
	ProviderID          string     `bson:"providerId"`
	Date                string     `bson:"date"`
	TimeSlot            string     `bson:"timeSlot"`
	Status              string     `bson:"status"`
	CancelledBy         string     `bson:"cancelledBy,omitempty"`
	CancelledAt         *time.Time `bson:"cancelledAt,omitempty"`
	RehabilitationNotes string     `bson:"rehabilitationNotes"`
	CreatedAt           time.Time  `bson:"createdAt"`
	UpdatedAt           time.Time  `bson:"updatedAt"`
}

type blockDoc struct {
	ID         string    `bson:"_id"`
	ProviderID string    `bson:"providerId"`
	Date       string    `bson:"date"`
	TimeSlot   string    `bson:"timeSlot"`
	CreatedAt  time.Time `bson:"createdAt"`
}

func toReservationDoc(r domain.Reservation) reservationDoc {
	return reservationDoc{
		Key:        r.Key,
		ProviderID: r.ProviderID,
		Date:       r.Date.String(),
		TimeSlot:   r.TimeSlot,
		Kind:       string(r.Kind),
		OwnerID:    r.OwnerID.String(),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func (d reservationDoc) domain() (domain.Reservation, error) {
	date, err := domain.ParseDate(d.Date)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", d.Key, err)
	}
	owner, err := uuid.Parse(d.OwnerID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reservation %s: owner: %w", d.Key, err)
	}
	return domain.Reservation{
		Key:        d.Key,
		ProviderID: d.ProviderID,
		Date:       date,
		TimeSlot:   d.TimeSlot,
		Kind:       domain.ReservationKind(d.Kind),
		OwnerID:    owner,
		CreatedAt:  d.CreatedAt,
	}, nil
}

func toAppointmentDoc(a domain.Appointment) appointmentDoc {
	doc := appointmentDoc{
		ID:                  a.ID.String(),
		UserID:              a.UserID,
		ProviderID:          a.ProviderID,
		Date:                a.Date.String(),
		TimeSlot:            a.TimeSlot,
		Status:              string(a.Status),
		CancelledBy:         string(a.CancelledBy),
		RehabilitationNotes: a.RehabilitationNotes,
		CreatedAt:           a.CreatedAt.UTC(),
		UpdatedAt:           a.UpdatedAt.UTC(),
	}
	if a.CancelledAt != nil {
		at := a.CancelledAt.UTC()
		doc.CancelledAt = &at
	}
	if doc.Status == "" {
		doc.Status = string(domain.AppointmentStatusActive)
	}
	return doc
}

func (d appointmentDoc) domain() (domain.Appointment, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("appointment id: %w", err)
	}
	date, err := domain.ParseDate(d.Date)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("appointment %s: %w", d.ID, err)
	}
	return domain.Appointment{
		ID:                  id,
		UserID:              d.UserID,
		ProviderID:          d.ProviderID,
		Date:                date,
		TimeSlot:            d.TimeSlot,
		Status:              domain.AppointmentStatus(d.Status),
		CancelledBy:         domain.CancelledBy(d.CancelledBy),
		CancelledAt:         d.CancelledAt,
		RehabilitationNotes: d.RehabilitationNotes,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}, nil
}

func toBlockDoc(b domain.BlockedTimeSlot) blockDoc {
	return blockDoc{
		ID:         b.ID.String(),
		ProviderID: b.ProviderID,
		Date:       b.Date.String(),
		TimeSlot:   b.TimeSlot,
		CreatedAt:  b.CreatedAt.UTC(),
	}
}

func (d blockDoc) domain() (domain.BlockedTimeSlot, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.BlockedTimeSlot{}, fmt.Errorf("block id: %w", err)
	}
	date, err := domain.ParseDate(d.Date)
	if err != nil {
		return domain.BlockedTimeSlot{}, fmt.Errorf("block %s: %w", d.ID, err)
	}
	return domain.BlockedTimeSlot{
		ID:         id,
		ProviderID: d.ProviderID,
		Date:       date,
		TimeSlot:   d.TimeSlot,
		CreatedAt:  d.CreatedAt,
	}, nil
}
