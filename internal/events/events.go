// Package events carries change notifications for appointments and blocked
// slots so list views can refresh without polling.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"physiolink/backend/internal/domain"
)

type Type string

const (
	AppointmentCreated      Type = "appointment.created"
	AppointmentCancelled    Type = "appointment.cancelled"
	AppointmentNotesUpdated Type = "appointment.notes_updated"
	SlotBlocked             Type = "slot.blocked"
	SlotUnblocked           Type = "slot.unblocked"
)

type Event struct {
	ID         uuid.UUID   `json:"id"`
	Type       Type        `json:"type"`
	SubjectID  uuid.UUID   `json:"subject_id"`
	UserID     string      `json:"user_id,omitempty"`
	ProviderID string      `json:"provider_id"`
	Date       domain.Date `json:"date"`
	TimeSlot   string      `json:"time_slot"`
	OccurredAt time.Time   `json:"occurred_at"`
}

const subscriberBuffer = 64

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// Bus delivers events at most once. Subscribe returns a channel that is closed
// when ctx ends or the bus is closed; slow subscribers lose events rather than
// stall publishers.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)
	Close() error
}

func UserChannel(userID string) string {
	return "physiolink:user:" + userID
}

func ProviderChannel(providerID string) string {
	return "physiolink:provider:" + providerID
}

// Channels lists every channel an event is published on.
func Channels(e Event) []string {
	out := []string{ProviderChannel(e.ProviderID)}
	if e.UserID != "" {
		out = append(out, UserChannel(e.UserID))
	}
	return out
}

func NewEvent(t Type, subjectID uuid.UUID, userID, providerID string, date domain.Date, slot string, at time.Time) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{
		ID:         id,
		Type:       t,
		SubjectID:  subjectID,
		UserID:     userID,
		ProviderID: providerID,
		Date:       date,
		TimeSlot:   slot,
		OccurredAt: at,
	}
}
