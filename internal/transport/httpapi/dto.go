package httpapi

import (
	"time"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/service/scheduling"
)

type createAppointmentRequest struct {
	UserID     string `json:"user_id"`
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	TimeSlot   string `json:"time_slot"`
}

type cancelAppointmentRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

type updateNotesRequest struct {
	ProviderID          string `json:"provider_id"`
	RehabilitationNotes string `json:"rehabilitation_notes"`
}

type blockTimeSlotRequest struct {
	Date     string `json:"date"`
	TimeSlot string `json:"time_slot"`
}

type appointmentResponse struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	ProviderID          string     `json:"provider_id"`
	Date                string     `json:"date"`
	TimeSlot            string     `json:"time_slot"`
	Status              string     `json:"status"`
	CancelledBy         string     `json:"cancelled_by,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	RehabilitationNotes string     `json:"rehabilitation_notes,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type blockResponse struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Date       string    `json:"date"`
	TimeSlot   string    `json:"time_slot"`
	CreatedAt  time.Time `json:"created_at"`
}

type pageResponse struct {
	Appointments  []appointmentResponse `json:"appointments"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type availabilityResponse struct {
	ProviderID string   `json:"provider_id"`
	Date       string   `json:"date"`
	TimeSlots  []string `json:"time_slots"`
}

func toAppointmentResponse(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:                  a.ID.String(),
		UserID:              a.UserID,
		ProviderID:          a.ProviderID,
		Date:                a.Date.String(),
		TimeSlot:            a.TimeSlot,
		Status:              string(a.Status),
		CancelledBy:         string(a.CancelledBy),
		CancelledAt:         a.CancelledAt,
		RehabilitationNotes: a.RehabilitationNotes,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

func toBlockResponse(b domain.BlockedTimeSlot) blockResponse {
	return blockResponse{
		ID:         b.ID.String(),
		ProviderID: b.ProviderID,
		Date:       b.Date.String(),
		TimeSlot:   b.TimeSlot,
		CreatedAt:  b.CreatedAt,
	}
}

func toPageResponse(p scheduling.Page) pageResponse {
	out := pageResponse{
		Appointments:  make([]appointmentResponse, 0, len(p.Appointments)),
		NextPageToken: p.NextPageToken,
	}
	for _, a := range p.Appointments {
		out.Appointments = append(out.Appointments, toAppointmentResponse(a))
	}
	return out
}
