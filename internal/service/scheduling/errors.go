package scheduling

import (
	"errors"
	"fmt"

	"physiolink/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

var (
	// ErrSlotOccupied means the provider slot is held by another appointment
	// or a block. Callers should pick another time.
	ErrSlotOccupied = errors.New("time slot is not available")
	// ErrUserDoubleBooked means the user already holds an ACTIVE appointment at
	// the same day and slot, with any provider.
	ErrUserDoubleBooked = errors.New("user already has an appointment at this time")
	ErrInvalidSlot      = errors.New("invalid time slot")
	// ErrStoreUnavailable wraps store failures whose outcome is unknown.
	// Retrying with the same idempotency key is safe.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrForbidden        = errors.New("forbidden")
	// ErrStreamUnavailable is returned by WatchAppointments when no event bus
	// is configured.
	ErrStreamUnavailable = errors.New("appointment stream unavailable")

	ErrNotFound            = store.ErrNotFound
	ErrIdempotencyConflict = store.ErrIdempotencyConflict
)

func invalidSlot(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSlot, detail)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
