// Package memory is a map-backed store.Store for tests and single-process
// runs. Every method is atomic under one mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	reservations map[string]domain.Reservation
	appointments map[uuid.UUID]domain.Appointment
	blocks       map[uuid.UUID]domain.BlockedTimeSlot
}

func New() *Store {
	return &Store{
		reservations: make(map[string]domain.Reservation),
		appointments: make(map[uuid.UUID]domain.Appointment),
		blocks:       make(map[uuid.UUID]domain.BlockedTimeSlot),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) CreateReservation(ctx context.Context, entry domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[entry.Key]; ok {
		return store.ErrConflict
	}
	s.reservations[entry.Key] = entry
	return nil
}

func (s *Store) GetReservation(ctx context.Context, key string) (domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.reservations[key]
	if !ok {
		return domain.Reservation{}, store.ErrNotFound
	}
	return entry, nil
}

func (s *Store) ListReservations(ctx context.Context, providerID string, date domain.Date) ([]domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Reservation
	for _, entry := range s.reservations {
		if entry.ProviderID == providerID && entry.Date == date {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeSlot < out[j].TimeSlot })
	return out, nil
}

func (s *Store) DeleteReservation(ctx context.Context, key string, ownerID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.releaseLocked(key, ownerID) {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertAppointment(ctx context.Context, appt domain.Appointment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.appointments[appt.ID]; ok {
		return store.ErrConflict
	}
	s.appointments[appt.ID] = cloneAppointment(appt)
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Appointment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return cloneAppointment(a), nil
}

func (s *Store) FindActiveAppointments(ctx context.Context, q store.SlotQuery) ([]domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Appointment
	for _, a := range s.appointments {
		if q.Matches(a) {
			out = append(out, cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.AppointmentLess(out[i], out[j]) })
	return out, nil
}

func (s *Store) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Appointment
	for _, a := range s.appointments {
		if f.Matches(a) {
			out = append(out, cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.AppointmentLess(out[i], out[j]) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateNotes(ctx context.Context, id uuid.UUID, notes string, at time.Time) (domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Appointment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	a.RehabilitationNotes = notes
	a.UpdatedAt = at
	s.appointments[id] = a
	return cloneAppointment(a), nil
}

func (s *Store) CancelAppointment(ctx context.Context, id uuid.UUID, by domain.CancelledBy, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.appointments[id]; !ok {
		return false, store.ErrNotFound
	}
	return s.cancelLocked(store.CancelOp{ID: id, CancelledBy: by, At: at}), nil
}

func (s *Store) InsertBlock(ctx context.Context, block domain.BlockedTimeSlot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[block.ID]; ok {
		return store.ErrConflict
	}
	s.blocks[block.ID] = block
	return nil
}

func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (domain.BlockedTimeSlot, error) {
	if err := ctx.Err(); err != nil {
		return domain.BlockedTimeSlot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[id]
	if !ok {
		return domain.BlockedTimeSlot{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) ListBlocks(ctx context.Context, providerID string, date domain.Date) ([]domain.BlockedTimeSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.BlockedTimeSlot
	for _, b := range s.blocks {
		if b.ProviderID == providerID && b.Date == date {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeSlot < out[j].TimeSlot })
	return out, nil
}

func (s *Store) ApplyBatch(ctx context.Context, b store.Batch) (store.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return store.BatchResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.BatchResult
	for _, op := range b.CancelAppointments {
		if s.cancelLocked(op) {
			res.Cancelled++
		}
	}
	for _, id := range b.DeleteBlocks {
		if _, ok := s.blocks[id]; ok {
			delete(s.blocks, id)
			res.BlocksDeleted++
		}
	}
	for _, ref := range b.ReleaseReservations {
		if s.releaseLocked(ref.Key, ref.OwnerID) {
			res.ReservationsReleased++
		}
	}
	return res, nil
}

func (s *Store) cancelLocked(op store.CancelOp) bool {
	a, ok := s.appointments[op.ID]
	if !ok || !a.Active() {
		return false
	}
	at := op.At
	a.Status = domain.AppointmentStatusCancelled
	a.CancelledBy = op.CancelledBy
	a.CancelledAt = &at
	a.UpdatedAt = op.At
	s.appointments[op.ID] = a
	return true
}

func (s *Store) releaseLocked(key string, ownerID uuid.UUID) bool {
	entry, ok := s.reservations[key]
	if !ok || entry.OwnerID != ownerID {
		return false
	}
	delete(s.reservations, key)
	return true
}

func cloneAppointment(a domain.Appointment) domain.Appointment {
	if a.CancelledAt != nil {
		at := *a.CancelledAt
		a.CancelledAt = &at
	}
	return a
}
