// Package storetest holds the behaviour every store.Store implementation must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("reservation create if absent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("reservation delete is owner conditional", func(t *testing.T) { testDeleteOwnerConditional(t, newStore(t)) })
	t.Run("reservation list by provider day", func(t *testing.T) { testListReservations(t, newStore(t)) })
	t.Run("concurrent reservation has one winner", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("appointment insert and get", func(t *testing.T) { testAppointmentInsertGet(t, newStore(t)) })
	t.Run("find active appointments", func(t *testing.T) { testFindActive(t, newStore(t)) })
	t.Run("list appointments", func(t *testing.T) { testListAppointments(t, newStore(t)) })
	t.Run("cancel appointment", func(t *testing.T) { testCancelAppointment(t, newStore(t)) })
	t.Run("update notes", func(t *testing.T) { testUpdateNotes(t, newStore(t)) })
	t.Run("blocks", func(t *testing.T) { testBlocks(t, newStore(t)) })
	t.Run("apply batch", func(t *testing.T) { testApplyBatch(t, newStore(t)) })
	t.Run("atomic reserve", func(t *testing.T) { testAtomicReserve(t, newStore(t)) })
}

var (
	day     = domain.NewDate(2030, time.March, 4)
	created = time.Date(2030, time.March, 1, 8, 0, 0, 0, time.UTC)
)

func ctxFor(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// providerID is unique per call so suites can share a database.
func providerID() string {
	return "prov-" + uuid.NewString()
}

func newAppointment(userID, provider string, date domain.Date, slot string) domain.Appointment {
	return domain.Appointment{
		ID:         uuid.New(),
		UserID:     userID,
		ProviderID: provider,
		Date:       date,
		TimeSlot:   slot,
		Status:     domain.AppointmentStatusActive,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func newBlock(provider string, date domain.Date, slot string) domain.BlockedTimeSlot {
	return domain.BlockedTimeSlot{
		ID:         uuid.New(),
		ProviderID: provider,
		Date:       date,
		TimeSlot:   slot,
		CreatedAt:  created,
	}
}

func testCreateIfAbsent(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	a := newAppointment("u1", providerID(), day, "09:00")
	first := domain.NewAppointmentReservation(a, created)
	require.NoError(t, s.CreateReservation(ctx, first))

	second := first
	second.OwnerID = uuid.New()
	err := s.CreateReservation(ctx, second)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetReservation(ctx, first.Key)
	require.NoError(t, err)
	assert.Equal(t, first.OwnerID, got.OwnerID)
	assert.Equal(t, domain.ReservationKindAppointment, got.Kind)
	assert.Equal(t, day, got.Date)
	assert.Equal(t, "09:00", got.TimeSlot)

	_, err = s.GetReservation(ctx, "missing_20300304_0900")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteOwnerConditional(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	a := newAppointment("u1", providerID(), day, "10:00")
	entry := domain.NewAppointmentReservation(a, created)
	require.NoError(t, s.CreateReservation(ctx, entry))

	err := s.DeleteReservation(ctx, entry.Key, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetReservation(ctx, entry.Key)
	require.NoError(t, err, "entry must survive a delete by a non-owner")

	require.NoError(t, s.DeleteReservation(ctx, entry.Key, a.ID))
	_, err = s.GetReservation(ctx, entry.Key)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.DeleteReservation(ctx, entry.Key, a.ID), store.ErrNotFound)
}

func testListReservations(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	p := providerID()
	other := providerID()

	appt := newAppointment("u1", p, day, "11:00")
	block := newBlock(p, day, "09:00")
	require.NoError(t, s.CreateReservation(ctx, domain.NewAppointmentReservation(appt, created)))
	require.NoError(t, s.CreateReservation(ctx, domain.NewBlockReservation(block, created)))
	require.NoError(t, s.CreateReservation(ctx, domain.NewAppointmentReservation(newAppointment("u2", p, day.AddDays(1), "09:00"), created)))
	require.NoError(t, s.CreateReservation(ctx, domain.NewAppointmentReservation(newAppointment("u3", other, day, "09:00"), created)))

	rows, err := s.ListReservations(ctx, p, day)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	slots := []string{rows[0].TimeSlot, rows[1].TimeSlot}
	assert.ElementsMatch(t, []string{"09:00", "11:00"}, slots)
	for _, r := range rows {
		assert.Equal(t, p, r.ProviderID)
		assert.Equal(t, day, r.Date)
	}
}

func testConcurrentCreate(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	p := providerID()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			entry := domain.NewAppointmentReservation(newAppointment("u", p, day, "14:00"), created)
			err := s.CreateReservation(ctx, entry)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflict++
			default:
				t.Errorf("CreateReservation error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflict)
}

func testAppointmentInsertGet(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	a := newAppointment("u1", providerID(), day, "09:00")
	require.NoError(t, s.InsertAppointment(ctx, a))
	require.ErrorIs(t, s.InsertAppointment(ctx, a), store.ErrConflict)

	got, err := s.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.UserID, got.UserID)
	assert.Equal(t, a.ProviderID, got.ProviderID)
	assert.Equal(t, a.Date, got.Date)
	assert.Equal(t, a.TimeSlot, got.TimeSlot)
	assert.Equal(t, domain.AppointmentStatusActive, got.Status)
	assert.Empty(t, got.CancelledBy)
	assert.Nil(t, got.CancelledAt)

	_, err = s.GetAppointment(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testFindActive(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	p1 := providerID()
	p2 := providerID()
	user := "user-" + uuid.NewString()

	a1 := newAppointment(user, p1, day, "09:00")
	a2 := newAppointment(user, p2, day, "10:00")
	a3 := newAppointment(user, p1, day.AddDays(1), "09:00")
	cancelled := newAppointment(user, p2, day, "09:00")
	for _, a := range []domain.Appointment{a1, a2, a3, cancelled} {
		require.NoError(t, s.InsertAppointment(ctx, a))
	}
	ok, err := s.CancelAppointment(ctx, cancelled.ID, domain.CancelledByUser, created)
	require.NoError(t, err)
	require.True(t, ok)

	rows, err := s.FindActiveAppointments(ctx, store.SlotQuery{UserID: user, Date: day, TimeSlot: "09:00"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a1.ID, rows[0].ID)

	rows, err = s.FindActiveAppointments(ctx, store.SlotQuery{UserID: user, Date: day})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.FindActiveAppointments(ctx, store.SlotQuery{ProviderID: p2, Date: day, TimeSlot: "09:00"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testListAppointments(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	p := providerID()

	late := newAppointment("u1", p, day.AddDays(1), "09:00")
	early := newAppointment("u2", p, day, "11:00")
	earliest := newAppointment("u3", p, day, "09:00")
	other := newAppointment("u1", providerID(), day, "09:00")
	for _, a := range []domain.Appointment{late, early, earliest, other} {
		require.NoError(t, s.InsertAppointment(ctx, a))
	}
	_, err := s.CancelAppointment(ctx, early.ID, domain.CancelledByProvider, created)
	require.NoError(t, err)

	rows, err := s.ListAppointments(ctx, store.AppointmentFilter{ProviderID: p})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, earliest.ID, rows[0].ID)
	assert.Equal(t, early.ID, rows[1].ID)
	assert.Equal(t, late.ID, rows[2].ID)

	rows, err = s.ListAppointments(ctx, store.AppointmentFilter{ProviderID: p, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, early.ID, rows[0].ID)

	rows, err = s.ListAppointments(ctx, store.AppointmentFilter{ProviderID: p, Status: domain.AppointmentStatusActive})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.ListAppointments(ctx, store.AppointmentFilter{ProviderID: p, From: day.AddDays(1)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, late.ID, rows[0].ID)

	rows, err = s.ListAppointments(ctx, store.AppointmentFilter{ProviderID: p, To: day})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func testCancelAppointment(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	a := newAppointment("u1", providerID(), day, "09:00")
	require.NoError(t, s.InsertAppointment(ctx, a))

	at := created.Add(time.Hour)
	ok, err := s.CancelAppointment(ctx, a.ID, domain.CancelledBySystem, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CancelAppointment(ctx, a.ID, domain.CancelledByUser, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentStatusCancelled, got.Status)
	assert.Equal(t, domain.CancelledBySystem, got.CancelledBy)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(at))

	_, err = s.CancelAppointment(ctx, uuid.New(), domain.CancelledByUser, at)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateNotes(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	a := newAppointment("u1", providerID(), day, "09:00")
	require.NoError(t, s.InsertAppointment(ctx, a))

	at := created.Add(2 * time.Hour)
	got, err := s.UpdateNotes(ctx, a.ID, "knee flexion 90 degrees", at)
	require.NoError(t, err)
	assert.Equal(t, "knee flexion 90 degrees", got.RehabilitationNotes)
	assert.True(t, got.UpdatedAt.Equal(at))

	_, err = s.UpdateNotes(ctx, uuid.New(), "x", at)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testBlocks(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	p := providerID()
	b1 := newBlock(p, day, "15:00")
	b2 := newBlock(p, day, "12:00")
	require.NoError(t, s.InsertBlock(ctx, b1))
	require.NoError(t, s.InsertBlock(ctx, b2))
	require.NoError(t, s.InsertBlock(ctx, newBlock(p, day.AddDays(2), "12:00")))
	require.ErrorIs(t, s.InsertBlock(ctx, b1), store.ErrConflict)

	got, err := s.GetBlock(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, "15:00", got.TimeSlot)
	assert.Equal(t, day, got.Date)

	rows, err := s.ListBlocks(ctx, p, day)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, b2.ID, rows[0].ID)
	assert.Equal(t, b1.ID, rows[1].ID)

	_, err = s.GetBlock(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testApplyBatch(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	p := providerID()

	a := newAppointment("u1", p, day, "09:00")
	done := newAppointment("u2", p, day, "10:00")
	block := newBlock(p, day, "11:00")
	require.NoError(t, s.InsertAppointment(ctx, a))
	require.NoError(t, s.InsertAppointment(ctx, done))
	require.NoError(t, s.InsertBlock(ctx, block))
	require.NoError(t, s.CreateReservation(ctx, domain.NewAppointmentReservation(a, created)))
	require.NoError(t, s.CreateReservation(ctx, domain.NewBlockReservation(block, created)))
	_, err := s.CancelAppointment(ctx, done.ID, domain.CancelledByUser, created)
	require.NoError(t, err)

	at := created.Add(time.Hour)
	res, err := s.ApplyBatch(ctx, store.Batch{
		CancelAppointments: []store.CancelOp{
			{ID: a.ID, CancelledBy: domain.CancelledByProvider, At: at},
			{ID: done.ID, CancelledBy: domain.CancelledByProvider, At: at},
		},
		DeleteBlocks: []uuid.UUID{block.ID},
		ReleaseReservations: []store.ReservationRef{
			{Key: a.SlotKey(), OwnerID: a.ID},
			{Key: block.SlotKey(), OwnerID: uuid.New()},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.BatchResult{Cancelled: 1, BlocksDeleted: 1, ReservationsReleased: 1}, res)

	got, err := s.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentStatusCancelled, got.Status)
	assert.Equal(t, domain.CancelledByProvider, got.CancelledBy)

	again, err := s.GetAppointment(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CancelledByUser, again.CancelledBy, "cancelled appointments are left alone")

	_, err = s.GetReservation(ctx, a.SlotKey())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetReservation(ctx, block.SlotKey())
	require.NoError(t, err, "entry owned by someone else must survive")
	_, err = s.GetBlock(ctx, block.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	res, err = s.ApplyBatch(ctx, store.Batch{})
	require.NoError(t, err)
	assert.Zero(t, res)
}

func testAtomicReserve(t *testing.T, s store.Store) {
	r, ok := s.(store.AtomicReserver)
	if !ok {
		t.Skip("store does not chain reservation writes")
	}
	ctx := ctxFor(t)
	p := providerID()

	a := newAppointment("u1", p, day, "09:00")
	require.NoError(t, r.ReserveAppointment(ctx, domain.NewAppointmentReservation(a, created), a))

	loser := newAppointment("u2", p, day, "09:00")
	err := r.ReserveAppointment(ctx, domain.NewAppointmentReservation(loser, created), loser)
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = s.GetAppointment(ctx, loser.ID)
	require.ErrorIs(t, err, store.ErrNotFound, "losing reserve must not write the appointment")

	// Same id on a free key: the reservation insert succeeds but the record
	// insert conflicts, and the whole unit must roll back.
	dup := a
	dup.TimeSlot = "10:00"
	err = r.ReserveAppointment(ctx, domain.NewAppointmentReservation(dup, created), dup)
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = s.GetReservation(ctx, dup.SlotKey())
	require.ErrorIs(t, err, store.ErrNotFound)

	b := newBlock(p, day, "12:00")
	require.NoError(t, r.ReserveBlock(ctx, domain.NewBlockReservation(b, created), b))
	entry, err := s.GetReservation(ctx, b.SlotKey())
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationKindBlock, entry.Kind)
	assert.Equal(t, b.ID, entry.OwnerID)
}
