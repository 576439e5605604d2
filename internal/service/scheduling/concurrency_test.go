package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/events"
	"physiolink/backend/internal/store"
	"physiolink/backend/internal/store/memory"
)

func TestCreateAppointment_ConcurrentRequestsOneWinner(t *testing.T) {
	backends := map[string]func() store.Store{
		"saga":   func() store.Store { return memory.New() },
		"atomic": func() store.Store { return &atomicStore{Store: memory.New()} },
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			st := newStore()
			svc, _ := newTestService(t, st)
			ctx := context.Background()

			const n = 32
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				winners  []domain.Appointment
				occupied int
				other    []error
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a, err := book(t, svc, fmt.Sprintf("U%d", i), "P1", june1, "09:00")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners = append(winners, a)
					case errors.Is(err, ErrSlotOccupied):
						occupied++
					default:
						other = append(other, err)
					}
				}(i)
			}
			wg.Wait()

			require.Empty(t, other)
			require.Len(t, winners, 1)
			assert.Equal(t, n-1, occupied)

			active, err := st.FindActiveAppointments(ctx, store.SlotQuery{ProviderID: "P1", Date: june1, TimeSlot: "09:00"})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, winners[0].ID, active[0].ID)

			entry, err := st.GetReservation(ctx, winners[0].SlotKey())
			require.NoError(t, err)
			assert.Equal(t, winners[0].ID, entry.OwnerID)
		})
	}
}

func TestCreateAppointment_ConcurrentRetriesShareOneAppointment(t *testing.T) {
	mem := memory.New()
	svc, _ := newTestService(t, mem)
	ctx := context.Background()
	in := CreateAppointmentInput{ProviderID: "P1", UserID: "U1", Date: june1, TimeSlot: "09:00", IdempotencyKey: "tap-twice"}

	const n = 8
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := svc.CreateAppointment(ctx, in)
			ids[i], errs[i] = a.ID, err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	rows, err := mem.ListAppointments(ctx, store.AppointmentFilter{UserID: "U1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCreateAppointment_ConcurrentBlockAndBooking(t *testing.T) {
	mem := memory.New()
	svc, _ := newTestService(t, mem)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		bookErr  error
		blockErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, bookErr = book(t, svc, "U1", "P1", june1, "10:00")
	}()
	go func() {
		defer wg.Done()
		_, blockErr = svc.BlockTimeSlot(ctx, BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "10:00"})
	}()
	wg.Wait()

	if bookErr == nil {
		require.ErrorIs(t, blockErr, ErrSlotOccupied)
	} else {
		require.ErrorIs(t, bookErr, ErrSlotOccupied)
		require.NoError(t, blockErr)
	}

	free, err := svc.AvailableSlots(ctx, "P1", june1)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00"}, free)
}

func TestPublishesChangeEvents(t *testing.T) {
	bus := events.NewLocalBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	svc, _ := newTestService(t, memory.New(), WithPublisher(bus))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	userEvents, err := bus.Subscribe(ctx, events.UserChannel("U1"))
	require.NoError(t, err)
	providerEvents, err := bus.Subscribe(ctx, events.ProviderChannel("P1"))
	require.NoError(t, err)

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)
	_, err = svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)
	b, err := svc.BlockTimeSlot(ctx, BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "10:00"})
	require.NoError(t, err)

	got := receive(t, userEvents)
	assert.Equal(t, events.AppointmentCreated, got.Type)
	assert.Equal(t, a.ID, got.SubjectID)
	assert.Equal(t, events.AppointmentCancelled, receive(t, userEvents).Type)

	assert.Equal(t, events.AppointmentCreated, receive(t, providerEvents).Type)
	assert.Equal(t, events.AppointmentCancelled, receive(t, providerEvents).Type)
	blocked := receive(t, providerEvents)
	assert.Equal(t, events.SlotBlocked, blocked.Type)
	assert.Equal(t, b.ID, blocked.SubjectID)
	assert.Empty(t, blocked.UserID)
}

func TestWatchAppointments(t *testing.T) {
	bus := events.NewLocalBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	svc, _ := newTestService(t, memory.New(), WithPublisher(bus))

	ctx, cancel := context.WithCancel(context.Background())
	pages, err := svc.WatchAppointments(ctx, ListInput{ProviderID: "P1"})
	require.NoError(t, err)

	first := receivePage(t, pages)
	assert.Empty(t, first.Appointments)

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)

	next := receivePage(t, pages)
	require.Len(t, next.Appointments, 1)
	assert.Equal(t, a.ID, next.Appointments[0].ID)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-pages:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestWatchAppointments_RequiresBus(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	_, err := svc.WatchAppointments(context.Background(), ListInput{UserID: "U1"})
	require.ErrorIs(t, err, ErrStreamUnavailable)

	bus := events.NewLocalBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	svc, _ = newTestService(t, memory.New(), WithPublisher(bus))
	_, err = svc.WatchAppointments(context.Background(), ListInput{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

// subscribeRecorder keeps the context of every subscription.
type subscribeRecorder struct {
	events.Bus

	mu   sync.Mutex
	ctxs []context.Context
}

func (r *subscribeRecorder) Subscribe(ctx context.Context, channel string) (<-chan events.Event, error) {
	r.mu.Lock()
	r.ctxs = append(r.ctxs, ctx)
	r.mu.Unlock()
	return r.Bus.Subscribe(ctx, channel)
}

func TestWatchAppointments_UnsubscribesWhenFirstListFails(t *testing.T) {
	local := events.NewLocalBus(nil)
	t.Cleanup(func() { _ = local.Close() })
	bus := &subscribeRecorder{Bus: local}

	st := &faultStore{
		Store: memory.New(),
		listAppointmentsFn: func(context.Context, store.AppointmentFilter) ([]domain.Appointment, error) {
			return nil, errors.New("connection reset")
		},
	}
	svc, _ := newTestService(t, st, WithPublisher(bus))

	_, err := svc.WatchAppointments(context.Background(), ListInput{UserID: "U1"})
	require.ErrorIs(t, err, ErrStoreUnavailable)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.ctxs, 1)
	assert.ErrorIs(t, bus.ctxs[0].Err(), context.Canceled)
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func receivePage(t *testing.T, ch <-chan Page) Page {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "page channel closed")
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for page")
		return Page{}
	}
}
