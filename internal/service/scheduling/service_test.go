package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
	"physiolink/backend/internal/store/memory"
)

var (
	june1 = domain.NewDate(2024, time.June, 1)
	start = time.Date(2024, time.May, 20, 12, 0, 0, 0, time.UTC)
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T, st store.Store, opts ...Option) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: start}
	catalog, err := domain.NewCatalog([]string{"09:00", "10:00"})
	require.NoError(t, err)

	base := []Option{WithCatalog(catalog), WithClock(clock.Now)}
	return NewService(st, append(base, opts...)...), clock
}

func book(t *testing.T, svc *Service, user, provider string, date domain.Date, slot string) (domain.Appointment, error) {
	t.Helper()
	return svc.CreateAppointment(context.Background(), CreateAppointmentInput{
		ProviderID: provider,
		UserID:     user,
		Date:       date,
		TimeSlot:   slot,
	})
}

func TestScenarioA_SecondBookingOfSlotIsOccupied(t *testing.T) {
	svc, _ := newTestService(t, memory.New())

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentStatusActive, a.Status)
	assert.NotEqual(t, uuid.Nil, a.ID)

	_, err = book(t, svc, "U2", "P1", june1, "09:00")
	require.ErrorIs(t, err, ErrSlotOccupied)
}

func TestScenarioB_UserDoubleBookedAcrossProviders(t *testing.T) {
	svc, _ := newTestService(t, memory.New())

	_, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)

	_, err = book(t, svc, "U1", "P2", june1, "09:00")
	require.ErrorIs(t, err, ErrUserDoubleBooked)

	_, err = book(t, svc, "U1", "P2", june1.AddDays(1), "09:00")
	require.NoError(t, err, "same slot on another day is allowed")
}

func TestScenarioC_BlockThenUnblock(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	block, err := svc.BlockTimeSlot(ctx, BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "10:00"})
	require.NoError(t, err)

	_, err = book(t, svc, "U1", "P1", june1, "10:00")
	require.ErrorIs(t, err, ErrSlotOccupied)

	ok, err := svc.UnblockTimeSlot(ctx, block.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = book(t, svc, "U1", "P1", june1, "10:00")
	require.NoError(t, err)
}

func TestScenarioD_CancelFreesSlot(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)

	free, err := svc.AvailableSlots(ctx, "P1", june1)
	require.NoError(t, err)
	assert.Equal(t, []string{"10:00"}, free)

	ok, err := svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)
	assert.True(t, ok)

	free, err = svc.AvailableSlots(ctx, "P1", june1)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00"}, free)
}

func TestCreateAppointment_Validation(t *testing.T) {
	svc, _ := newTestService(t, memory.New())

	cases := []struct {
		name string
		in   CreateAppointmentInput
		want error
	}{
		{"missing user", CreateAppointmentInput{ProviderID: "P1", Date: june1, TimeSlot: "09:00"}, nil},
		{"missing provider", CreateAppointmentInput{UserID: "U1", Date: june1, TimeSlot: "09:00"}, nil},
		{"slot not offered", CreateAppointmentInput{UserID: "U1", ProviderID: "P1", Date: june1, TimeSlot: "11:00"}, ErrInvalidSlot},
		{"missing date", CreateAppointmentInput{UserID: "U1", ProviderID: "P1", TimeSlot: "09:00"}, ErrInvalidSlot},
		{"past date", CreateAppointmentInput{UserID: "U1", ProviderID: "P1", Date: domain.NewDate(2024, time.May, 19), TimeSlot: "09:00"}, ErrInvalidSlot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateAppointment(context.Background(), tc.in)
			require.Error(t, err)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
				return
			}
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "error type = %T, want *ValidationError", err)
		})
	}
}

func TestCreateAppointment_TodayIsBookable(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	_, err := book(t, svc, "U1", "P1", domain.DateOf(start), "09:00")
	require.NoError(t, err)
}

func TestCreateAppointment_IdempotencyKey(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	in := CreateAppointmentInput{ProviderID: "P1", UserID: "U1", Date: june1, TimeSlot: "09:00", IdempotencyKey: "k1"}
	first, err := svc.CreateAppointment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, idempotentID("create_appointment", "U1", "k1"), first.ID)

	again, err := svc.CreateAppointment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	page, err := svc.ListAppointments(ctx, ListInput{UserID: "U1"})
	require.NoError(t, err)
	assert.Len(t, page.Appointments, 1, "replay must not write a second appointment")

	changed := in
	changed.TimeSlot = "10:00"
	_, err = svc.CreateAppointment(ctx, changed)
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	otherUser := in
	otherUser.UserID = "U2"
	_, err = svc.CreateAppointment(ctx, otherUser)
	require.ErrorIs(t, err, ErrSlotOccupied, "keys are scoped per user")
}

func TestCancelAppointment(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	_, err := svc.CancelAppointment(ctx, uuid.New(), domain.CancelledByUser)
	require.ErrorIs(t, err, ErrNotFound)

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)

	_, err = svc.CancelAppointment(ctx, a.ID, domain.CancelledBySystem)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	ok, err := svc.CancelAppointment(ctx, a.ID, domain.CancelledByProvider)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)
	assert.True(t, ok, "cancel is idempotent")

	got, err := svc.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentStatusCancelled, got.Status)
	assert.Equal(t, domain.CancelledByProvider, got.CancelledBy, "second cancel must not overwrite the first")
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(start))
}

func TestRebookAfterCancel(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)
	_, err = svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)

	b, err := book(t, svc, "U2", "P1", june1, "09:00")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	_, err = book(t, svc, "U1", "P2", june1, "09:00")
	require.NoError(t, err, "a cancelled appointment does not count as a double booking")
}

func TestBlockTimeSlot_RejectsBookedSlot(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	_, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)

	_, err = svc.BlockTimeSlot(ctx, BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "09:00"})
	require.ErrorIs(t, err, ErrSlotOccupied)

	_, err = svc.BlockTimeSlot(ctx, BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "10:00"})
	require.NoError(t, err)
	_, err = svc.BlockTimeSlot(ctx, BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "10:00"})
	require.ErrorIs(t, err, ErrSlotOccupied)

	free, err := svc.AvailableSlots(ctx, "P1", june1)
	require.NoError(t, err)
	assert.Empty(t, free)

	blocks, err := svc.ListBlocks(ctx, "P1", june1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "10:00", blocks[0].TimeSlot)
}

func TestBlockTimeSlot_IdempotencyKey(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	in := BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "10:00", IdempotencyKey: "b1"}
	first, err := svc.BlockTimeSlot(ctx, in)
	require.NoError(t, err)
	again, err := svc.BlockTimeSlot(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	in.TimeSlot = "09:00"
	_, err = svc.BlockTimeSlot(ctx, in)
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestUnblockTimeSlot_NotFound(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	_, err := svc.UnblockTimeSlot(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRehabilitationNotes(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)

	_, err = svc.UpdateRehabilitationNotes(ctx, a.ID, "P2", "x")
	require.ErrorIs(t, err, ErrForbidden)

	got, err := svc.UpdateRehabilitationNotes(ctx, a.ID, "P1", "shoulder mobility drills")
	require.NoError(t, err)
	assert.Equal(t, "shoulder mobility drills", got.RehabilitationNotes)

	_, err = svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)
	_, err = svc.UpdateRehabilitationNotes(ctx, a.ID, "P1", "follow-up after cancellation")
	require.NoError(t, err, "notes stay writable on cancelled appointments")

	_, err = svc.UpdateRehabilitationNotes(ctx, uuid.New(), "P1", "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAppointments_Paging(t *testing.T) {
	st := memory.New()
	svc, _ := newTestService(t, st)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := book(t, svc, "U1", "P1", june1.AddDays(i), "09:00")
		require.NoError(t, err)
	}

	page, err := svc.ListAppointments(ctx, ListInput{UserID: "U1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Appointments, 2)
	require.NotEmpty(t, page.NextPageToken)
	assert.Equal(t, june1, page.Appointments[0].Date)

	var seen []domain.Date
	token := ""
	for {
		page, err := svc.ListAppointments(ctx, ListInput{UserID: "U1", Limit: 2, PageToken: token})
		require.NoError(t, err)
		for _, a := range page.Appointments {
			seen = append(seen, a.Date)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i-1].Before(seen[i]))
	}

	page, err = svc.ListAppointments(ctx, ListInput{ProviderID: "P1", From: june1.AddDays(3)})
	require.NoError(t, err)
	assert.Len(t, page.Appointments, 2)
	assert.Empty(t, page.NextPageToken)

	page, err = svc.ListAppointments(ctx, ListInput{ProviderID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, page.Appointments)
	assert.Empty(t, page.Appointments)
}

func TestListAppointments_Validation(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	for _, in := range []ListInput{
		{},
		{UserID: "U1", ProviderID: "P1"},
		{UserID: "U1", Status: "PENDING"},
		{UserID: "U1", Limit: -1},
		{UserID: "U1", PageToken: "%%%"},
		{UserID: "U1", PageToken: encodePageToken(-3)},
		{UserID: "U1", From: june1, To: june1.AddDays(-1)},
	} {
		_, err := svc.ListAppointments(ctx, in)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr, "input %+v", in)
	}
}

func TestPageToken(t *testing.T) {
	for _, offset := range []int{0, 1, 50, 12345} {
		got, err := decodePageToken(encodePageToken(offset))
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	}
	got, err := decodePageToken("")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestAvailableSlots_Validation(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	_, err := svc.AvailableSlots(context.Background(), "", june1)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = svc.AvailableSlots(context.Background(), "P1", domain.Date{})
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func TestAvailableSlots_IgnoresOtherProvidersAndDays(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	ctx := context.Background()

	_, err := book(t, svc, "U1", "P2", june1, "09:00")
	require.NoError(t, err)
	_, err = book(t, svc, "U2", "P1", june1.AddDays(1), "09:00")
	require.NoError(t, err)

	free, err := svc.AvailableSlots(ctx, "P1", june1)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00"}, free)
}

func TestAvailableSlots_PartitionsCatalog(t *testing.T) {
	catalog, err := domain.NewCatalog([]string{"09:00", "10:00", "11:00", "12:00"})
	require.NoError(t, err)
	svc, _ := newTestService(t, memory.New(), WithCatalog(catalog))
	ctx := context.Background()

	check := func(wantFree, wantOccupied []string) {
		t.Helper()
		free, err := svc.AvailableSlots(ctx, "P1", june1)
		require.NoError(t, err)
		occupied, err := svc.OccupiedSlots(ctx, "P1", june1)
		require.NoError(t, err)

		assert.Equal(t, wantFree, free)
		assert.ElementsMatch(t, wantOccupied, occupied)
		for _, slot := range free {
			assert.NotContains(t, occupied, slot, "a slot is either free or occupied")
		}
		assert.ElementsMatch(t, catalog.Slots(), append(append([]string{}, free...), occupied...))
	}

	check([]string{"09:00", "10:00", "11:00", "12:00"}, []string{})

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)
	block, err := svc.BlockTimeSlot(ctx, BlockInput{ProviderID: "P1", Date: june1, TimeSlot: "11:00"})
	require.NoError(t, err)
	check([]string{"10:00", "12:00"}, []string{"09:00", "11:00"})

	_, err = svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)
	_, err = svc.UnblockTimeSlot(ctx, block.ID)
	require.NoError(t, err)
	check([]string{"09:00", "10:00", "11:00", "12:00"}, []string{})
}

func TestCancelAppointment_RepeatedCancelKeepsRebooking(t *testing.T) {
	mem := memory.New()
	svc, _ := newTestService(t, mem)
	ctx := context.Background()

	a, err := book(t, svc, "U1", "P1", june1, "09:00")
	require.NoError(t, err)
	ok, err := svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)
	require.True(t, ok)

	b, err := book(t, svc, "U2", "P1", june1, "09:00")
	require.NoError(t, err)

	ok, err = svc.CancelAppointment(ctx, a.ID, domain.CancelledByUser)
	require.NoError(t, err)
	assert.True(t, ok)

	entry, err := mem.GetReservation(ctx, domain.SlotKey("P1", june1, "09:00"))
	require.NoError(t, err)
	assert.Equal(t, b.ID, entry.OwnerID, "the second cancel must not free the new booking's slot")

	got, err := svc.GetAppointment(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentStatusActive, got.Status)

	_, err = book(t, svc, "U3", "P1", june1, "09:00")
	require.ErrorIs(t, err, ErrSlotOccupied)
}

func TestTimeSlots(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	assert.Equal(t, []string{"09:00", "10:00"}, svc.TimeSlots())
}
