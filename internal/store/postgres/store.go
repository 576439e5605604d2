package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
)

const uniqueViolation = "23505"

var (
	_ store.Store          = (*Store)(nil)
	_ store.AtomicReserver = (*Store)(nil)
)

type Store struct {
	db *bun.DB
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return Close(s.db)
}

func (s *Store) CreateReservation(ctx context.Context, entry domain.Reservation) error {
	return insertReservation(ctx, s.db, entry)
}

func (s *Store) GetReservation(ctx context.Context, key string) (domain.Reservation, error) {
	var row domain.Reservation
	err := s.db.NewSelect().
		Model(&row).
		Where("slot_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Reservation{}, mapNoRows(err)
	}
	return row, nil
}

func (s *Store) ListReservations(ctx context.Context, providerID string, date domain.Date) ([]domain.Reservation, error) {
	var rows []domain.Reservation
	err := s.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		OrderExpr("time_slot ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) DeleteReservation(ctx context.Context, key string, ownerID uuid.UUID) error {
	n, err := deleteReservation(ctx, s.db, key, ownerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertAppointment(ctx context.Context, appt domain.Appointment) error {
	return insertAppointment(ctx, s.db, appt)
}

func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	return getAppointment(ctx, s.db, id)
}

func (s *Store) FindActiveAppointments(ctx context.Context, q store.SlotQuery) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	sel := s.db.NewSelect().
		Model(&rows).
		Where("status = ?", domain.AppointmentStatusActive).
		Where("date = ?", q.Date)
	if q.UserID != "" {
		sel = sel.Where("user_id = ?", q.UserID)
	}
	if q.ProviderID != "" {
		sel = sel.Where("provider_id = ?", q.ProviderID)
	}
	if q.TimeSlot != "" {
		sel = sel.Where("time_slot = ?", q.TimeSlot)
	}
	if err := sel.OrderExpr("time_slot ASC, created_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	sel := s.db.NewSelect().Model(&rows)
	if f.UserID != "" {
		sel = sel.Where("user_id = ?", f.UserID)
	}
	if f.ProviderID != "" {
		sel = sel.Where("provider_id = ?", f.ProviderID)
	}
	if f.Status != "" {
		sel = sel.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		sel = sel.Where("date >= ?", f.From)
	}
	if !f.To.IsZero() {
		sel = sel.Where("date <= ?", f.To)
	}
	sel = sel.OrderExpr("date ASC, time_slot ASC, created_at ASC, id ASC")
	if f.Offset > 0 {
		sel = sel.Offset(f.Offset)
	}
	if f.Limit > 0 {
		sel = sel.Limit(f.Limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) UpdateNotes(ctx context.Context, id uuid.UUID, notes string, at time.Time) (domain.Appointment, error) {
	var out domain.Appointment
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*domain.Appointment)(nil)).
			Set("rehabilitation_notes = ?", notes).
			Set("updated_at = ?", at).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return store.ErrNotFound
		}
		out, err = getAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func (s *Store) CancelAppointment(ctx context.Context, id uuid.UUID, by domain.CancelledBy, at time.Time) (bool, error) {
	n, err := cancelAppointment(ctx, s.db, store.CancelOp{ID: id, CancelledBy: by, At: at})
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := getAppointment(ctx, s.db, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) InsertBlock(ctx context.Context, block domain.BlockedTimeSlot) error {
	return insertBlock(ctx, s.db, block)
}

func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (domain.BlockedTimeSlot, error) {
	var row domain.BlockedTimeSlot
	err := s.db.NewSelect().
		Model(&row).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.BlockedTimeSlot{}, mapNoRows(err)
	}
	return row, nil
}

func (s *Store) ListBlocks(ctx context.Context, providerID string, date domain.Date) ([]domain.BlockedTimeSlot, error) {
	var rows []domain.BlockedTimeSlot
	err := s.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		OrderExpr("time_slot ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ApplyBatch(ctx context.Context, b store.Batch) (store.BatchResult, error) {
	var res store.BatchResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res = store.BatchResult{}
		for _, op := range b.CancelAppointments {
			n, err := cancelAppointment(ctx, tx, op)
			if err != nil {
				return err
			}
			res.Cancelled += int(n)
		}
		for _, id := range b.DeleteBlocks {
			r, err := tx.NewDelete().
				Model((*domain.BlockedTimeSlot)(nil)).
				Where("id = ?", id).
				Exec(ctx)
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			res.BlocksDeleted += int(n)
		}
		for _, ref := range b.ReleaseReservations {
			n, err := deleteReservation(ctx, tx, ref.Key, ref.OwnerID)
			if err != nil {
				return err
			}
			res.ReservationsReleased += int(n)
		}
		return nil
	})
	if err != nil {
		return store.BatchResult{}, err
	}
	return res, nil
}

func (s *Store) ReserveAppointment(ctx context.Context, entry domain.Reservation, appt domain.Appointment) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := insertReservation(ctx, tx, entry); err != nil {
			return err
		}
		return insertAppointment(ctx, tx, appt)
	})
}

func (s *Store) ReserveBlock(ctx context.Context, entry domain.Reservation, block domain.BlockedTimeSlot) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := insertReservation(ctx, tx, entry); err != nil {
			return err
		}
		return insertBlock(ctx, tx, block)
	})
}

func insertReservation(ctx context.Context, db bun.IDB, entry domain.Reservation) error {
	res, err := db.NewInsert().
		Model(&entry).
		On("CONFLICT (slot_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return mapUniqueViolation(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func deleteReservation(ctx context.Context, db bun.IDB, key string, ownerID uuid.UUID) (int64, error) {
	res, err := db.NewDelete().
		Model((*domain.Reservation)(nil)).
		Where("slot_key = ?", key).
		Where("owner_id = ?", ownerID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func insertAppointment(ctx context.Context, db bun.IDB, appt domain.Appointment) error {
	if _, err := db.NewInsert().Model(&appt).Exec(ctx); err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func insertBlock(ctx context.Context, db bun.IDB, block domain.BlockedTimeSlot) error {
	if _, err := db.NewInsert().Model(&block).Exec(ctx); err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func getAppointment(ctx context.Context, db bun.IDB, id uuid.UUID) (domain.Appointment, error) {
	var row domain.Appointment
	err := db.NewSelect().
		Model(&row).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, mapNoRows(err)
	}
	return row, nil
}

func cancelAppointment(ctx context.Context, db bun.IDB, op store.CancelOp) (int64, error) {
	res, err := db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("status = ?", domain.AppointmentStatusCancelled).
		Set("cancelled_by = ?", op.CancelledBy).
		Set("cancelled_at = ?", op.At).
		Set("updated_at = ?", op.At).
		Where("id = ?", op.ID).
		Where("status = ?", domain.AppointmentStatusActive).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrConflict
	}
	return err
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
