package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
)

const defaultOpTimeout = 5 * time.Second

var _ store.Store = (*Store)(nil)

// Store keeps reservations, appointments and blocks in three collections.
// Batches need a replica set because they run in a multi-document
// transaction.
type Store struct {
	client    *mongo.Client
	opTimeout time.Duration

	reservations *mongo.Collection
	appointments *mongo.Collection
	blocks       *mongo.Collection
}

func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return New(client, database), nil
}

func New(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		client:       client,
		opTimeout:    defaultOpTimeout,
		reservations: db.Collection(reservationsCollection),
		appointments: db.Collection(appointmentsCollection),
		blocks:       db.Collection(blocksCollection),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateReservation(ctx context.Context, entry domain.Reservation) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.reservations.InsertOne(ctx, toReservationDoc(entry))
	return mapInsertErr(err)
}

func (s *Store) GetReservation(ctx context.Context, key string) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var doc reservationDoc
	if err := s.reservations.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		return domain.Reservation{}, mapFindErr(err)
	}
	return doc.domain()
}

func (s *Store) ListReservations(ctx context.Context, providerID string, date domain.Date) ([]domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	filter := bson.M{"providerId": providerID, "date": date.String()}
	cursor, err := s.reservations.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timeSlot", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []reservationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Reservation, 0, len(docs))
	for _, d := range docs {
		r, err := d.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) DeleteReservation(ctx context.Context, key string, ownerID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	n, err := deleteReservation(ctx, s.reservations, key, ownerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertAppointment(ctx context.Context, appt domain.Appointment) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.appointments.InsertOne(ctx, toAppointmentDoc(appt))
	return mapInsertErr(err)
}

func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var doc appointmentDoc
	if err := s.appointments.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		return domain.Appointment{}, mapFindErr(err)
	}
	return doc.domain()
}

func (s *Store) FindActiveAppointments(ctx context.Context, q store.SlotQuery) ([]domain.Appointment, error) {
	filter := bson.M{
		"status": string(domain.AppointmentStatusActive),
		"date":   q.Date.String(),
	}
	if q.UserID != "" {
		filter["userId"] = q.UserID
	}
	if q.ProviderID != "" {
		filter["providerId"] = q.ProviderID
	}
	if q.TimeSlot != "" {
		filter["timeSlot"] = q.TimeSlot
	}
	return s.findAppointments(ctx, filter, options.Find().SetSort(appointmentOrder))
}

var appointmentOrder = bson.D{
	{Key: "date", Value: 1},
	{Key: "timeSlot", Value: 1},
	{Key: "createdAt", Value: 1},
	{Key: "_id", Value: 1},
}

func (s *Store) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]domain.Appointment, error) {
	filter := bson.M{}
	if f.UserID != "" {
		filter["userId"] = f.UserID
	}
	if f.ProviderID != "" {
		filter["providerId"] = f.ProviderID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	dateRange := bson.M{}
	if !f.From.IsZero() {
		dateRange["$gte"] = f.From.String()
	}
	if !f.To.IsZero() {
		dateRange["$lte"] = f.To.String()
	}
	if len(dateRange) > 0 {
		filter["date"] = dateRange
	}

	opts := options.Find().SetSort(appointmentOrder)
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return s.findAppointments(ctx, filter, opts)
}

func (s *Store) findAppointments(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	cursor, err := s.appointments.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []appointmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Appointment, 0, len(docs))
	for _, d := range docs {
		a, err := d.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateNotes(ctx context.Context, id uuid.UUID, notes string, at time.Time) (domain.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"rehabilitationNotes": notes,
		"updatedAt":           at.UTC(),
	}}
	var doc appointmentDoc
	err := s.appointments.FindOneAndUpdate(ctx, bson.M{"_id": id.String()}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return domain.Appointment{}, mapFindErr(err)
	}
	return doc.domain()
}

func (s *Store) CancelAppointment(ctx context.Context, id uuid.UUID, by domain.CancelledBy, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	n, err := cancelAppointment(ctx, s.appointments, store.CancelOp{ID: id, CancelledBy: by, At: at})
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	count, err := s.appointments.CountDocuments(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) InsertBlock(ctx context.Context, block domain.BlockedTimeSlot) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.blocks.InsertOne(ctx, toBlockDoc(block))
	return mapInsertErr(err)
}

func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (domain.BlockedTimeSlot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var doc blockDoc
	if err := s.blocks.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		return domain.BlockedTimeSlot{}, mapFindErr(err)
	}
	return doc.domain()
}

func (s *Store) ListBlocks(ctx context.Context, providerID string, date domain.Date) ([]domain.BlockedTimeSlot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	filter := bson.M{"providerId": providerID, "date": date.String()}
	cursor, err := s.blocks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timeSlot", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []blockDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.BlockedTimeSlot, 0, len(docs))
	for _, d := range docs {
		b, err := d.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) ApplyBatch(ctx context.Context, b store.Batch) (store.BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("could not start mongo session: %w", err)
	}
	defer sess.EndSession(ctx)

	var res store.BatchResult
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// The callback is retried on transient errors.
		res = store.BatchResult{}
		for _, op := range b.CancelAppointments {
			n, err := cancelAppointment(sc, s.appointments, op)
			if err != nil {
				return nil, err
			}
			res.Cancelled += int(n)
		}
		for _, id := range b.DeleteBlocks {
			r, err := s.blocks.DeleteOne(sc, bson.M{"_id": id.String()})
			if err != nil {
				return nil, err
			}
			res.BlocksDeleted += int(r.DeletedCount)
		}
		for _, ref := range b.ReleaseReservations {
			n, err := deleteReservation(sc, s.reservations, ref.Key, ref.OwnerID)
			if err != nil {
				return nil, err
			}
			res.ReservationsReleased += int(n)
		}
		return nil, nil
	})
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("batch transaction failed: %w", err)
	}
	return res, nil
}

func deleteReservation(ctx context.Context, coll *mongo.Collection, key string, ownerID uuid.UUID) (int64, error) {
	res, err := coll.DeleteOne(ctx, bson.M{"_id": key, "ownerId": ownerID.String()})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func cancelAppointment(ctx context.Context, coll *mongo.Collection, op store.CancelOp) (int64, error) {
	filter := bson.M{
		"_id":    op.ID.String(),
		"status": string(domain.AppointmentStatusActive),
	}
	update := bson.M{"$set": bson.M{
		"status":      string(domain.AppointmentStatusCancelled),
		"cancelledBy": string(op.CancelledBy),
		"cancelledAt": op.At.UTC(),
		"updatedAt":   op.At.UTC(),
	}}
	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func mapInsertErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}

func mapFindErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}
