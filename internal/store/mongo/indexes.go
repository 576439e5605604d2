package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the secondary indexes used by the per-day queries.
// Slot uniqueness needs no index: reservation documents are keyed by slot key.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	byCollection := map[*mongo.Collection][]mongo.IndexModel{
		s.reservations: {
			{
				Keys:    bson.D{{Key: "providerId", Value: 1}, {Key: "date", Value: 1}},
				Options: options.Index().SetName("provider_date_idx"),
			},
		},
		s.appointments: {
			{
				Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "date", Value: 1}, {Key: "timeSlot", Value: 1}},
				Options: options.Index().SetName("user_date_slot_idx"),
			},
			{
				Keys:    bson.D{{Key: "providerId", Value: 1}, {Key: "date", Value: 1}, {Key: "timeSlot", Value: 1}},
				Options: options.Index().SetName("provider_date_slot_idx"),
			},
		},
		s.blocks: {
			{
				Keys:    bson.D{{Key: "providerId", Value: 1}, {Key: "date", Value: 1}},
				Options: options.Index().SetName("provider_date_idx"),
			},
		},
	}

	for coll, models := range byCollection {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", coll.Name(), err)
		}
	}
	return nil
}
