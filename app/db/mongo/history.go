package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (c *Client) history() *mongo.Collection {
	return c.Database(config.CONFIG.MongoDBName).Collection(MongoHistoryCollection)
}

// UpsertHistory writes the entry once. The id is the flow run id, so replaying
// the same completion leaves the first write in place.
func (c *Client) UpsertHistory(ctx context.Context, entry models.HistoryEntry) error {
	update := bson.M{"$setOnInsert": bson.M{
		"user_id":    entry.UserID,
		"flow_id":    entry.FlowID,
		"title":      entry.Title,
		"inputs":     entry.Inputs,
		"output":     entry.Output,
		"created_at": entry.CreatedAt,
		"deleted":    false,
	}}
	_, err := c.history().UpdateOne(ctx, bson.M{"_id": entry.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("UpsertHistory: %w", err)
	}
	return nil
}

func (c *Client) ListHistory(ctx context.Context, userID string, limit int64) ([]models.HistoryEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := c.history().Find(ctx, bson.M{"user_id": userID, "deleted": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("ListHistory: %w", err)
	}
	entries := []models.HistoryEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("ListHistory: %w", err)
	}
	return entries, nil
}

func (c *Client) GetHistory(ctx context.Context, userID, id string) (*models.HistoryEntry, error) {
	var entry models.HistoryEntry
	err := c.history().FindOne(ctx, bson.M{"_id": id, "user_id": userID, "deleted": false}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("GetHistory: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetHistory: %w", err)
	}
	return &entry, nil
}

func (c *Client) SoftDeleteHistory(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	res, err := c.history().UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "deleted_at": at}})
	if err != nil {
		return false, fmt.Errorf("SoftDeleteHistory: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// RateHistory stores the user's rating of a visible entry. Rating again
// overwrites the previous value.
func (c *Client) RateHistory(ctx context.Context, userID, id string, rating int, at time.Time) (bool, error) {
	res, err := c.history().UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"rating": rating, "rated_at": at}})
	if err != nil {
		return false, fmt.Errorf("RateHistory: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (c *Client) SoftDeleteAllHistory(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := c.history().UpdateMany(ctx,
		bson.M{"user_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "deleted_at": at}})
	if err != nil {
		return 0, fmt.Errorf("SoftDeleteAllHistory: %w", err)
	}
	return res.ModifiedCount, nil
}
