// Package history keeps the log of finished consultations and documents.
package history

import (
	"context"
	"fmt"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/models"

	log "github.com/sirupsen/logrus"
)

const ListLimit = 20

type Recorder struct {
	db  mongo.MongoClient
	now func() time.Time
}

func NewRecorder(db mongo.MongoClient, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{db: db, now: now}
}

// Append stores a completed run. Entry ids are run ids, so appending the same
// run twice keeps one entry.
func (r *Recorder) Append(ctx context.Context, entry models.HistoryEntry) error {
	if entry.ID == "" || entry.UserID == "" {
		return fmt.Errorf("Append: entry id and user are required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	if err := r.db.UpsertHistory(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
	}
	config.Metrics().Incr("history.append", []string{"flow:" + entry.FlowID}, 1)
	log.Infof("Recorded %s run %s for user %s", entry.FlowID, entry.ID, entry.UserID)
	return nil
}

func (r *Recorder) List(ctx context.Context, userID string) ([]models.HistoryEntry, error) {
	return r.db.ListHistory(ctx, userID, ListLimit)
}

func (r *Recorder) Get(ctx context.Context, userID, id string) (*models.HistoryEntry, error) {
	return r.db.GetHistory(ctx, userID, id)
}

// SoftDelete hides one entry. Deleting an entry that is already gone reports models.ErrNotFound.
func (r *Recorder) SoftDelete(ctx context.Context, userID, id string) error {
	ok, err := r.db.SoftDeleteHistory(ctx, userID, id, r.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("SoftDelete: %w", models.ErrNotFound)
	}
	return nil
}

// Rate stores a rating from models.MinRating to models.MaxRating on an entry.
func (r *Recorder) Rate(ctx context.Context, userID, id string, rating int) error {
	if rating < models.MinRating || rating > models.MaxRating {
		return fmt.Errorf("Rate: %w: rating %d", models.ErrValidation, rating)
	}
	ok, err := r.db.RateHistory(ctx, userID, id, rating, r.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("Rate: %w", models.ErrNotFound)
	}
	config.Metrics().Incr("history.rated", []string{fmt.Sprintf("rating:%d", rating)}, 1)
	return nil
}

// Clear hides every entry of the user and returns how many were hidden.
func (r *Recorder) Clear(ctx context.Context, userID string) (int64, error) {
	return r.db.SoftDeleteAllHistory(ctx, userID, r.now())
}
