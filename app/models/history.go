package models

import "time"

// Ratings users can give a delivered result.
const (
	MinRating = 1
	MaxRating = 5
)

type HistoryEntry struct {
	ID        string            `bson:"_id"`
	UserID    string            `bson:"user_id"`
	FlowID    string            `bson:"flow_id"`
	Title     string            `bson:"title"`
	Inputs    map[string]string `bson:"inputs"`
	Output    string            `bson:"output"`
	Rating    int               `bson:"rating,omitempty"`
	RatedAt   *time.Time        `bson:"rated_at,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	Deleted   bool              `bson:"deleted"`
	DeletedAt *time.Time        `bson:"deleted_at,omitempty"`
}
