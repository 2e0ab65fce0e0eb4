package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"legalbot/m/v2/app/models"

	r "github.com/go-redis/redis/v8"
)

const ActiveSessionsKey = "sessions:active"

func SessionKey(user string) string {
	return user + ":session"
}

// SessionStore keeps one JSON session record per user and guards writes with
// an optimistic version check. Non-idle sessions are also indexed by last
// activity so the sweeper can find stale ones.
type SessionStore struct {
	client Client
	ttl    time.Duration
}

func NewSessionStore(client Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Load returns the stored session or a fresh idle one with version 0.
func (s *SessionStore) Load(ctx context.Context, userID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, SessionKey(userID)).Bytes()
	if errors.Is(err, r.Nil) {
		return models.NewSession(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: Load: %v", models.ErrStorageFailure, err)
	}
	session, err := decodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("%w: Load: %v", models.ErrStorageFailure, err)
	}
	session.UserID = userID
	return session, nil
}

// Save writes the session only if the stored version still equals expectedVersion.
// On success session.Version is bumped. A lost race yields models.ErrStorageConflict.
func (s *SessionStore) Save(ctx context.Context, userID string, session *models.Session, expectedVersion int64) error {
	key := SessionKey(userID)
	next := *session
	next.UserID = userID
	next.Version = expectedVersion + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("%w: Save: %v", models.ErrStorageFailure, err)
	}

	err = s.client.Watch(ctx, func(tx *r.Tx) error {
		current := int64(0)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, r.Nil):
		case err != nil:
			return err
		default:
			stored, err := decodeSession(data)
			if err != nil {
				return err
			}
			current = stored.Version
		}
		if current != expectedVersion {
			return models.ErrStorageConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if next.Idle() {
				pipe.ZRem(ctx, ActiveSessionsKey, userID)
			} else {
				pipe.ZAdd(ctx, ActiveSessionsKey, &r.Z{Score: float64(next.LastActivity.Unix()), Member: userID})
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		session.Version = next.Version
		return nil
	case errors.Is(err, models.ErrStorageConflict), errors.Is(err, r.TxFailedErr):
		return models.ErrStorageConflict
	default:
		return fmt.Errorf("%w: Save: %v", models.ErrStorageFailure, err)
	}
}

// Stale lists users whose active session saw no activity at or before the given time.
func (s *SessionStore) Stale(ctx context.Context, before time.Time) ([]string, error) {
	users, err := s.client.ZRangeByScore(ctx, ActiveSessionsKey, &r.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: Stale: %v", models.ErrStorageFailure, err)
	}
	return users, nil
}

// ActiveCount is the number of non-idle sessions.
func (s *SessionStore) ActiveCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, ActiveSessionsKey).Result()
}

func decodeSession(data []byte) (*models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decodeSession: %w", err)
	}
	if session.Fields == nil {
		session.Fields = map[string]string{}
	}
	return &session, nil
}
