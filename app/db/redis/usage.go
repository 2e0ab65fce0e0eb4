package redis

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	r "github.com/go-redis/redis/v8"
)

func ConsultationsKey(user string) string {
	return user + ":consultations"
}

func BannedKey(user string) string {
	return user + ":banned"
}

// ConsumeQuota takes one unit from the counter at key if fewer than limit were used.
// INCR is atomic, so among concurrent callers exactly limit of them win; losers
// give their increment back.
func ConsumeQuota(ctx context.Context, c Client, key string, limit int64) (bool, error) {
	used, err := c.IncrBy(ctx, key, 1).Result()
	if err != nil {
		return false, err
	}
	if used <= limit {
		return true, nil
	}
	if err := c.IncrBy(ctx, key, -1).Err(); err != nil {
		log.Errorf("ConsumeQuota: failed to roll back %s: %v", key, err)
	}
	return false, nil
}

func RefundQuota(ctx context.Context, c Client, key string) error {
	return c.IncrBy(ctx, key, -1).Err()
}

func UsedQuota(ctx context.Context, c Client, key string) (int64, error) {
	used, err := c.Get(ctx, key).Int64()
	if errors.Is(err, r.Nil) {
		return 0, nil
	}
	return used, err
}

func IsUserBanned(chatID string) bool {
	banned, err := RedisClient.Get(context.Background(), BannedKey(chatID)).Result()
	if err != nil {
		return false
	}
	return banned == "true"
}

func SetUserBanned(ctx context.Context, chatID string, banned bool) error {
	if !banned {
		return RedisClient.Del(ctx, BannedKey(chatID)).Err()
	}
	log.Infof("Banning user %s", chatID)
	return RedisClient.Set(ctx, BannedKey(chatID), "true", 0).Err()
}
