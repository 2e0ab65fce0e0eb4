package lib

import (
	"context"
	"fmt"
	"time"

	"legalbot/m/v2/app/db/redis"
	"legalbot/m/v2/app/models"
)

var (
	TIMEOUT       = 2 * time.Minute
	ErrUserBanned = fmt.Errorf("user is banned")
)

type ClientName string

const (
	TelegramClientName ClientName = "telegram"
)

// SetupUserAndContext rejects banned users and builds the request context
// carrying the user id and the client it came from.
func SetupUserAndContext(userId string, client ClientName) (currentContext context.Context, cancelContext context.CancelFunc, err error) {
	if redis.IsUserBanned(userId) {
		return nil, nil, ErrUserBanned
	}

	currentContext = context.WithValue(context.Background(), models.UserContext{}, userId)
	currentContext = context.WithValue(currentContext, models.ClientContext{}, string(client))
	currentContext, cancelContext = context.WithTimeout(currentContext, TIMEOUT)
	return currentContext, cancelContext, nil
}

// UserID returns the user id stored by SetupUserAndContext, if any.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(models.UserContext{}).(string)
	return id
}
