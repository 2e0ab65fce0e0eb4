// Run daily to warn about expiring subscriptions and downgrade expired ones
package subscriptions

import (
	"context"
	"fmt"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/models"
	"legalbot/m/v2/app/workers"

	log "github.com/sirupsen/logrus"
)

const WarnBefore = 3 * 24 * time.Hour

type Sender interface {
	Send(ctx context.Context, userID string, response models.Response)
}

var (
	WORKER *workers.Worker
	Notify Sender
)

func Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	warned, downgraded, err := Process(ctx, mongo.MongoDBClient, Notify, WORKER.Now())
	if err != nil {
		log.Errorf("[subscriptions] %s", err)
		WORKER.Alert("subscriptions worker failed: " + err.Error())
		return
	}
	config.Metrics().Gauge("subscriptions_worker.warned", float64(warned), nil, 1)
	config.Metrics().Gauge("subscriptions_worker.downgraded", float64(downgraded), nil, 1)
	log.Infof("[subscriptions] warned %d users, downgraded %d", warned, downgraded)
}

// Process warns each user once per expiry about a plan ending within
// WarnBefore and moves expired plans back to free.
func Process(ctx context.Context, db mongo.MongoClient, sender Sender, now time.Time) (warned, downgraded int, err error) {
	users, err := db.ListSubscriptionsExpiringBefore(ctx, now.Add(WarnBefore))
	if err != nil {
		return 0, 0, err
	}
	for _, user := range users {
		expires := *user.Subscription.ExpiresAt
		if !expires.After(now) {
			ok, err := db.DowngradeSubscription(ctx, user.ID, now)
			if err != nil {
				log.Errorf("[subscriptions] failed to downgrade user %s: %s", user.ID, err)
				continue
			}
			if ok {
				downgraded++
				send(ctx, sender, user.ID, fmt.Sprintf("Your %s plan has expired. Use /upgrade to renew it.", user.Subscription.Name))
			}
			continue
		}
		if user.LastNotifiedAt != nil && user.LastNotifiedAt.After(expires.Add(-WarnBefore)) {
			continue
		}
		if err := db.MarkNotified(ctx, user.ID, now); err != nil {
			log.Errorf("[subscriptions] failed to mark user %s notified: %s", user.ID, err)
			continue
		}
		warned++
		send(ctx, sender, user.ID, fmt.Sprintf("Your %s plan expires on %s. Use /upgrade to renew it.", user.Subscription.Name, expires.Format("2006-01-02")))
	}
	return warned, downgraded, nil
}

func send(ctx context.Context, sender Sender, userID, text string) {
	if sender == nil {
		return
	}
	sender.Send(ctx, userID, models.Response{
		Kind: models.ResponseNotice,
		Text: text,
	})
}
