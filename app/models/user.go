package models

import "time"

type MongoUser struct {
	ID               string            `bson:"_id"`
	Name             string            `bson:"name"`
	Language         string            `bson:"language"`
	Source           string            `bson:"source"`
	TermsAccepted    bool              `bson:"terms_accepted"`
	TermsAcceptedAt  *time.Time        `bson:"terms_accepted_at,omitempty"`
	Subscription     MongoSubscription `bson:"subscription"`
	Payment          *PaymentIntent    `bson:"payment,omitempty"`
	Disabled         bool              `bson:"disabled"`
	DisabledAt       *time.Time        `bson:"disabled_at,omitempty"`
	CreatedAt        time.Time         `bson:"created_at"`
	LastUsedAt       time.Time         `bson:"last_used_at"`
	LastNotifiedAt   *time.Time        `bson:"last_notified_at,omitempty"`
	StripeCustomerId string            `bson:"stripe_customer_id,omitempty"`
}

type MongoSubscription struct {
	Name      MongoSubscriptionName `bson:"name"`
	StartedAt *time.Time            `bson:"started_at,omitempty"`
	ExpiresAt *time.Time            `bson:"expires_at,omitempty"`
}

type MongoSubscriptionName string

// Active reports whether a paid subscription is in force at the given moment.
// The free tier is always active.
func (s MongoSubscription) Active(now time.Time) bool {
	if s.Name == "" || s.Name == FreeSubscriptionName {
		return true
	}
	return s.ExpiresAt != nil && now.Before(*s.ExpiresAt)
}

// Tier is the effective tier at the given moment, expired paid plans fall back to free.
func (u *MongoUser) Tier(now time.Time) MongoSubscriptionName {
	if u == nil || u.Subscription.Name == "" || !u.Subscription.Active(now) {
		return FreeSubscriptionName
	}
	return u.Subscription.Name
}
