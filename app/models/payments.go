package models

import "time"

const (
	FreeSubscriptionName    MongoSubscriptionName = "free"
	BasicSubscriptionName   MongoSubscriptionName = "basic"
	PremiumSubscriptionName MongoSubscriptionName = "premium"
)

// tierRank orders tiers so that a higher tier includes everything below it.
var tierRank = map[MongoSubscriptionName]int{
	FreeSubscriptionName:    0,
	BasicSubscriptionName:   1,
	PremiumSubscriptionName: 2,
}

// Includes reports whether tier s grants everything tier required grants.
func (s MongoSubscriptionName) Includes(required MongoSubscriptionName) bool {
	return tierRank[s] >= tierRank[required]
}

func (s MongoSubscriptionName) Paid() bool {
	return s == BasicSubscriptionName || s == PremiumSubscriptionName
}

type Plan struct {
	Name        MongoSubscriptionName
	Title       string
	AmountMinor int64
	Duration    time.Duration
}

type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentExpired
}

// CanTransition reports whether a payment in status s may move to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	switch s {
	case PaymentCreated:
		return next == PaymentPending || next.Terminal()
	case PaymentPending:
		return next.Terminal()
	default:
		return false
	}
}

// OpenPaymentStatuses are the statuses a callback or poll may still move.
var OpenPaymentStatuses = []PaymentStatus{PaymentCreated, PaymentPending}

type PaymentIntent struct {
	Reference   string                `bson:"reference"`
	Tier        MongoSubscriptionName `bson:"tier"`
	AmountMinor int64                 `bson:"amount"`
	Currency    string                `bson:"currency"`
	URL         string                `bson:"url"`
	Status      PaymentStatus         `bson:"status"`
	CreatedAt   time.Time             `bson:"created_at"`
	UpdatedAt   time.Time             `bson:"updated_at"`
}

type MongoInvoice struct {
	ID          string                `bson:"_id"`
	UserID      string                `bson:"user_id"`
	Tier        MongoSubscriptionName `bson:"tier"`
	AmountMinor int64                 `bson:"amount"`
	Currency    string                `bson:"currency"`
	CreatedAt   time.Time             `bson:"created_at"`
}
