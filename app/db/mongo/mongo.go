package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	MongoUserCollection    = "users"
	MongoHistoryCollection = "history"
	MongoInvoiceCollection = "invoices"
)

// Client is a mongo client
type Client struct {
	*mongo.Client
}

type MongoClient interface {
	Disconnect(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context, rp *readpref.ReadPref) error

	AcceptTerms(ctx context.Context, userID string, at time.Time) error
	EnsureUser(ctx context.Context, user models.MongoUser) (*models.MongoUser, error)
	GetUser(ctx context.Context, userID string) (*models.MongoUser, error)
	GetUsersCount(ctx context.Context) (int64, error)
	GetUsersCountForSubscription(ctx context.Context, subscription models.MongoSubscriptionName) (int64, error)
	SetUserDisabled(ctx context.Context, userID string, disabled bool, at time.Time) error
	TouchUser(ctx context.Context, userID string, at time.Time) error

	InsertInvoice(ctx context.Context, invoice models.MongoInvoice) error
	ListOpenPayments(ctx context.Context) ([]models.MongoUser, error)
	StartPayment(ctx context.Context, userID string, intent models.PaymentIntent) error
	TransitionPayment(ctx context.Context, userID, reference string, to models.PaymentStatus, at time.Time, upgrade *models.MongoSubscription) (bool, error)

	DowngradeSubscription(ctx context.Context, userID string, at time.Time) (bool, error)
	ListSubscriptionsExpiringBefore(ctx context.Context, before time.Time) ([]models.MongoUser, error)
	MarkNotified(ctx context.Context, userID string, at time.Time) error

	GetHistory(ctx context.Context, userID, id string) (*models.HistoryEntry, error)
	ListHistory(ctx context.Context, userID string, limit int64) ([]models.HistoryEntry, error)
	SoftDeleteAllHistory(ctx context.Context, userID string, at time.Time) (int64, error)
	SoftDeleteHistory(ctx context.Context, userID, id string, at time.Time) (bool, error)
	RateHistory(ctx context.Context, userID, id string, rating int, at time.Time) (bool, error)
	UpsertHistory(ctx context.Context, entry models.HistoryEntry) error
}

var MongoDBClient MongoClient

// NewClient creates a new mongo client
func NewClient(connection string) *Client {
	return &Client{
		Client: mustConnect(connection),
	}
}

// mustConnect connects to mongo and panics on error
func mustConnect(connection string) *mongo.Client {
	client, err := mongo.NewClient(options.Client().ApplyURI(connection).SetMaxConnecting(25))
	if err != nil {
		logrus.WithError(err).Panic("failed to create mongo client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.Connect(ctx)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to mongo")
	}

	return client
}

// EnsureIndexes creates the indexes the queries rely on. Existing indexes are left alone.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	_, err := c.history().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "deleted", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("EnsureIndexes: history: %w", err)
	}
	_, err = c.users().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "payment.status", Value: 1}}},
		{Keys: bson.D{{Key: "subscription.name", Value: 1}, {Key: "subscription.expires_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("EnsureIndexes: users: %w", err)
	}
	return nil
}

func (c *Client) users() *mongo.Collection {
	return c.Database(config.CONFIG.MongoDBName).Collection(MongoUserCollection)
}

func (c *Client) GetUser(ctx context.Context, userID string) (*models.MongoUser, error) {
	var user models.MongoUser
	err := c.users().FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("GetUser: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetUser: failed to find user: %w", err)
	}
	return &user, nil
}

// EnsureUser inserts the user on first contact and returns the stored document either way.
func (c *Client) EnsureUser(ctx context.Context, user models.MongoUser) (*models.MongoUser, error) {
	if user.Subscription.Name == "" {
		user.Subscription.Name = models.FreeSubscriptionName
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"name":           user.Name,
			"language":       user.Language,
			"source":         user.Source,
			"terms_accepted": false,
			"subscription":   user.Subscription,
			"disabled":       false,
			"created_at":     user.CreatedAt,
			"last_used_at":   user.CreatedAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored models.MongoUser
	err := c.users().FindOneAndUpdate(ctx, bson.M{"_id": user.ID}, update, opts).Decode(&stored)
	if err != nil {
		return nil, fmt.Errorf("EnsureUser: %w", err)
	}
	return &stored, nil
}

func (c *Client) AcceptTerms(ctx context.Context, userID string, at time.Time) error {
	_, err := c.users().UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$set": bson.M{"terms_accepted": true, "terms_accepted_at": at},
	})
	return err
}

// SetUserDisabled soft-disables a user or brings them back. Users are never deleted.
func (c *Client) SetUserDisabled(ctx context.Context, userID string, disabled bool, at time.Time) error {
	set := bson.M{"disabled": disabled, "disabled_at": at}
	if !disabled {
		set["disabled_at"] = nil
	}
	_, err := c.users().UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": set})
	return err
}

func (c *Client) TouchUser(ctx context.Context, userID string, at time.Time) error {
	_, err := c.users().UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$set": bson.M{"last_used_at": at},
	})
	return err
}

func (c *Client) GetUsersCount(ctx context.Context) (int64, error) {
	count, err := c.users().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("GetUsersCount: failed to get users count: %w", err)
	}
	return count, nil
}

func (c *Client) GetUsersCountForSubscription(ctx context.Context, subscription models.MongoSubscriptionName) (int64, error) {
	count, err := c.users().CountDocuments(ctx, bson.M{"subscription.name": subscription})
	if err != nil {
		return 0, fmt.Errorf("GetUsersCountForSubscription: failed to get users count: %w", err)
	}
	return count, nil
}

// StartPayment records a new intent on the user. It refuses to replace an intent
// that is still open, the caller has to resolve that one first.
func (c *Client) StartPayment(ctx context.Context, userID string, intent models.PaymentIntent) error {
	filter := bson.M{
		"_id": userID,
		"$or": bson.A{
			bson.M{"payment": bson.M{"$exists": false}},
			bson.M{"payment": nil},
			bson.M{"payment.status": bson.M{"$nin": models.OpenPaymentStatuses}},
		},
	}
	res, err := c.users().UpdateOne(ctx, filter, bson.M{"$set": bson.M{"payment": intent}})
	if err != nil {
		return fmt.Errorf("StartPayment: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("StartPayment: %w", models.ErrStorageConflict)
	}
	return nil
}

// TransitionPayment moves the user's intent with the given reference to status to,
// granting upgrade in the same single-document update. It reports false when the
// intent is missing or already in a state that cannot move to `to`.
func (c *Client) TransitionPayment(ctx context.Context, userID, reference string, to models.PaymentStatus, at time.Time, upgrade *models.MongoSubscription) (bool, error) {
	from := []models.PaymentStatus{}
	for _, s := range models.OpenPaymentStatuses {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	if len(from) == 0 {
		return false, nil
	}
	set := bson.M{
		"payment.status":     to,
		"payment.updated_at": at,
	}
	if upgrade != nil {
		set["subscription"] = *upgrade
		set["last_notified_at"] = nil
	}
	filter := bson.M{
		"_id":               userID,
		"payment.reference": reference,
		"payment.status":    bson.M{"$in": from},
	}
	res, err := c.users().UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("TransitionPayment: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (c *Client) ListOpenPayments(ctx context.Context) ([]models.MongoUser, error) {
	cursor, err := c.users().Find(ctx, bson.M{"payment.status": bson.M{"$in": models.OpenPaymentStatuses}})
	if err != nil {
		return nil, fmt.Errorf("ListOpenPayments: %w", err)
	}
	var users []models.MongoUser
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("ListOpenPayments: %w", err)
	}
	return users, nil
}

func (c *Client) InsertInvoice(ctx context.Context, invoice models.MongoInvoice) error {
	collection := c.Database(config.CONFIG.MongoDBName).Collection(MongoInvoiceCollection)
	_, err := collection.UpdateOne(ctx, bson.M{"_id": invoice.ID}, bson.M{"$setOnInsert": bson.M{
		"user_id":    invoice.UserID,
		"tier":       invoice.Tier,
		"amount":     invoice.AmountMinor,
		"currency":   invoice.Currency,
		"created_at": invoice.CreatedAt,
	}}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("InsertInvoice: %w", err)
	}
	return nil
}

func (c *Client) ListSubscriptionsExpiringBefore(ctx context.Context, before time.Time) ([]models.MongoUser, error) {
	filter := bson.M{
		"subscription.name":       bson.M{"$in": bson.A{models.BasicSubscriptionName, models.PremiumSubscriptionName}},
		"subscription.expires_at": bson.M{"$lt": before},
	}
	cursor, err := c.users().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ListSubscriptionsExpiringBefore: %w", err)
	}
	var users []models.MongoUser
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("ListSubscriptionsExpiringBefore: %w", err)
	}
	return users, nil
}

func (c *Client) MarkNotified(ctx context.Context, userID string, at time.Time) error {
	_, err := c.users().UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{"last_notified_at": at}})
	return err
}

// DowngradeSubscription drops an expired paid plan back to free. A plan renewed
// in the meantime is left alone.
func (c *Client) DowngradeSubscription(ctx context.Context, userID string, at time.Time) (bool, error) {
	filter := bson.M{
		"_id":                     userID,
		"subscription.name":       bson.M{"$ne": models.FreeSubscriptionName},
		"subscription.expires_at": bson.M{"$lte": at},
	}
	res, err := c.users().UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"subscription": models.MongoSubscription{Name: models.FreeSubscriptionName},
	}})
	if err != nil {
		return false, fmt.Errorf("DowngradeSubscription: %w", err)
	}
	return res.ModifiedCount == 1, nil
}
