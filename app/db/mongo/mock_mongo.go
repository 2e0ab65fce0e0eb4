package mongo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"legalbot/m/v2/app/models"

	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MockMongoDBClient is an in-memory stand-in for the MongoDB client, used by
// tests of packages that only need the MongoClient contract.
type MockMongoDBClient struct {
	mu       sync.Mutex
	Users    map[string]*models.MongoUser
	History  map[string]*models.HistoryEntry
	Invoices map[string]models.MongoInvoice
	Err      error
}

func NewMockMongoDBClient(users ...models.MongoUser) *MockMongoDBClient {
	m := &MockMongoDBClient{
		Users:    map[string]*models.MongoUser{},
		History:  map[string]*models.HistoryEntry{},
		Invoices: map[string]models.MongoInvoice{},
	}
	for i := range users {
		u := users[i]
		m.Users[u.ID] = &u
	}
	return m
}

func (m *MockMongoDBClient) Disconnect(ctx context.Context) error { return nil }

func (m *MockMongoDBClient) EnsureIndexes(ctx context.Context) error { return m.Err }

func (m *MockMongoDBClient) Ping(ctx context.Context, rp *readpref.ReadPref) error { return m.Err }

func (m *MockMongoDBClient) user(id string) (*models.MongoUser, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	u, ok := m.Users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (m *MockMongoDBClient) GetUser(ctx context.Context, userID string) (*models.MongoUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return nil, err
	}
	c := *u
	return &c, nil
}

func (m *MockMongoDBClient) EnsureUser(ctx context.Context, user models.MongoUser) (*models.MongoUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if u, ok := m.Users[user.ID]; ok {
		c := *u
		return &c, nil
	}
	if user.Subscription.Name == "" {
		user.Subscription.Name = models.FreeSubscriptionName
	}
	user.LastUsedAt = user.CreatedAt
	m.Users[user.ID] = &user
	c := user
	return &c, nil
}

func (m *MockMongoDBClient) AcceptTerms(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.TermsAccepted = true
	u.TermsAcceptedAt = &at
	return nil
}

func (m *MockMongoDBClient) SetUserDisabled(ctx context.Context, userID string, disabled bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.Disabled = disabled
	u.DisabledAt = nil
	if disabled {
		u.DisabledAt = &at
	}
	return nil
}

func (m *MockMongoDBClient) TouchUser(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.LastUsedAt = at
	return nil
}

func (m *MockMongoDBClient) GetUsersCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.Users)), m.Err
}

func (m *MockMongoDBClient) GetUsersCountForSubscription(ctx context.Context, subscription models.MongoSubscriptionName) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range m.Users {
		if u.Subscription.Name == subscription {
			n++
		}
	}
	return n, m.Err
}

func (m *MockMongoDBClient) StartPayment(ctx context.Context, userID string, intent models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	if u.Payment != nil && !u.Payment.Status.Terminal() {
		return fmt.Errorf("StartPayment: %w", models.ErrStorageConflict)
	}
	p := intent
	u.Payment = &p
	return nil
}

func (m *MockMongoDBClient) TransitionPayment(ctx context.Context, userID, reference string, to models.PaymentStatus, at time.Time, upgrade *models.MongoSubscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return false, nil
	}
	if u.Payment == nil || u.Payment.Reference != reference || !u.Payment.Status.CanTransition(to) {
		return false, nil
	}
	u.Payment.Status = to
	u.Payment.UpdatedAt = at
	if upgrade != nil {
		u.Subscription = *upgrade
		u.LastNotifiedAt = nil
	}
	return true, nil
}

func (m *MockMongoDBClient) ListOpenPayments(ctx context.Context) ([]models.MongoUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.MongoUser{}
	for _, u := range m.Users {
		if u.Payment != nil && !u.Payment.Status.Terminal() {
			c := *u
			p := *u.Payment
			c.Payment = &p
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, m.Err
}

func (m *MockMongoDBClient) InsertInvoice(ctx context.Context, invoice models.MongoInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Invoices[invoice.ID]; !ok {
		m.Invoices[invoice.ID] = invoice
	}
	return m.Err
}

func (m *MockMongoDBClient) ListSubscriptionsExpiringBefore(ctx context.Context, before time.Time) ([]models.MongoUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.MongoUser{}
	for _, u := range m.Users {
		s := u.Subscription
		if s.Name.Paid() && s.ExpiresAt != nil && s.ExpiresAt.Before(before) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, m.Err
}

func (m *MockMongoDBClient) MarkNotified(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.LastNotifiedAt = &at
	return nil
}

func (m *MockMongoDBClient) DowngradeSubscription(ctx context.Context, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return false, err
	}
	s := u.Subscription
	if !s.Name.Paid() || s.ExpiresAt == nil || s.ExpiresAt.After(at) {
		return false, nil
	}
	u.Subscription = models.MongoSubscription{Name: models.FreeSubscriptionName}
	return true, nil
}

func (m *MockMongoDBClient) UpsertHistory(ctx context.Context, entry models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.History[entry.ID]; !ok {
		e := entry
		m.History[entry.ID] = &e
	}
	return nil
}

func (m *MockMongoDBClient) ListHistory(ctx context.Context, userID string, limit int64) ([]models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.HistoryEntry{}
	for _, e := range m.History {
		if e.UserID == userID && !e.Deleted {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, m.Err
}

func (m *MockMongoDBClient) GetHistory(ctx context.Context, userID, id string) (*models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.History[id]
	if !ok || e.UserID != userID || e.Deleted {
		return nil, fmt.Errorf("GetHistory: %w", models.ErrNotFound)
	}
	c := *e
	return &c, nil
}

func (m *MockMongoDBClient) SoftDeleteHistory(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.History[id]
	if !ok || e.UserID != userID || e.Deleted {
		return false, m.Err
	}
	e.Deleted = true
	e.DeletedAt = &at
	return true, m.Err
}

func (m *MockMongoDBClient) RateHistory(ctx context.Context, userID, id string, rating int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.History[id]
	if !ok || e.UserID != userID || e.Deleted {
		return false, m.Err
	}
	e.Rating = rating
	e.RatedAt = &at
	return true, m.Err
}

func (m *MockMongoDBClient) SoftDeleteAllHistory(ctx context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.History {
		if e.UserID == userID && !e.Deleted {
			e.Deleted = true
			e.DeletedAt = &at
			n++
		}
	}
	return n, m.Err
}

// HistoryCount counts entries including soft-deleted ones.
func (m *MockMongoDBClient) HistoryCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.History {
		if e.UserID == userID {
			n++
		}
	}
	return n
}
