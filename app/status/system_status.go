package status

import (
	"context"
	"time"

	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/db/redis"
	"legalbot/m/v2/app/models"

	"github.com/sirupsen/logrus"
)

type SystemStatus struct {
	MongoDB *Status     `json:"mongodb"`
	Redis   *Status     `json:"redis"`
	AI      *Status     `json:"ai"`
	Time    time.Time   `json:"time"`
	Usage   SystemUsage `json:"usage"`
}

type SystemUsage struct {
	TotalUsers        int64 `json:"total_users"`
	TotalBasicUsers   int64 `json:"total_basic_users"`
	TotalPremiumUsers int64 `json:"total_premium_users"`
	ActiveSessions    int64 `json:"active_sessions"`
	OpenPayments      int64 `json:"open_payments"`
}

// Status
type Status struct {
	Available bool `json:"available"`
}

// Pinger reports whether the language model answers.
type Pinger interface {
	IsAvailable(ctx context.Context) bool
}

// SystemStatusHandler is a handler for system status
type SystemStatusHandler struct {
	MongoDB  mongo.MongoClient
	Redis    redis.Client
	AI       Pinger
	Sessions *redis.SessionStore
}

// New creates a new instance of SystemStatusHandler
func New(mongoDB mongo.MongoClient, redisClient redis.Client, ai Pinger) *SystemStatusHandler {
	h := &SystemStatusHandler{
		MongoDB: mongoDB,
		Redis:   redisClient,
		AI:      ai,
	}
	if redisClient != nil {
		h.Sessions = redis.NewSessionStore(redisClient, 0)
	}
	return h
}

// GetSystemStatus gets a status of the system
func (h *SystemStatusHandler) GetSystemStatus() SystemStatus {
	mongoAvailable := false
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	err := h.MongoDB.Ping(ctxPing, nil)
	if err != nil {
		logrus.WithError(err).Warn("GetSystemStatus: failed to ping MongoDB")
	} else {
		mongoAvailable = true
	}
	aiContext, cancelAI := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelAI()
	status := SystemStatus{
		MongoDB: &Status{
			Available: mongoAvailable,
		},
		Redis: &Status{
			Available: h.Redis != nil && h.Redis.Ping(context.Background()).Err() == nil,
		},
		AI: &Status{
			Available: h.AI != nil && h.AI.IsAvailable(aiContext),
		},
		Usage: SystemUsage{},
		Time:  time.Now(),
	}
	if status.Redis.Available && h.Sessions != nil {
		active, err := h.Sessions.ActiveCount(context.Background())
		if err != nil {
			logrus.WithError(err).Warn("GetSystemStatus: failed to count active sessions")
		}
		status.Usage.ActiveSessions = active
	}
	if status.MongoDB.Available {
		users, _ := h.MongoDB.GetUsersCount(context.Background())
		status.Usage.TotalUsers = users
		basicUsers, _ := h.MongoDB.GetUsersCountForSubscription(context.Background(), models.BasicSubscriptionName)
		status.Usage.TotalBasicUsers = basicUsers
		premiumUsers, _ := h.MongoDB.GetUsersCountForSubscription(context.Background(), models.PremiumSubscriptionName)
		status.Usage.TotalPremiumUsers = premiumUsers
		open, _ := h.MongoDB.ListOpenPayments(context.Background())
		status.Usage.OpenPayments = int64(len(open))
	}
	return status
}
