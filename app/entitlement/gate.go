// Package entitlement decides which actions a user may run under their plan.
package entitlement

import (
	"context"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/redis"
	"legalbot/m/v2/app/models"

	log "github.com/sirupsen/logrus"
)

// Policy is the requirement attached to one action.
type Policy struct {
	Tier models.MongoSubscriptionName
	// FreeQuota is how many times a free user may run the action per billing
	// cycle. Zero means free users are never allowed.
	FreeQuota int64
}

type Gate struct {
	redis    redis.Client
	policies map[models.Action]Policy
	now      func() time.Time
}

// DefaultPolicies mirrors the plans: consultations are basic with a free
// allowance, file analysis is basic, documents are premium, checkout is open.
func DefaultPolicies(freeConsultations int64) map[models.Action]Policy {
	return map[models.Action]Policy{
		models.ActionConsultation:  {Tier: models.BasicSubscriptionName, FreeQuota: freeConsultations},
		models.ActionFileAnalysis:  {Tier: models.BasicSubscriptionName},
		models.ActionDocumentDraft: {Tier: models.PremiumSubscriptionName},
		models.ActionCheckout:      {Tier: models.FreeSubscriptionName},
	}
}

func NewGate(client redis.Client, policies map[models.Action]Policy, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{redis: client, policies: policies, now: now}
}

// Authorize decides whether user may run action. When the answer relies on the
// free allowance the unit is consumed in the same atomic step, and the
// returned decision has Consumed set.
func (g *Gate) Authorize(ctx context.Context, user *models.MongoUser, action models.Action) (models.Decision, error) {
	switch {
	case user.Disabled:
		return g.deny(action, models.DenyAccountDisabled), nil
	case !user.TermsAccepted:
		return g.deny(action, models.DenyTermsNotAccepted), nil
	}

	policy, ok := g.policies[action]
	if !ok {
		log.Warnf("Authorize: no policy for action %s, denying", action)
		return g.deny(action, models.DenyNeedsSubscription), nil
	}

	tier := user.Tier(g.now())
	if tier.Includes(policy.Tier) {
		config.Metrics().Incr("gate.allowed", []string{"action:" + string(action), "tier:" + string(tier)}, 1)
		return models.Decision{Allowed: true}, nil
	}
	if policy.FreeQuota <= 0 || tier.Paid() {
		return g.deny(action, models.DenyNeedsSubscription), nil
	}

	ok, err := redis.ConsumeQuota(ctx, g.redis, QuotaKey(user.ID, action), policy.FreeQuota)
	if err != nil {
		return models.Decision{}, err
	}
	if !ok {
		log.Infof("User %s exhausted free %s quota", user.ID, action)
		return g.deny(action, models.DenyQuotaExhausted), nil
	}
	config.Metrics().Incr("gate.allowed", []string{"action:" + string(action), "tier:free_quota"}, 1)
	return models.Decision{Allowed: true, Consumed: true}, nil
}

// Refund gives back a unit taken by Authorize when the caller could not commit.
func (g *Gate) Refund(ctx context.Context, userID string, action models.Action) {
	err := redis.RefundQuota(ctx, g.redis, QuotaKey(userID, action))
	if err != nil {
		log.Errorf("Refund: failed to return %s quota for user %s: %v", action, userID, err)
	}
}

// Remaining reports how many free runs of action are left for the user this cycle.
func (g *Gate) Remaining(ctx context.Context, userID string, action models.Action) (int64, error) {
	policy := g.policies[action]
	used, err := redis.UsedQuota(ctx, g.redis, QuotaKey(userID, action))
	if err != nil {
		return 0, err
	}
	if used >= policy.FreeQuota {
		return 0, nil
	}
	return policy.FreeQuota - used, nil
}

func (g *Gate) deny(action models.Action, reason models.DenyReason) models.Decision {
	config.Metrics().Incr("gate.denied", []string{"action:" + string(action), "reason:" + string(reason)}, 1)
	return models.Decision{Reason: reason}
}

// QuotaKey is the usage counter key for a free allowance. Only consultations
// have one today.
func QuotaKey(userID string, action models.Action) string {
	if action == models.ActionConsultation {
		return redis.ConsultationsKey(userID)
	}
	return userID + ":" + string(action)
}
