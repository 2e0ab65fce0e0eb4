package payments

import (
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/models"
)

const (
	DefaultBasicPriceMinor   = 14900
	DefaultPremiumPriceMinor = 75900
	DefaultSubscriptionDays  = 30
)

// Plans returns the purchasable plans keyed by tier.
func Plans(cfg *config.Config) map[models.MongoSubscriptionName]models.Plan {
	length := cfg.SubscriptionLength
	if length == 0 {
		length = DefaultSubscriptionDays * 24 * time.Hour
	}
	basic, premium := cfg.Plans.BasicPriceMinor, cfg.Plans.PremiumPriceMinor
	if basic == 0 {
		basic = DefaultBasicPriceMinor
	}
	if premium == 0 {
		premium = DefaultPremiumPriceMinor
	}
	return map[models.MongoSubscriptionName]models.Plan{
		models.BasicSubscriptionName: {
			Name:        models.BasicSubscriptionName,
			Title:       "Basic: consultations and file analysis, 30 days",
			AmountMinor: basic,
			Duration:    length,
		},
		models.PremiumSubscriptionName: {
			Name:        models.PremiumSubscriptionName,
			Title:       "Premium: consultations, file analysis and documents, 30 days",
			AmountMinor: premium,
			Duration:    length,
		},
	}
}

// extendSubscription grants plan starting now. Renewing the same tier before it
// runs out stacks the new period on top of the old one.
func extendSubscription(current models.MongoSubscription, plan models.Plan, now time.Time) models.MongoSubscription {
	started, from := now, now
	if current.Name == plan.Name && current.Active(now) && current.ExpiresAt != nil {
		from = *current.ExpiresAt
		if current.StartedAt != nil {
			started = *current.StartedAt
		}
	}
	expires := from.Add(plan.Duration)
	return models.MongoSubscription{Name: plan.Name, StartedAt: &started, ExpiresAt: &expires}
}
