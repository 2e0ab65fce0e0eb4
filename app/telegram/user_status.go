package telegram

import (
	"fmt"
	"strings"
	"time"

	"legalbot/m/v2/app/models"
)

var timeNow = time.Now

// GetUserStatus describes the user's plan. A negative remaining hides the
// free allowance line.
func GetUserStatus(user *models.MongoUser, remaining int64, now time.Time) string {
	tier := user.Tier(now)
	lines := []string{"⚙️ Status:", "Plan: " + string(tier)}
	if tier.Paid() && user.Subscription.ExpiresAt != nil {
		lines = append(lines, "Active until: "+user.Subscription.ExpiresAt.Format("2006-01-02"))
	}
	if !tier.Paid() && remaining >= 0 {
		lines = append(lines, fmt.Sprintf("Free consultations left this month: %d", remaining))
	}
	if !user.TermsAccepted {
		lines = append(lines, "Terms: not accepted yet, open /menu to accept them")
	}
	if user.Payment != nil && !user.Payment.Status.Terminal() {
		lines = append(lines, fmt.Sprintf("Pending payment for %s plan", user.Payment.Tier))
	}
	if !tier.Paid() {
		lines = append(lines, "", "Use /upgrade to unlock document drafting and file analysis.")
	}
	return strings.Join(lines, "\n")
}
