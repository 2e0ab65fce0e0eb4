// Package payments runs the checkout and subscription state machine.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/models"

	log "github.com/sirupsen/logrus"
)

// Sender delivers a response to a user outside of a request, e.g. after a webhook.
type Sender interface {
	Send(ctx context.Context, userID string, response models.Response)
}

// Ledger owns PaymentIntent transitions. Every transition is a conditional
// update on the user document, so the tier upgrade and the intent change are
// written together or not at all, and terminal intents never move again.
type Ledger struct {
	db        mongo.MongoClient
	processor Processor
	plans     map[models.MongoSubscriptionName]models.Plan
	currency  string
	expiry    time.Duration
	sender    Sender
	now       func() time.Time
}

func NewLedger(db mongo.MongoClient, processor Processor, cfg *config.Config, sender Sender, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		db:        db,
		processor: processor,
		plans:     Plans(cfg),
		currency:  cfg.Currency,
		expiry:    cfg.PaymentExpiry,
		sender:    sender,
		now:       now,
	}
}

// Checkout opens a new intent for tier and returns the payment link. An older
// intent that is still open is closed at the processor first; if that cannot be
// confirmed the new checkout is refused, so at most one link can take money.
func (l *Ledger) Checkout(ctx context.Context, userID string, tier models.MongoSubscriptionName) (string, error) {
	plan, ok := l.plans[tier]
	if !ok {
		return "", fmt.Errorf("%w: unknown plan %q", models.ErrValidation, tier)
	}
	user, err := l.db.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if open := user.Payment; open != nil && !open.Status.Terminal() {
		status, err := l.settle(ctx, userID, open, true)
		if err != nil {
			return "", fmt.Errorf("%w: previous checkout %s: %v", models.ErrOracleFailure, open.Reference, err)
		}
		if !status.Terminal() {
			return "", fmt.Errorf("%w: payment %s is still being processed", models.ErrOracleFailure, open.Reference)
		}
	}

	reference, url, err := l.processor.CreateCheckout(ctx, userID, plan)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrOracleFailure, err)
	}
	now := l.now()
	err = l.db.StartPayment(ctx, userID, models.PaymentIntent{
		Reference:   reference,
		Tier:        plan.Name,
		AmountMinor: plan.AmountMinor,
		Currency:    l.currency,
		URL:         url,
		Status:      models.PaymentCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		// the link was never recorded, so nothing could credit a payment made through it
		if expireErr := l.processor.Expire(ctx, reference); expireErr != nil {
			log.Errorf("Checkout: failed to close unrecorded checkout %s for user %s: %v", reference, userID, expireErr)
			config.Metrics().Incr("payments.orphaned_checkout", nil, 1)
		}
		return "", err
	}
	config.Metrics().Incr("payments.checkout", []string{"tier:" + string(tier)}, 1)
	log.Infof("Opened checkout %s for user %s, tier %s", reference, userID, tier)
	return url, nil
}

// Apply moves the user's intent with the given reference to status. It reports
// whether anything changed; stale, duplicate and out-of-order updates are no-ops.
func (l *Ledger) Apply(ctx context.Context, userID, reference string, status models.PaymentStatus) (bool, error) {
	if status == models.PaymentCreated {
		return false, nil
	}
	user, err := l.db.GetUser(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warnf("Apply: payment %s for unknown user %s", reference, userID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	intent := user.Payment
	if intent == nil || intent.Reference != reference {
		if status == models.PaymentSucceeded {
			log.Errorf("Apply: payment %s of user %s succeeded but is not the user's current payment", reference, userID)
			config.Metrics().Incr("payments.unmatched_success", nil, 1)
		} else {
			log.Infof("Apply: ignoring %s for payment %s, user %s has no such open payment", status, reference, userID)
		}
		return false, nil
	}

	now := l.now()
	var upgrade *models.MongoSubscription
	if status == models.PaymentSucceeded {
		plan, ok := l.plans[intent.Tier]
		if !ok {
			return false, fmt.Errorf("Apply: unknown plan %q on payment %s", intent.Tier, reference)
		}
		s := extendSubscription(user.Subscription, plan, now)
		upgrade = &s
	}
	moved, err := l.db.TransitionPayment(ctx, userID, reference, status, now, upgrade)
	if err != nil || !moved {
		return false, err
	}
	config.Metrics().Incr("payments.transition", []string{"status:" + string(status), "tier:" + string(intent.Tier)}, 1)
	log.Infof("Payment %s for user %s is now %s", reference, userID, status)

	switch status {
	case models.PaymentSucceeded:
		err := l.db.InsertInvoice(ctx, models.MongoInvoice{
			ID:          reference,
			UserID:      userID,
			Tier:        intent.Tier,
			AmountMinor: intent.AmountMinor,
			Currency:    intent.Currency,
			CreatedAt:   now,
		})
		if err != nil {
			log.Errorf("Apply: failed to write invoice for %s: %v", reference, err)
		}
		l.notify(ctx, userID, fmt.Sprintf("Payment received. Your %s plan is active until %s.", intent.Tier, upgrade.ExpiresAt.Format("02.01.2006")))
	case models.PaymentFailed:
		l.notify(ctx, userID, "The payment did not go through. You can start a new checkout from the menu.")
	case models.PaymentExpired:
		l.notify(ctx, userID, "Your payment link has expired. You can start a new checkout from the menu.")
	}
	return true, nil
}

// Sweep polls every open intent once and closes the ones nothing resolved
// within the expiry window. It returns how many intents changed.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	users, err := l.db.ListOpenPayments(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, u := range users {
		if u.Payment == nil {
			continue
		}
		overdue := l.expiry > 0 && l.now().Sub(u.Payment.CreatedAt) >= l.expiry
		status, err := l.settle(ctx, u.ID, u.Payment, overdue)
		if err != nil {
			log.Warnf("Sweep: payment %s for user %s: %v", u.Payment.Reference, u.ID, err)
			continue
		}
		if status != u.Payment.Status {
			changed++
		}
	}
	return changed, nil
}

// settle asks the processor about an open intent and applies the answer. With
// closeUnpaid set, a checkout still waiting for the user is expired at the
// processor before the intent is recorded as expired. A checkout that completed
// but is not paid yet stays open. Nothing is recorded when the processor cannot
// be reached. It returns the status the intent is in afterwards.
func (l *Ledger) settle(ctx context.Context, userID string, intent *models.PaymentIntent, closeUnpaid bool) (models.PaymentStatus, error) {
	status, err := l.processor.PollStatus(ctx, intent.Reference)
	if err != nil {
		return intent.Status, err
	}
	if closeUnpaid && status == models.PaymentCreated {
		expireErr := l.processor.Expire(ctx, intent.Reference)
		if expireErr == nil {
			status = models.PaymentExpired
		} else {
			// it may have been paid in the meantime
			status, err = l.processor.PollStatus(ctx, intent.Reference)
			if err != nil {
				return intent.Status, err
			}
			if status == models.PaymentCreated {
				return intent.Status, expireErr
			}
		}
	}
	if status == intent.Status {
		return status, nil
	}
	moved, err := l.Apply(ctx, userID, intent.Reference, status)
	if err != nil {
		return intent.Status, err
	}
	if !moved {
		log.Infof("settle: payment %s for user %s did not move to %s", intent.Reference, userID, status)
		return intent.Status, nil
	}
	return status, nil
}

func (l *Ledger) notify(ctx context.Context, userID, text string) {
	if l.sender == nil {
		return
	}
	l.sender.Send(ctx, userID, models.Response{
		Kind:    models.ResponseNotice,
		Text:    text,
		Buttons: [][]models.Button{{{Text: "Menu", Data: models.ButtonMenu}}},
	})
}
