package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/models"

	log "github.com/sirupsen/logrus"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/webhook"
	"github.com/valyala/fasthttp"
)

const (
	TelegramChatID = "telegram_chat_id"
	AppID          = "app_id"
	TierKey        = "tier"

	// Stripe refuses checkout sessions that live longer than a day.
	maxStripeSessionLife = 24 * time.Hour
	minStripeSessionLife = 30 * time.Minute
)

// Processor is the payment oracle: it opens checkouts, reports their state and
// closes the ones that must no longer accept money.
type Processor interface {
	CreateCheckout(ctx context.Context, userID string, plan models.Plan) (reference string, url string, err error)
	PollStatus(ctx context.Context, reference string) (models.PaymentStatus, error)
	Expire(ctx context.Context, reference string) error
}

type StripeProcessor struct {
	Currency string
	Expiry   time.Duration
	now      func() time.Time
}

func NewStripeProcessor(cfg *config.Config) *StripeProcessor {
	stripe.Key = cfg.StripeToken
	stripe.SetAppInfo(&stripe.AppInfo{
		Name:    "legalbot",
		Version: "0.1.0",
		URL:     cfg.BotUrl,
	})
	return &StripeProcessor{Currency: cfg.Currency, Expiry: cfg.PaymentExpiry, now: time.Now}
}

func (p *StripeProcessor) CreateCheckout(ctx context.Context, userID string, plan models.Plan) (string, string, error) {
	life := p.Expiry
	if life > maxStripeSessionLife || life <= 0 {
		life = maxStripeSessionLife
	}
	if life < minStripeSessionLife {
		life = minStripeSessionLife
	}
	params := &stripe.CheckoutSessionParams{
		CancelURL:         stripe.String(config.CONFIG.BotUrl),
		ClientReferenceID: stripe.String(userID),
		ExpiresAt:         stripe.Int64(p.now().Add(life).Unix()),
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(config.CONFIG.BotUrl),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(p.Currency),
					UnitAmount: stripe.Int64(plan.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(plan.Title),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(TelegramChatID, userID)
	params.AddMetadata(AppID, config.CONFIG.BotName)
	params.AddMetadata(TierKey, string(plan.Name))
	s, err := session.New(params)
	if err != nil {
		log.Errorf("CreateCheckout: %v", err)
		return "", "", err
	}
	return s.ID, s.URL, nil
}

func (p *StripeProcessor) PollStatus(ctx context.Context, reference string) (models.PaymentStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(reference, params)
	if err != nil {
		return "", fmt.Errorf("PollStatus: %w", err)
	}
	return StatusFromCheckoutSession(s), nil
}

// Expire closes an open checkout session. Stripe refuses it for sessions that
// already completed, so an error means the caller has to poll again.
func (p *StripeProcessor) Expire(ctx context.Context, reference string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := session.Expire(reference, params); err != nil {
		return fmt.Errorf("Expire: %w", err)
	}
	return nil
}

// StatusFromCheckoutSession maps a Stripe checkout session onto the intent states.
func StatusFromCheckoutSession(s *stripe.CheckoutSession) models.PaymentStatus {
	switch s.Status {
	case stripe.CheckoutSessionStatusExpired:
		return models.PaymentExpired
	case stripe.CheckoutSessionStatusComplete:
		if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			return models.PaymentSucceeded
		}
		// delayed payment methods settle later through async events
		return models.PaymentPending
	default:
		return models.PaymentCreated
	}
}

// StatusFromEvent maps a webhook event onto the intent state it reports.
// ok is false for events that don't move an intent.
func StatusFromEvent(eventType stripe.EventType, s *stripe.CheckoutSession) (models.PaymentStatus, bool) {
	switch eventType {
	case "checkout.session.completed":
		return StatusFromCheckoutSession(s), true
	case "checkout.session.async_payment_succeeded":
		return models.PaymentSucceeded, true
	case "checkout.session.async_payment_failed":
		return models.PaymentFailed, true
	case "checkout.session.expired":
		return models.PaymentExpired, true
	}
	return "", false
}

// StripeWebhook verifies and applies checkout session events.
func StripeWebhook(ledger *Ledger, endpointSecret string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		payload := ctx.Request.Body()
		signatureHeader := string(ctx.Request.Header.Peek("Stripe-Signature"))
		event, err := webhook.ConstructEvent(payload, signatureHeader, endpointSecret)
		if err != nil {
			log.Errorf("Webhook signature verification failed. %v", err)
			ctx.Response.Header.SetStatusCode(http.StatusBadRequest) // Return a 400 error on a bad signature
			return
		}
		config.Metrics().Incr("stripe.webhook", []string{"event_type:" + string(event.Type)}, 1)

		var s stripe.CheckoutSession
		if event.Data == nil || json.Unmarshal(event.Data.Raw, &s) != nil {
			log.Errorf("Error parsing %s webhook JSON", event.Type)
			ctx.Response.Header.SetStatusCode(http.StatusBadRequest)
			return
		}
		status, ok := StatusFromEvent(event.Type, &s)
		if !ok {
			log.Debugf("Unhandled Stripe event type: %s", event.Type)
			ctx.Response.Header.SetStatusCode(http.StatusOK)
			return
		}
		// ignore sessions for other apps, if any
		if app := s.Metadata[AppID]; app != "" && app != config.CONFIG.BotName {
			log.Infof("Ignoring checkout session %s for app %s", s.ID, app)
			ctx.Response.Header.SetStatusCode(http.StatusOK)
			return
		}
		userID := s.Metadata[TelegramChatID]
		if userID == "" {
			userID = s.ClientReferenceID
		}
		if _, err := ledger.Apply(ctx, userID, s.ID, status); err != nil {
			log.Errorf("Failed to apply %s for session %s, user_id: %s: %v", event.Type, s.ID, userID, err)
			// let Stripe retry the delivery
			ctx.Response.Header.SetStatusCode(http.StatusInternalServerError)
			return
		}
		ctx.Response.Header.SetStatusCode(http.StatusOK)
	}
}
