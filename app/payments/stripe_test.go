package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"legalbot/m/v2/app/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"github.com/valyala/fasthttp"
)

const testSecret = "whsec_test"

func signedRequest(t *testing.T, eventType string, session map[string]any) *fasthttp.RequestCtx {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": session},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   raw,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBody(signed.Payload)
	ctx.Request.Header.Set("Stripe-Signature", signed.Header)
	return ctx
}

func TestStripeWebhook(t *testing.T) {
	f := newFixture(t)
	f.clock = time.Now()
	ctx := context.Background()
	_, err := f.ledger.Checkout(ctx, "u1", models.BasicSubscriptionName)
	require.NoError(t, err)
	handler := StripeWebhook(f.ledger, testSecret)

	req := signedRequest(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"status":         "complete",
		"payment_status": "paid",
		"metadata":       map[string]string{TelegramChatID: "u1"},
	})
	handler(req)
	assert.Equal(t, http.StatusOK, req.Response.StatusCode())

	user, _ := f.db.GetUser(ctx, "u1")
	assert.Equal(t, models.PaymentSucceeded, user.Payment.Status)
	assert.Equal(t, models.BasicSubscriptionName, user.Subscription.Name)
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	handler := StripeWebhook(f.ledger, "whsec_other")

	req := signedRequest(t, "checkout.session.expired", map[string]any{"id": "cs_1", "object": "checkout.session"})
	handler(req)
	assert.Equal(t, http.StatusBadRequest, req.Response.StatusCode())
}

func TestStripeWebhook_IgnoresOtherApps(t *testing.T) {
	f := newFixture(t)
	f.clock = time.Now()
	ctx := context.Background()
	_, err := f.ledger.Checkout(ctx, "u1", models.BasicSubscriptionName)
	require.NoError(t, err)
	handler := StripeWebhook(f.ledger, testSecret)

	req := signedRequest(t, "checkout.session.expired", map[string]any{
		"id":       "cs_1",
		"object":   "checkout.session",
		"metadata": map[string]string{TelegramChatID: "u1", AppID: "another-bot"},
	})
	handler(req)
	assert.Equal(t, http.StatusOK, req.Response.StatusCode())

	user, _ := f.db.GetUser(ctx, "u1")
	assert.Equal(t, models.PaymentCreated, user.Payment.Status)
}
