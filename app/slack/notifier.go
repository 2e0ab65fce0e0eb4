// Package slack posts operator alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

const TIMEOUT = 10 * time.Second

type Notifier struct {
	WebhookURL string
	Channel    string
	Client     *http.Client
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: TIMEOUT},
	}
}

// Alert posts text to the webhook. Failures are logged, never returned.
func (n *Notifier) Alert(ctx context.Context, text string) {
	if n == nil || n.WebhookURL == "" {
		return
	}
	err := slack.PostWebhookCustomHTTPContext(ctx, n.WebhookURL, n.Client, &slack.WebhookMessage{
		Channel: n.Channel,
		Text:    text,
	})
	if err != nil {
		log.Errorf("Failed to post alert to slack: %v", err)
	}
}
