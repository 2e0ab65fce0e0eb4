package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertPostsWebhookMessage(t *testing.T) {
	received := make(chan slack.WebhookMessage, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg slack.WebhookMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- msg
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	NewNotifier(server.URL).Alert(context.Background(), "Redis is down")

	msg := <-received
	assert.Equal(t, "Redis is down", msg.Text)
}

func TestAlertWithoutWebhookIsNoop(t *testing.T) {
	var n *Notifier
	n.Alert(context.Background(), "ignored")
	NewNotifier("").Alert(context.Background(), "ignored")
}
