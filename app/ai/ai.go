// package to connect to AI API
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/models"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	log "github.com/sirupsen/logrus"
)

const (
	TIMEOUT = 60 * time.Second

	// keeps prompts within the context window of small models
	maxContextChars = 60000
)

// Generator is the part of an eino chat model the bot relies on.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type API struct {
	model        Generator
	instructions string
}

// NewAPI creates new AI API
func NewAPI(cfg *config.Config) (*API, error) {
	timeout := cfg.OracleTimeout
	if timeout == 0 {
		timeout = TIMEOUT
	}
	chatModel, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("NewAPI: %w", err)
	}
	return NewAPIWithModel(chatModel, config.AI_INSTRUCTIONS), nil
}

func NewAPIWithModel(g Generator, instructions string) *API {
	return &API{model: g, instructions: instructions}
}

// Ask sends prompt with optional supporting context (e.g. an uploaded document)
// and returns the answer text.
func (a *API) Ask(ctx context.Context, prompt, supporting string) (string, error) {
	messages := []*schema.Message{schema.SystemMessage(a.instructions)}
	if supporting != "" {
		if len(supporting) > maxContextChars {
			supporting = supporting[:maxContextChars]
		}
		messages = append(messages, schema.UserMessage("Document:\n"+supporting))
	}
	messages = append(messages, schema.UserMessage(prompt))

	started := time.Now()
	resp, err := a.model.Generate(ctx, messages)
	config.Metrics().Distribution("ai.latency_seconds", time.Since(started).Seconds(), nil, 1)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %v", models.ErrOracleTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", models.ErrOracleFailure, err)
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", fmt.Errorf("%w: empty answer", models.ErrOracleFailure)
	}
	return answer, nil
}

// IsAvailable checks whether AI API is available
func (a *API) IsAvailable(ctx context.Context) bool {
	resp, err := a.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(`Reply only "OK" or "Not OK"`),
		schema.UserMessage("test"),
	})
	if err != nil {
		log.Errorf("PING: API error: %+v", err)
		return false
	}
	log.Debugf("PING: API response: %+v", resp.Content)
	return true
}
