package config

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

var CONFIG *Config

const (
	AI_INSTRUCTIONS = `You are a legal assistant working inside a Telegram bot.
Answer in the language the user writes in. Be precise, cite the relevant law when you are sure of it, and say so plainly when a question needs a licensed lawyer.
Never invent facts about the user's situation. Keep answers structured: short summary first, then details and next steps.`

	BusyPolicyNotify = "notify"
	BusyPolicySilent = "silent"
)

type Config struct {
	BotName              string
	BotUrl               string
	BusyPolicy           string
	Currency             string
	DataDogClient        statsd.ClientInterface
	Environment          string
	FreeConsultations    int64
	MongoDBName          string
	MongoDBConnection    string
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIModel          string
	OracleRetries        int
	OracleTimeout        time.Duration
	PaymentExpiry        time.Duration
	Plans                Plans
	Redis                Redis
	SessionStaleAfter    time.Duration
	SlackWebhookURL      string
	StatusWorkerInterval time.Duration
	StripeEndpointSecret string
	StripeEndpointSuffix string
	StripeToken          string
	SubscriptionLength   time.Duration
	SweeperInterval      time.Duration
	TelegramBotToken     string
	TelegramSystemToken  string
	TelegramSystemTo     string
	TermsURL             string
}

type Plans struct {
	BasicPriceMinor   int64
	PremiumPriceMinor int64
}

type Redis struct {
	Host     string
	Port     string
	Password string
}

// Metrics returns the configured statsd client or a no-op one, so tests and
// local runs don't need an agent.
func Metrics() statsd.ClientInterface {
	if CONFIG == nil || CONFIG.DataDogClient == nil {
		return &statsd.NoOpClient{}
	}
	return CONFIG.DataDogClient
}
