package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"legalbot/m/v2/app/ai"
	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/db/redis"
	"legalbot/m/v2/app/engine"
	"legalbot/m/v2/app/entitlement"
	"legalbot/m/v2/app/flows"
	"legalbot/m/v2/app/history"
	"legalbot/m/v2/app/payments"
	"legalbot/m/v2/app/slack"
	appstatus "legalbot/m/v2/app/status"
	"legalbot/m/v2/app/telegram"
	"legalbot/m/v2/app/util"
	"legalbot/m/v2/app/workers"
	"legalbot/m/v2/app/workers/clearusage"
	"legalbot/m/v2/app/workers/onstart"
	"legalbot/m/v2/app/workers/status"
	"legalbot/m/v2/app/workers/subscriptions"
	"legalbot/m/v2/app/workers/sweeper"

	"github.com/DataDog/datadog-go/v5/statsd"
	fasthttpprom "github.com/carousell/fasthttp-prometheus-middleware"
	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

func main() {
	done := make(chan struct{}, 1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}

	env := util.Env("ENV", "dev")
	dataDogClient, err := statsd.New(util.Env("DATADOG_ADDRESS", "datadog-agent.default.svc.cluster.local:8125"), statsd.WithNamespace("legalbot."))
	if err != nil && env == "production" {
		log.Fatalf("error creating main DataDog client: %v", err)
	}

	config.CONFIG = &config.Config{
		BotUrl:               util.Env("BOT_URL", "https://t.me/legalbot"),
		BusyPolicy:           util.Env("BUSY_POLICY", config.BusyPolicyNotify),
		Currency:             util.Env("CURRENCY", "rub"),
		DataDogClient:        dataDogClient,
		Environment:          env,
		FreeConsultations:    util.EnvInt("FREE_CONSULTATIONS", 2),
		MongoDBConnection:    util.Env("MONGO_DB_CONNECTION_STRING"),
		MongoDBName:          util.Env("MONGO_DB_NAME", "legalbot"),
		OpenAIAPIKey:         util.Env("OPENAI_API_KEY"),
		OpenAIBaseURL:        util.Env("OPENAI_BASE_URL", ""),
		OpenAIModel:          util.Env("OPENAI_MODEL", "gpt-4o-mini"),
		OracleRetries:        int(util.EnvInt("ORACLE_RETRIES", engine.DefaultOracleRetries)),
		OracleTimeout:        util.EnvDuration("ORACLE_TIMEOUT", engine.DefaultOracleTimeout),
		PaymentExpiry:        util.EnvDuration("PAYMENT_EXPIRY", 24*time.Hour),
		Plans: config.Plans{
			BasicPriceMinor:   util.EnvInt("PLAN_BASIC_PRICE", payments.DefaultBasicPriceMinor),
			PremiumPriceMinor: util.EnvInt("PLAN_PREMIUM_PRICE", payments.DefaultPremiumPriceMinor),
		},
		Redis: config.Redis{
			Host:     util.Env("REDIS_HOST"),
			Port:     util.Env("REDIS_PORT", "6379"),
			Password: util.Env("REDIS_PASSWORD", ""),
		},
		SessionStaleAfter:    util.EnvDuration("SESSION_STALE_AFTER", engine.DefaultStaleAfter),
		SlackWebhookURL:      util.Env("SLACK_WEBHOOK_URL", ""),
		StatusWorkerInterval: time.Minute,
		StripeEndpointSecret: util.Env("STRIPE_ENDPOINT_SECRET"),
		StripeEndpointSuffix: util.Env("STRIPE_ENDPOINT_SUFFIX"),
		StripeToken:          util.Env("STRIPE_TOKEN"),
		SubscriptionLength:   util.EnvDuration("SUBSCRIPTION_LENGTH", payments.DefaultSubscriptionDays*24*time.Hour),
		SweeperInterval:      util.EnvDuration("SWEEPER_INTERVAL", time.Minute),
		TelegramBotToken:     util.Env("TELEGRAM_BOT_TOKEN"),
		TelegramSystemToken:  util.Env("TELEGRAM_SYSTEM_TOKEN", ""),
		TelegramSystemTo:     util.Env("TELEGRAM_SYSTEM_TO", "0"),
		TermsURL:             util.Env("TERMS_URL", ""),
	}

	config.Metrics().Count("main.start", 1, []string{"env:" + config.CONFIG.Environment}, 1)
	if config.CONFIG.Environment == "production" {
		log.SetFormatter(&log.JSONFormatter{
			DisableTimestamp: true,
		})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
			DisableColors: false,
		})
		log.SetLevel(log.TraceLevel)
	}

	redis.RedisClient = redis.NewClient(config.CONFIG.Redis)
	mongo.MongoDBClient = mongo.NewClient(config.CONFIG.MongoDBConnection)

	registry := flows.Default()
	if err := onstart.Run(registry); err != nil {
		log.Fatalf("onstart failed: %v", err)
	}

	aiAPI, err := ai.NewAPI(config.CONFIG)
	if err != nil {
		log.Fatalf("ERROR creating AI client: %v", err)
	}
	gate := entitlement.NewGate(redis.RedisClient, entitlement.DefaultPolicies(config.CONFIG.FreeConsultations), time.Now)

	rtr := router.New()
	rtr.GET("/", func(ctx *fasthttp.RequestCtx) {
		ctx.Redirect(config.CONFIG.BotUrl, fasthttp.StatusFound)
	})
	rtr.GET("/health", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.WriteString("ok")
	})

	telegramBot, err := telegram.NewBot(rtr, config.CONFIG, gate)
	if err != nil {
		log.Fatalf("ERROR creating bot: %v", err)
	}

	// create system bot for alerts, etc
	var systemBot *telegram.Bot
	if env == "production" {
		systemBot, err = telegram.NewSystemBot(rtr, config.CONFIG)
		if err != nil {
			log.Fatalf("ERROR creating system bot: %v", err)
		}
	} else {
		systemBot = telegram.NewStubSystemBot(config.CONFIG)
	}
	alerters := appstatus.Alerters{systemBot}
	if config.CONFIG.SlackWebhookURL != "" {
		alerters = append(alerters, slack.NewNotifier(config.CONFIG.SlackWebhookURL))
	}

	ledger := payments.NewLedger(mongo.MongoDBClient, payments.NewStripeProcessor(config.CONFIG), config.CONFIG, telegramBot, time.Now)
	rtr.POST(fmt.Sprintf("/stripe_%s", config.CONFIG.StripeEndpointSuffix), payments.StripeWebhook(ledger, config.CONFIG.StripeEndpointSecret))

	conversations := engine.New(engine.Deps{
		Sessions: redis.NewSessionStore(redis.RedisClient, 7*24*time.Hour),
		Flows:    registry,
		Gate:     gate,
		History:  history.NewRecorder(mongo.MongoDBClient, time.Now),
		Users:    mongo.MongoDBClient,
		LLM:      aiAPI,
		Payments: ledger,
		Sender:   telegramBot,
		Alerter:  alerters,
	}, engine.OptionsFromConfig(config.CONFIG))
	telegramBot.Engine = conversations
	go telegramBot.BotHandler.Start()

	status.AI = aiAPI
	status.WORKER = workers.NewWorker("status", config.CONFIG.BotName, alerters, config.CONFIG.StatusWorkerInterval, status.Run, false)
	go status.WORKER.Start()

	clearusage.WORKER = workers.NewWorker("clearusage", config.CONFIG.BotName, alerters, time.Hour*23, clearusage.Run, true)
	go clearusage.WORKER.Start()

	sweeper.Sessions = sweeper.SweeperFunc(conversations.SweepStale)
	sweeper.Payments = ledger
	sweeper.WORKER = workers.NewWorker("sweeper", config.CONFIG.BotName, alerters, config.CONFIG.SweeperInterval, sweeper.Run, false)
	go sweeper.WORKER.Start()

	subscriptions.Notify = telegramBot
	subscriptions.WORKER = workers.NewWorker("subscriptions", config.CONFIG.BotName, alerters, time.Hour*6, subscriptions.Run, false)
	go subscriptions.WORKER.Start()

	p := fasthttpprom.NewPrometheus("legalbot")
	p.Use(rtr)
	server := &fasthttp.Server{
		Handler: fasthttp.TimeoutHandler(p.Handler, time.Second*30, "Request timeout"),
	}

	go TearDown(sigs, done, server, conversations, telegramBot, systemBot,
		status.WORKER, clearusage.WORKER, sweeper.WORKER, subscriptions.WORKER)

	go func() {
		err := server.ListenAndServe(util.Env("BACKEND_LISTEN_ADDRESS", ":8080"))
		util.Assert(err == nil, "ListenAndServe:", err)
	}()

	successfulStartMessage := fmt.Sprintf("🤖 %s started successfully 🚀 inside %s", config.CONFIG.BotName, util.Env("POD_NAME", "unknown"))
	systemBot.Alert(context.Background(), successfulStartMessage)
	log.Info(successfulStartMessage)

	<-done
	log.Info("Done")
}

func TearDown(sigs chan os.Signal, done chan struct{}, server *fasthttp.Server, conversations *engine.Engine, telegramBot *telegram.Bot, systemBot *telegram.Bot, ws ...*workers.Worker) {
	<-sigs
	exitMessage := fmt.Sprintf("🤖 %s bids farewell ❌ inside %s", config.CONFIG.BotName, util.Env("POD_NAME", "unknown"))
	log.Info(exitMessage)
	systemBot.Alert(context.Background(), exitMessage)
	for _, w := range ws {
		w.StopWorker()
	}
	telegramBot.BotHandler.Stop()
	if systemBot.BotHandler != nil {
		systemBot.BotHandler.Stop()
	}
	// let in-flight model calls land before the stores go away
	conversations.Wait()
	if err := server.Shutdown(); err != nil {
		log.Errorf("TearDown: server shutdown: %v", err)
	}

	err := mongo.MongoDBClient.Disconnect(context.Background())
	if err != nil {
		log.Errorf("TearDown: Disconnecting from MongoDB: %v", err)
	}
	done <- struct{}{}
}
