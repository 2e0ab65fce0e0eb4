package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/db/redis"
	"legalbot/m/v2/app/models"
	"legalbot/m/v2/app/util"
	"legalbot/m/v2/app/workers/status"

	"github.com/fasthttp/router"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
)

const (
	SYSTEMBanUserCommand              Command = "/banuser"
	SYSTEMUnbanUserCommand            Command = "/unbanuser"
	SYSTEMEnableUserCommand           Command = "/enableuser"
	SYSTEMStatusCommand               Command = "/status"
	SYSTEMUsageResetCommand           Command = "/usagereset"
	SYSTEMUserCommand                 Command = "/user"
	SYSTEMUsersCountCommand           Command = "/userscount"
	SYSTEMUsersForSubscriptionCommand Command = "/usersforsubscription"
	SYSTEMSendMessageToAUser          Command = "/sendmessagetoauser"
)

var SystemCommandHandlers CommandHandlers = CommandHandlers{}
var SystemBOT *Bot

// RoundTripperFunc lets a plain function serve as an http transport.
type RoundTripperFunc func(req *http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func NewSystemBot(rtr *router.Router, cfg *config.Config) (*Bot, error) {
	if cfg.TelegramSystemToken == "" {
		return nil, fmt.Errorf("system bot token is empty")
	}
	newBot, err := telego.NewBot(cfg.TelegramSystemToken, util.GetBotLoggerOption(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create system bot: %w", err)
	}
	setupSystemCommandHandlers()
	updates, err := signBotForUpdates(newBot, rtr)
	if err != nil {
		return nil, fmt.Errorf("failed to sign system bot for updates: %w", err)
	}
	bh, err := th.NewBotHandler(newBot, updates, th.WithStopTimeout(time.Second*10))
	if err != nil {
		return nil, fmt.Errorf("failed to setup system bot handler: %w", err)
	}

	chatId, _ := strconv.ParseInt(cfg.TelegramSystemTo, 10, 64)
	SystemBOT = &Bot{
		Bot:        newBot,
		BotHandler: bh,
		ChatID:     tu.ID(chatId),
		Name:       "system",
	}

	bh.HandleMessage(handleSystemMessage)

	go bh.Start()

	return SystemBOT, nil
}

func NewStubSystemBot(cfg *config.Config) *Bot {
	chatId, _ := strconv.ParseInt(cfg.TelegramSystemTo, 10, 64)
	SystemBOT = &Bot{
		Dummy:  true,
		Bot:    newStubBot(cfg, nil),
		ChatID: tu.ID(chatId),
		Name:   "system",
	}
	setupSystemCommandHandlers()
	return SystemBOT
}

// newStubBot creates new stub bot instance, that can be used for testing.
// Every API request is passed to record when it is not nil.
func newStubBot(cfg *config.Config, record func(req *http.Request)) *telego.Bot {
	stubBot, err := telego.NewBot(generateStubToken(), telego.WithHTTPClient(&http.Client{
		Transport: RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if record != nil {
				record(req)
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"ok": true, "result": {}}`)),
			}, nil
		}),
	}), util.GetBotLoggerOption(cfg))
	if err != nil {
		log.Fatalf("Failed to create stub bot: %v", err)
	}
	return stubBot
}

// stub token that matches the pattern ^\d{9,10}:[\w-]{35}$
func generateStubToken() string {
	const digits = "0123456789"
	const alphaNum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

	tokenBuilder := strings.Builder{}
	for i := 0; i < 9; i++ {
		tokenBuilder.WriteByte(digits[rand.Intn(len(digits))])
	}
	tokenBuilder.WriteString(":")
	for i := 0; i < 35; i++ {
		tokenBuilder.WriteByte(alphaNum[rand.Intn(len(alphaNum))])
	}
	return tokenBuilder.String()
}

// Alert posts an operator message to the system chat.
func (b *Bot) Alert(ctx context.Context, text string) {
	if b == nil || b.Bot == nil {
		log.Error("Telegram System bot is not initialized")
		return
	}
	if _, err := b.SendMessage(tu.Message(b.ChatID, text)); err != nil {
		log.Errorf("Failed to send message to telegram: %s", err)
	}
}

func handleSystemMessage(bot *telego.Bot, message telego.Message) {
	if SystemBOT.ChatID != tu.ID(message.Chat.ID) {
		log.Errorf("System bot received message from chat %d, but expected from %d", message.Chat.ID, SystemBOT.ChatID.ID)
		return
	}

	err := bot.SendChatAction(&telego.SendChatActionParams{ChatID: SystemBOT.ChatID, Action: telego.ChatActionTyping})
	if err != nil {
		log.Errorf("Failed to send chat action: %s", err)
	}

	if strings.HasPrefix(message.Text, "/") {
		log.Infof("System bot received message: %+v", message) // audit
		SystemCommandHandlers.handleCommand(context.Background(), SystemBOT, &message)
		return
	}
}

func setupSystemCommandHandlers() {
	SystemCommandHandlers = CommandHandlers{
		newCommandHandler(SYSTEMStatusCommand, handleStatus),
		newCommandHandler(SYSTEMUserCommand, handleUser),
		newCommandHandler(SYSTEMUsersCountCommand, handleUsersCount),
		newCommandHandler(SYSTEMUsageResetCommand, handleUsageReset),
		newCommandHandler(SYSTEMUsersForSubscriptionCommand, handleUsersForSubscription),
		newCommandHandler(SYSTEMBanUserCommand, handleBanUser),
		newCommandHandler(SYSTEMUnbanUserCommand, handleUnbanUser),
		newCommandHandler(SYSTEMEnableUserCommand, handleEnableUser),
		newCommandHandler(SYSTEMSendMessageToAUser, handleSendMessageToAUser),
	}
}

// argument returns the first word after the command, or reports usage.
func argument(bot *Bot, message *telego.Message, what string) (string, bool) {
	commandArray := strings.Fields(message.Text)
	if len(commandArray) < 2 {
		bot.sendText(bot.ChatID, "Please provide "+what)
		return "", false
	}
	return commandArray[1], true
}

func handleStatus(ctx context.Context, bot *Bot, message *telego.Message) {
	systemStatus := redis.RedisClient.Get(ctx, status.SystemStatusKey).Val()
	if systemStatus == "" {
		systemStatus = "No status collected yet"
	}
	bot.sendText(bot.ChatID, systemStatus)
}

func handleUser(ctx context.Context, bot *Bot, message *telego.Message) {
	userId, ok := argument(bot, message, "user id")
	if !ok {
		return
	}
	user, err := mongo.MongoDBClient.GetUser(ctx, userId)
	if err != nil {
		bot.sendText(bot.ChatID, fmt.Sprintf("Failed to get user: %s", err))
		return
	}
	userJson, err := json.Marshal(user)
	if err != nil {
		log.Errorf("Failed to marshal user: %s", err)
	}
	userString := "DB:\n" + string(userJson) + "\n\n"
	userString += "Redis:\nconsultations - " + redis.RedisClient.Get(ctx, redis.ConsultationsKey(userId)).Val() + "\n"
	userString += "banned        - " + strconv.FormatBool(redis.IsUserBanned(userId)) + "\n"
	session, err := redis.NewSessionStore(redis.RedisClient, 0).Load(ctx, userId)
	if err != nil {
		userString += "session       - " + err.Error()
	} else if session.Idle() {
		userString += "session       - idle"
	} else {
		userString += fmt.Sprintf("session       - %s step %d, last activity %s", session.FlowID, session.Step, session.LastActivity.Format(time.RFC3339))
	}

	bot.sendText(bot.ChatID, "User: "+userString)
}

func handleUsersCount(ctx context.Context, bot *Bot, message *telego.Message) {
	users, err := mongo.MongoDBClient.GetUsersCount(ctx)
	if err != nil {
		bot.sendText(bot.ChatID, fmt.Sprintf("Failed to get users: %s", err))
		return
	}
	bot.sendText(bot.ChatID, fmt.Sprintf("Users: %d", users))
}

func handleUsageReset(ctx context.Context, bot *Bot, message *telego.Message) {
	userId, ok := argument(bot, message, "user id")
	if !ok {
		return
	}
	redis.RedisClient.Del(ctx, redis.ConsultationsKey(userId))
	bot.sendText(bot.ChatID, "Usage reset for user: "+userId)
}

func handleUsersForSubscription(ctx context.Context, bot *Bot, message *telego.Message) {
	subscriptionName, ok := argument(bot, message, "subscription name")
	if !ok {
		return
	}
	usersCount, err := mongo.MongoDBClient.GetUsersCountForSubscription(ctx, models.MongoSubscriptionName(subscriptionName))
	if err != nil {
		bot.sendText(bot.ChatID, fmt.Sprintf("Failed to get users: %s", err))
		return
	}
	bot.sendText(bot.ChatID, fmt.Sprintf("Users count for %s subscription: %d", subscriptionName, usersCount))
}

func handleBanUser(ctx context.Context, bot *Bot, message *telego.Message) {
	userId, ok := argument(bot, message, "user id")
	if !ok {
		return
	}
	if err := redis.SetUserBanned(ctx, userId, true); err != nil {
		bot.sendText(bot.ChatID, fmt.Sprintf("Failed to ban user: %v", err))
		return
	}
	bot.sendText(bot.ChatID, "User "+userId+" banned")
}

func handleUnbanUser(ctx context.Context, bot *Bot, message *telego.Message) {
	userId, ok := argument(bot, message, "user id")
	if !ok {
		return
	}
	if err := redis.SetUserBanned(ctx, userId, false); err != nil {
		bot.sendText(bot.ChatID, fmt.Sprintf("Failed to unban user: %v", err))
		return
	}
	bot.sendText(bot.ChatID, "User "+userId+" unbanned")
}

// handleEnableUser re-enables an account the user disabled themselves.
func handleEnableUser(ctx context.Context, bot *Bot, message *telego.Message) {
	userId, ok := argument(bot, message, "user id")
	if !ok {
		return
	}
	if err := mongo.MongoDBClient.SetUserDisabled(ctx, userId, false, time.Now()); err != nil {
		bot.sendText(bot.ChatID, fmt.Sprintf("Failed to enable user: %v", err))
		return
	}
	bot.sendText(bot.ChatID, "User "+userId+" enabled")
}

func handleSendMessageToAUser(ctx context.Context, bot *Bot, message *telego.Message) {
	commandUsage := fmt.Sprintf("Usage: %s <user_id> <message>", SYSTEMSendMessageToAUser)
	commandArray := strings.Split(message.Text, " ")
	if len(commandArray) < 3 {
		bot.sendText(bot.ChatID, commandUsage)
		return
	}
	userId := commandArray[1]
	if _, err := strconv.ParseInt(userId, 10, 64); err != nil {
		bot.sendText(bot.ChatID, commandUsage)
		return
	}
	if BOT == nil {
		bot.sendText(bot.ChatID, "Main bot is not running")
		return
	}
	BOT.Send(ctx, userId, models.Response{Kind: models.ResponseNotice, Text: strings.Join(commandArray[2:], " ")})

	log.Infof("[SYSTEM] Message sent to user %s", userId)
	bot.sendText(bot.ChatID, fmt.Sprintf("Message sent to user %s", userId))
}
