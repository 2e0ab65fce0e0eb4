// main package to control telegram bot
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/flows"
	"legalbot/m/v2/app/lib"
	"legalbot/m/v2/app/models"
	"legalbot/m/v2/app/util"

	"github.com/fasthttp/router"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const (
	MESSAGE_LIMIT = 4000
	OOPSIE        = "Oops, something went wrong. Please try again in a moment."
)

// Handler runs one inbound event through the conversation engine.
type Handler interface {
	Handle(ctx context.Context, userID string, event models.Event) (models.Response, *models.Session, error)
}

// QuotaReporter tells how many free runs of an action a user has left.
type QuotaReporter interface {
	Remaining(ctx context.Context, userID string, action models.Action) (int64, error)
}

type Bot struct {
	*telego.Bot
	*th.BotHandler
	Name  string
	Dummy bool
	telego.ChatID
	Engine Handler
	Quota  QuotaReporter
}

var AllCommandHandlers CommandHandlers = CommandHandlers{}
var BOT *Bot

// NewBot registers the webhook and handlers. The caller sets Engine and then
// starts the BotHandler.
func NewBot(rtr *router.Router, cfg *config.Config, quota QuotaReporter) (*Bot, error) {
	bot, err := telego.NewBot(cfg.TelegramBotToken, telego.WithHealthCheck(), util.GetBotLoggerOption(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	botInfo, err := bot.GetMe()
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	} else {
		log.Infof("Bot info: %+v", botInfo)
		cfg.BotName = botInfo.Username
	}

	setupCommandHandlers()
	updates, err := signBotForUpdates(bot, rtr)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bot for updates: %w", err)
	}
	bh, err := th.NewBotHandler(bot, updates, th.WithStopTimeout(time.Second*10))
	if err != nil {
		return nil, fmt.Errorf("failed to setup bot handler: %w", err)
	}
	bh.HandleMessage(handleMessage)
	bh.HandleCallbackQuery(handleCallbackQuery)

	BOT = &Bot{
		Bot:        bot,
		BotHandler: bh,
		Name:       cfg.BotName,
		Quota:      quota,
	}

	return BOT, nil
}

func signBotForUpdates(bot *telego.Bot, rtr *router.Router) (<-chan telego.Update, error) {
	updates, err := bot.UpdatesViaWebhook(
		"/bot"+bot.Token(),
		telego.WithWebhookSet(&telego.SetWebhookParams{
			URL: util.Env("BACKEND_BASE_URL") + "/bot" + bot.Token(),
			AllowedUpdates: []string{
				"message",
				"callback_query",
			},
		}),
		telego.WithWebhookServer(telego.FastHTTPWebhookServer{
			Logger: log.StandardLogger(),
			Server: &fasthttp.Server{},
			Router: rtr,
		}),
	)
	return updates, err
}

func handleMessage(bot *telego.Bot, message telego.Message) {
	chatIDString := util.GetChatIDString(&message)
	if message.Chat.Type != "private" {
		log.Infof("Ignoring message in non-private chat: %s", chatIDString)
		return
	}
	ctx, cancelContext, err := lib.SetupUserAndContext(chatIDString, lib.TelegramClientName)
	if err != nil {
		if errors.Is(err, lib.ErrUserBanned) {
			log.Infof("User %s is banned", chatIDString)
			return
		}
		log.Errorf("Error setting up user and context: %v", err)
		return
	}
	defer cancelContext()

	if message.Document == nil && strings.HasPrefix(message.Text, "/") {
		AllCommandHandlers.handleCommand(ctx, BOT, &message)
		return
	}

	event, ok := messageEvent(&message)
	if !ok {
		config.Metrics().Incr("telegram.unsupported_message", nil, 1)
		BOT.sendText(util.GetChatID(&message), "I can only read text messages and documents (.txt, .md, .docx).")
		return
	}
	if message.Document != nil {
		config.Metrics().Incr("telegram.document_received", nil, 1)
		if int64(message.Document.FileSize) > flows.MaxFileSize {
			BOT.sendText(util.GetChatID(&message), fmt.Sprintf("The file is too large. The limit is %d MB.", flows.MaxFileSize>>20))
			return
		}
		sendTypingAction(bot, util.GetChatID(&message))
		data, err := downloadFile(ctx, bot, message.Document.FileID)
		if err != nil {
			log.Errorf("Failed to download document in chat %s: %v", chatIDString, err)
			BOT.sendText(util.GetChatID(&message), "Something went wrong while getting the file, please try again.")
			return
		}
		event.File.Data = data
	} else {
		config.Metrics().Incr("telegram.text_message_received", nil, 1)
	}
	BOT.dispatch(ctx, chatIDString, event)
}

func handleCallbackQuery(bot *telego.Bot, callbackQuery telego.CallbackQuery) {
	if err := bot.AnswerCallbackQuery(&telego.AnswerCallbackQueryParams{CallbackQueryID: callbackQuery.ID}); err != nil {
		log.Errorf("Failed to answer callback query: %v", err)
	}
	if callbackQuery.Message == nil {
		log.Warnf("Callback query %s without a message", callbackQuery.ID)
		return
	}
	chat := callbackQuery.Message.GetChat()
	chatIDString := fmt.Sprint(chat.ID)
	log.Infof("Received callback query: %s, for user: %d in chat %d", callbackQuery.Data, callbackQuery.From.ID, chat.ID)
	config.Metrics().Incr("telegram.callback_query", []string{"channel_type:" + chat.Type}, 1)

	ctx, cancelContext, err := lib.SetupUserAndContext(chatIDString, lib.TelegramClientName)
	if err != nil {
		log.Infof("Ignoring callback query from %s: %v", chatIDString, err)
		return
	}
	defer cancelContext()
	BOT.dispatch(ctx, chatIDString, callbackEvent(callbackQuery))
}

// dispatch hands the event to the engine and renders whatever it answers.
func (b *Bot) dispatch(ctx context.Context, userID string, event models.Event) {
	resp, _, err := b.Engine.Handle(ctx, userID, event)
	if err != nil {
		log.Errorf("Failed to handle %s event %s for user %s: %v", event.Kind, event.ID, userID, err)
		if resp.Empty() {
			resp = models.Response{Kind: models.ResponseFailure, Text: OOPSIE}
		}
	}
	b.Send(ctx, userID, resp)
}

// Send renders a response into one or more Telegram messages.
func (b *Bot) Send(ctx context.Context, userID string, resp models.Response) {
	if resp.Empty() {
		return
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		log.Errorf("Send: user id %s is not a telegram chat id", userID)
		return
	}
	for _, params := range renderResponse(tu.ID(chatID), resp) {
		if _, err := b.SendMessage(params); err != nil {
			log.Errorf("Send: failed to send message to %s: %v", userID, err)
			config.Metrics().Incr("telegram.send_failed", nil, 1)
			return
		}
	}
}

func (b *Bot) sendText(chatID telego.ChatID, text string) {
	if _, err := b.SendMessage(tu.Message(chatID, text)); err != nil {
		log.Errorf("Failed to send message to %d: %v", chatID.ID, err)
	}
}

func downloadFile(ctx context.Context, bot *telego.Bot, fileID string) ([]byte, error) {
	fileData, err := bot.GetFile(&telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, err
	}
	fileURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", bot.Token(), fileData.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	response, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", response.StatusCode)
	}
	return io.ReadAll(io.LimitReader(response.Body, flows.MaxFileSize+1))
}

func sendTypingAction(bot *telego.Bot, chatID telego.ChatID) {
	err := bot.SendChatAction(&telego.SendChatActionParams{ChatID: chatID, Action: telego.ChatActionTyping})
	if err != nil {
		log.Errorf("Failed to send chat action: %v", err)
	}
}
