package telegram

import (
	"context"
	"strings"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/models"
	"legalbot/m/v2/app/util"

	"github.com/mymmrac/telego"
	log "github.com/sirupsen/logrus"
)

type Command string

const (
	StartCommand    Command = "/start"
	MenuCommand     Command = "/menu"
	ConsultCommand  Command = "/consult"
	DocumentCommand Command = "/document"
	AnalyzeCommand  Command = "/analyze"
	HistoryCommand  Command = "/history"
	CancelCommand   Command = "/cancel"
	StatusCommand   Command = "/status"
	UpgradeCommand  Command = "/upgrade"
	TermsCommand    Command = "/terms"
	DeleteCommand   Command = "/deleteaccount"
	EmptyCommand    Command = ""

	// commands setting for BotFather
	Commands string = `
start - 🚀 main menu
consult - ⚖️ ask a legal question
document - 📄 draft a legal document
analyze - 🔍 analyze a document file
history - 🗂 your previous requests
cancel - ✋ stop the current request
status - 📊 plan and remaining free consultations
upgrade - 💳 buy a subscription
terms - 📜 usage terms
deleteaccount - 🗑 disable your account
`
)

// commandButtons maps slash commands onto the button payloads the engine
// already understands, so both paths share one code path.
var commandButtons = map[Command]string{
	StartCommand:    models.ButtonMenu,
	MenuCommand:     models.ButtonMenu,
	ConsultCommand:  models.ButtonStartPrefix + "consultation",
	DocumentCommand: models.ButtonStartPrefix + "document_draft",
	AnalyzeCommand:  models.ButtonStartPrefix + "file_analysis",
	HistoryCommand:  models.ButtonHistory,
	CancelCommand:   models.ButtonCancel,
	UpgradeCommand:  models.ButtonStartPrefix + "checkout",
	DeleteCommand:   models.ButtonDisable,
}

type CommandHandler struct {
	Command Command
	Handler func(context.Context, *Bot, *telego.Message)
}

type CommandHandlers []*CommandHandler

func setupCommandHandlers() {
	AllCommandHandlers = CommandHandlers{
		newCommandHandler(StatusCommand, statusCommandHandler),
		newCommandHandler(TermsCommand, termsCommandHandler),
	}
	for command, button := range commandButtons {
		AllCommandHandlers = append(AllCommandHandlers, newCommandHandler(command, buttonCommandHandler(button)))
	}
}

func newCommandHandler(command Command, handler func(context.Context, *Bot, *telego.Message)) *CommandHandler {
	return &CommandHandler{
		Command: command,
		Handler: handler,
	}
}

func parseCommand(text, botName string) Command {
	commandArray := strings.Split(text, " ")
	commandString := commandArray[0]
	if botName != "" {
		commandString = strings.ReplaceAll(commandString, "@"+botName, "")
	}
	return Command(strings.ToLower(commandString))
}

func (c CommandHandlers) handleCommand(ctx context.Context, bot *Bot, message *telego.Message) {
	command := parseCommand(message.Text, bot.Name)

	commandHandler := c.getCommandHandler(command)
	if commandHandler != nil {
		config.Metrics().Incr("command", []string{"command:" + string(command), "bot_name:" + bot.Name}, 1)
		commandHandler.Handler(ctx, bot, message)
	} else {
		config.Metrics().Incr("unknown_command", nil, 1)
		bot.sendText(util.GetChatID(message), "Unknown command \U0001f937 Use /menu to see what I can do.")
	}
}

func (c CommandHandlers) getCommandHandler(command Command) *CommandHandler {
	for _, ch := range c {
		if ch.Command == command {
			return ch
		}
	}
	return nil
}

func buttonCommandHandler(button string) func(context.Context, *Bot, *telego.Message) {
	return func(ctx context.Context, bot *Bot, message *telego.Message) {
		userID := util.GetChatIDString(message)
		bot.dispatch(ctx, userID, buttonEvent(messageEventID(message), userID, button))
	}
}

func statusCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	userID := util.GetChatIDString(message)
	user, err := mongo.MongoDBClient.GetUser(ctx, userID)
	if err != nil {
		log.Warnf("Failed to get user %s for status: %v", userID, err)
		user = &models.MongoUser{ID: userID}
	}
	remaining := int64(-1)
	if bot.Quota != nil {
		remaining, err = bot.Quota.Remaining(ctx, userID, models.ActionConsultation)
		if err != nil {
			log.Warnf("Failed to get remaining consultations for %s: %v", userID, err)
			remaining = -1
		}
	}
	bot.sendText(util.GetChatID(message), GetUserStatus(user, remaining, timeNow()))
}

func termsCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	log.Infof("Terms command received from userID: %s", util.GetChatIDString(message))
	terms := "Usage terms are not published yet."
	if config.CONFIG != nil && config.CONFIG.TermsURL != "" {
		terms = config.CONFIG.TermsURL
	}
	bot.sendText(util.GetChatID(message), terms)
}
