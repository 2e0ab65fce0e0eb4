package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/models"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	ChatID      int64           `json:"chat_id"`
	Text        string          `json:"text"`
	ReplyMarkup json.RawMessage `json:"reply_markup"`
}

type outbox struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (o *outbox) record(req *http.Request) {
	if !strings.HasSuffix(req.URL.Path, "/sendMessage") {
		return
	}
	body, _ := io.ReadAll(req.Body)
	var msg sentMessage
	_ = json.Unmarshal(body, &msg)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func (o *outbox) texts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	texts := []string{}
	for _, m := range o.messages {
		texts = append(texts, m.Text)
	}
	return texts
}

type fakeEngine struct {
	events []models.Event
	resp   models.Response
	err    error
}

func (f *fakeEngine) Handle(ctx context.Context, userID string, event models.Event) (models.Response, *models.Session, error) {
	f.events = append(f.events, event)
	return f.resp, nil, f.err
}

type fakeQuota int64

func (q fakeQuota) Remaining(ctx context.Context, userID string, action models.Action) (int64, error) {
	return int64(q), nil
}

func newTestBot(t *testing.T, engine Handler) (*Bot, *outbox) {
	t.Helper()
	out := &outbox{}
	cfg := &config.Config{Environment: "production"}
	BOT = &Bot{
		Bot:    newStubBot(cfg, out.record),
		Name:   "legalbot",
		Engine: engine,
		Quota:  fakeQuota(2),
	}
	setupCommandHandlers()
	return BOT, out
}

func privateMessage(text string) *telego.Message {
	return &telego.Message{
		MessageID: 7,
		Chat:      telego.Chat{ID: 42, Type: "private"},
		Text:      text,
		Date:      1700000000,
	}
}

func TestRenderResponse(t *testing.T) {
	chatID := tu.ID(42)
	resp := models.Response{
		Kind:   models.ResponseResult,
		Notice: "Done.",
		Text:   "Your answer",
		Buttons: [][]models.Button{
			{{Text: "Menu", Data: models.ButtonMenu}},
			{{Text: "Pay", URL: "https://pay.example/cs_1"}},
		},
	}
	messages := renderResponse(chatID, resp)
	require.Len(t, messages, 1)
	assert.Equal(t, "Done.\n\nYour answer", messages[0].Text)
	markup, ok := messages[0].ReplyMarkup.(*telego.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, models.ButtonMenu, markup.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "https://pay.example/cs_1", markup.InlineKeyboard[1][0].URL)

	long := strings.Repeat(strings.Repeat("word ", 100)+"\n", 30)
	messages = renderResponse(chatID, models.Response{Kind: models.ResponseResult, Text: long, Buttons: [][]models.Button{{{Text: "Menu", Data: "menu"}}}})
	require.Greater(t, len(messages), 1)
	for i, m := range messages {
		assert.LessOrEqual(t, len(m.Text), MESSAGE_LIMIT)
		if i < len(messages)-1 {
			assert.Nil(t, m.ReplyMarkup)
		}
	}
	assert.NotNil(t, messages[len(messages)-1].ReplyMarkup)

	messages = renderResponse(chatID, models.Response{Kind: models.ResponsePrompt, Buttons: [][]models.Button{{{Text: "Menu", Data: "menu"}}}})
	require.Len(t, messages, 1)
	assert.Equal(t, "Choose an option:", messages[0].Text)
}

func TestMessageEvent(t *testing.T) {
	event, ok := messageEvent(privateMessage("I was fired without notice"))
	require.True(t, ok)
	assert.Equal(t, models.EventText, event.Kind)
	assert.Equal(t, "tg:m:42:7", event.ID)
	assert.Equal(t, "42", event.UserID)
	assert.Equal(t, "I was fired without notice", event.Text)

	doc := privateMessage("")
	doc.Document = &telego.Document{FileID: "f1", FileName: "lease.docx"}
	event, ok = messageEvent(doc)
	require.True(t, ok)
	assert.Equal(t, models.EventFile, event.Kind)
	assert.Equal(t, "lease.docx", event.File.Name)

	_, ok = messageEvent(privateMessage("   "))
	assert.False(t, ok)

	cb := callbackEvent(telego.CallbackQuery{ID: "cb1", Data: "choice:contract", Message: &telego.Message{Chat: telego.Chat{ID: 42}}})
	assert.Equal(t, "tg:cb:cb1", cb.ID)
	assert.Equal(t, models.EventButton, cb.Kind)
	assert.Equal(t, "choice:contract", cb.Button)
	assert.Equal(t, "42", cb.UserID)
}

func TestParseCommand(t *testing.T) {
	assert.Equal(t, StartCommand, parseCommand("/start@legalbot", "legalbot"))
	assert.Equal(t, StatusCommand, parseCommand("/Status please", "legalbot"))
	assert.Equal(t, Command("/unknown"), parseCommand("/unknown", ""))
}

func TestButtonCommandsDispatchToEngine(t *testing.T) {
	engine := &fakeEngine{resp: models.Response{Kind: models.ResponsePrompt, Text: "Describe your situation."}}
	bot, out := newTestBot(t, engine)

	AllCommandHandlers.handleCommand(context.Background(), bot, privateMessage("/consult"))

	require.Len(t, engine.events, 1)
	assert.Equal(t, models.EventButton, engine.events[0].Kind)
	assert.Equal(t, "start:consultation", engine.events[0].Button)
	assert.Equal(t, "tg:m:42:7", engine.events[0].ID)
	assert.Equal(t, []string{"Describe your situation."}, out.texts())
}

func TestUnknownCommand(t *testing.T) {
	engine := &fakeEngine{}
	bot, out := newTestBot(t, engine)

	AllCommandHandlers.handleCommand(context.Background(), bot, privateMessage("/chatgpt"))

	assert.Empty(t, engine.events)
	require.Len(t, out.texts(), 1)
	assert.Contains(t, out.texts()[0], "Unknown command")
}

func TestDispatchFallsBackOnError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("redis down")}
	bot, out := newTestBot(t, engine)

	bot.dispatch(context.Background(), "42", buttonEvent("tg:cb:1", "42", models.ButtonMenu))
	assert.Equal(t, []string{OOPSIE}, out.texts())

	engine.err = models.ErrStorageConflict
	engine.resp = models.Response{Kind: models.ResponseFailure, Text: "Please try again."}
	bot.dispatch(context.Background(), "42", buttonEvent("tg:cb:2", "42", models.ButtonMenu))
	assert.Equal(t, []string{OOPSIE, "Please try again."}, out.texts())
}

func TestSendSkipsEmptyAndNonTelegramUsers(t *testing.T) {
	bot, out := newTestBot(t, &fakeEngine{})

	bot.Send(context.Background(), "42", models.Response{Kind: models.ResponseNone})
	bot.Send(context.Background(), "slack:U1", models.Response{Kind: models.ResponseNotice, Text: "hi"})
	assert.Empty(t, out.texts())

	bot.Send(context.Background(), "42", models.Response{Kind: models.ResponseNotice, Text: "hi"})
	assert.Equal(t, []string{"hi"}, out.texts())
}
