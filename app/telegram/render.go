package telegram

import (
	"fmt"
	"strings"
	"time"

	"legalbot/m/v2/app/models"
	"legalbot/m/v2/app/util"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Event ids are stable across webhook redeliveries of the same update.
func messageEventID(message *telego.Message) string {
	return fmt.Sprintf("tg:m:%d:%d", message.Chat.ID, message.MessageID)
}

func callbackEventID(callbackQuery telego.CallbackQuery) string {
	return "tg:cb:" + callbackQuery.ID
}

// messageEvent maps a plain message to an engine event. The file payload is
// left without data, the caller downloads it.
func messageEvent(message *telego.Message) (models.Event, bool) {
	event := models.Event{
		ID:        messageEventID(message),
		UserID:    util.GetChatIDString(message),
		Timestamp: time.Unix(message.Date, 0),
	}
	switch {
	case message.Document != nil:
		event.Kind = models.EventFile
		event.File = &models.File{Name: message.Document.FileName}
	case strings.TrimSpace(message.Text) != "":
		event.Kind = models.EventText
		event.Text = message.Text
	default:
		return models.Event{}, false
	}
	return event, true
}

func buttonEvent(id, userID, data string) models.Event {
	return models.Event{
		ID:        id,
		UserID:    userID,
		Kind:      models.EventButton,
		Button:    data,
		Timestamp: time.Now(),
	}
}

func callbackEvent(callbackQuery telego.CallbackQuery) models.Event {
	userID := fmt.Sprint(callbackQuery.Message.GetChat().ID)
	return buttonEvent(callbackEventID(callbackQuery), userID, callbackQuery.Data)
}

// renderResponse splits the text into Telegram sized chunks and puts the
// keyboard under the last one.
func renderResponse(chatID telego.ChatID, resp models.Response) []*telego.SendMessageParams {
	text := resp.Text
	if resp.Notice != "" {
		if text != "" {
			text = resp.Notice + "\n\n" + text
		} else {
			text = resp.Notice
		}
	}
	if text == "" {
		text = "Choose an option:"
	}
	chunks := util.ChunkString(text, MESSAGE_LIMIT)
	messages := make([]*telego.SendMessageParams, 0, len(chunks))
	for _, chunk := range chunks {
		messages = append(messages, tu.Message(chatID, chunk))
	}
	if markup := keyboard(resp.Buttons); markup != nil && len(messages) > 0 {
		messages[len(messages)-1] = messages[len(messages)-1].WithReplyMarkup(markup)
	}
	return messages
}

func keyboard(buttons [][]models.Button) *telego.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		keys := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			key := tu.InlineKeyboardButton(b.Text)
			if b.URL != "" {
				key = key.WithURL(b.URL)
			} else {
				key = key.WithCallbackData(b.Data)
			}
			keys = append(keys, key)
		}
		rows = append(rows, tu.InlineKeyboardRow(keys...))
	}
	return tu.InlineKeyboard(rows...)
}
