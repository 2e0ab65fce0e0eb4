package engine

import (
	"errors"
	"strconv"
	"strings"

	"legalbot/m/v2/app/converters"
	"legalbot/m/v2/app/flows"
	"legalbot/m/v2/app/models"
)

var (
	menuButton    = models.Button{Text: "Menu", Data: models.ButtonMenu}
	cancelButton  = models.Button{Text: "Cancel", Data: models.ButtonCancel}
	historyButton = models.Button{Text: "History", Data: models.ButtonHistory}
	retryButton   = models.Button{Text: "Try again", Data: models.ButtonRetry}
	upgradeButton = models.Button{Text: "Choose a plan", Data: models.ButtonStartPrefix + "checkout"}
)

// menu lists the catalog. Users who have not accepted the terms are asked to first.
func (e *Engine) menu(user *models.MongoUser, notice string) models.Response {
	resp := models.Response{Kind: models.ResponsePrompt, Text: "What can I help you with?", Notice: notice}
	if !user.TermsAccepted {
		resp.Text = "Before we start, please read and accept the terms of use."
		resp.Buttons = e.termsButtons()
		return resp
	}
	for _, flow := range e.Flows.Flows() {
		resp.Buttons = append(resp.Buttons, []models.Button{{Text: flow.Title, Data: models.ButtonStartPrefix + flow.ID}})
	}
	resp.Buttons = append(resp.Buttons, []models.Button{historyButton})
	return resp
}

func (e *Engine) termsButtons() [][]models.Button {
	rows := [][]models.Button{{{Text: "Accept", Data: models.ButtonAcceptTerms}}}
	if e.opts.TermsURL != "" {
		rows = append(rows, []models.Button{{Text: "Terms of use", URL: e.opts.TermsURL}})
	}
	return rows
}

func (e *Engine) denied(reason models.DenyReason) models.Response {
	resp := models.Response{Kind: models.ResponseDenied, Reason: reason}
	switch reason {
	case models.DenyTermsNotAccepted:
		resp.Text = "Please read and accept the terms of use first."
		resp.Buttons = e.termsButtons()
	case models.DenyQuotaExhausted:
		resp.Text = "You have used all free consultations for this month. Subscribe to continue."
		resp.Buttons = [][]models.Button{{upgradeButton}, {menuButton}}
	case models.DenyAccountDisabled:
		resp.Text = "Your account is disabled."
	default:
		resp.Text = "This feature needs a subscription."
		resp.Buttons = [][]models.Button{{upgradeButton}, {menuButton}}
	}
	return resp
}

func prompt(step flows.Step, notice string) models.Response {
	resp := models.Response{Kind: models.ResponsePrompt, Text: step.Prompt, Notice: notice}
	for _, o := range step.Options {
		resp.Buttons = append(resp.Buttons, []models.Button{{Text: o.Title, Data: models.ButtonChoicePrefix + o.Value}})
	}
	resp.Buttons = append(resp.Buttons, []models.Button{cancelButton})
	return resp
}

func retryPrompt(step flows.Step, notice string) models.Response {
	return models.Response{
		Kind:    models.ResponsePrompt,
		Text:    step.Prompt,
		Notice:  notice,
		Buttons: [][]models.Button{{retryButton, cancelButton}},
	}
}

func processing(step flows.Step) models.Response {
	text := "Working on it, this may take a minute."
	if step.Input == flows.InputAuto && step.Prompt != "" {
		text = step.Prompt
	}
	return models.Response{Kind: models.ResponseProcessing, Text: text, Buttons: [][]models.Button{{cancelButton}}}
}

func resultResponse(flow *flows.Flow, runID, result string) models.Response {
	if flow.Action == models.ActionCheckout {
		return models.Response{
			Kind: models.ResponseResult,
			Text: "Your payment link is ready. The subscription starts as soon as the payment goes through.",
			Buttons: [][]models.Button{
				{{Text: "Pay", URL: result}},
				{menuButton},
			},
		}
	}
	resp := models.Response{Kind: models.ResponseResult, Text: result, Buttons: [][]models.Button{{menuButton, historyButton}}}
	if flow.Rate {
		resp.Buttons = append([][]models.Button{ratingButtons(runID)}, resp.Buttons...)
	}
	return resp
}

func ratingButtons(runID string) []models.Button {
	row := make([]models.Button, 0, models.MaxRating)
	for rating := models.MinRating; rating <= models.MaxRating; rating++ {
		row = append(row, models.Button{
			Text: strconv.Itoa(rating) + "⭐",
			Data: models.ButtonRatePrefix + runID + ":" + strconv.Itoa(rating),
		})
	}
	return row
}

// failedCall tells the user the step can be repeated; nothing collected is lost.
func failedCall(step flows.Step, err error) models.Response {
	text := "Something went wrong while preparing the answer."
	if errors.Is(err, models.ErrOracleTimeout) {
		text = "The answer took too long."
	}
	return models.Response{
		Kind:    models.ResponseFailure,
		Text:    text + " Press \"Try again\" or cancel.",
		Buttons: [][]models.Button{{retryButton, cancelButton}},
	}
}

func transientResponse() models.Response {
	return models.Response{
		Kind: models.ResponseFailure,
		Text: "You sent several messages at once, please repeat the last one.",
	}
}

func failureResponse() models.Response {
	return models.Response{
		Kind:    models.ResponseFailure,
		Text:    "Something went wrong, please try again.",
		Buttons: [][]models.Button{{menuButton}},
	}
}

func mismatchNotice(step flows.Step) string {
	switch step.Input {
	case flows.InputFile:
		return "Please send a file."
	case flows.InputButton:
		return "Please choose one of the options below."
	}
	return "Please reply with a text message."
}

func invalidNotice(step flows.Step, err error) string {
	if errors.Is(err, converters.ErrTooMuchText) {
		return "This document is too long for me. Send a shorter one or only the part that matters."
	}
	if errors.Is(err, models.ErrUnsupportedFile) || (step.Input == flows.InputFile && len(step.Extensions) > 0) {
		return "This file can't be read. Send a " + strings.Join(step.Extensions, ", ") + " file up to 5 MB."
	}
	if step.Input == flows.InputButton {
		return "Please choose one of the options below."
	}
	return "Please check your answer and send it again."
}

// retryable reports whether the current step can rerun its oracle as is.
func retryable(step flows.Step, work *models.Session) bool {
	if step.Input == flows.InputAuto {
		return true
	}
	return step.Oracle != flows.OracleNone && work.Fields[step.Field] != ""
}
