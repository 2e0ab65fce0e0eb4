package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/converters"
	"legalbot/m/v2/app/flows"
	"legalbot/m/v2/app/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func (e *Engine) route(ctx context.Context, user *models.MongoUser, work *models.Session, event models.Event) (outcome, error) {
	switch event.Kind {
	case models.EventPaymentStatus:
		return e.paymentStatus(ctx, user, event)
	case models.EventButton:
		return e.button(ctx, user, work, event)
	case models.EventText, models.EventFile:
		if work.Idle() {
			return outcome{resp: e.menu(user, "Choose what you need from the menu.")}, nil
		}
		return e.input(ctx, user, work, event)
	default:
		return outcome{}, fmt.Errorf("%w: unknown event kind %q", models.ErrValidation, event.Kind)
	}
}

func (e *Engine) button(ctx context.Context, user *models.MongoUser, work *models.Session, event models.Event) (outcome, error) {
	data := event.Button
	switch {
	case data == models.ButtonMenu:
		return outcome{resp: e.menu(user, "")}, nil
	case data == models.ButtonCancel:
		return e.cancel(user, work), nil
	case data == models.ButtonAcceptTerms:
		return e.acceptTerms(ctx, user)
	case data == models.ButtonDisable:
		return e.disable(ctx, user, work)
	case data == models.ButtonHistory:
		return e.historyList(ctx, user.ID)
	case data == models.ButtonHistoryClear:
		return e.historyClear(ctx, user)
	case strings.HasPrefix(data, models.ButtonHistoryOpen):
		return e.historyOpen(ctx, user.ID, strings.TrimPrefix(data, models.ButtonHistoryOpen))
	case strings.HasPrefix(data, models.ButtonHistoryDelete):
		return e.historyDelete(ctx, user, strings.TrimPrefix(data, models.ButtonHistoryDelete))
	case strings.HasPrefix(data, models.ButtonRatePrefix):
		return e.rate(ctx, user, strings.TrimPrefix(data, models.ButtonRatePrefix))
	case strings.HasPrefix(data, models.ButtonStartPrefix):
		return e.start(ctx, user, work, strings.TrimPrefix(data, models.ButtonStartPrefix))
	case strings.HasPrefix(data, models.ButtonChoicePrefix), data == models.ButtonRetry:
		if work.Idle() {
			return outcome{resp: e.menu(user, "That dialog is already over.")}, nil
		}
		return e.input(ctx, user, work, event)
	}
	log.Warnf("Unknown button %q from user %s", data, user.ID)
	return outcome{resp: e.menu(user, "Unknown action.")}, nil
}

func (e *Engine) paymentStatus(ctx context.Context, user *models.MongoUser, event models.Event) (outcome, error) {
	if event.Payment == nil {
		return outcome{}, fmt.Errorf("%w: payment event without payload", models.ErrValidation)
	}
	if _, err := e.Payments.Apply(ctx, user.ID, event.Payment.Reference, event.Payment.Status); err != nil {
		return outcome{}, err
	}
	// the ledger notifies the user itself
	return outcome{resp: models.Response{Kind: models.ResponseNone}}, nil
}

// start begins flowID from its first step, replacing whatever was active.
func (e *Engine) start(ctx context.Context, user *models.MongoUser, work *models.Session, flowID string) (outcome, error) {
	flow, ok := e.Flows.Lookup(flowID)
	if !ok {
		log.Warnf("User %s asked for unknown flow %q", user.ID, flowID)
		return outcome{resp: e.menu(user, "Unknown action.")}, nil
	}
	decision, err := e.Gate.Authorize(ctx, user, flow.Action)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: authorize: %v", models.ErrStorageFailure, err)
	}
	if !decision.Allowed {
		log.Infof("User %s denied %s: %s", user.ID, flow.ID, decision.Reason)
		return outcome{resp: e.denied(decision.Reason)}, nil
	}

	if !work.Idle() {
		log.Infof("User %s replaces flow %s (run %s) with %s", user.ID, work.FlowID, work.RunID, flow.ID)
		config.Metrics().Incr("engine.flow_replaced", []string{"flow:" + work.FlowID}, 1)
	}
	work.Start(flow.ID, uuid.NewString(), e.Now())
	config.Metrics().Incr("engine.flow_started", []string{"flow:" + flow.ID}, 1)

	out, err := e.advance(ctx, work, flow)
	out.mutated = true
	if decision.Consumed {
		out.consumed = flow.Action
	}
	return out, err
}

func (e *Engine) cancel(user *models.MongoUser, work *models.Session) outcome {
	if work.Idle() {
		return outcome{resp: e.menu(user, "There is nothing to cancel.")}
	}
	log.Infof("User %s cancelled flow %s (run %s)", user.ID, work.FlowID, work.RunID)
	config.Metrics().Incr("engine.flow_cancelled", []string{"flow:" + work.FlowID}, 1)
	work.Reset(e.Now())
	return outcome{resp: e.menu(user, "Cancelled."), mutated: true}
}

// input applies user input to the current step of the active flow.
func (e *Engine) input(ctx context.Context, user *models.MongoUser, work *models.Session, event models.Event) (outcome, error) {
	flow, ok := e.Flows.Lookup(work.FlowID)
	if !ok || work.Step >= len(flow.Steps) {
		log.Errorf("User %s session points at missing flow %q step %d, resetting", user.ID, work.FlowID, work.Step)
		work.Reset(e.Now())
		return outcome{resp: e.menu(user, "That dialog is no longer available."), mutated: true}, nil
	}
	if work.Pending != nil {
		config.Metrics().Incr("engine.busy", []string{"policy:" + e.opts.BusyPolicy}, 1)
		if e.opts.BusyPolicy == config.BusyPolicySilent {
			return outcome{resp: models.Response{Kind: models.ResponseNone}}, nil
		}
		return outcome{resp: models.Response{
			Kind:    models.ResponseNotice,
			Text:    "I'm still working on your previous request, please wait.",
			Buttons: [][]models.Button{{cancelButton}},
		}}, nil
	}

	step := flow.Steps[work.Step]
	if event.Button == models.ButtonRetry && retryable(step, work) {
		call, err := e.begin(work, flow)
		if err != nil {
			return outcome{}, err
		}
		return outcome{resp: processing(step), mutated: true, call: call}, nil
	}
	if step.Input == flows.InputAuto {
		return outcome{resp: retryPrompt(step, "Press \"Try again\" to repeat the request.")}, nil
	}
	if !step.Accepts(event.Kind) || event.Button == models.ButtonRetry {
		return outcome{resp: prompt(step, mismatchNotice(step))}, nil
	}

	value, err := e.value(step, event)
	if err != nil {
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrUnsupportedFile) {
			log.Infof("User %s gave invalid input for %s/%s: %v", user.ID, flow.ID, step.Field, err)
			config.Metrics().Incr("engine.invalid_input", []string{"flow:" + flow.ID, "field:" + step.Field}, 1)
			return outcome{resp: prompt(step, invalidNotice(step, err))}, nil
		}
		return outcome{}, err
	}
	work.Fields[step.Field] = value
	if event.Kind == models.EventFile {
		work.Fields[step.Field+"_name"] = event.File.Name
	}

	if step.Oracle != flows.OracleNone {
		call, err := e.begin(work, flow)
		if err != nil {
			return outcome{}, err
		}
		return outcome{resp: processing(step), mutated: true, call: call}, nil
	}
	work.Step++
	out, err := e.advance(ctx, work, flow)
	out.mutated = true
	return out, err
}

// value validates the event payload against step and returns what to store.
func (e *Engine) value(step flows.Step, event models.Event) (string, error) {
	switch event.Kind {
	case models.EventText:
		text := strings.TrimSpace(event.Text)
		return text, step.Check(text)
	case models.EventButton:
		choice := strings.TrimPrefix(event.Button, models.ButtonChoicePrefix)
		return choice, step.Check(choice)
	case models.EventFile:
		if err := step.CheckFile(event.File); err != nil {
			return "", err
		}
		return converters.ExtractText(event.File.Name, event.File.Data)
	}
	return "", fmt.Errorf("%w: unexpected %s input", models.ErrValidation, event.Kind)
}

// advance presents work.Step of flow: the next prompt, an automatic oracle
// call, or the final result when the steps are exhausted.
func (e *Engine) advance(ctx context.Context, work *models.Session, flow *flows.Flow) (outcome, error) {
	if work.Step >= len(flow.Steps) {
		return e.finalize(ctx, work, flow)
	}
	step := flow.Steps[work.Step]
	if step.Input == flows.InputAuto {
		call, err := e.begin(work, flow)
		if err != nil {
			return outcome{}, err
		}
		return outcome{resp: processing(step), call: call}, nil
	}
	return outcome{resp: prompt(step, "")}, nil
}

func (e *Engine) finalize(ctx context.Context, work *models.Session, flow *flows.Flow) (outcome, error) {
	result := work.Fields[flow.Result]
	if flow.Record {
		entry := models.HistoryEntry{
			ID:        work.RunID,
			UserID:    work.UserID,
			FlowID:    flow.ID,
			Title:     flow.Title,
			Inputs:    inputs(work, flow),
			Output:    result,
			CreatedAt: e.Now(),
		}
		if err := e.History.Append(ctx, entry); err != nil {
			return outcome{}, err
		}
	}
	runID := work.RunID
	log.Infof("User %s completed flow %s (run %s)", work.UserID, flow.ID, runID)
	config.Metrics().Incr("engine.flow_completed", []string{"flow:" + flow.ID}, 1)
	work.Reset(e.Now())
	return outcome{resp: resultResponse(flow, runID, result)}, nil
}

// inputs collects what the user supplied, leaving out oracle outputs.
func inputs(work *models.Session, flow *flows.Flow) map[string]string {
	out := map[string]string{}
	for _, step := range flow.Steps {
		if step.Input == flows.InputAuto {
			continue
		}
		if v, ok := work.Fields[step.Field]; ok {
			out[step.Field] = v
		}
		if v, ok := work.Fields[step.Field+"_name"]; ok {
			out[step.Field+"_name"] = v
		}
	}
	return out
}

func (e *Engine) acceptTerms(ctx context.Context, user *models.MongoUser) (outcome, error) {
	if !user.TermsAccepted {
		if err := e.Users.AcceptTerms(ctx, user.ID, e.Now()); err != nil {
			return outcome{}, fmt.Errorf("%w: accept terms: %v", models.ErrStorageFailure, err)
		}
		user.TermsAccepted = true
		log.Infof("User %s accepted the terms", user.ID)
		config.Metrics().Incr("engine.terms_accepted", nil, 1)
	}
	return outcome{resp: e.menu(user, "Thank you, the terms are accepted."), mutated: true}, nil
}

func (e *Engine) disable(ctx context.Context, user *models.MongoUser, work *models.Session) (outcome, error) {
	if err := e.Users.SetUserDisabled(ctx, user.ID, true, e.Now()); err != nil {
		return outcome{}, fmt.Errorf("%w: disable: %v", models.ErrStorageFailure, err)
	}
	log.Infof("User %s disabled their account", user.ID)
	config.Metrics().Incr("engine.account_disabled", nil, 1)
	out := outcome{resp: models.Response{
		Kind: models.ResponseNotice,
		Text: "Your account is disabled. Contact support if you want it back.",
	}}
	if !work.Idle() {
		work.Reset(e.Now())
		out.mutated = true
	}
	return out, nil
}

func (e *Engine) historyList(ctx context.Context, userID string) (outcome, error) {
	entries, err := e.History.List(ctx, userID)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: history: %v", models.ErrStorageFailure, err)
	}
	if len(entries) == 0 {
		return outcome{resp: models.Response{
			Kind:    models.ResponseNotice,
			Text:    "Your history is empty.",
			Buttons: [][]models.Button{{menuButton}},
		}}, nil
	}
	resp := models.Response{Kind: models.ResponseNotice, Text: "Your recent consultations and documents:"}
	for _, entry := range entries {
		resp.Buttons = append(resp.Buttons, []models.Button{{
			Text: entry.CreatedAt.Format("02.01.2006") + " " + entry.Title,
			Data: models.ButtonHistoryOpen + entry.ID,
		}})
	}
	resp.Buttons = append(resp.Buttons, []models.Button{{Text: "Clear history", Data: models.ButtonHistoryClear}, menuButton})
	return outcome{resp: resp}, nil
}

func (e *Engine) historyOpen(ctx context.Context, userID, id string) (outcome, error) {
	entry, err := e.History.Get(ctx, userID, id)
	if errors.Is(err, models.ErrNotFound) {
		return outcome{resp: models.Response{Kind: models.ResponseNotice, Text: "This entry was deleted.", Buttons: [][]models.Button{{historyButton}}}}, nil
	}
	if err != nil {
		return outcome{}, fmt.Errorf("%w: history: %v", models.ErrStorageFailure, err)
	}
	return outcome{resp: models.Response{
		Kind: models.ResponseResult,
		Text: entry.Output,
		Buttons: [][]models.Button{
			{{Text: "Delete", Data: models.ButtonHistoryDelete + entry.ID}, historyButton},
		},
	}}, nil
}

func (e *Engine) historyDelete(ctx context.Context, user *models.MongoUser, id string) (outcome, error) {
	err := e.History.SoftDelete(ctx, user.ID, id)
	if errors.Is(err, models.ErrNotFound) {
		return outcome{resp: models.Response{Kind: models.ResponseNotice, Text: "This entry was already deleted.", Buttons: [][]models.Button{{historyButton}}}}, nil
	}
	if err != nil {
		return outcome{}, fmt.Errorf("%w: history: %v", models.ErrStorageFailure, err)
	}
	return outcome{resp: models.Response{Kind: models.ResponseNotice, Text: "Deleted.", Buttons: [][]models.Button{{historyButton, menuButton}}}, mutated: true}, nil
}

func (e *Engine) historyClear(ctx context.Context, user *models.MongoUser) (outcome, error) {
	n, err := e.History.Clear(ctx, user.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: history: %v", models.ErrStorageFailure, err)
	}
	log.Infof("User %s cleared %d history entries", user.ID, n)
	return outcome{resp: e.menu(user, "Your history is cleared."), mutated: true}, nil
}

// rate stores the rating carried by a "<run>:<rating>" payload on the history entry of that run.
func (e *Engine) rate(ctx context.Context, user *models.MongoUser, payload string) (outcome, error) {
	i := strings.LastIndex(payload, ":")
	rating, err := strconv.Atoi(payload[i+1:])
	if i <= 0 || err != nil {
		log.Warnf("User %s sent malformed rating %q", user.ID, payload)
		return outcome{resp: e.menu(user, "Unknown action.")}, nil
	}
	runID := payload[:i]
	err = e.History.Rate(ctx, user.ID, runID, rating)
	switch {
	case errors.Is(err, models.ErrValidation):
		log.Warnf("User %s sent rating %d for run %s", user.ID, rating, runID)
		return outcome{resp: e.menu(user, "Unknown action.")}, nil
	case errors.Is(err, models.ErrNotFound):
		return outcome{resp: models.Response{Kind: models.ResponseNotice, Text: "This entry is no longer available.", Buttons: [][]models.Button{{historyButton}}}}, nil
	case err != nil:
		return outcome{}, fmt.Errorf("%w: rate: %v", models.ErrStorageFailure, err)
	}
	log.Infof("User %s rated run %s with %d", user.ID, runID, rating)
	return outcome{resp: models.Response{
		Kind:    models.ResponseNotice,
		Text:    "Thank you for the rating!",
		Buttons: [][]models.Button{{menuButton, historyButton}},
	}, mutated: true}, nil
}
