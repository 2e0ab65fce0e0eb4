// Package engine drives the per-user dialog state machine: it routes inbound
// events through the flow catalog, the entitlement gate and the oracles, and
// persists the session after every step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/flows"
	"legalbot/m/v2/app/models"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxReceipts   = 32
	DefaultOracleRetries = 3
	DefaultOracleTimeout = 60 * time.Second
	DefaultStaleAfter    = 30 * time.Minute
)

type Sessions interface {
	Load(ctx context.Context, userID string) (*models.Session, error)
	Save(ctx context.Context, userID string, session *models.Session, expectedVersion int64) error
	Stale(ctx context.Context, before time.Time) ([]string, error)
}

type Users interface {
	AcceptTerms(ctx context.Context, userID string, at time.Time) error
	EnsureUser(ctx context.Context, user models.MongoUser) (*models.MongoUser, error)
	SetUserDisabled(ctx context.Context, userID string, disabled bool, at time.Time) error
	TouchUser(ctx context.Context, userID string, at time.Time) error
}

type Authorizer interface {
	Authorize(ctx context.Context, user *models.MongoUser, action models.Action) (models.Decision, error)
	Refund(ctx context.Context, userID string, action models.Action)
}

type History interface {
	Append(ctx context.Context, entry models.HistoryEntry) error
	List(ctx context.Context, userID string) ([]models.HistoryEntry, error)
	Get(ctx context.Context, userID, id string) (*models.HistoryEntry, error)
	SoftDelete(ctx context.Context, userID, id string) error
	Rate(ctx context.Context, userID, id string, rating int) error
	Clear(ctx context.Context, userID string) (int64, error)
}

// LLM answers a rendered prompt, optionally with a supporting document.
type LLM interface {
	Ask(ctx context.Context, prompt, supporting string) (string, error)
}

type Payments interface {
	Checkout(ctx context.Context, userID string, tier models.MongoSubscriptionName) (string, error)
	Apply(ctx context.Context, userID, reference string, status models.PaymentStatus) (bool, error)
}

// Sender delivers responses produced outside of Handle, e.g. oracle results.
type Sender interface {
	Send(ctx context.Context, userID string, response models.Response)
}

// Alerter notifies operators.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

type Deps struct {
	Sessions Sessions
	Flows    *flows.Registry
	Gate     Authorizer
	History  History
	Users    Users
	LLM      LLM
	Payments Payments
	Sender   Sender
	Alerter  Alerter
	Now      func() time.Time
}

type Options struct {
	BusyPolicy    string
	MaxReceipts   int
	OracleRetries int
	OracleTimeout time.Duration
	StaleAfter    time.Duration
	TermsURL      string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BusyPolicy:    cfg.BusyPolicy,
		OracleRetries: cfg.OracleRetries,
		OracleTimeout: cfg.OracleTimeout,
		StaleAfter:    cfg.SessionStaleAfter,
		TermsURL:      cfg.TermsURL,
	}
}

type Engine struct {
	Deps
	opts  Options
	locks *userLocks
	calls sync.WaitGroup
}

func New(deps Deps, opts Options) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.BusyPolicy == "" {
		opts.BusyPolicy = config.BusyPolicyNotify
	}
	if opts.MaxReceipts <= 0 {
		opts.MaxReceipts = DefaultMaxReceipts
	}
	if opts.OracleRetries <= 0 {
		opts.OracleRetries = DefaultOracleRetries
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = DefaultOracleTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Engine{Deps: deps, opts: opts, locks: newUserLocks()}
}

// outcome is what one routed event did to the working copy of a session.
type outcome struct {
	resp     models.Response
	mutated  bool
	consumed models.Action
	call     *oracleCall
}

// Handle applies one inbound event for userID and returns the response to
// render together with the session as persisted. Redelivered events get the
// stored response back without being applied again.
func (e *Engine) Handle(ctx context.Context, userID string, event models.Event) (resp models.Response, session *models.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Handle: panic for user %s: %v\n%s", userID, r, debug.Stack())
			config.Metrics().Incr("engine.panic", nil, 1)
			e.alert(ctx, fmt.Sprintf("panic while handling %s event for user %s: %v", event.Kind, userID, r))
			resp, session, err = failureResponse(), nil, nil
		}
	}()
	config.Metrics().Incr("engine.event", []string{"kind:" + string(event.Kind)}, 1)

	now := e.Now()
	user, err := e.Users.EnsureUser(ctx, models.MongoUser{ID: userID, CreatedAt: now})
	if err != nil {
		return models.Response{}, nil, fmt.Errorf("%w: Handle: %v", models.ErrStorageFailure, err)
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	var out outcome
	for attempt := 0; attempt < 2; attempt++ {
		out, session, err = e.handleOnce(ctx, user, event)
		if !errors.Is(err, models.ErrStorageConflict) {
			break
		}
		log.Warnf("Handle: session conflict for user %s, attempt %d", userID, attempt+1)
		config.Metrics().Incr("engine.conflict", nil, 1)
	}
	if errors.Is(err, models.ErrStorageConflict) {
		return transientResponse(), nil, err
	}
	if err != nil {
		log.Errorf("Handle: failed to handle %s event for user %s: %v", event.Kind, userID, err)
		return models.Response{}, nil, err
	}

	if out.call != nil {
		e.dispatch(out.call)
	}
	if err := e.Users.TouchUser(ctx, userID, now); err != nil {
		log.Warnf("Handle: failed to touch user %s: %v", userID, err)
	}
	return out.resp, session, nil
}

func (e *Engine) handleOnce(ctx context.Context, user *models.MongoUser, event models.Event) (outcome, *models.Session, error) {
	stored, err := e.Sessions.Load(ctx, user.ID)
	if err != nil {
		return outcome{}, nil, err
	}
	if resp, ok := stored.Receipt(event.ID); ok {
		log.Infof("Event %s for user %s was already handled, replaying response", event.ID, user.ID)
		config.Metrics().Incr("engine.redelivery", nil, 1)
		return outcome{resp: resp}, stored, nil
	}

	work := stored.Clone()
	out, err := e.route(ctx, user, work, event)
	if err != nil {
		if out.consumed != "" {
			e.Gate.Refund(ctx, user.ID, out.consumed)
		}
		return outcome{}, nil, err
	}
	if !out.mutated {
		return out, stored, nil
	}

	work.LastActivity = e.Now()
	work.Remember(event.ID, out.resp, e.opts.MaxReceipts)
	if err := e.Sessions.Save(ctx, user.ID, work, stored.Version); err != nil {
		if out.consumed != "" {
			e.Gate.Refund(ctx, user.ID, out.consumed)
		}
		return outcome{}, nil, err
	}
	return out, work, nil
}

// save persists work over the version it was loaded at, used by paths that
// run outside Handle.
func (e *Engine) save(ctx context.Context, work *models.Session, version int64) error {
	work.LastActivity = e.Now()
	return e.Sessions.Save(ctx, work.UserID, work, version)
}

func (e *Engine) send(ctx context.Context, userID string, resp models.Response) {
	if e.Sender == nil || resp.Empty() {
		return
	}
	e.Sender.Send(ctx, userID, resp)
}

func (e *Engine) alert(ctx context.Context, text string) {
	if e.Alerter != nil {
		e.Alerter.Alert(ctx, text)
	}
}

// Wait blocks until every in-flight oracle call has been applied.
func (e *Engine) Wait() {
	e.calls.Wait()
}
