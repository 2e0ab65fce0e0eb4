package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"legalbot/m/v2/app/ai"
	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/flows"
	"legalbot/m/v2/app/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/cenkalti/backoff.v1"
)

// TierField is the checkout field holding the plan to pay for.
const TierField = "tier"

// oracleCall is an outstanding request started for one step of one run. The
// session carries the call id; a result whose id no longer matches is dropped.
type oracleCall struct {
	id      string
	userID  string
	flowID  string
	runID   string
	step    int
	oracle  flows.OracleKind
	output  string
	prompt  string
	context string
	tier    models.MongoSubscriptionName
}

// begin marks the current step as waiting for its oracle and captures
// everything the call needs, so it can run without the session. A prompt that
// cannot be rendered fails here and leaves work untouched.
func (e *Engine) begin(work *models.Session, flow *flows.Flow) (*oracleCall, error) {
	step := flow.Steps[work.Step]
	call := &oracleCall{
		id:     uuid.NewString(),
		userID: work.UserID,
		flowID: flow.ID,
		runID:  work.RunID,
		step:   work.Step,
		oracle: step.Oracle,
		output: step.Output,
		tier:   models.MongoSubscriptionName(work.Fields[TierField]),
	}
	if step.Oracle == flows.OracleLLM {
		prompt, supporting, err := ai.Render(step.Template, work.Fields)
		if err != nil {
			config.Metrics().Incr("engine.render_failed", []string{"flow:" + flow.ID}, 1)
			return nil, fmt.Errorf("%w: %s/%s: %v", models.ErrOracleFailure, flow.ID, step.Field, err)
		}
		call.prompt, call.context = prompt, supporting
	}
	work.Pending = &models.PendingCall{ID: call.id, Step: work.Step, StartedAt: e.Now()}
	return call, nil
}

func (e *Engine) dispatch(call *oracleCall) {
	e.calls.Add(1)
	go func() {
		defer e.calls.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("dispatch: panic in %s call for user %s: %v\n%s", call.oracle, call.userID, r, debug.Stack())
				e.alert(context.Background(), fmt.Sprintf("panic in %s oracle call for user %s: %v", call.oracle, call.userID, r))
				e.complete(call, "", fmt.Errorf("%w: panic", models.ErrOracleFailure))
			}
		}()
		result, err := e.run(call)
		e.complete(call, result, err)
	}()
}

// run performs the call with bounded retries, each attempt under its own
// timeout. A storage conflict is final: another call already won the write.
func (e *Engine) run(call *oracleCall) (string, error) {
	var result string
	var final error
	started := time.Now()
	attempt := 0
	operation := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.OracleTimeout)
		defer cancel()
		var err error
		result, err = e.invoke(ctx, call)
		if errors.Is(err, models.ErrStorageConflict) {
			final = err
			return nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, models.ErrOracleTimeout) && err != nil {
			err = fmt.Errorf("%w: %v", models.ErrOracleTimeout, err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("%s call %s for user %s failed (attempt %d), retrying in %s: %v", call.oracle, call.id, call.userID, attempt, wait, err)
	}
	err := backoff.RetryNotify(operation, newBoundedBackOff(e.opts.OracleRetries), notify)
	if err == nil {
		err = final
	}
	tags := []string{"oracle:" + string(call.oracle), "flow:" + call.flowID}
	config.Metrics().Distribution("engine.oracle_seconds", time.Since(started).Seconds(), tags, 1)
	if err != nil {
		config.Metrics().Incr("engine.oracle_failed", tags, 1)
	}
	return result, err
}

func (e *Engine) invoke(ctx context.Context, call *oracleCall) (string, error) {
	switch call.oracle {
	case flows.OracleLLM:
		return e.LLM.Ask(ctx, call.prompt, call.context)
	case flows.OraclePayment:
		return e.Payments.Checkout(ctx, call.userID, call.tier)
	}
	return "", fmt.Errorf("%w: unknown oracle %q", models.ErrOracleFailure, call.oracle)
}

// complete applies the result of call under the user lock. Results for a
// session that moved on (cancelled, replaced, reset as stale) are discarded.
func (e *Engine) complete(call *oracleCall, result string, callErr error) {
	ctx := context.Background()
	unlock := e.locks.lock(call.userID)
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		stored, err := e.Sessions.Load(ctx, call.userID)
		if err != nil {
			log.Errorf("complete: failed to load session for user %s: %v", call.userID, err)
			return
		}
		if stored.Pending == nil || stored.Pending.ID != call.id {
			log.Infof("complete: dropping %s result for user %s, call %s is no longer pending", call.oracle, call.userID, call.id)
			config.Metrics().Incr("engine.oracle_discarded", []string{"oracle:" + string(call.oracle)}, 1)
			return
		}
		flow, ok := e.Flows.Lookup(call.flowID)
		if !ok {
			log.Errorf("complete: flow %s disappeared", call.flowID)
			return
		}

		work := stored.Clone()
		work.Pending = nil
		var out outcome
		if callErr != nil {
			log.Errorf("complete: %s call for user %s in %s failed: %v", call.oracle, call.userID, call.flowID, callErr)
			out = outcome{resp: failedCall(flow.Steps[call.step], callErr)}
		} else {
			work.Fields[call.output] = result
			work.Step = call.step + 1
			out, err = e.advance(ctx, work, flow)
			if err != nil {
				log.Errorf("complete: failed to advance %s for user %s: %v", call.flowID, call.userID, err)
				work = stored.Clone()
				work.Pending = nil
				out = outcome{resp: failedCall(flow.Steps[call.step], err)}
			}
		}

		err = e.save(ctx, work, stored.Version)
		if errors.Is(err, models.ErrStorageConflict) {
			log.Warnf("complete: session conflict for user %s, attempt %d", call.userID, attempt+1)
			continue
		}
		if err != nil {
			log.Errorf("complete: failed to save session for user %s: %v", call.userID, err)
			e.send(ctx, call.userID, transientResponse())
			return
		}
		e.send(ctx, call.userID, out.resp)
		if out.call != nil {
			e.dispatch(out.call)
		}
		return
	}
	log.Errorf("complete: giving up on %s result for user %s after conflicts", call.oracle, call.userID)
	e.send(ctx, call.userID, transientResponse())
}

// boundedBackOff stops an exponential backoff after a fixed number of tries.
type boundedBackOff struct {
	backoff.BackOff
	tries int
	max   int
}

func newBoundedBackOff(maxTries int) *boundedBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 0
	b := &boundedBackOff{BackOff: exp, max: maxTries}
	b.Reset()
	return b
}

func (b *boundedBackOff) NextBackOff() time.Duration {
	b.tries++
	if b.tries >= b.max {
		return backoff.Stop
	}
	return b.BackOff.NextBackOff()
}

func (b *boundedBackOff) Reset() {
	b.tries = 0
	b.BackOff.Reset()
}
