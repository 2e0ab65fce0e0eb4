package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/db/redis"
	"legalbot/m/v2/app/entitlement"
	"legalbot/m/v2/app/flows"
	"legalbot/m/v2/app/history"
	"legalbot/m/v2/app/models"

	"github.com/alicebob/miniredis/v2"
	r "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	mu       sync.Mutex
	prompts  []string
	contexts []string
	answer   string
	// fail is the number of calls to fail before answering, negative fails forever
	fail    int
	release chan struct{}
}

func (f *fakeLLM) Ask(ctx context.Context, prompt, supporting string) (string, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.contexts = append(f.contexts, supporting)
	if f.fail != 0 {
		if f.fail > 0 {
			f.fail--
		}
		return "", fmt.Errorf("%w: upstream 502", models.ErrOracleFailure)
	}
	return f.answer, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakePayments struct {
	mu      sync.Mutex
	tiers   []models.MongoSubscriptionName
	applied []models.PaymentUpdate
	err     error
}

func (p *fakePayments) Checkout(ctx context.Context, userID string, tier models.MongoSubscriptionName) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers = append(p.tiers, tier)
	if p.err != nil {
		return "", p.err
	}
	return "https://pay.example/" + string(tier), nil
}

func (p *fakePayments) Apply(ctx context.Context, userID, reference string, status models.PaymentStatus) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, models.PaymentUpdate{Reference: reference, Status: status})
	return true, nil
}

type recordingSender struct {
	mu        sync.Mutex
	responses []models.Response
}

func (s *recordingSender) Send(ctx context.Context, userID string, response models.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, response)
}

func (s *recordingSender) all() []models.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Response(nil), s.responses...)
}

func (s *recordingSender) last(t *testing.T) models.Response {
	t.Helper()
	all := s.all()
	require.NotEmpty(t, all, "nothing was sent")
	return all[len(all)-1]
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(ctx context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
}

type fixture struct {
	db       *mongo.MockMongoDBClient
	store    *redis.SessionStore
	llm      *fakeLLM
	payments *fakePayments
	sender   *recordingSender
	alerter  *recordingAlerter
	engine   *Engine

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var (
	premium = models.MongoUser{ID: "premium", TermsAccepted: true}
	free    = models.MongoUser{ID: "free", TermsAccepted: true, Subscription: models.MongoSubscription{Name: models.FreeSubscriptionName}}
)

func newFixture(t *testing.T, opts Options, freeConsultations int64) *fixture {
	t.Helper()
	config.CONFIG = &config.Config{}
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := r.NewClient(&r.Options{Addr: mr.Addr()})

	f := &fixture{
		store:    redis.NewSessionStore(client, 24*time.Hour),
		llm:      &fakeLLM{answer: "drafted text"},
		payments: &fakePayments{},
		sender:   &recordingSender{},
		alerter:  &recordingAlerter{},
		now:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	expires := f.now.Add(30 * 24 * time.Hour)
	paid := premium
	paid.Subscription = models.MongoSubscription{Name: models.PremiumSubscriptionName, ExpiresAt: &expires}
	f.db = mongo.NewMockMongoDBClient(paid, free)

	if opts.OracleTimeout == 0 {
		opts.OracleTimeout = 5 * time.Second
	}
	if opts.OracleRetries == 0 {
		opts.OracleRetries = 1
	}
	f.engine = New(Deps{
		Sessions: f.store,
		Flows:    flows.Default(),
		Gate:     entitlement.NewGate(client, entitlement.DefaultPolicies(freeConsultations), f.clock),
		History:  history.NewRecorder(f.db, f.clock),
		Users:    f.db,
		LLM:      f.llm,
		Payments: f.payments,
		Sender:   f.sender,
		Alerter:  f.alerter,
		Now:      f.clock,
	}, opts)
	return f
}

func (f *fixture) handle(t *testing.T, userID string, event models.Event) models.Response {
	t.Helper()
	resp, _, err := f.engine.Handle(context.Background(), userID, event)
	require.NoError(t, err)
	return resp
}

func (f *fixture) session(t *testing.T, userID string) *models.Session {
	t.Helper()
	s, err := f.store.Load(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func textEvent(text string) models.Event {
	return models.Event{ID: uuid.NewString(), Kind: models.EventText, Text: text}
}

func buttonEvent(data string) models.Event {
	return models.Event{ID: uuid.NewString(), Kind: models.EventButton, Button: data}
}

func fileEvent(name, data string) models.Event {
	return models.Event{ID: uuid.NewString(), Kind: models.EventFile, File: &models.File{Name: name, Data: []byte(data)}}
}

func TestDocumentDraftWalkthrough(t *testing.T) {
	f := newFixture(t, Options{}, 2)

	resp := f.handle(t, "premium", buttonEvent("start:document_draft"))
	assert.Equal(t, models.ResponsePrompt, resp.Kind)
	assert.Equal(t, "choice:contract", resp.Buttons[0][0].Data)
	version := f.session(t, "premium").Version

	// text where a button is expected: same prompt, nothing stored
	resp = f.handle(t, "premium", textEvent("a receipt please"))
	assert.Equal(t, models.ResponsePrompt, resp.Kind)
	assert.NotEmpty(t, resp.Notice)
	s := f.session(t, "premium")
	assert.Equal(t, 0, s.Step)
	assert.Equal(t, version, s.Version)

	resp = f.handle(t, "premium", buttonEvent("choice:receipt"))
	assert.Contains(t, resp.Text, "parties")

	// too short for the validator
	resp = f.handle(t, "premium", textEvent("ab"))
	assert.NotEmpty(t, resp.Notice)
	assert.Equal(t, 1, f.session(t, "premium").Step)

	f.handle(t, "premium", textEvent("Ivanov I.I. lender, Petrov P.P. borrower"))
	resp = f.handle(t, "premium", textEvent("Loan of 10000 roubles until June 1"))
	assert.Equal(t, models.ResponseProcessing, resp.Kind)

	f.engine.Wait()
	result := f.sender.last(t)
	assert.Equal(t, models.ResponseResult, result.Kind)
	assert.Equal(t, "drafted text", result.Text)
	assert.Contains(t, f.llm.prompts[0], "a receipt for money")

	s = f.session(t, "premium")
	assert.True(t, s.Idle())
	assert.Nil(t, s.Pending)

	require.Len(t, f.db.History, 1)
	for _, entry := range f.db.History {
		assert.Equal(t, "document_draft", entry.FlowID)
		assert.Equal(t, "drafted text", entry.Output)
		assert.Equal(t, map[string]string{
			"document_type": "receipt",
			"parties":       "Ivanov I.I. lender, Petrov P.P. borrower",
			"details":       "Loan of 10000 roubles until June 1",
		}, entry.Inputs)
	}
	assert.Zero(t, f.engine.locks.size())
}

func TestCancelFromAnyStep(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	steps := []models.Event{buttonEvent("choice:contract"), textEvent("Alpha LLC and Beta LLC")}

	for i := 0; i <= len(steps); i++ {
		f.handle(t, "premium", buttonEvent("start:document_draft"))
		for _, ev := range steps[:i] {
			f.handle(t, "premium", ev)
		}
		assert.Equal(t, i, f.session(t, "premium").Step)

		resp := f.handle(t, "premium", buttonEvent(models.ButtonCancel))
		assert.Equal(t, "Cancelled.", resp.Notice)
		s := f.session(t, "premium")
		assert.True(t, s.Idle())
		assert.Empty(t, s.Fields)
	}
	assert.Zero(t, f.db.HistoryCount("premium"))

	resp := f.handle(t, "premium", buttonEvent(models.ButtonCancel))
	assert.Equal(t, "There is nothing to cancel.", resp.Notice)
}

func TestRedeliveryReplaysResponse(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.handle(t, "premium", buttonEvent("start:document_draft"))

	choice := buttonEvent("choice:act")
	first := f.handle(t, "premium", choice)
	s := f.session(t, "premium")

	second := f.handle(t, "premium", choice)
	assert.Equal(t, first, second)
	again := f.session(t, "premium")
	assert.Equal(t, s.Step, again.Step)
	assert.Equal(t, s.Version, again.Version)

	// a redelivered start must not burn another free consultation
	start := buttonEvent("start:consultation")
	f.handle(t, "free", start)
	f.handle(t, "free", start)
	f.handle(t, "free", buttonEvent(models.ButtonCancel))
	resp := f.handle(t, "free", buttonEvent("start:consultation"))
	assert.Equal(t, models.ResponsePrompt, resp.Kind)
}

func TestQuotaExhausted(t *testing.T) {
	f := newFixture(t, Options{}, 1)

	f.handle(t, "free", buttonEvent("start:consultation"))
	f.handle(t, "free", textEvent("My landlord keeps the deposit, what can I do?"))
	f.engine.Wait()
	before := f.session(t, "free")
	require.True(t, before.Idle())
	calls := f.llm.calls()

	resp := f.handle(t, "free", buttonEvent("start:consultation"))
	assert.Equal(t, models.ResponseDenied, resp.Kind)
	assert.Equal(t, models.DenyQuotaExhausted, resp.Reason)

	after := f.session(t, "free")
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.Idle())
	assert.Equal(t, calls, f.llm.calls())
}

func TestDeniedWithoutSubscriptionOrTerms(t *testing.T) {
	f := newFixture(t, Options{TermsURL: "https://example.com/terms"}, 2)

	resp := f.handle(t, "free", buttonEvent("start:document_draft"))
	assert.Equal(t, models.DenyNeedsSubscription, resp.Reason)
	assert.Equal(t, "start:checkout", resp.Buttons[0][0].Data)

	resp = f.handle(t, "newcomer", buttonEvent("start:consultation"))
	assert.Equal(t, models.DenyTermsNotAccepted, resp.Reason)
	assert.Equal(t, "https://example.com/terms", resp.Buttons[1][0].URL)

	resp = f.handle(t, "newcomer", buttonEvent(models.ButtonAcceptTerms))
	assert.Equal(t, models.ResponsePrompt, resp.Kind)
	user, err := f.db.GetUser(context.Background(), "newcomer")
	require.NoError(t, err)
	assert.True(t, user.TermsAccepted)

	resp = f.handle(t, "newcomer", buttonEvent("start:consultation"))
	assert.Equal(t, models.ResponsePrompt, resp.Kind)
}

func TestOracleFailureKeepsStep(t *testing.T) {
	f := newFixture(t, Options{OracleRetries: 2}, 2)
	f.llm.fail = -1

	f.handle(t, "premium", buttonEvent("start:consultation"))
	f.handle(t, "premium", textEvent("Can my employer cut my salary without notice?"))
	f.engine.Wait()

	assert.Equal(t, 2, f.llm.calls())
	failure := f.sender.last(t)
	assert.Equal(t, models.ResponseFailure, failure.Kind)
	s := f.session(t, "premium")
	assert.Equal(t, "consultation", s.FlowID)
	assert.Equal(t, 0, s.Step)
	assert.Nil(t, s.Pending)
	assert.Equal(t, "Can my employer cut my salary without notice?", s.Fields["question"])

	f.llm.mu.Lock()
	f.llm.fail = 0
	f.llm.mu.Unlock()
	resp := f.handle(t, "premium", buttonEvent(models.ButtonRetry))
	assert.Equal(t, models.ResponseProcessing, resp.Kind)
	f.engine.Wait()
	assert.Equal(t, models.ResponseResult, f.sender.last(t).Kind)
	assert.True(t, f.session(t, "premium").Idle())
	assert.Equal(t, 1, f.db.HistoryCount("premium"))
}

func TestOracleTimeout(t *testing.T) {
	f := newFixture(t, Options{OracleTimeout: 20 * time.Millisecond}, 2)
	f.llm.release = make(chan struct{})

	f.handle(t, "premium", buttonEvent("start:consultation"))
	f.handle(t, "premium", textEvent("How do I register a sole proprietorship?"))
	f.engine.Wait()

	failure := f.sender.last(t)
	assert.Equal(t, models.ResponseFailure, failure.Kind)
	assert.Contains(t, failure.Text, "too long")
	assert.Nil(t, f.session(t, "premium").Pending)
}

func TestBusyPolicy(t *testing.T) {
	for _, policy := range []string{config.BusyPolicyNotify, config.BusyPolicySilent} {
		t.Run(policy, func(t *testing.T) {
			f := newFixture(t, Options{BusyPolicy: policy}, 2)
			f.llm.release = make(chan struct{})

			f.handle(t, "premium", buttonEvent("start:consultation"))
			f.handle(t, "premium", textEvent("Is a verbal contract binding?"))
			pending := f.session(t, "premium")
			require.NotNil(t, pending.Pending)

			resp := f.handle(t, "premium", textEvent("hello? anyone?"))
			if policy == config.BusyPolicySilent {
				assert.True(t, resp.Empty())
			} else {
				assert.Equal(t, models.ResponseNotice, resp.Kind)
			}
			assert.Equal(t, pending.Version, f.session(t, "premium").Version)

			close(f.llm.release)
			f.engine.Wait()
			assert.Equal(t, 1, f.llm.calls())
			assert.True(t, f.session(t, "premium").Idle())
		})
	}
}

func TestCancelWhilePendingDiscardsResult(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.llm.release = make(chan struct{})

	f.handle(t, "premium", buttonEvent("start:consultation"))
	f.handle(t, "premium", textEvent("Can I return a laptop after 20 days?"))
	f.handle(t, "premium", buttonEvent(models.ButtonCancel))

	close(f.llm.release)
	f.engine.Wait()

	assert.True(t, f.session(t, "premium").Idle())
	assert.Empty(t, f.sender.all())
	assert.Zero(t, f.db.HistoryCount("premium"))
}

func TestStartReplacesActiveFlow(t *testing.T) {
	f := newFixture(t, Options{}, 2)

	f.handle(t, "premium", buttonEvent("start:document_draft"))
	f.handle(t, "premium", buttonEvent("choice:letter"))
	first := f.session(t, "premium")

	resp := f.handle(t, "premium", buttonEvent("start:consultation"))
	assert.Equal(t, models.ResponsePrompt, resp.Kind)
	s := f.session(t, "premium")
	assert.Equal(t, "consultation", s.FlowID)
	assert.NotEqual(t, first.RunID, s.RunID)
	assert.Equal(t, 0, s.Step)
	assert.Empty(t, s.Fields)
}

func TestFileAnalysis(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.handle(t, "premium", buttonEvent("start:file_analysis"))

	resp := f.handle(t, "premium", textEvent("here is my contract"))
	assert.Equal(t, "Please send a file.", resp.Notice)

	resp = f.handle(t, "premium", fileEvent("scan.pdf", "%PDF-1.4"))
	assert.NotEmpty(t, resp.Notice)
	assert.Equal(t, 0, f.session(t, "premium").Step)

	f.handle(t, "premium", fileEvent("lease.txt", "The tenant pays a deposit of two months."))
	assert.Equal(t, 1, f.session(t, "premium").Step)
	f.handle(t, "premium", textEvent("Is the deposit clause fair to me?"))
	f.engine.Wait()

	require.Len(t, f.llm.contexts, 1)
	assert.Equal(t, "The tenant pays a deposit of two months.", f.llm.contexts[0])
	assert.Contains(t, f.llm.prompts[0], "lease.txt")
	assert.Equal(t, models.ResponseResult, f.sender.last(t).Kind)
}

func TestCheckoutFlow(t *testing.T) {
	f := newFixture(t, Options{}, 2)

	f.handle(t, "free", buttonEvent("start:checkout"))
	resp := f.handle(t, "free", buttonEvent("choice:basic"))
	assert.Equal(t, models.ResponseProcessing, resp.Kind)
	f.engine.Wait()

	result := f.sender.last(t)
	assert.Equal(t, "https://pay.example/basic", result.Buttons[0][0].URL)
	assert.Equal(t, []models.MongoSubscriptionName{models.BasicSubscriptionName}, f.payments.tiers)
	assert.True(t, f.session(t, "free").Idle())
	assert.Zero(t, f.db.HistoryCount("free"))

	resp = f.handle(t, "free", models.Event{
		ID:      "stripe-evt-1",
		Kind:    models.EventPaymentStatus,
		Payment: &models.PaymentUpdate{Reference: "cs_1", Status: models.PaymentSucceeded},
	})
	assert.True(t, resp.Empty())
	assert.Len(t, f.payments.applied, 1)
}

func TestHistoryRoutes(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.handle(t, "premium", buttonEvent("start:consultation"))
	f.handle(t, "premium", textEvent("What is the limitation period for debts?"))
	f.engine.Wait()

	resp := f.handle(t, "premium", buttonEvent(models.ButtonHistory))
	require.Len(t, resp.Buttons, 2)
	open := resp.Buttons[0][0].Data

	resp = f.handle(t, "premium", buttonEvent(open))
	assert.Equal(t, "drafted text", resp.Text)
	remove := buttonEvent(resp.Buttons[0][0].Data)

	resp = f.handle(t, "premium", remove)
	assert.Equal(t, "Deleted.", resp.Text)
	// the same click delivered again gets the same answer
	resp = f.handle(t, "premium", remove)
	assert.Equal(t, "Deleted.", resp.Text)
	resp = f.handle(t, "premium", buttonEvent(remove.Button))
	assert.Equal(t, "This entry was already deleted.", resp.Text)
	resp = f.handle(t, "premium", buttonEvent(models.ButtonHistory))
	assert.Equal(t, "Your history is empty.", resp.Text)
}

func TestOutsideStateChangesReplayOnRedelivery(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.db.Users["newcomer"] = &models.MongoUser{ID: "newcomer"}

	accept := buttonEvent(models.ButtonAcceptTerms)
	first := f.handle(t, "newcomer", accept)
	assert.Equal(t, "Thank you, the terms are accepted.", first.Notice)
	assert.Equal(t, first, f.handle(t, "newcomer", accept))

	f.handle(t, "premium", buttonEvent("start:consultation"))
	f.handle(t, "premium", textEvent("Can my employer cut my salary without notice?"))
	f.engine.Wait()
	clear := buttonEvent(models.ButtonHistoryClear)
	first = f.handle(t, "premium", clear)
	assert.Equal(t, "Your history is cleared.", first.Notice)
	assert.Equal(t, first, f.handle(t, "premium", clear))
}

func TestDocumentRating(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.handle(t, "premium", buttonEvent("start:document_draft"))
	f.handle(t, "premium", buttonEvent("choice:protocol"))
	f.handle(t, "premium", textEvent("General meeting of Alpha LLC members"))
	f.handle(t, "premium", textEvent("Elect a new director, approve the annual report"))
	f.engine.Wait()
	assert.Contains(t, f.llm.prompts[0], "minutes of a meeting")

	result := f.sender.last(t)
	require.Equal(t, models.ResponseResult, result.Kind)
	ratings := result.Buttons[0]
	require.Len(t, ratings, models.MaxRating)
	require.Len(t, f.db.History, 1)
	var runID string
	for id := range f.db.History {
		runID = id
	}
	assert.Equal(t, models.ButtonRatePrefix+runID+":5", ratings[4].Data)

	resp := f.handle(t, "premium", buttonEvent(ratings[3].Data))
	assert.Equal(t, "Thank you for the rating!", resp.Text)
	assert.Equal(t, 4, f.db.History[runID].Rating)
	require.NotNil(t, f.db.History[runID].RatedAt)

	for _, data := range []string{"rate:" + runID + ":9", "rate:" + runID, "rate::3", "rate:" + runID + ":x"} {
		resp = f.handle(t, "premium", buttonEvent(data))
		assert.Equal(t, "Unknown action.", resp.Notice, data)
	}
	assert.Equal(t, 4, f.db.History[runID].Rating)

	resp = f.handle(t, "premium", buttonEvent("rate:someone-elses-run:5"))
	assert.Equal(t, "This entry is no longer available.", resp.Text)

	// consultations are recorded but not rated
	f.handle(t, "premium", buttonEvent("start:consultation"))
	f.handle(t, "premium", textEvent("How do I register a trademark?"))
	f.engine.Wait()
	assert.Equal(t, [][]models.Button{{menuButton, historyButton}}, f.sender.last(t).Buttons)
}

func TestUnrenderablePromptFailsAtOnce(t *testing.T) {
	f := newFixture(t, Options{OracleRetries: 3}, 2)
	registry, err := flows.Load([]byte(`
flows:
  - id: broken
    title: Broken
    action: consultation
    result: answer
    steps:
      - field: question
        input: text
        prompt: Ask away.
        oracle: llm
        template: no_such_template
        output: answer
`))
	require.NoError(t, err)
	f.engine.Flows = registry

	f.handle(t, "free", buttonEvent("start:broken"))
	_, _, err = f.engine.Handle(context.Background(), "free", textEvent("Is a verbal contract binding?"))
	assert.ErrorIs(t, err, models.ErrOracleFailure)
	f.engine.Wait()

	assert.Zero(t, f.llm.calls())
	s := f.session(t, "free")
	assert.Equal(t, "broken", s.FlowID)
	assert.Equal(t, 0, s.Step)
	assert.Nil(t, s.Pending)
}

func TestCheckoutConflictIsNotRetried(t *testing.T) {
	f := newFixture(t, Options{OracleRetries: 3}, 2)
	f.payments.err = fmt.Errorf("StartPayment: %w", models.ErrStorageConflict)

	f.handle(t, "free", buttonEvent("start:checkout"))
	f.handle(t, "free", buttonEvent("choice:premium"))
	f.engine.Wait()

	assert.Len(t, f.payments.tiers, 1)
	assert.Equal(t, models.ResponseFailure, f.sender.last(t).Kind)
	s := f.session(t, "free")
	assert.Equal(t, "checkout", s.FlowID)
	assert.Nil(t, s.Pending)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: 30 * time.Minute}, 2)
	f.handle(t, "premium", buttonEvent("start:document_draft"))
	f.handle(t, "free", buttonEvent("start:checkout"))

	f.sleep(10 * time.Minute)
	f.handle(t, "free", buttonEvent(models.ButtonMenu))
	f.handle(t, "free", buttonEvent("start:checkout"))

	f.sleep(25 * time.Minute)
	n, err := f.engine.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.session(t, "premium").Idle())
	assert.False(t, f.session(t, "free").Idle())
	assert.Equal(t, models.ResponseNotice, f.sender.last(t).Kind)
}

func TestConcurrentEventsForOneUser(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flow := "start:document_draft"
			if i%2 == 0 {
				flow = "start:file_analysis"
			}
			_, _, err := f.engine.Handle(context.Background(), "premium", buttonEvent(flow))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	s := f.session(t, "premium")
	assert.False(t, s.Idle())
	assert.Equal(t, int64(n), s.Version)
	assert.Zero(t, f.engine.locks.size())
}

type panickingUsers struct {
	*mongo.MockMongoDBClient
}

func (p panickingUsers) AcceptTerms(ctx context.Context, userID string, at time.Time) error {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.engine.Users = panickingUsers{f.db}

	resp, _, err := f.engine.Handle(context.Background(), "newcomer", buttonEvent(models.ButtonAcceptTerms))
	require.NoError(t, err)
	assert.Equal(t, models.ResponseFailure, resp.Kind)
	assert.Len(t, f.alerter.alerts, 1)
	assert.Zero(t, f.engine.locks.size())
}

func TestStorageFailureIsReturned(t *testing.T) {
	f := newFixture(t, Options{}, 2)
	f.db.Err = errors.New("mongo down")

	_, _, err := f.engine.Handle(context.Background(), "premium", buttonEvent(models.ButtonMenu))
	assert.ErrorIs(t, err, models.ErrStorageFailure)
}
