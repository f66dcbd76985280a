package offer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/pipeline"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/subscriber"
)

type fakeRegistry struct {
	mu    sync.Mutex
	subs  []models.Subscriber
	errs  []error
	calls int
}

func (r *fakeRegistry) ListProviderSubscriptions(_ context.Context, _ string) ([]models.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return []models.Subscriber{}, r.errs[i]
	}
	return r.subs, nil
}

func (r *fakeRegistry) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePipeline struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req models.WorkRequest) (models.WorkResult, error)
}

func (p *fakePipeline) Process(ctx context.Context, req models.WorkRequest) (models.WorkResult, error) {
	p.calls.Add(1)
	return p.fn(ctx, req)
}

func succeed(result models.WorkResult) *fakePipeline {
	return &fakePipeline{fn: func(context.Context, models.WorkRequest) (models.WorkResult, error) {
		return result, nil
	}}
}

type memoryLedger struct {
	mu       sync.Mutex
	outcomes []*models.Outcome
}

func (l *memoryLedger) RecordOutcome(_ context.Context, o *models.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *memoryLedger) statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.outcomes))
	for i, o := range l.outcomes {
		out[i] = o.Status
	}
	return out
}

type recordingEmitter struct {
	mu   sync.Mutex
	msgs []string
}

func (e *recordingEmitter) Emit(agent, message string, _ bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, agent+": "+message)
}

func (e *recordingEmitter) contains(fragment string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.msgs {
		if strings.Contains(m, fragment) {
			return true
		}
	}
	return false
}

type failingSigner struct {
	*crypto.Signer
}

func (failingSigner) SignPayload(any) (*models.SignedPayload, error) {
	return nil, &crypto.SigningError{Op: "sign", Err: errors.New("key unavailable")}
}

func requestR1(models.Offer) *models.WorkRequest {
	return &models.WorkRequest{
		Type:      models.TypeReceiptRequest,
		ImageURL:  "http://images/r1.png",
		RequestID: "r1",
	}
}

func newSubscriber(t *testing.T, request subscriber.RequestFunc) (*subscriber.Server, *httptest.Server) {
	t.Helper()
	sub := subscriber.New(zerolog.Nop(), request)
	srv := httptest.NewServer(sub.Routes())
	t.Cleanup(srv.Close)
	return sub, srv
}

func active(address, recipient string) models.Subscriber {
	return models.Subscriber{Address: address, RecipientURL: recipient, Status: models.StatusActive}
}

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return s
}

func newTestEngine(t *testing.T, reg Registry, signer Signer, pipe pipeline.Pipeline, opts ...Option) (*Engine, *memoryLedger, *recordingEmitter) {
	t.Helper()
	ledger := &memoryLedger{}
	events := &recordingEmitter{}
	cfg := Config{
		PollInterval: time.Hour,
		RetryDelay:   time.Hour,
		CallTimeout:  2 * time.Second,
	}
	opts = append([]Option{WithLedger(ledger)}, opts...)
	return New(cfg, reg, signer, pipe, events, zerolog.Nop(), opts...), ledger, events
}

func TestAcceptedOfferIsFulfilledAndReported(t *testing.T) {
	signer := newTestSigner(t)
	sub, srv := newSubscriber(t, requestR1)
	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL+"/")}}

	pipe := &fakePipeline{fn: func(_ context.Context, req models.WorkRequest) (models.WorkResult, error) {
		assert.Equal(t, "r1", req.RequestID)
		assert.Equal(t, "http://images/r1.png", req.ImageURL)
		return models.WorkResult{"amount": 42.99}, nil
	}}
	e, ledger, events := newTestEngine(t, reg, signer, pipe)

	report := e.RunCycle(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Active)
	assert.Equal(t, 1, report.Offered)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, report.Failed)

	offers := sub.Offers()
	require.Len(t, offers, 1)
	assert.Equal(t, models.TypeServiceOffer, offers[0].Type)
	assert.Equal(t, models.ServiceReceiptProcessing, offers[0].Service)
	assert.Equal(t, signer.Identity(), offers[0].Provider)
	assert.True(t, offers[0].Capabilities["receipt_analysis"])
	assert.NotEmpty(t, offers[0].OfferID)

	results := sub.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].Data["request_id"])
	assert.Equal(t, 42.99, results[0].Data["amount"])
	assert.Equal(t, models.TypeReceiptProcessed, results[0].Data["type"])
	assert.Equal(t, signer.Identity(), results[0].Payload.PublicKey)
	require.NoError(t, crypto.VerifyPayload(&results[0].Payload))

	assert.Empty(t, sub.Errors())
	assert.Zero(t, sub.Rejected())
	assert.Equal(t, []string{models.OutcomeCompleted}, ledger.statuses())
	assert.True(t, events.contains("Processing request r1"))
	assert.True(t, events.contains("Request r1 completed"))
}

func TestDeclinedOfferIsNotFulfilled(t *testing.T) {
	sub, srv := newSubscriber(t, requestR1)
	sub.SetOfferStatus(http.StatusServiceUnavailable)
	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL)}}
	pipe := succeed(models.WorkResult{"amount": 1.0})
	e, ledger, _ := newTestEngine(t, reg, newTestSigner(t), pipe)

	report := e.RunCycle(context.Background())

	assert.Equal(t, 1, report.Offered)
	assert.Equal(t, 0, report.Accepted)
	assert.Zero(t, pipe.calls.Load())
	assert.Empty(t, sub.Results())
	assert.Empty(t, sub.Errors())
	assert.Equal(t, []string{models.OutcomeDeclined}, ledger.statuses())
}

func TestPipelineFailureReportsOneError(t *testing.T) {
	sub, srv := newSubscriber(t, requestR1)
	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL)}}
	pipe := &fakePipeline{fn: func(_ context.Context, req models.WorkRequest) (models.WorkResult, error) {
		return nil, &pipeline.PipelineError{Stage: pipeline.StageCategorize, RequestID: req.RequestID, Err: errors.New("unreadable receipt")}
	}}
	e, ledger, _ := newTestEngine(t, reg, newTestSigner(t), pipe)

	report := e.RunCycle(context.Background())

	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, sub.Results())
	errs := sub.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "r1", errs[0].Data["request_id"])
	assert.Equal(t, models.TypeProcessingError, errs[0].Data["type"])
	assert.Equal(t, pipeline.StageCategorize, errs[0].Data["stage"])
	assert.Contains(t, errs[0].Data["error"], "unreadable receipt")
	assert.Equal(t, []string{models.OutcomeFailed}, ledger.statuses())
}

func TestUnavailablePipelineReportsError(t *testing.T) {
	sub, srv := newSubscriber(t, requestR1)
	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL)}}
	e, _, _ := newTestEngine(t, reg, newTestSigner(t), pipeline.Unavailable{})

	e.RunCycle(context.Background())

	require.Len(t, sub.Errors(), 1)
	assert.Contains(t, sub.Errors()[0].Data["error"], pipeline.ErrUnavailable.Error())
	assert.Empty(t, sub.Results())
}

func TestAcknowledgementWithoutWork(t *testing.T) {
	sub, srv := newSubscriber(t, nil)
	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL)}}
	pipe := succeed(models.WorkResult{})
	e, ledger, _ := newTestEngine(t, reg, newTestSigner(t), pipe)

	report := e.RunCycle(context.Background())

	assert.Equal(t, 1, report.Offered)
	assert.Equal(t, 0, report.Accepted)
	assert.Len(t, sub.Offers(), 1)
	assert.Zero(t, pipe.calls.Load())
	assert.Equal(t, []string{models.OutcomeAcknowledged}, ledger.statuses())
}

func TestMalformedReplyMeansNoWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>thanks</html>"))
	}))
	defer srv.Close()

	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL)}}
	pipe := succeed(models.WorkResult{})
	e, ledger, _ := newTestEngine(t, reg, newTestSigner(t), pipe)

	e.RunCycle(context.Background())

	assert.Zero(t, pipe.calls.Load())
	assert.Equal(t, []string{models.OutcomeAcknowledged}, ledger.statuses())
}

func TestOnlyActiveSubscribersReceiveOffers(t *testing.T) {
	sub, srv := newSubscriber(t, nil)
	reg := &fakeRegistry{subs: []models.Subscriber{
		{Address: "Expired", RecipientURL: srv.URL, Status: models.StatusExpired},
		{Address: "Inactive", RecipientURL: srv.URL, Status: models.StatusInactive},
		{Address: "Soon", RecipientURL: srv.URL, Status: models.StatusExpiringSoon},
		active("NoRecipient", ""),
	}}
	e, ledger, _ := newTestEngine(t, reg, newTestSigner(t), succeed(models.WorkResult{}))

	report := e.RunCycle(context.Background())

	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 1, report.Active)
	assert.Equal(t, 0, report.Offered)
	assert.Empty(t, sub.Offers())
	assert.Empty(t, ledger.statuses())
}

func TestUnreachableSubscriberDoesNotAffectOthers(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	sub, srv := newSubscriber(t, requestR1)
	reg := &fakeRegistry{subs: []models.Subscriber{
		active("Dead", deadURL),
		active("Alive", srv.URL),
	}}
	e, ledger, _ := newTestEngine(t, reg, newTestSigner(t), succeed(models.WorkResult{"amount": 3.5}))

	report := e.RunCycle(context.Background())

	assert.Equal(t, 2, report.Offered)
	assert.Equal(t, 1, report.Completed)
	assert.Len(t, sub.Results(), 1)
	assert.Equal(t, []string{models.OutcomeUnreachable, models.OutcomeCompleted}, ledger.statuses())
}

func TestCallbackURLReceivesReport(t *testing.T) {
	callback, callbackSrv := newSubscriber(t, nil)
	sub, srv := newSubscriber(t, func(models.Offer) *models.WorkRequest {
		return &models.WorkRequest{
			Type:        models.TypeReceiptRequest,
			RequestID:   "r7",
			ImageURL:    "http://images/r7.png",
			CallbackURL: callbackSrv.URL,
		}
	})
	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL)}}
	e, _, _ := newTestEngine(t, reg, newTestSigner(t), succeed(models.WorkResult{"total": 10.0}))

	e.RunCycle(context.Background())

	assert.Empty(t, sub.Results())
	require.Len(t, callback.Results(), 1)
	assert.Equal(t, "r7", callback.Results()[0].Data["request_id"])
}

func TestRejectedReportIsTerminal(t *testing.T) {
	first, firstSrv := newSubscriber(t, requestR1)
	first.SetReportStatus(http.StatusInternalServerError)
	second, secondSrv := newSubscriber(t, requestR1)

	reg := &fakeRegistry{subs: []models.Subscriber{
		active("First", firstSrv.URL),
		active("Second", secondSrv.URL),
	}}
	e, ledger, _ := newTestEngine(t, reg, newTestSigner(t), succeed(models.WorkResult{"amount": 1.0}))

	report := e.RunCycle(context.Background())

	assert.Len(t, first.Results(), 1)
	assert.Len(t, second.Results(), 1)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{models.OutcomeReportFailed, models.OutcomeCompleted}, ledger.statuses())
}

func TestHungSubscriberTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	reg := &fakeRegistry{subs: []models.Subscriber{active("Slow", srv.URL)}}
	e := New(Config{CallTimeout: 100 * time.Millisecond}, reg, newTestSigner(t), succeed(nil), nil, zerolog.Nop())

	start := time.Now()
	report := e.RunCycle(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, report.Offered)
	assert.Equal(t, 0, report.Accepted)
}

func TestSigningFailureSendsNothing(t *testing.T) {
	sub, srv := newSubscriber(t, requestR1)
	reg := &fakeRegistry{subs: []models.Subscriber{active("Sub1Address", srv.URL)}}
	e, ledger, _ := newTestEngine(t, reg, failingSigner{newTestSigner(t)}, succeed(models.WorkResult{}))

	report := e.RunCycle(context.Background())

	assert.Equal(t, 0, report.Offered)
	assert.Empty(t, sub.Offers())
	assert.Equal(t, []string{models.OutcomeSigningFailed}, ledger.statuses())
}

func TestCancellationHonouredBetweenSubscribers(t *testing.T) {
	first, firstSrv := newSubscriber(t, requestR1)
	second, secondSrv := newSubscriber(t, requestR1)
	reg := &fakeRegistry{subs: []models.Subscriber{
		active("First", firstSrv.URL),
		active("Second", secondSrv.URL),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := &fakePipeline{fn: func(pctx context.Context, _ models.WorkRequest) (models.WorkResult, error) {
		cancel()
		assert.NoError(t, pctx.Err(), "in-flight work must not observe cancellation")
		return models.WorkResult{"amount": 2.0}, nil
	}}
	e, _, _ := newTestEngine(t, reg, newTestSigner(t), pipe)

	report := e.RunCycle(ctx)

	assert.Equal(t, 1, report.Completed)
	assert.Len(t, first.Results(), 1)
	assert.Empty(t, second.Offers())
}

func TestRegistryFailureRetriesAfterShortDelay(t *testing.T) {
	reg := &fakeRegistry{errs: []error{errors.New("registry down")}}
	e := New(Config{PollInterval: time.Hour, RetryDelay: 20 * time.Millisecond}, reg, newTestSigner(t), succeed(nil), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return reg.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// Now sleeping for the full poll interval; cancellation must cut it short.
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 2, reg.callCount())
}

func TestRegistryFailureSendsNoOffers(t *testing.T) {
	sub, srv := newSubscriber(t, requestR1)
	reg := &fakeRegistry{
		subs: []models.Subscriber{active("Sub1Address", srv.URL)},
		errs: []error{errors.New("registry down")},
	}
	e, _, events := newTestEngine(t, reg, newTestSigner(t), succeed(nil))

	report := e.RunCycle(context.Background())

	require.Error(t, report.Err)
	assert.Empty(t, sub.Offers())
	assert.True(t, events.contains("Registry unavailable"))
}

func TestResultDocumentKeepsProtocolFields(t *testing.T) {
	doc := resultDocument(
		models.WorkRequest{RequestID: "r1"},
		models.WorkResult{"request_id": "spoofed", "type": "other", "vendor": "Cafe"},
		"Provider",
	)
	assert.Equal(t, "r1", doc["request_id"])
	assert.Equal(t, models.TypeReceiptProcessed, doc["type"])
	assert.Equal(t, "Cafe", doc["vendor"])
	assert.Equal(t, "Provider", doc["provider"])
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "http://sub/results", endpoint("http://sub/", "results"))
	assert.Equal(t, "http://sub/offers", endpoint("http://sub", "offers"))
}
