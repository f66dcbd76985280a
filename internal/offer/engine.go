// Package offer runs the provider's poll loop: it fetches subscribers from
// the registry, sends each active one a signed service offer, fulfils
// accepted offers through the processing pipeline, and reports the signed
// result or error back to the subscriber.
package offer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/hub"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/metrics"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/pipeline"
)

const (
	DefaultPollInterval = 300 * time.Second
	DefaultRetryDelay   = 60 * time.Second
	DefaultCallTimeout  = 30 * time.Second
	DefaultAgentName    = "provider"

	maxReplySize  = 1 << 20
	ledgerTimeout = 5 * time.Second
)

// Registry lists the subscribers of a provider.
type Registry interface {
	ListProviderSubscriptions(ctx context.Context, providerAddress string) ([]models.Subscriber, error)
}

// Signer signs outbound documents with the provider identity.
type Signer interface {
	Identity() string
	SignPayload(doc any) (*models.SignedPayload, error)
}

// Ledger records per-subscriber outcomes.
type Ledger interface {
	RecordOutcome(ctx context.Context, o *models.Outcome) error
}

// Config holds the engine's timing and naming settings. Zero values take
// the defaults.
type Config struct {
	AgentName    string
	PollInterval time.Duration
	RetryDelay   time.Duration
	CallTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.AgentName == "" {
		c.AgentName = DefaultAgentName
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	CycleID   string
	Fetched   int
	Active    int
	Offered   int
	Accepted  int
	Completed int
	Failed    int
	Err       error
}

// Engine is the offer/fulfil/report loop.
type Engine struct {
	cfg      Config
	registry Registry
	signer   Signer
	pipeline pipeline.Pipeline
	events   hub.Emitter
	ledger   Ledger
	client   *http.Client
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger records every outcome to l.
func WithLedger(l Ledger) Option {
	return func(e *Engine) {
		e.ledger = l
	}
}

// WithHTTPClient replaces the client used to reach subscribers.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.client = c
		}
	}
}

// New creates an engine. A nil events emitter discards status events.
func New(cfg Config, registry Registry, signer Signer, pipe pipeline.Pipeline, events hub.Emitter, logger zerolog.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if events == nil {
		events = hub.Discard
	}
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		signer:   signer,
		pipeline: pipe,
		events:   events,
		client:   &http.Client{Timeout: cfg.CallTimeout},
		logger:   logger.With().Str("component", "offer").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run polls until ctx is cancelled. A failed registry fetch is retried
// after RetryDelay instead of PollInterval.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("provider", e.signer.Identity()).
		Dur("poll_interval", e.cfg.PollInterval).
		Msg("offer loop started")

	for {
		report := e.RunCycle(ctx)
		if ctx.Err() != nil {
			break
		}

		wait := e.cfg.PollInterval
		if report.Err != nil {
			wait = e.cfg.RetryDelay
		}
		if err := sleep(ctx, wait); err != nil {
			break
		}
	}

	e.logger.Info().Msg("offer loop stopped")
	return nil
}

// RunCycle performs one fetch/offer/fulfil/report pass. Cancelling ctx
// stops the cycle before the next subscriber; a subscriber already being
// served is finished under per-call timeouts.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{CycleID: crypto.NewUUIDv7().String()}
	log := e.logger.With().Str("cycle_id", report.CycleID).Logger()

	e.events.Emit(e.cfg.AgentName, "Checking for subscribers", true)

	subs, err := e.registry.ListProviderSubscriptions(ctx, e.signer.Identity())
	if err != nil {
		report.Err = err
		metrics.PollCycles.WithLabelValues("registry_error").Inc()
		log.Error().Err(err).Dur("retry_in", e.cfg.RetryDelay).Msg("failed to fetch subscribers")
		e.events.Emit(e.cfg.AgentName, fmt.Sprintf("Registry unavailable, retrying in %s", e.cfg.RetryDelay), false)
		return report
	}
	report.Fetched = len(subs)

	active := make([]models.Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.IsActive() {
			active = append(active, sub)
		}
	}
	report.Active = len(active)
	metrics.ActiveSubscribers.Set(float64(len(active)))

	log.Info().Int("fetched", report.Fetched).Int("active", report.Active).Msg("subscribers fetched")
	e.events.Emit(e.cfg.AgentName, fmt.Sprintf("Found %d active subscribers", len(active)), false)

	for _, sub := range active {
		if ctx.Err() != nil {
			log.Info().Msg("cycle cancelled between subscribers")
			break
		}
		if sub.RecipientURL == "" {
			log.Warn().Str("subscriber", sub.Address).Msg("subscriber has no recipient url, skipping")
			continue
		}

		out := e.serve(context.WithoutCancel(ctx), report.CycleID, sub)
		if out.Status != models.OutcomeSigningFailed {
			report.Offered++
		}
		if out.Stage != stageOffer {
			report.Accepted++
		}
		switch out.Status {
		case models.OutcomeCompleted:
			report.Completed++
		case models.OutcomeFailed, models.OutcomeReportFailed:
			report.Failed++
		}
		e.record(ctx, out)
	}

	metrics.PollCycles.WithLabelValues("ok").Inc()
	log.Info().
		Int("offered", report.Offered).
		Int("accepted", report.Accepted).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Msg("cycle complete")
	e.events.Emit(e.cfg.AgentName, fmt.Sprintf("Cycle complete: %d offers, %d fulfilled", report.Offered, report.Completed), false)
	return report
}

// Outcome stages.
const (
	stageOffer  = "offer"
	stageFulfil = "fulfil"
	stageReport = "report"
)

// serve runs the offer, fulfil and report sequence for one subscriber.
func (e *Engine) serve(ctx context.Context, cycleID string, sub models.Subscriber) *models.Outcome {
	out := &models.Outcome{
		ID:           crypto.NewUUIDv7(),
		CycleID:      cycleID,
		Subscriber:   sub.Address,
		RecipientURL: sub.RecipientURL,
		Stage:        stageOffer,
		CreatedAt:    time.Now().UTC(),
	}
	log := e.logger.With().
		Str("cycle_id", cycleID).
		Str("subscriber", sub.Address).
		Str("recipient", sub.RecipientURL).
		Logger()
	who := short(sub.Address)

	offer := models.Offer{
		Type:         models.TypeServiceOffer,
		OfferID:      crypto.NewUUIDv7().String(),
		Service:      models.ServiceReceiptProcessing,
		Capabilities: models.DefaultCapabilities(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Provider:     e.signer.Identity(),
	}
	signed, err := e.signer.SignPayload(offer)
	if err != nil {
		log.Error().Err(err).Str("stage", stageOffer).Msg("failed to sign offer")
		metrics.OffersSent.WithLabelValues(models.OutcomeSigningFailed).Inc()
		e.events.Emit(e.cfg.AgentName, "Failed to sign offer for "+who, false)
		return fail(out, models.OutcomeSigningFailed, err)
	}

	e.events.Emit(e.cfg.AgentName, "Sending offer to "+who, true)
	offerURL := endpoint(sub.RecipientURL, "offers")
	reply, err := e.post(ctx, offerURL, signed)
	if err != nil {
		if IsDeclined(err) {
			log.Info().Err(err).Str("stage", stageOffer).Msg("offer declined")
			metrics.OffersSent.WithLabelValues(models.OutcomeDeclined).Inc()
			e.events.Emit(e.cfg.AgentName, "Offer declined by "+who, false)
			return fail(out, models.OutcomeDeclined, err)
		}
		log.Warn().Err(err).Str("stage", stageOffer).Msg("subscriber unreachable")
		metrics.OffersSent.WithLabelValues(models.OutcomeUnreachable).Inc()
		e.events.Emit(e.cfg.AgentName, "Could not reach "+who, false)
		return fail(out, models.OutcomeUnreachable, err)
	}

	req, err := parseWorkRequest(offerURL, reply)
	if err != nil {
		log.Debug().Err(err).Str("stage", stageOffer).Msg("offer reply not understood, treating as no work")
	}
	if !req.IsWork() {
		metrics.OffersSent.WithLabelValues(models.OutcomeAcknowledged).Inc()
		e.events.Emit(e.cfg.AgentName, "Offer acknowledged by "+who, false)
		out.Status = models.OutcomeAcknowledged
		return out
	}

	metrics.OffersSent.WithLabelValues("accepted").Inc()
	out.RequestID = req.RequestID
	out.Stage = stageFulfil
	log = log.With().Str("request_id", req.RequestID).Logger()
	log.Info().Str("stage", stageFulfil).Msg("work request accepted")
	e.events.Emit(e.cfg.AgentName, fmt.Sprintf("Processing request %s for %s", req.RequestID, who), true)

	start := time.Now()
	result, procErr := e.pipeline.Process(ctx, *req)
	metrics.FulfillmentDuration.Observe(time.Since(start).Seconds())

	callback := req.CallbackURL
	if callback == "" {
		callback = sub.RecipientURL
	}

	kind, doc := "results", any(nil)
	if procErr != nil {
		metrics.Fulfillments.WithLabelValues("failed").Inc()
		stage := ""
		var pe *pipeline.PipelineError
		if errors.As(procErr, &pe) {
			stage = pe.Stage
		}
		log.Warn().Err(procErr).Str("stage", stageFulfil).Str("pipeline_stage", stage).Msg("fulfillment failed")
		e.events.Emit(e.cfg.AgentName, fmt.Sprintf("Request %s failed: %v", req.RequestID, procErr), false)
		kind = "errors"
		doc = models.WorkError{
			Type:      models.TypeProcessingError,
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Provider:  e.signer.Identity(),
			Stage:     stage,
			Error:     procErr.Error(),
		}
	} else {
		metrics.Fulfillments.WithLabelValues("completed").Inc()
		doc = resultDocument(*req, result, e.signer.Identity())
	}

	out.Stage = stageReport
	if err := e.report(ctx, callback, kind, doc); err != nil {
		log.Warn().Err(err).Str("stage", stageReport).Str("kind", kind).Msg("failed to deliver report")
		e.events.Emit(e.cfg.AgentName, fmt.Sprintf("Could not deliver %s for %s", kind, req.RequestID), false)
		if procErr != nil {
			err = fmt.Errorf("%v; report: %w", procErr, err)
		}
		return fail(out, models.OutcomeReportFailed, err)
	}

	if procErr != nil {
		return fail(out, models.OutcomeFailed, procErr)
	}
	log.Info().Str("stage", stageReport).Msg("request completed")
	e.events.Emit(e.cfg.AgentName, fmt.Sprintf("Request %s completed", req.RequestID), false)
	out.Status = models.OutcomeCompleted
	return out
}

// report signs doc and posts it to {base}/{kind}.
func (e *Engine) report(ctx context.Context, base, kind string, doc any) error {
	signed, err := e.signer.SignPayload(doc)
	if err != nil {
		metrics.Reports.WithLabelValues(kind, "failed").Inc()
		return err
	}
	if _, err := e.post(ctx, endpoint(base, kind), signed); err != nil {
		metrics.Reports.WithLabelValues(kind, "failed").Inc()
		return err
	}
	metrics.Reports.WithLabelValues(kind, "ok").Inc()
	return nil
}

// post sends payload as JSON and returns the reply body of a 200 response.
func (e *Engine) post(ctx context.Context, url string, payload *models.SignedPayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{URL: url, Status: resp.StatusCode, Err: ErrNotOK}
	}
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	return reply, nil
}

func (e *Engine) record(ctx context.Context, out *models.Outcome) {
	if e.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()

	start := time.Now()
	err := e.ledger.RecordOutcome(ctx, out)
	metrics.LedgerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.Warn().Err(err).Str("subscriber", out.Subscriber).Msg("failed to record outcome")
	}
}

// parseWorkRequest reads a subscriber's reply to an offer. An empty body is
// an acknowledgement without work.
func parseWorkRequest(url string, body []byte) (*models.WorkRequest, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var req models.WorkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ProtocolError{URL: url, Err: err}
	}
	return &req, nil
}

// resultDocument flattens the pipeline result into the reported document.
// Protocol fields take precedence over result keys of the same name.
func resultDocument(req models.WorkRequest, result models.WorkResult, provider string) map[string]any {
	doc := make(map[string]any, len(result)+4)
	for k, v := range result {
		doc[k] = v
	}
	doc["type"] = models.TypeReceiptProcessed
	doc["request_id"] = req.RequestID
	doc["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	doc["provider"] = provider
	return doc
}

func fail(out *models.Outcome, status string, err error) *models.Outcome {
	out.Status = status
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// endpoint joins a subscriber base URL and a path segment.
func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}

// short abbreviates an address for status messages.
func short(address string) string {
	if len(address) <= 8 {
		return address
	}
	return address[:8]
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CloseIdleConnections releases pooled connections to subscribers.
func (e *Engine) CloseIdleConnections() {
	e.client.CloseIdleConnections()
}
