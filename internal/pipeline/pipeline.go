// Package pipeline runs accepted work requests through the two-stage
// receipt processing pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/hub"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// Stage names, also used as the agent name in status events.
const (
	StageExtract    = "image_analyzer"
	StageCategorize = "data_processor"
)

// ErrUnavailable is returned when no processing backend is configured.
var ErrUnavailable = errors.New("processing pipeline unavailable")

// PipelineError wraps a failure in one pipeline stage.
type PipelineError struct {
	Stage     string
	RequestID string
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed for request %s: %v", e.Stage, e.RequestID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Pipeline turns a work request into a structured result.
type Pipeline interface {
	Process(ctx context.Context, req models.WorkRequest) (models.WorkResult, error)
}

// Stage is one step of the pipeline.
type Stage interface {
	Run(ctx context.Context, input map[string]any) (map[string]any, error)
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Run implements Stage.
func (f StageFunc) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// TwoStage extracts structured data from the raw input, then validates and
// categorizes it into the final result.
type TwoStage struct {
	Extract    Stage
	Categorize Stage

	events hub.Emitter
	logger zerolog.Logger
}

// NewTwoStage creates a pipeline from the two stages.
func NewTwoStage(extract, categorize Stage, events hub.Emitter, logger zerolog.Logger) *TwoStage {
	if events == nil {
		events = hub.Discard
	}
	return &TwoStage{
		Extract:    extract,
		Categorize: categorize,
		events:     events,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// CloseIdleConnections releases idle connections held by stages that keep
// a transport, such as HTTPStage.
func (p *TwoStage) CloseIdleConnections() {
	for _, stage := range []Stage{p.Extract, p.Categorize} {
		if c, ok := stage.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}

// Process implements Pipeline. Any stage failure is returned as *PipelineError.
func (p *TwoStage) Process(ctx context.Context, req models.WorkRequest) (models.WorkResult, error) {
	input := map[string]any{
		"image_url":  req.ImageURL,
		"request_id": req.RequestID,
	}

	extracted, err := p.runStage(ctx, StageExtract, p.Extract, req.RequestID, input,
		"Extracting receipt data", "Extraction complete")
	if err != nil {
		return nil, err
	}

	categorized, err := p.runStage(ctx, StageCategorize, p.Categorize, req.RequestID, extracted,
		"Categorizing receipt data", "Categorization complete")
	if err != nil {
		return nil, err
	}

	return models.WorkResult(categorized), nil
}

func (p *TwoStage) runStage(ctx context.Context, name string, stage Stage, requestID string, input map[string]any, startMsg, doneMsg string) (map[string]any, error) {
	if stage == nil {
		return nil, &PipelineError{Stage: name, RequestID: requestID, Err: ErrUnavailable}
	}

	p.events.Emit(name, startMsg, true)
	out, err := stage.Run(ctx, input)
	if err == nil && out == nil {
		err = errors.New("stage returned no data")
	}
	if err != nil {
		p.events.Emit(name, "Failed: "+err.Error(), false)
		p.logger.Warn().
			Err(err).
			Str("stage", name).
			Str("request_id", requestID).
			Msg("pipeline stage failed")
		return nil, &PipelineError{Stage: name, RequestID: requestID, Err: err}
	}
	p.events.Emit(name, doneMsg, false)
	return out, nil
}

// Unavailable is the pipeline used when no backend is configured. Every
// request fails, so subscribers receive a signed error instead of silence.
type Unavailable struct{}

// Process implements Pipeline.
func (Unavailable) Process(_ context.Context, req models.WorkRequest) (models.WorkResult, error) {
	return nil, &PipelineError{Stage: StageExtract, RequestID: req.RequestID, Err: ErrUnavailable}
}
