// Package session runs one transcription request end to end: model
// resolution, inference, and the events that report them.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/transcriber/internal/metrics"
	"github.com/obiente/translate/transcriber/internal/protocol"
	"github.com/obiente/translate/transcriber/internal/tracker"
	"github.com/obiente/translate/transcriber/internal/whisper"
)

// ReasonCancelled is the Error reason for a request stopped by its caller.
const ReasonCancelled = "cancelled"

// Models resolves a handle per model identifier. *registry.Registry satisfies it.
type Models interface {
	Get(ctx context.Context, modelID string, onProgress whisper.ProgressFunc) (whisper.Handle, error)
}

// Runner starts inference on a handle. whisper.Recognizer satisfies it.
type Runner interface {
	Run(ctx context.Context, h whisper.Handle, samples []float32, opts whisper.RunOptions) (whisper.Stream, error)
}

type Session struct {
	models  Models
	runner  Runner
	machine *Machine
	metrics *metrics.Metrics
}

type Option func(*Session)

// WithMetrics records request outcomes on m instead of the no-op set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New(models Models, runner Runner, opts ...Option) *Session {
	s := &Session{models: models, runner: runner, machine: NewMachine(), metrics: metrics.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Machine exposes the request state machine.
func (s *Session) Machine() *Machine { return s.machine }

// RunOptions derives chunking parameters from the model family.
func RunOptions(modelID string) whisper.RunOptions {
	opts := whisper.RunOptions{
		TopK:               0,
		Sample:             false,
		ChunkLengthSeconds: 30,
		StrideSeconds:      5,
		ReturnTimestamps:   true,
		ForceFullSequences: false,
	}
	if whisper.IsDistilled(modelID) {
		opts.ChunkLengthSeconds = 20
		opts.StrideSeconds = 3
	}
	return opts
}

// HandleInferenceRequest transcribes samples with modelID, reporting through
// emit. Every request that starts ends in a Loading error, an Error, or Done.
// The returned error is for logging; it has already been reported as an event.
func (s *Session) HandleInferenceRequest(ctx context.Context, requestID string, samples []float32, modelID string, emit protocol.EmitFunc) (err error) {
	if err := s.machine.Start(requestID); err != nil {
		return err
	}
	logger := log.With().Str("request_id", requestID).Str("model", modelID).Logger()

	started := time.Now()
	outcome := metrics.OutcomeError
	s.metrics.RequestStarted(ctx)
	emit = s.counted(ctx, emit)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("session: recovered panic")
			err = fmt.Errorf("session panic: %v", r)
			outcome = metrics.OutcomeError
			s.fail(emit, protocol.Error{Reason: "internal error"})
		}
		s.metrics.RequestFinished(context.WithoutCancel(ctx), modelID, outcome, time.Since(started))
	}()

	emit(protocol.Loading{Status: protocol.LoadingStarted})

	if !whisper.IsSupported(modelID) {
		logger.Warn().Msg("session: model not found")
		outcome = metrics.OutcomeUnknownModel
		s.fail(emit, protocol.Loading{Status: protocol.LoadingError, Message: "Model not found: " + modelID})
		return fmt.Errorf("%w: %s", whisper.ErrUnknownModel, modelID)
	}

	resolveStart := time.Now()
	h, err := s.models.Get(ctx, modelID, downloadProgress(ctx, emit))
	if err != nil {
		if ctx.Err() != nil {
			s.metrics.ModelResolved(context.WithoutCancel(ctx), modelID, ctx.Err(), time.Since(resolveStart))
			outcome = metrics.OutcomeCancelled
			return s.cancelled(logger, emit, ctx.Err())
		}
		s.metrics.ModelResolved(ctx, modelID, err, time.Since(resolveStart))
		outcome = metrics.OutcomeLoadFailed
		logger.Error().Err(err).Msg("session: model load failed")
		s.fail(emit, protocol.Loading{Status: protocol.LoadingError, Message: err.Error()})
		return err
	}
	s.metrics.ModelResolved(ctx, modelID, nil, time.Since(resolveStart))
	_ = s.machine.Transition(StateReady)
	emit(protocol.Loading{Status: protocol.LoadingSuccess})

	opts := RunOptions(modelID)
	tr := tracker.New(h, opts.StrideSeconds, emit)

	logger.Info().
		Int("samples", len(samples)).
		Float64("chunk_length", opts.ChunkLengthSeconds).
		Float64("stride", opts.StrideSeconds).
		Msg("session: transcribing")
	_ = s.machine.Transition(StateTranscribing)

	stream, err := s.runner.Run(ctx, h, samples, opts)
	if err == nil {
		err = tr.Consume(ctx, stream)
	}
	if err != nil {
		if ctx.Err() != nil {
			outcome = metrics.OutcomeCancelled
			return s.cancelled(logger, emit, ctx.Err())
		}
		logger.Error().Err(err).Msg("session: inference failed")
		s.fail(emit, protocol.Error{Reason: err.Error()})
		return fmt.Errorf("inference: %w", err)
	}

	tr.SendFinalResult()
	outcome = metrics.OutcomeDone
	_ = s.machine.Transition(StateDone)
	logger.Info().Int("segments", len(tr.Segments())).Msg("session: done")
	return nil
}

// Cancel marks the active request cancelled. The caller still has to cancel
// the request's context.
func (s *Session) Cancel() error { return s.machine.Cancel() }

func (s *Session) counted(ctx context.Context, emit protocol.EmitFunc) protocol.EmitFunc {
	ctx = context.WithoutCancel(ctx)
	return func(ev protocol.Event) {
		s.metrics.Event(ctx, string(ev.Type()))
		emit(ev)
	}
}

func (s *Session) fail(emit protocol.EmitFunc, ev protocol.Event) {
	_ = s.machine.Transition(StateError)
	emit(ev)
}

func (s *Session) cancelled(logger zerolog.Logger, emit protocol.EmitFunc, cause error) error {
	logger.Info().Err(cause).Msg("session: cancelled")
	_ = s.machine.Transition(StateCancelled)
	emit(protocol.Error{Reason: ReasonCancelled})
	return cause
}

// downloadProgress forwards weight retrieval progress; done and loaded are
// not reported to the controller. The load outlives a cancelled request, so
// progress stops once ctx ends.
func downloadProgress(ctx context.Context, emit protocol.EmitFunc) whisper.ProgressFunc {
	return func(p whisper.Progress) {
		if p.Status != whisper.ProgressStatusProgress || ctx.Err() != nil {
			return
		}
		emit(protocol.Downloading{
			File:     p.File,
			Progress: p.Progress,
			Loaded:   p.Loaded,
			Total:    p.Total,
		})
	}
}
