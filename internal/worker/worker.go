// Package worker is one channel endpoint: it reads inbound requests, runs at
// most one transcription at a time, and delivers every outbound frame in order
// on a single channel.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/transcriber/internal/audio"
	"github.com/obiente/translate/transcriber/internal/protocol"
	"github.com/obiente/translate/transcriber/internal/session"
)

type job struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	// emitMu orders sends so nothing follows the terminal event
	emitMu sync.Mutex
	// set once the request's terminal event has been emitted
	terminal atomic.Bool
}

// emit sends ev unless the request has already ended. Late callbacks, such as
// download progress from a load the request stopped waiting for, are dropped.
func (j *job) emit(ev protocol.Event, send func(protocol.Event)) bool {
	j.emitMu.Lock()
	defer j.emitMu.Unlock()
	if j.terminal.Load() {
		return false
	}
	if protocol.Terminal(ev) {
		j.terminal.Store(true)
	}
	send(ev)
	return true
}

type Worker struct {
	sess    *session.Session
	decoder audio.Decoder
	logger  zerolog.Logger

	out  chan protocol.Frame
	stop chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New creates a worker whose outbound channel holds up to buffer frames.
func New(sess *session.Session, decoder audio.Decoder, buffer int) *Worker {
	if buffer < 0 {
		buffer = 0
	}
	return &Worker{
		sess:    sess,
		decoder: decoder,
		logger:  log.With().Str("component", "worker").Logger(),
		out:     make(chan protocol.Frame, buffer),
		stop:    make(chan struct{}),
	}
}

// Events is closed once Run has returned.
func (w *Worker) Events() <-chan protocol.Frame { return w.out }

// Run serves requests from in. When in is closed the in-flight request is
// allowed to finish; when ctx ends it is cancelled. Either way Run waits for
// it before returning.
func (w *Worker) Run(ctx context.Context, in <-chan protocol.Request) {
	defer w.shutdown()

	var current *job
	wait := func() {
		if current != nil {
			<-current.done
			current = nil
		}
	}

	for {
		var finished chan struct{}
		if current != nil {
			finished = current.done
		}

		select {
		case <-ctx.Done():
			if current != nil {
				current.cancel()
			}
			wait()
			return
		case <-finished:
			current = nil
		case req, ok := <-in:
			if !ok {
				wait()
				return
			}
			if current != nil && current.terminal.Load() {
				<-current.done
				current = nil
			}
			if j := w.dispatch(ctx, req, current); j != nil {
				current = j
			}
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, req protocol.Request, current *job) *job {
	switch req.Type {
	case protocol.TypePing:
		w.send(ctx, protocol.Frame{Event: protocol.Pong{TS: req.TS}})
	case protocol.TypeCancel:
		w.cancel(req, current)
	case protocol.TypeInferenceRequest:
		return w.start(ctx, req, current)
	default:
		w.logger.Warn().Str("type", string(req.Type)).Msg("worker: ignoring message")
	}
	return nil
}

func (w *Worker) cancel(req protocol.Request, current *job) {
	if current == nil || (req.RequestID != "" && req.RequestID != current.id) {
		w.logger.Warn().Str("request_id", req.RequestID).Msg("worker: nothing to cancel")
		return
	}
	if err := w.sess.Cancel(); err != nil {
		w.logger.Debug().Err(err).Str("request_id", current.id).Msg("worker: cancel after completion")
	}
	current.cancel()
	w.logger.Info().Str("request_id", current.id).Msg("worker: cancel requested")
}

func (w *Worker) start(ctx context.Context, req protocol.Request, current *job) *job {
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	j := &job{id: id, done: make(chan struct{})}
	emit := func(ev protocol.Event) {
		sent := j.emit(ev, func(ev protocol.Event) {
			w.send(ctx, protocol.Frame{RequestID: id, Event: ev})
		})
		if !sent {
			w.logger.Debug().Str("request_id", id).Str("type", string(ev.Type())).Msg("worker: dropping event after terminal")
		}
	}

	if current != nil {
		w.logger.Warn().Str("request_id", id).Str("in_flight", current.id).Msg("worker: rejecting overlapping request")
		emit(protocol.Error{Reason: session.ErrRequestInFlight.Error()})
		return nil
	}

	samples, err := w.samples(req)
	if err != nil {
		w.logger.Warn().Err(err).Str("request_id", id).Msg("worker: audio decode failed")
		emit(protocol.Error{Reason: err.Error()})
		return nil
	}

	jctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	go func() {
		defer close(j.done)
		defer cancel()
		if err := w.sess.HandleInferenceRequest(jctx, id, samples, req.ModelName, emit); err != nil {
			w.logger.Debug().Err(err).Str("request_id", id).Msg("worker: request ended with error")
		}
	}()
	return j
}

// samples returns 16 kHz mono audio for the request.
func (w *Worker) samples(req protocol.Request) ([]float32, error) {
	if len(req.Audio) > 0 {
		if req.SampleRate > 0 && req.SampleRate != audio.SampleRate {
			return audio.ResampleLinear(req.Audio, req.SampleRate, audio.SampleRate), nil
		}
		return req.Audio, nil
	}
	samples, err := w.decoder.Decode(req.AudioData, req.MimeType, req.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return samples, nil
}

// send drops the frame once the worker has stopped or ctx has ended.
func (w *Worker) send(ctx context.Context, f protocol.Frame) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.out <- f:
	case <-ctx.Done():
	case <-w.stop:
	}
}

func (w *Worker) shutdown() {
	close(w.stop)
	w.mu.Lock()
	w.closed = true
	close(w.out)
	w.mu.Unlock()
}
