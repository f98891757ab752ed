// Package tracker turns a recognizer's step and chunk events into partial and
// reconciled transcript results.
package tracker

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/transcriber/internal/protocol"
	"github.com/obiente/translate/transcriber/internal/whisper"
)

// PartialEvery is the step throttle: a partial result goes out on every
// PartialEvery-th step.
const PartialEvery = 10

// Tracker holds the state of one inference run. It is not safe for concurrent
// use; a single goroutine consumes the run's events.
type Tracker struct {
	handle    whisper.Handle
	stride    float64
	precision float64
	emit      protocol.EmitFunc
	logger    zerolog.Logger

	history  []whisper.RawChunk
	segments []protocol.Segment
	steps    int
}

func New(h whisper.Handle, strideSeconds float64, emit protocol.EmitFunc) *Tracker {
	return &Tracker{
		handle:    h,
		stride:    strideSeconds,
		precision: h.Config().TimePrecision(),
		emit:      emit,
		logger:    log.With().Str("component", "tracker").Str("model", h.ModelID()).Logger(),
	}
}

// OnStep handles one decoding step. Only the top candidate is used.
func (t *Tracker) OnStep(candidates []whisper.Candidate) {
	t.steps++
	if t.steps%PartialEvery != 0 || len(candidates) == 0 {
		return
	}
	text := t.handle.Decode(candidates[0].Tokens, true)
	t.emit(protocol.PartialResult{Result: protocol.PartialText{
		Text:  text,
		Start: t.lastEnd(),
	}})
}

// OnChunk appends a finished chunk and re-derives the whole segment list from
// the full history.
func (t *Tracker) OnChunk(chunk whisper.RawChunk) error {
	t.history = append(t.history, chunk)
	raw, err := t.handle.Reconcile(t.history, whisper.ReconcileOptions{
		TimePrecision:      t.precision,
		ReturnTimestamps:   true,
		ForceFullSequences: false,
	})
	if err != nil {
		return fmt.Errorf("reconcile %d chunks: %w", len(t.history), err)
	}

	segments := make([]protocol.Segment, len(raw))
	for i, r := range raw {
		segments[i] = t.process(r, i)
	}
	t.segments = segments

	t.logger.Debug().
		Int("chunks", len(t.history)).
		Int("segments", len(segments)).
		Int("completed_until", t.lastEnd()).
		Msg("tracker: reconciled")

	t.emit(protocol.Result{
		Results:                 segments,
		IsDone:                  false,
		CompletedUntilTimestamp: t.lastEnd(),
	})
	return nil
}

// SendFinalResult marks the run complete.
func (t *Tracker) SendFinalResult() {
	t.emit(protocol.Done{})
}

// Segments returns the latest processed segment list.
func (t *Tracker) Segments() []protocol.Segment { return t.segments }

// Consume drives the tracker from a stream until it is exhausted, fails, or
// ctx ends. The stream is closed on return.
func (t *Tracker) Consume(ctx context.Context, s whisper.Stream) error {
	defer s.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, ok, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch ev.Kind {
		case whisper.EventStep:
			t.OnStep(ev.Candidates)
		case whisper.EventChunk:
			if err := t.OnChunk(ev.Chunk); err != nil {
				return err
			}
		default:
			t.logger.Warn().Stringer("kind", ev.Kind).Msg("tracker: ignoring event")
		}
	}
}

func (t *Tracker) lastEnd() int {
	if len(t.segments) == 0 {
		return 0
	}
	return t.segments[len(t.segments)-1].End
}

// process maps a reconciled segment to whole seconds. An end that is missing
// or rounds to zero is estimated from the stride.
func (t *Tracker) process(r whisper.RawSegment, index int) protocol.Segment {
	start := roundHalfUp(r.Start)
	end := 0
	if r.End != nil {
		end = roundHalfUp(*r.End)
	}
	if end == 0 {
		end = roundHalfUp(r.Start + 0.9*t.stride)
	}
	if end < start {
		end = start
	}
	return protocol.Segment{
		Index: index,
		Text:  strings.TrimSpace(r.Text) + " ",
		Start: start,
		End:   end,
	}
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

// RemoveOverlap strips from next the longest prefix that repeats a suffix of
// prev. It is not part of the reconciliation path.
func RemoveOverlap(prev, next string) string {
	for n := min(len(prev), len(next)); n > 0; n-- {
		if strings.HasPrefix(next, prev[len(prev)-n:]) {
			return next[n:]
		}
	}
	return next
}
