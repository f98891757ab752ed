package whisper

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned to a producer whose consumer has gone away.
var ErrStreamClosed = errors.New("stream closed")

type EventKind int

const (
	EventStep EventKind = iota + 1
	EventChunk
)

func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Event is one item of an inference run: either a decoding step or a finished chunk.
type Event struct {
	Kind       EventKind
	Candidates []Candidate
	Chunk      RawChunk
}

// Stream is a lazy, finite, forward-only sequence of inference events.
// It has a single consumer and cannot be restarted.
type Stream interface {
	// Next returns the next event. Returns (zero, false, nil) when the run
	// completed and (zero, false, err) when it failed.
	Next(ctx context.Context) (Event, bool, error)
	// Close releases the producer. Safe to call more than once.
	Close() error
}

type item struct {
	ev  Event
	err error
}

type pipeStream struct {
	ch       chan item
	done     chan struct{}
	once     sync.Once
	finished bool
	err      error
}

// Producer is the write side of a Pipe. Exactly one goroutine may use it and
// it must call Finish once.
type Producer struct {
	s *pipeStream
}

// Pipe returns a channel-backed Stream and the Producer feeding it.
func Pipe(buffer int) (Stream, *Producer) {
	if buffer < 0 {
		buffer = 0
	}
	s := &pipeStream{
		ch:   make(chan item, buffer),
		done: make(chan struct{}),
	}
	return s, &Producer{s: s}
}

func (s *pipeStream) Next(ctx context.Context) (Event, bool, error) {
	if s.finished {
		return Event{}, false, s.err
	}
	select {
	case it, open := <-s.ch:
		if !open {
			s.finished = true
			return Event{}, false, nil
		}
		if it.err != nil {
			s.finished = true
			s.err = it.err
			return Event{}, false, it.err
		}
		return it.ev, true, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

func (s *pipeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the consumer closes the stream.
func (p *Producer) Done() <-chan struct{} { return p.s.done }

func (p *Producer) Step(ctx context.Context, candidates []Candidate) error {
	return p.send(ctx, item{ev: Event{Kind: EventStep, Candidates: candidates}})
}

func (p *Producer) Chunk(ctx context.Context, chunk RawChunk) error {
	return p.send(ctx, item{ev: Event{Kind: EventChunk, Chunk: chunk}})
}

// Finish ends the stream, delivering err to the consumer when non-nil.
func (p *Producer) Finish(err error) {
	if err != nil {
		select {
		case p.s.ch <- item{err: err}:
		case <-p.s.done:
		}
	}
	close(p.s.ch)
}

func (p *Producer) send(ctx context.Context, it item) error {
	select {
	case p.s.ch <- it:
		return nil
	case <-p.s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
