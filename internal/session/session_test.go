package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obiente/translate/transcriber/internal/protocol"
	"github.com/obiente/translate/transcriber/internal/registry"
	"github.com/obiente/translate/transcriber/internal/whisper"
)

type fakeHandle struct{ id string }

func (h fakeHandle) ModelID() string { return h.id }
func (h fakeHandle) Config() whisper.ModelConfig {
	return whisper.ModelConfig{ChunkLength: 30, MaxSourcePositions: 1500}
}
func (h fakeHandle) Decode(tokens []whisper.Token, skipSpecial bool) string {
	return whisper.DecodeTokens(tokens, skipSpecial)
}
func (h fakeHandle) Reconcile(chunks []whisper.RawChunk, opts whisper.ReconcileOptions) ([]whisper.RawSegment, error) {
	return whisper.Reconcile(chunks, opts), nil
}

type fakeLoader struct {
	err      error
	progress []whisper.Progress
}

func (l *fakeLoader) Load(ctx context.Context, modelID string, onProgress whisper.ProgressFunc) (whisper.Handle, error) {
	for _, p := range l.progress {
		onProgress(p)
	}
	if l.err != nil {
		return nil, l.err
	}
	return fakeHandle{id: modelID}, nil
}

type runFunc func(ctx context.Context, p *whisper.Producer)

type fakeRunner struct {
	mu      sync.Mutex
	opts    []whisper.RunOptions
	run     runFunc
	runErr  error
	samples int
}

func (r *fakeRunner) Run(ctx context.Context, h whisper.Handle, samples []float32, opts whisper.RunOptions) (whisper.Stream, error) {
	r.mu.Lock()
	r.opts = append(r.opts, opts)
	r.samples = len(samples)
	r.mu.Unlock()
	if r.runErr != nil {
		return nil, r.runErr
	}
	stream, p := whisper.Pipe(0)
	go r.run(ctx, p)
	return stream, nil
}

func helloWorld(ctx context.Context, p *whisper.Producer) {
	chunks := []whisper.RawChunk{
		{Index: 0, Start: 0, End: 2, Segments: []whisper.RawSegment{{Text: "hello", Start: 0, End: whisper.Float(2)}}},
		{Index: 1, Start: 2, End: 4, Segments: []whisper.RawSegment{{Text: "world", Start: 2, End: whisper.Float(4)}}},
	}
	for _, c := range chunks {
		if err := p.Chunk(ctx, c); err != nil {
			p.Finish(err)
			return
		}
	}
	p.Finish(nil)
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) emit(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type()
	}
	return out
}

func sameTypes(got, want []protocol.MessageType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func newSession(loader *fakeLoader, runner *fakeRunner) *Session {
	return New(registry.New(loader), runner)
}

func TestUnknownModelRejected(t *testing.T) {
	runner := &fakeRunner{run: helloWorld}
	s := newSession(&fakeLoader{}, runner)
	rec := &recorder{}

	err := s.HandleInferenceRequest(context.Background(), "r1", []float32{0}, "not-a-real-model", rec.emit)
	if !errors.Is(err, whisper.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
	if len(rec.events) != 2 {
		t.Fatalf("events = %+v, want loading then error", rec.events)
	}
	first := rec.events[0].(protocol.Loading)
	last := rec.events[1].(protocol.Loading)
	if first.Status != protocol.LoadingStarted || last.Status != protocol.LoadingError {
		t.Fatalf("statuses = %s, %s", first.Status, last.Status)
	}
	if last.Message != "Model not found: not-a-real-model" {
		t.Fatalf("message = %q", last.Message)
	}
	if len(runner.opts) != 0 {
		t.Fatal("runner should not be invoked")
	}
	if st := s.Machine().Current().State; st != StateError {
		t.Fatalf("state = %s, want error", st)
	}
}

func TestEndToEnd(t *testing.T) {
	runner := &fakeRunner{run: helloWorld}
	s := newSession(&fakeLoader{}, runner)
	rec := &recorder{}

	if err := s.HandleInferenceRequest(context.Background(), "r1", make([]float32, 64000), "Xenova/whisper-tiny.en", rec.emit); err != nil {
		t.Fatalf("HandleInferenceRequest() error = %v", err)
	}
	want := []protocol.MessageType{
		protocol.TypeLoading, protocol.TypeLoading,
		protocol.TypeResult, protocol.TypeResult,
		protocol.TypeInferenceDone,
	}
	if got := rec.types(); !sameTypes(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if st := rec.events[1].(protocol.Loading).Status; st != protocol.LoadingSuccess {
		t.Fatalf("second loading status = %s", st)
	}
	first := rec.events[2].(protocol.Result)
	if len(first.Results) != 1 || first.Results[0].End != 2 {
		t.Fatalf("first result = %+v", first)
	}
	second := rec.events[3].(protocol.Result)
	if len(second.Results) != 2 || second.Results[1].End != 4 || second.CompletedUntilTimestamp != 4 {
		t.Fatalf("second result = %+v", second)
	}
	if runner.samples != 64000 {
		t.Fatalf("runner samples = %d", runner.samples)
	}
	if st := s.Machine().Current().State; st != StateDone {
		t.Fatalf("state = %s, want done", st)
	}
}

func TestRunOptionsByFamily(t *testing.T) {
	tests := []struct {
		model         string
		chunk, stride float64
	}{
		{"distil-whisper/distil-small.en", 20, 3},
		{"distil-whisper/distil-large-v3", 20, 3},
		{"Xenova/whisper-base", 30, 5},
		{"Xenova/whisper-medium.en", 30, 5},
	}
	for _, tt := range tests {
		runner := &fakeRunner{run: helloWorld}
		s := newSession(&fakeLoader{}, runner)
		if err := s.HandleInferenceRequest(context.Background(), "r", []float32{0}, tt.model, func(protocol.Event) {}); err != nil {
			t.Fatalf("%s: error = %v", tt.model, err)
		}
		got := runner.opts[0]
		if got.ChunkLengthSeconds != tt.chunk || got.StrideSeconds != tt.stride {
			t.Fatalf("%s: chunk/stride = %v/%v, want %v/%v", tt.model, got.ChunkLengthSeconds, got.StrideSeconds, tt.chunk, tt.stride)
		}
		if got.TopK != 0 || got.Sample || !got.ReturnTimestamps || got.ForceFullSequences {
			t.Fatalf("%s: decoding opts = %+v", tt.model, got)
		}
	}
}

func TestDownloadProgressForwarded(t *testing.T) {
	loader := &fakeLoader{progress: []whisper.Progress{
		{Status: whisper.ProgressStatusProgress, File: "ggml-tiny.bin", Progress: 50, Loaded: 5, Total: 10},
		{Status: whisper.ProgressStatusDone, File: "ggml-tiny.bin"},
		{Status: whisper.ProgressStatusLoaded},
	}}
	s := newSession(loader, &fakeRunner{run: helloWorld})
	rec := &recorder{}
	if err := s.HandleInferenceRequest(context.Background(), "r", []float32{0}, "Xenova/whisper-tiny", rec.emit); err != nil {
		t.Fatalf("error = %v", err)
	}
	types := rec.types()
	if types[1] != protocol.TypeDownloading || types[2] != protocol.TypeLoading {
		t.Fatalf("types = %v, want one DOWNLOADING after LOADING", types)
	}
	d := rec.events[1].(protocol.Downloading)
	if d.File != "ggml-tiny.bin" || d.Progress != 50 || d.Loaded != 5 || d.Total != 10 {
		t.Fatalf("downloading = %+v", d)
	}
}

func TestModelLoadFailure(t *testing.T) {
	loader := &fakeLoader{err: errors.New("connection reset")}
	runner := &fakeRunner{run: helloWorld}
	s := newSession(loader, runner)
	rec := &recorder{}

	err := s.HandleInferenceRequest(context.Background(), "r", []float32{0}, "Xenova/whisper-tiny", rec.emit)
	var loadErr *registry.ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("err = %v, want ModelLoadError", err)
	}
	last := rec.events[len(rec.events)-1].(protocol.Loading)
	if last.Status != protocol.LoadingError || !strings.Contains(last.Message, "connection reset") {
		t.Fatalf("last = %+v", last)
	}

	// Not cached: the next request loads again and succeeds.
	loader.err = nil
	rec = &recorder{}
	if err := s.HandleInferenceRequest(context.Background(), "r2", []float32{0}, "Xenova/whisper-tiny", rec.emit); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if types := rec.types(); types[len(types)-1] != protocol.TypeInferenceDone {
		t.Fatalf("retry types = %v", types)
	}
}

func TestInferenceFailureHasNoDone(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, p *whisper.Producer) {
		_ = p.Chunk(ctx, whisper.RawChunk{Segments: []whisper.RawSegment{{Text: "x", Start: 0, End: whisper.Float(1)}}})
		p.Finish(errors.New("engine fault"))
	}}
	s := newSession(&fakeLoader{}, runner)
	rec := &recorder{}

	if err := s.HandleInferenceRequest(context.Background(), "r", []float32{0}, "Xenova/whisper-tiny", rec.emit); err == nil {
		t.Fatal("expected error")
	}
	types := rec.types()
	for _, typ := range types {
		if typ == protocol.TypeInferenceDone {
			t.Fatalf("types = %v, Done must not follow a failure", types)
		}
	}
	last := rec.events[len(rec.events)-1].(protocol.Error)
	if last.Reason != "engine fault" {
		t.Fatalf("reason = %q", last.Reason)
	}
}

func TestRunStartFailure(t *testing.T) {
	s := newSession(&fakeLoader{}, &fakeRunner{runErr: whisper.ErrEngineUnavailable})
	rec := &recorder{}
	err := s.HandleInferenceRequest(context.Background(), "r", []float32{0}, "Xenova/whisper-tiny", rec.emit)
	if !errors.Is(err, whisper.ErrEngineUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := rec.events[len(rec.events)-1].(protocol.Error); !ok {
		t.Fatalf("last = %+v, want Error", rec.events[len(rec.events)-1])
	}
}

func TestCancellation(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, p *whisper.Producer) {
		close(started)
		<-ctx.Done()
		p.Finish(ctx.Err())
	}}
	s := newSession(&fakeLoader{}, runner)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.HandleInferenceRequest(ctx, "r", []float32{0}, "Xenova/whisper-tiny", rec.emit)
	}()
	<-started
	if !s.Machine().Busy() {
		t.Fatal("machine should be busy while transcribing")
	}
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not stop after cancel")
	}
	last := rec.events[len(rec.events)-1].(protocol.Error)
	if last.Reason != ReasonCancelled {
		t.Fatalf("reason = %q", last.Reason)
	}
	if st := s.Machine().Current().State; st != StateCancelled {
		t.Fatalf("state = %s", st)
	}
}

func TestPanicRecovered(t *testing.T) {
	s := New(registry.New(&fakeLoader{}), panicRunner{})
	rec := &recorder{}
	if err := s.HandleInferenceRequest(context.Background(), "r", []float32{0}, "Xenova/whisper-tiny", rec.emit); err == nil {
		t.Fatal("expected error from panic")
	}
	if e, ok := rec.events[len(rec.events)-1].(protocol.Error); !ok || e.Reason != "internal error" {
		t.Fatalf("last = %+v", rec.events[len(rec.events)-1])
	}
	if s.Machine().Busy() {
		t.Fatal("machine still busy after panic")
	}

	// The session keeps serving.
	s.runner = &fakeRunner{run: helloWorld}
	if err := s.HandleInferenceRequest(context.Background(), "r2", []float32{0}, "Xenova/whisper-tiny", func(protocol.Event) {}); err != nil {
		t.Fatalf("follow-up error = %v", err)
	}
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, whisper.Handle, []float32, whisper.RunOptions) (whisper.Stream, error) {
	panic("engine exploded")
}

func TestStartWhileBusy(t *testing.T) {
	s := New(registry.New(&fakeLoader{}), &fakeRunner{run: helloWorld})
	if err := s.Machine().Start("held"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err := s.HandleInferenceRequest(context.Background(), "r", []float32{0}, "Xenova/whisper-tiny", func(protocol.Event) {
		t.Fatal("no events expected while busy")
	})
	if !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("err = %v, want ErrRequestInFlight", err)
	}
}
