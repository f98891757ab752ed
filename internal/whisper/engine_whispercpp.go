//go:build whisper_cpp

package whisper

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"
)

// whisper.cpp feature extractor window and encoder positions.
var cppModelConfig = ModelConfig{ChunkLength: 30, MaxSourcePositions: 1500}

type cppRecognizer struct {
	downloader *Downloader
	threads    uint
}

func NewRecognizer(opts Options) Recognizer {
	threads := uint(runtime.NumCPU())
	if opts.Threads > 0 {
		threads = uint(opts.Threads)
		log.Info().Int("threads", opts.Threads).Msg("whisper: using configured thread count")
	} else {
		log.Info().Uint("threads", threads).Msg("whisper: using default thread count (CPU cores)")
	}
	return &cppRecognizer{
		downloader: NewDownloader(opts.ModelDir, opts.Mirror, opts.DownloadTimeout),
		threads:    threads,
	}
}

// cppHandle is one loaded whisper.cpp model. mu serializes inference on it.
type cppHandle struct {
	id      string
	model   whisperpkg.Model
	threads uint
	mu      sync.Mutex
}

func (r *cppRecognizer) Load(ctx context.Context, modelID string, onProgress ProgressFunc) (Handle, error) {
	m, ok := Lookup(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	path, err := r.downloader.Fetch(ctx, m, onProgress)
	if err != nil {
		return nil, fmt.Errorf("fetch weights: %w", err)
	}
	model, err := whisperpkg.New(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	emitProgress(onProgress, Progress{Status: ProgressStatusLoaded, File: m.FileName})
	log.Info().Str("model", modelID).Str("path", path).Msg("whisper: model loaded successfully")
	return &cppHandle{id: modelID, model: model, threads: r.threads}, nil
}

func (h *cppHandle) ModelID() string     { return h.id }
func (h *cppHandle) Config() ModelConfig { return cppModelConfig }

func (h *cppHandle) Decode(tokens []Token, skipSpecial bool) string {
	return DecodeTokens(tokens, skipSpecial)
}

func (h *cppHandle) Reconcile(chunks []RawChunk, opts ReconcileOptions) ([]RawSegment, error) {
	return Reconcile(chunks, opts), nil
}

// Close waits for a running inference before freeing the model.
func (h *cppHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model == nil {
		return nil
	}
	err := h.model.Close()
	h.model = nil
	return err
}

func (r *cppRecognizer) Run(ctx context.Context, h Handle, samples []float32, opts RunOptions) (Stream, error) {
	ch, ok := h.(*cppHandle)
	if !ok {
		return nil, fmt.Errorf("whisper: foreign handle %T", h)
	}
	if opts.ChunkLengthSeconds <= 0 {
		opts.ChunkLengthSeconds = cppModelConfig.ChunkLength
	}
	stream, p := Pipe(16)
	go ch.run(ctx, samples, opts, p)
	return stream, nil
}

// run decodes every window in order. Cancellation is checked between windows.
func (h *cppHandle) run(ctx context.Context, samples []float32, opts RunOptions, p *Producer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("whisper: panic during inference: %v", rec)
		}
		if errors.Is(err, ErrStreamClosed) {
			err = nil
		}
		p.Finish(err)
	}()
	if h.model == nil {
		err = errors.New("whisper: model closed")
		return
	}

	windows := Windows(len(samples), SampleRate, opts.ChunkLengthSeconds, opts.StrideSeconds)
	log.Debug().Str("model", h.id).Int("samples", len(samples)).Int("windows", len(windows)).Msg("whisper: inference started")
	for _, w := range windows {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-p.Done():
			return
		default:
		}

		var chunk RawChunk
		chunk, err = h.processWindow(ctx, samples, w, p)
		if err != nil {
			return
		}
		if err = p.Chunk(ctx, chunk); err != nil {
			return
		}
	}
}

func (h *cppHandle) processWindow(ctx context.Context, samples []float32, w Window, p *Producer) (RawChunk, error) {
	wctx, err := h.model.NewContext()
	if err != nil {
		return RawChunk{}, fmt.Errorf("create context: %w", err)
	}
	wctx.SetThreads(h.threads)
	if h.model.IsMultilingual() {
		_ = wctx.SetLanguage("auto")
	}
	wctx.SetSplitOnWord(true)
	wctx.SetTokenTimestamps(true)
	wctx.SetMaxSegmentLength(0)
	wctx.SetMaxTokensPerSegment(0)

	offset := w.Start(SampleRate)
	chunk := RawChunk{
		Index:       w.Index,
		Start:       offset,
		End:         w.End(SampleRate),
		StrideLeft:  w.StrideLeft,
		StrideRight: w.StrideRight,
	}

	var stepErr error
	step := func() {
		if stepErr != nil {
			return
		}
		tokens := append([]Token(nil), chunk.Tokens...)
		stepErr = p.Step(ctx, []Candidate{{Tokens: tokens}})
	}
	segCB := func(seg whisperpkg.Segment) {
		for _, t := range seg.Tokens {
			chunk.Tokens = append(chunk.Tokens, Token{ID: t.Id, Text: t.Text, Special: !wctx.IsText(t)})
		}
		s := RawSegment{Text: seg.Text, Start: offset + seg.Start.Seconds()}
		if seg.End > seg.Start {
			s.End = Float(offset + seg.End.Seconds())
		}
		chunk.Segments = append(chunk.Segments, s)
		step()
	}
	progressCB := func(int) { step() }

	if err := wctx.Process(samples[w.StartSample:w.EndSample], nil, segCB, progressCB); err != nil {
		return RawChunk{}, fmt.Errorf("process audio: %w", err)
	}
	if stepErr != nil {
		return RawChunk{}, stepErr
	}
	log.Debug().
		Str("model", h.id).
		Int("window", w.Index).
		Int("segments", len(chunk.Segments)).
		Float64("start", chunk.Start).
		Float64("end", chunk.End).
		Msg("whisper: window decoded")
	return chunk, nil
}
