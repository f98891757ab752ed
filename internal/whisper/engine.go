package whisper

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownModel      = errors.New("unknown model")
	ErrEngineUnavailable = errors.New("whisper.cpp engine not compiled in (build with -tags whisper_cpp)")
)

// Recognizer is the speech-recognition capability: it loads model handles and
// runs chunked inference over them.
type Recognizer interface {
	// Load instantiates the handle for modelID, reporting weight retrieval
	// through onProgress (which may be nil).
	Load(ctx context.Context, modelID string, onProgress ProgressFunc) (Handle, error)
	// Run starts inference and returns the lazy event stream for it.
	// Calls for one handle are serialized by the implementation.
	Run(ctx context.Context, h Handle, samples []float32, opts RunOptions) (Stream, error)
}

// Handle is a loaded, reusable model.
type Handle interface {
	ModelID() string
	Config() ModelConfig
	// Decode joins token text, dropping special tokens when skipSpecial is set.
	Decode(tokens []Token, skipSpecial bool) string
	// Reconcile merges the full chunk history into one ordered segment list.
	Reconcile(chunks []RawChunk, opts ReconcileOptions) ([]RawSegment, error)
}

// ModelConfig carries the model constants that timestamp math depends on.
type ModelConfig struct {
	ChunkLength        float64 // seconds of audio per encoder window
	MaxSourcePositions int     // encoder positions per window
}

// TimePrecision is the duration of one encoder position in seconds.
func (c ModelConfig) TimePrecision() float64 {
	if c.MaxSourcePositions <= 0 {
		return 0
	}
	return c.ChunkLength / float64(c.MaxSourcePositions)
}

// RunOptions mirrors the inference knobs the session controls.
type RunOptions struct {
	TopK               int
	Sample             bool
	ChunkLengthSeconds float64
	StrideSeconds      float64
	ReturnTimestamps   bool
	ForceFullSequences bool
}

type ReconcileOptions struct {
	TimePrecision      float64
	ReturnTimestamps   bool
	ForceFullSequences bool
}

type Token struct {
	ID      int
	Text    string
	Special bool
}

// Candidate is one ranked decoding hypothesis reported on an inference step.
type Candidate struct {
	Tokens []Token
}

// RawSegment is one text span with engine timestamps in seconds.
// End is nil when the engine could not bound the span.
type RawSegment struct {
	Text  string
	Start float64
	End   *float64
}

// RawChunk is the decode output for one audio window. Timestamps are absolute.
type RawChunk struct {
	Index       int
	Start       float64
	End         float64
	StrideLeft  float64
	StrideRight float64
	Tokens      []Token
	Segments    []RawSegment
}

type ProgressStatus string

const (
	ProgressStatusProgress ProgressStatus = "progress"
	ProgressStatusDone     ProgressStatus = "done"
	ProgressStatusLoaded   ProgressStatus = "loaded"
)

// Progress reports model retrieval state.
type Progress struct {
	Status   ProgressStatus
	File     string
	Progress float64 // percent, 0..100
	Loaded   int64
	Total    int64
}

type ProgressFunc func(Progress)

func emitProgress(cb ProgressFunc, p Progress) {
	if cb != nil {
		cb(p)
	}
}

// Float returns a pointer to v, for building RawSegment.End.
func Float(v float64) *float64 { return &v }

// SampleRate is the input rate every model expects.
const SampleRate = 16000

// Options configures the production recognizer.
type Options struct {
	ModelDir        string
	Mirror          string
	DownloadTimeout time.Duration
	Threads         int
}

// DecodeTokens joins token text, optionally dropping special tokens.
func DecodeTokens(tokens []Token, skipSpecial bool) string {
	var b strings.Builder
	for _, t := range tokens {
		if skipSpecial && t.Special {
			continue
		}
		b.WriteString(t.Text)
	}
	return b.String()
}
