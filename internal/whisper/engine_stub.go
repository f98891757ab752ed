//go:build !whisper_cpp

package whisper

import (
	"context"
	"fmt"
)

// Default stub (no cgo) so the project builds without whisper_cpp tag.
type stubRecognizer struct{}

func NewRecognizer(opts Options) Recognizer { return stubRecognizer{} }

func (stubRecognizer) Load(ctx context.Context, modelID string, onProgress ProgressFunc) (Handle, error) {
	if !IsSupported(modelID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return nil, ErrEngineUnavailable
}

func (stubRecognizer) Run(ctx context.Context, h Handle, samples []float32, opts RunOptions) (Stream, error) {
	return nil, ErrEngineUnavailable
}
