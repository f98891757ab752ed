// Package registry caches one recognizer handle per model identifier.
//
// The first Get for an identifier constructs the handle through the Loader;
// concurrent first calls share that single construction. Failed constructions
// are not cached, so a later Get retries.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/obiente/translate/transcriber/internal/whisper"
)

// ErrClosed is returned by Get after Shutdown.
var ErrClosed = errors.New("registry closed")

// Loader constructs a handle. whisper.Recognizer satisfies it.
type Loader interface {
	Load(ctx context.Context, modelID string, onProgress whisper.ProgressFunc) (whisper.Handle, error)
}

// ModelLoadError reports a failed handle construction.
type ModelLoadError struct {
	ModelID string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.ModelID, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Store holds constructed handles. Implementations need not be safe for
// concurrent use; the registry serializes access.
type Store interface {
	Get(modelID string) (whisper.Handle, bool)
	Put(modelID string, h whisper.Handle)
	// Drain removes and returns every handle.
	Drain() []whisper.Handle
}

type memoryStore map[string]whisper.Handle

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() Store { return memoryStore{} }

func (s memoryStore) Get(modelID string) (whisper.Handle, bool) {
	h, ok := s[modelID]
	return h, ok
}

func (s memoryStore) Put(modelID string, h whisper.Handle) { s[modelID] = h }

func (s memoryStore) Drain() []whisper.Handle {
	out := make([]whisper.Handle, 0, len(s))
	for id, h := range s {
		out = append(out, h)
		delete(s, id)
	}
	return out
}

type Option func(*Registry)

func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

type Registry struct {
	loader Loader
	group  singleflight.Group

	mu     sync.RWMutex
	store  Store
	closed bool
}

func New(loader Loader, opts ...Option) *Registry {
	r := &Registry{loader: loader, store: NewMemoryStore()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the cached handle for modelID, constructing it on first use.
// onProgress only observes a construction started by this call. A caller
// whose ctx ends stops waiting, but the construction keeps running for the
// other waiters and the cache.
func (r *Registry) Get(ctx context.Context, modelID string, onProgress whisper.ProgressFunc) (whisper.Handle, error) {
	if h, ok, err := r.cached(modelID); err != nil || ok {
		return h, err
	}

	ch := r.group.DoChan(modelID, func() (any, error) {
		if h, ok, err := r.cached(modelID); err != nil || ok {
			return h, err
		}
		log.Info().Str("model", modelID).Msg("registry: constructing handle")
		h, err := r.loader.Load(context.WithoutCancel(ctx), modelID, onProgress)
		if err != nil {
			log.Error().Err(err).Str("model", modelID).Msg("registry: construction failed")
			return nil, &ModelLoadError{ModelID: modelID, Err: err}
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			closeHandle(h)
			return nil, ErrClosed
		}
		r.store.Put(modelID, h)
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(whisper.Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) cached(modelID string) (whisper.Handle, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	h, ok := r.store.Get(modelID)
	return h, ok, nil
}

// Shutdown drops every handle, closing those that hold resources.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	r.closed = true
	handles := r.store.Drain()
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := closeHandle(h); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.ModelID(), err))
		}
	}
	log.Info().Int("handles", len(handles)).Msg("registry: shut down")
	return errors.Join(errs...)
}

func closeHandle(h whisper.Handle) error {
	if c, ok := h.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
