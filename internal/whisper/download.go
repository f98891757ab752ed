package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Downloader fetches ggml weights into a local directory and reuses files
// that are already present.
type Downloader struct {
	Dir    string
	Mirror string
	Client *http.Client
}

func NewDownloader(dir, mirror string, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Downloader{
		Dir:    dir,
		Mirror: mirror,
		Client: &http.Client{Timeout: timeout},
	}
}

// Fetch returns the local path of m's weights, downloading them first when needed.
func (d *Downloader) Fetch(ctx context.Context, m Model, onProgress ProgressFunc) (string, error) {
	m = m.withMirror(d.Mirror)
	path := filepath.Join(d.Dir, m.FileName)
	if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Size() > 0 {
		emitProgress(onProgress, Progress{
			Status:   ProgressStatusDone,
			File:     m.FileName,
			Progress: 100,
			Loaded:   info.Size(),
			Total:    info.Size(),
		})
		return path, nil
	}

	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare model directory: %w", err)
	}
	tmpPath := path + ".download"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove stale temp file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "transcriber")

	log.Info().Str("model", m.ID).Str("url", m.URL).Msg("whisper: downloading model weights")
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	pw := &progressWriter{file: m.FileName, total: resp.ContentLength, cb: onProgress, lastPct: -1}
	if _, err := io.Copy(io.MultiWriter(f, pw), resp.Body); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write model file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("finalize model file: %w", err)
	}

	emitProgress(onProgress, Progress{
		Status:   ProgressStatusDone,
		File:     m.FileName,
		Progress: 100,
		Loaded:   pw.loaded,
		Total:    pw.loaded,
	})
	log.Info().Str("model", m.ID).Int64("bytes", pw.loaded).Str("path", path).Msg("whisper: model weights downloaded")
	return path, nil
}

// progressWriter reports download progress at most once per whole percent.
// With an unknown total it reports on every write.
type progressWriter struct {
	file    string
	total   int64
	loaded  int64
	lastPct int
	cb      ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.loaded += int64(len(p))
	if w.cb == nil {
		return len(p), nil
	}
	var pct float64
	if w.total > 0 {
		pct = float64(w.loaded) * 100 / float64(w.total)
		if int(pct) == w.lastPct {
			return len(p), nil
		}
		w.lastPct = int(pct)
	}
	w.cb(Progress{
		Status:   ProgressStatusProgress,
		File:     w.file,
		Progress: pct,
		Loaded:   w.loaded,
		Total:    w.total,
	})
	return len(p), nil
}
