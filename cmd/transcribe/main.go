// Command transcribe runs one transcription request against a local audio file
// and prints every event as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/transcriber/internal/audio"
	"github.com/obiente/translate/transcriber/internal/config"
	"github.com/obiente/translate/transcriber/internal/protocol"
	"github.com/obiente/translate/transcriber/internal/registry"
	"github.com/obiente/translate/transcriber/internal/session"
	"github.com/obiente/translate/transcriber/internal/whisper"
	"github.com/obiente/translate/transcriber/internal/worker"
)

func main() {
	var (
		model      string
		inPath     string
		mimeType   string
		sampleRate int
		listModels bool
		partials   bool
	)
	flag.StringVar(&model, "model", "Xenova/whisper-tiny.en", "Model identifier (see -models)")
	flag.StringVar(&inPath, "in", "", "Input audio file (.wav, or raw PCM16LE with -mime audio/pcm)")
	flag.StringVar(&mimeType, "mime", "", "Input MIME type (default: from file extension)")
	flag.IntVar(&sampleRate, "rate", 0, "Sample rate for raw PCM input")
	flag.BoolVar(&listModels, "models", false, "List supported models and exit")
	flag.BoolVar(&partials, "partials", false, "Also print RESULT_PARTIAL events")
	flag.Parse()

	config.LoadDotEnv("")
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl := zerolog.WarnLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			lvl = l
		}
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)

	if listModels {
		for _, m := range whisper.Models() {
			fmt.Println(m.ID)
		}
		return
	}
	if inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: transcribe -in <file> [-model <id>]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(model, inPath, mimeType, sampleRate, partials); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(model, inPath, mimeType string, sampleRate int, partials bool) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if mimeType == "" {
		mimeType = mimeFromExt(inPath)
	}

	cfg := config.Load()
	recognizer := whisper.NewRecognizer(whisper.Options{
		ModelDir:        cfg.ModelDir,
		Mirror:          cfg.ModelMirror,
		DownloadTimeout: time.Duration(cfg.DownloadTimeoutSec) * time.Second,
		Threads:         cfg.Threads,
	})
	models := registry.New(recognizer)
	defer models.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wk := worker.New(session.New(models, recognizer), audio.NewDecoder(), cfg.EventBuffer)
	in := make(chan protocol.Request, 1)
	in <- protocol.Request{
		Type:       protocol.TypeInferenceRequest,
		ModelName:  model,
		AudioData:  data,
		MimeType:   mimeType,
		SampleRate: sampleRate,
	}
	close(in)
	go wk.Run(ctx, in)

	enc := json.NewEncoder(os.Stdout)
	var failure error
	for f := range wk.Events() {
		if _, ok := f.Event.(protocol.PartialResult); ok && !partials {
			continue
		}
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		switch ev := f.Event.(type) {
		case protocol.Error:
			failure = fmt.Errorf("request failed: %s", ev.Reason)
		case protocol.Loading:
			if ev.Status == protocol.LoadingError {
				failure = fmt.Errorf("model load failed: %s", ev.Message)
			}
		}
	}
	if failure == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return failure
}

func mimeFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcm", ".raw":
		return "audio/pcm"
	case ".wav", ".wave":
		return "audio/wav"
	default:
		return ""
	}
}
