package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/transcriber/internal/config"
	serverhttp "github.com/obiente/translate/transcriber/internal/http"
	"github.com/obiente/translate/transcriber/internal/metrics"
	"github.com/obiente/translate/transcriber/internal/registry"
	"github.com/obiente/translate/transcriber/internal/session"
	"github.com/obiente/translate/transcriber/internal/whisper"
)

var version = "dev"

func main() {
	config.LoadDotEnv("")

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			lvl = l
		}
	}
	log.Logger = log.Level(lvl)

	cfg := config.Load()
	recognizer := whisper.NewRecognizer(whisper.Options{
		ModelDir:        cfg.ModelDir,
		Mirror:          cfg.ModelMirror,
		DownloadTimeout: time.Duration(cfg.DownloadTimeoutSec) * time.Second,
		Threads:         cfg.Threads,
	})
	models := registry.New(recognizer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		mp, err := metrics.InitMeter(ctx, metrics.MeterConfig{
			ServiceName:    "whisper-transcriber",
			ServiceVersion: version,
			Endpoint:       cfg.OTLPEndpoint,
			Insecure:       cfg.OTLPInsecure,
			Interval:       time.Duration(cfg.MetricsIntervalSec) * time.Second,
		})
		if err != nil {
			log.Warn().Err(err).Msg("metrics disabled")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := mp.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("meter shutdown")
				}
			}()
		}
	}

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     serverhttp.NewRouter(cfg, models, recognizer, session.WithMetrics(metrics.Global())),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("model_dir", cfg.ModelDir).Msg("transcriber server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := models.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("registry shutdown")
	}
}
