package http

import (
	"encoding/json"
	"net/http"

	"github.com/obiente/translate/transcriber/internal/audio"
	"github.com/obiente/translate/transcriber/internal/config"
	"github.com/obiente/translate/transcriber/internal/session"
	"github.com/obiente/translate/transcriber/internal/whisper"
	"github.com/obiente/translate/transcriber/internal/ws"
)

func NewRouter(cfg config.Config, models session.Models, runner session.Runner, opts ...session.Option) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"models": whisper.Models()})
	})
	// Streaming transcription WebSocket
	wss := ws.NewServer(cfg, models, runner, audio.NewDecoder(), opts...)
	mux.HandleFunc("/ws/transcribe", wss.Handle)
	return mux
}
