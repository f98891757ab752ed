package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/transcriber/internal/audio"
	"github.com/obiente/translate/transcriber/internal/config"
	"github.com/obiente/translate/transcriber/internal/protocol"
	"github.com/obiente/translate/transcriber/internal/session"
	"github.com/obiente/translate/transcriber/internal/worker"
)

const writeWait = 10 * time.Second

// Server bridges websocket connections to workers. Model handles are shared
// through models; each connection gets its own worker and session.
type Server struct {
	cfg      config.Config
	upgrader websocket.Upgrader
	models   session.Models
	runner   session.Runner
	decoder  audio.Decoder
	opts     []session.Option
	logger   zerolog.Logger
}

// NewServer applies opts to every connection's session.
func NewServer(cfg config.Config, models session.Models, runner session.Runner, decoder audio.Decoder, opts ...session.Option) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
		models:  models,
		runner:  runner,
		decoder: decoder,
		opts:    opts,
		logger:  log.With().Str("component", "ws").Logger(),
	}
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	readTimeout := time.Duration(s.cfg.ReadTimeoutSec) * time.Second
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(readTimeout)); return nil })

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wk := worker.New(session.New(s.models, s.runner, s.opts...), s.decoder, s.cfg.EventBuffer)
	in := make(chan protocol.Request)
	go wk.Run(ctx, in)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, wk.Events(), readTimeout/2, cancel)
	}()

	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("ws connected")

	// Read until the peer goes away. Malformed frames are logged and dropped.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Msg("ws closed by peer")
			} else {
				logger.Warn().Err(err).Msg("ws read error")
			}
			break
		}
		// Bump read deadline on any activity
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			logger.Warn().Int("message_type", mt).Int("bytes", len(data)).Msg("ws: ignoring non-text message")
			continue
		}
		req, err := protocol.ParseRequest(data)
		if err != nil {
			logger.Warn().Err(err).Int("bytes", len(data)).Msg("ws: ignoring inbound message")
			continue
		}
		select {
		case in <- req:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	// The peer is gone: stop the in-flight request and let the worker drain.
	cancel()
	close(in)
	<-writerDone
}

// writeLoop sends frames in order and keeps the connection alive with pings.
// After a write failure it cancels the connection and discards the rest.
func (s *Server) writeLoop(conn *websocket.Conn, frames <-chan protocol.Frame, pingEvery time.Duration, cancel context.CancelFunc) {
	if pingEvery <= 0 {
		pingEvery = 30 * time.Second
	}
	keepAlive := time.NewTicker(pingEvery)
	defer keepAlive.Stop()

	failed := false
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				if !failed {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				}
				return
			}
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				s.logger.Warn().Err(err).Str("request_id", f.RequestID).Msg("ws write failed")
				failed = true
				cancel()
				// unblocks the reader
				_ = conn.Close()
				continue
			}
			s.logger.Debug().Str("request_id", f.RequestID).Str("type", string(f.Event.Type())).Msg("ws: sent frame")
		case <-keepAlive.C:
			if failed {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug().Err(err).Msg("ws ping failed")
			}
		}
	}
}
