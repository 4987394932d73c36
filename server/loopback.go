// Package server hosts a loopback agent that speaks the client wire protocol
// without any model behind it. It echoes text, synthesizes a tone for speech
// and answers avatar and summary requests, which is enough to drive a client
// end to end during development.
package server

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/messages"
)

const defaultWordDelay = 40 * time.Millisecond

// Options configures a Loopback
type Options struct {
	AllowedOrigins []string
	// WordDelay paces streamed agent_text deltas
	WordDelay time.Duration
	// ToneDuration is the length of the synthesized reply audio
	ToneDuration time.Duration
	// ICEServers are returned for avatar_ice_request
	ICEServers []messages.ICEServer
}

// Loopback is an http.Handler serving /ws and /health
type Loopback struct {
	opts     Options
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	logger   zerolog.Logger
	active   atomic.Int64
}

// NewLoopback creates the loopback agent handler
func NewLoopback(opts Options, logger zerolog.Logger) *Loopback {
	if opts.WordDelay <= 0 {
		opts.WordDelay = defaultWordDelay
	}
	if opts.ToneDuration <= 0 {
		opts.ToneDuration = 600 * time.Millisecond
	}
	if opts.ICEServers == nil {
		opts.ICEServers = []messages.ICEServer{{URLs: messages.URLList{"stun:stun.l.google.com:19302"}}}
	}

	l := &Loopback{
		opts:   opts,
		logger: logger.With().Str("component", "loopback").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // audio frames
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range opts.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	l.mux = http.NewServeMux()
	l.mux.HandleFunc("/ws", l.handleWebSocket)
	l.mux.HandleFunc("/health", l.handleHealth)
	return l
}

// ServeHTTP implements http.Handler
func (l *Loopback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mux.ServeHTTP(w, r)
}

// ActiveSessions returns the number of connected clients
func (l *Loopback) ActiveSessions() int {
	return int(l.active.Load())
}

func (l *Loopback) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws, l.opts, l.logger)
	l.active.Add(1)
	c.logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	c.start()
	<-c.closeChan

	l.active.Add(-1)
	c.logger.Info().Int("audio_frames", c.totalFrames()).Msg("client disconnected")
}

func (l *Loopback) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, l.ActiveSessions())
}
