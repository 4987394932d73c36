package server

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/audio"
	"github.com/room4-2/voicedesk/messages"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxMessageSize  = 512 * 1024
	toneFrequency   = 440.0
	toneChunk       = audio.WireSampleRate / 10
	partialEvery    = 5
)

// conn is one client connection. Writes go through a single pump; turns run
// on their own goroutine and are cancelled by tts_stop, a new turn or
// end_session.
type conn struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	logger zerolog.Logger

	writeChan chan []byte
	closeChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	closed     bool
	frames     int
	samples    int
	total      int
	history    []messages.HistoryEntry
	turnCancel context.CancelFunc
	turns      sync.WaitGroup
}

func newConn(ws *websocket.Conn, opts Options, logger zerolog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	ws.SetReadLimit(maxMessageSize)
	id := uuid.NewString()
	return &conn{
		id:        id,
		ws:        ws,
		opts:      opts,
		logger:    logger.With().Str("conn_id", id[:8]).Logger(),
		writeChan: make(chan []byte, writeBufferSize),
		closeChan: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *conn) start() {
	go c.writePump()
	go c.readLoop()
}

// writePump handles all outgoing messages in a single goroutine
func (c *conn) writePump() {
	defer func() {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	for {
		select {
		case <-c.closeChan:
			return
		case data := <-c.writeChan:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		}
	}
}

// queue adds an envelope to the write queue without blocking
func (c *conn) queue(env messages.Envelope) {
	data, err := messages.Encode(env)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode envelope")
		return
	}
	select {
	case <-c.closeChan:
	case c.writeChan <- data:
	default:
		c.logger.Warn().Str("type", env.MessageType()).Msg("write queue full, dropping envelope")
	}
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.closeChan)
	c.turns.Wait()
	_ = c.ws.Close()
}

func (c *conn) totalFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *conn) readLoop() {
	defer c.close()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.queue(messages.NewErrorMessage("binary frames are not supported"))
			continue
		}

		env, err := messages.ParseClientMessage(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("invalid client envelope")
			c.queue(messages.NewErrorMessage(err.Error()))
			continue
		}
		c.handle(env)
	}
}

func (c *conn) handle(env messages.Envelope) {
	switch m := env.(type) {
	case *messages.AudioMessage:
		c.handleAudio(m.Data)

	case *messages.TextMessage:
		text := strings.TrimSpace(m.Content)
		if text == "" {
			return
		}
		c.remember("user", text)
		c.beginTurn(func(ctx context.Context) { c.reply(ctx, text) })

	case *messages.ControlMessage:
		c.handleControl(m.Action)

	case *messages.AvatarICERequestMessage:
		c.queue(messages.NewAvatarICEMessage(c.opts.ICEServers))

	case *messages.AvatarOfferMessage:
		// No media server behind the loopback; acknowledge and release
		c.queue(messages.NewAvatarStateMessage(messages.AvatarConnecting))
		c.queue(messages.NewAvatarStateMessage(messages.AvatarDisconnected))

	case *messages.RestoreHistoryMessage:
		c.mu.Lock()
		c.history = append([]messages.HistoryEntry(nil), m.Messages...)
		c.mu.Unlock()
		c.logger.Info().Int("messages", len(m.Messages)).Msg("history restored")
	}
}

func (c *conn) handleControl(action string) {
	switch action {
	case messages.ActionStartSession:
		c.mu.Lock()
		c.history = nil
		c.mu.Unlock()
		c.queue(messages.NewStateMessage(messages.PhaseListening))

	case messages.ActionStartListening:
		c.stopTurn()
		c.mu.Lock()
		c.frames, c.samples = 0, 0
		c.mu.Unlock()
		c.queue(messages.NewStateMessage(messages.PhaseListening))

	case messages.ActionStopListening:
		c.mu.Lock()
		samples := c.samples
		c.frames, c.samples = 0, 0
		c.mu.Unlock()
		if samples == 0 {
			c.queue(messages.NewStateMessage(messages.PhaseIdle))
			return
		}
		heard := heardText(samples)
		c.queue(messages.NewTranscriptMessage(heard, true))
		c.remember("user", heard)
		c.beginTurn(func(ctx context.Context) { c.reply(ctx, heard) })

	case messages.ActionTTSStop:
		c.stopTurn()
		c.queue(messages.NewTTSStopMessage())
		c.queue(messages.NewStateMessage(messages.PhaseIdle))

	case messages.ActionEndSession:
		c.beginTurn(c.summarize)
	}
}

func (c *conn) handleAudio(encoded string) {
	samples, err := audio.DecodeFrame(encoded)
	if err != nil {
		c.queue(messages.NewErrorMessage(err.Error()))
		return
	}
	c.mu.Lock()
	c.frames++
	c.total++
	c.samples += len(samples)
	frames, total := c.frames, c.samples
	c.mu.Unlock()

	if frames%partialEvery == 0 {
		c.queue(messages.NewTranscriptMessage(heardText(total), false))
	}
}

func heardText(samples int) string {
	ms := samples * 1000 / audio.WireSampleRate
	return fmt.Sprintf("[%d ms of audio]", ms)
}

func (c *conn) remember(role, content string) {
	c.mu.Lock()
	c.history = append(c.history, messages.HistoryEntry{Role: role, Content: content})
	c.mu.Unlock()
}

// beginTurn cancels any running turn and starts fn on a new goroutine
func (c *conn) beginTurn(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.turnCancel != nil {
		c.turnCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.turns.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.turns.Done()
		defer cancel()
		fn(ctx)
	}()
}

func (c *conn) stopTurn() {
	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	c.mu.Unlock()
}

// pause waits d or until ctx ends
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *conn) reply(ctx context.Context, heard string) {
	answer := "You said: " + heard
	c.queue(messages.NewStateMessage(messages.PhaseThinking))

	words := strings.Fields(answer)
	for i, w := range words {
		if !pause(ctx, c.opts.WordDelay) {
			return
		}
		if i > 0 {
			w = " " + w
		}
		c.queue(messages.NewAgentTextMessage(w, false))
	}
	c.queue(messages.NewAgentTextMessage(answer, true))
	c.remember("assistant", answer)

	c.queue(messages.NewStateMessage(messages.PhaseSpeaking))
	for _, chunk := range tone(c.opts.ToneDuration) {
		if ctx.Err() != nil {
			return
		}
		c.queue(messages.NewTTSAudioMessage(chunk))
	}
	// Let the client play the tone before reporting idle
	if !pause(ctx, c.opts.ToneDuration) {
		return
	}
	c.queue(messages.NewStateMessage(messages.PhaseIdle))
}

func (c *conn) summarize(ctx context.Context) {
	c.mu.Lock()
	var users, assistants int
	for _, h := range c.history {
		if h.Role == "user" {
			users++
		} else {
			assistants++
		}
	}
	c.mu.Unlock()

	chunks := []string{
		"## Session summary\n",
		fmt.Sprintf("- %d user messages\n", users),
		fmt.Sprintf("- %d assistant replies", assistants),
	}
	for i, chunk := range chunks {
		if !pause(ctx, c.opts.WordDelay) {
			return
		}
		c.queue(messages.NewSessionSummaryChunkMessage(chunk, i == len(chunks)-1))
	}
	c.queue(messages.NewStateMessage(messages.PhaseIdle))
}

// tone synthesizes a sine wave at the wire rate split into 100ms frames
func tone(d time.Duration) []string {
	n := int(d.Seconds() * audio.WireSampleRate)
	var frames []string
	for start := 0; start < n; start += toneChunk {
		end := min(start+toneChunk, n)
		pcm := make([]int16, end-start)
		for i := range pcm {
			t := float64(start+i) / audio.WireSampleRate
			pcm[i] = audio.FloatToPCM16(float32(0.3 * math.Sin(2*math.Pi*toneFrequency*t)))
		}
		frames = append(frames, audio.EncodeFrame(pcm))
	}
	return frames
}
