// Package session drives a conversation: it owns the transcript, routes every
// server envelope to the right pipeline and keeps the session phase the
// server reports.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/messages"
	"github.com/room4-2/voicedesk/signaling"
	"github.com/room4-2/voicedesk/store"
	"github.com/room4-2/voicedesk/transport"
)

const (
	eventQueueSize = 256
	archiveTimeout = 5 * time.Second
)

var (
	// ErrClosed is returned by operations on a closed orchestrator
	ErrClosed = errors.New("session closed")
	// ErrTextOnly is returned by ToggleListening in text-only mode
	ErrTextOnly = errors.New("microphone unavailable in text-only mode")
)

// Channel is the duplex envelope transport to the agent server
type Channel interface {
	Connect()
	Close()
	Send(env messages.Envelope)
	OnMessage(h transport.Handler) (unsubscribe func())
	OnStateChange(h transport.StateHandler) (unsubscribe func())
	State() transport.State
}

// ChannelFactory opens a channel for the given mode
type ChannelFactory func(textOnly bool) (Channel, error)

// Capturer produces wire audio frames from the microphone
type Capturer interface {
	Start(ctx context.Context, onChunk func(encoded string)) error
	Stop()
	Capturing() bool
	Level() float64
}

// Player plays wire audio from the agent
type Player interface {
	Enqueue(encoded string) error
	Stop()
	Close() error
	Playing() bool
}

// Avatar negotiates the avatar media session
type Avatar interface {
	CreateOffer(ctx context.Context, servers []messages.ICEServer) (string, error)
	SetAnswer(sdp string) error
	Disconnect()
}

// Archiver persists finished conversations
type Archiver interface {
	Save(ctx context.Context, rec *store.Record) error
}

// Options configures an Orchestrator. Capture, Player, Avatar and Archive
// may be nil; the matching features are then disabled.
type Options struct {
	Channels ChannelFactory
	Capture  Capturer
	Player   Player
	Avatar   Avatar
	Archive  Archiver
	TextOnly bool
}

// Phase is the UI phase of the session: the last phase the server reported,
// or summarizing while a summary is awaited.
type Phase string

const (
	PhaseIdle        Phase = Phase(messages.PhaseIdle)
	PhaseListening   Phase = Phase(messages.PhaseListening)
	PhaseThinking    Phase = Phase(messages.PhaseThinking)
	PhaseSpeaking    Phase = Phase(messages.PhaseSpeaking)
	PhaseSummarizing Phase = "summarizing"
)

// Snapshot is a consistent view of the session for rendering
type Snapshot struct {
	SessionID         string
	Messages          []Message
	Phase             Phase
	Connection        transport.State
	TextOnly          bool
	Capturing         bool
	Playing           bool
	Level             float64
	PartialTranscript string
	Avatar            messages.AvatarPhase
	AvatarActivated   bool
	Summary           string
	SummaryDone       bool
}

// Connected reports whether the channel is open
func (s Snapshot) Connected() bool {
	return s.Connection == transport.StateOpen
}

type channelRef struct {
	ch  Channel
	gen uint64
}

// Orchestrator runs every state change on a single event loop goroutine.
// Public methods post work to that loop; inbound envelopes are routed on it
// in arrival order.
type Orchestrator struct {
	opts   Options
	logger zerolog.Logger

	events     chan func()
	done       chan struct{}
	loopDone   chan struct{}
	notify     chan struct{}
	notifyDone chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// current is read by the capture goroutine without entering the loop
	current atomic.Pointer[channelRef]

	// loop-owned state
	gen            uint64
	unsubscribe    []func()
	transcript     *Transcript
	phase          Phase
	serverPhase    messages.SessionPhase
	connection     transport.State
	textOnly       bool
	restorePending bool
	partial        string
	avatarPhase    messages.AvatarPhase
	avatarActive   bool
	summary        strings.Builder
	summaryDone    bool
	sessionID      string
	startedAt      time.Time

	mu        sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// New creates an orchestrator and its event loop. Call Start to connect.
func New(opts Options, logger zerolog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:        opts,
		logger:      logger.With().Str("component", "session").Logger(),
		events:      make(chan func(), eventQueueSize),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		notify:      make(chan struct{}, 1),
		notifyDone:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		transcript:  NewTranscript(),
		phase:       PhaseIdle,
		serverPhase: messages.PhaseIdle,
		connection:  transport.StateDisconnected,
		textOnly:    opts.TextOnly,
		avatarPhase: messages.AvatarDisconnected,
	}
	o.snap = o.buildSnapshot()
	go o.run()
	go o.notifyLoop()
	return o
}

// Start opens the first channel and begins processing events
func (o *Orchestrator) Start() error {
	var err error
	o.startOnce.Do(func() {
		if !o.do(func() { err = o.openChannel() }) {
			err = ErrClosed
		}
	})
	return err
}

// Close tears everything down: capture, playback, avatar and channel
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.do(func() {
			o.releaseMedia(true)
			o.closeChannel()
		})
		o.cancel()
		close(o.done)
		<-o.loopDone
		<-o.notifyDone
		o.wg.Wait()
		o.logger.Info().Msg("session closed")
	})
}

// OnUpdate registers fn to receive the latest snapshot after changes.
// Listeners run on their own goroutine in registration order; bursts of
// changes are coalesced so a listener sees the newest state, not every
// intermediate one. A listener may call any method except Close.
func (o *Orchestrator) OnUpdate(fn func(Snapshot)) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

// Snapshot returns the current view of the session
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	s := o.snap
	o.mu.RUnlock()

	s.Messages = append([]Message(nil), s.Messages...)
	if o.opts.Capture != nil {
		s.Capturing = o.opts.Capture.Capturing()
		s.Level = o.opts.Capture.Level()
	}
	if o.opts.Player != nil {
		s.Playing = o.opts.Player.Playing()
	}
	return s
}

// StartSession asks the server to begin a conversation
func (o *Orchestrator) StartSession() error {
	return o.call(func() error {
		o.sessionID = uuid.NewString()
		o.startedAt = time.Now()
		o.summary.Reset()
		o.summaryDone = false
		o.send(messages.NewControlMessage(messages.ActionStartSession))
		o.logger.Info().Str("session_id", o.sessionID).Msg("session started")
		return nil
	})
}

// EndSession stops every pipeline, asks the server for a summary and holds
// the phase at summarizing until the final summary chunk arrives.
func (o *Orchestrator) EndSession() error {
	return o.call(func() error {
		id := o.sessionID
		o.releaseMedia(false)
		o.transcript.Finalize()
		o.partial = ""
		o.summary.Reset()
		o.summaryDone = false
		o.send(messages.NewControlMessage(messages.ActionEndSession))

		if o.connection == transport.StateOpen {
			o.phase = PhaseSummarizing
		} else {
			// Nothing will answer; archive what we have
			o.phase = PhaseIdle
			o.summaryDone = true
			o.archive()
		}
		o.logger.Info().Str("session_id", id).Str("phase", string(o.phase)).Msg("session ending")
		return nil
	})
}

// ToggleListening starts the microphone, or stops it when running. Starting
// interrupts the agent's speech. A failed start leaves nothing acquired.
func (o *Orchestrator) ToggleListening(ctx context.Context) error {
	return o.call(func() error {
		c := o.opts.Capture
		if c == nil {
			return errors.New("no microphone configured")
		}
		if c.Capturing() {
			o.stopListening()
			return nil
		}
		if o.textOnly {
			return ErrTextOnly
		}
		if o.serverPhase == messages.PhaseSpeaking && o.opts.Player != nil {
			o.opts.Player.Stop()
		}
		if err := c.Start(ctx, o.sendAudio); err != nil {
			c.Stop()
			o.logger.Error().Err(err).Msg("failed to start capture")
			return err
		}
		o.send(messages.NewControlMessage(messages.ActionStartListening))
		return nil
	})
}

// StopListening stops the microphone if running and tells the server the
// utterance is over. It also closes an utterance whose input ended by itself.
func (o *Orchestrator) StopListening() error {
	return o.call(func() error {
		o.stopListening()
		return nil
	})
}

func (o *Orchestrator) stopListening() {
	if o.opts.Capture != nil {
		o.opts.Capture.Stop()
	}
	o.send(messages.NewControlMessage(messages.ActionStopListening))
}

// SendText appends a user message and sends it. Blank text is ignored.
func (o *Orchestrator) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return o.call(func() error {
		o.transcript.AddUser(text)
		o.send(messages.NewTextMessage(text))
		return nil
	})
}

// StopAudio silences playback and tells the server to stop speaking
func (o *Orchestrator) StopAudio() error {
	return o.call(func() error {
		if o.opts.Player != nil {
			o.opts.Player.Stop()
		}
		o.send(messages.NewControlMessage(messages.ActionTTSStop))
		return nil
	})
}

// SetTextOnly switches modes. Every device and the channel are released and
// recreated; the transcript is replayed to the server once the new channel
// opens.
func (o *Orchestrator) SetTextOnly(textOnly bool) error {
	return o.call(func() error {
		if o.textOnly == textOnly {
			return nil
		}
		o.releaseMedia(true)
		o.closeChannel()
		o.textOnly = textOnly
		o.restorePending = o.transcript.Len() > 0
		o.logger.Info().Bool("text_only", textOnly).Msg("switching mode")
		return o.openChannel()
	})
}

func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for {
		select {
		case <-o.done:
			return
		case fn := <-o.events:
			fn()
			o.publish()
		}
	}
}

// post queues fn on the loop without waiting
func (o *Orchestrator) post(fn func()) {
	select {
	case o.events <- fn:
	case <-o.done:
	}
}

// do runs fn on the loop and waits. It reports false if the orchestrator
// closed first.
func (o *Orchestrator) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case o.events <- func() { defer close(finished); fn() }:
	case <-o.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) call(fn func() error) error {
	var err error
	if !o.do(func() { err = fn() }) {
		return ErrClosed
	}
	return err
}

func (o *Orchestrator) openChannel() error {
	ch, err := o.opts.Channels(o.textOnly)
	if err != nil {
		return err
	}
	o.gen++
	gen := o.gen
	o.current.Store(&channelRef{ch: ch, gen: gen})

	o.unsubscribe = []func(){
		ch.OnMessage(func(env messages.Envelope) {
			o.post(func() {
				if o.gen == gen {
					o.route(env)
				}
			})
		}),
		ch.OnStateChange(func(s transport.State) {
			o.post(func() {
				if o.gen == gen {
					o.connectionChanged(s)
				}
			})
		}),
	}
	o.connection = ch.State()
	ch.Connect()
	return nil
}

func (o *Orchestrator) closeChannel() {
	ref := o.current.Swap(nil)
	for _, unsub := range o.unsubscribe {
		unsub()
	}
	o.unsubscribe = nil
	o.gen++
	if ref != nil {
		ref.ch.Close()
	}
	o.connection = transport.StateDisconnected
}

// releaseMedia stops capture, playback and the avatar. With closeDevices
// the playback device is released too.
func (o *Orchestrator) releaseMedia(closeDevices bool) {
	if o.opts.Capture != nil {
		o.opts.Capture.Stop()
	}
	if o.opts.Player != nil {
		o.opts.Player.Stop()
		if closeDevices {
			if err := o.opts.Player.Close(); err != nil {
				o.logger.Warn().Err(err).Msg("closing playback")
			}
		}
	}
	if o.opts.Avatar != nil {
		o.opts.Avatar.Disconnect()
	}
	o.avatarPhase = messages.AvatarDisconnected
	o.avatarActive = false
}

func (o *Orchestrator) connectionChanged(s transport.State) {
	o.connection = s
	if s == transport.StateOpen && o.restorePending {
		o.restorePending = false
		history := o.transcript.History()
		o.send(messages.NewRestoreHistoryMessage(history))
		o.logger.Info().Int("messages", len(history)).Msg("history restored")
	}
}

func (o *Orchestrator) send(env messages.Envelope) {
	if ref := o.current.Load(); ref != nil {
		ref.ch.Send(env)
	}
}

// sendAudio runs on the capture goroutine
func (o *Orchestrator) sendAudio(encoded string) {
	if ref := o.current.Load(); ref != nil {
		ref.ch.Send(messages.NewAudioMessage(encoded))
	}
}

func (o *Orchestrator) route(env messages.Envelope) {
	switch m := env.(type) {
	case *messages.TranscriptMessage:
		if !m.IsFinal {
			o.partial = m.Text
			return
		}
		o.partial = ""
		if strings.TrimSpace(m.Text) != "" {
			o.transcript.AddUser(m.Text)
		}

	case *messages.AgentTextMessage:
		o.transcript.ApplyDelta(m.Text, m.IsFinal)

	case *messages.TTSAudioMessage:
		if o.opts.Player == nil {
			return
		}
		if err := o.opts.Player.Enqueue(m.Data); err != nil {
			o.logger.Warn().Err(err).Msg("dropping agent audio")
		}

	case *messages.TTSStopMessage:
		if o.opts.Player != nil {
			o.opts.Player.Stop()
		}

	case *messages.StateMessage:
		o.serverPhase = m.State
		if o.phase != PhaseSummarizing {
			o.phase = Phase(m.State)
		}
		if m.State == messages.PhaseThinking && o.avatarEnabled() {
			o.send(messages.NewAvatarICERequestMessage())
		}

	case *messages.ErrorMessage:
		o.transcript.Finalize()
		o.transcript.AddAssistant("⚠ Error: " + m.Message)
		o.logger.Warn().Str("message", m.Message).Msg("server reported error")

	case *messages.AvatarICEMessage:
		if o.avatarEnabled() {
			o.negotiateAvatar(m.ICEServers)
		}

	case *messages.AvatarAnswerMessage:
		if o.avatarEnabled() {
			if err := o.opts.Avatar.SetAnswer(m.SDP); err != nil {
				o.logger.Warn().Err(err).Msg("avatar answer rejected")
			}
		}

	case *messages.AvatarStateMessage:
		o.avatarPhase = m.State
		switch m.State {
		case messages.AvatarSpeaking, messages.AvatarIdle:
			o.avatarActive = true
		case messages.AvatarDisconnected:
			if o.opts.Avatar != nil {
				o.opts.Avatar.Disconnect()
			}
		}

	case *messages.SessionSummaryChunkMessage:
		o.summary.WriteString(m.Text)
		if m.IsFinal {
			o.summaryDone = true
			if o.phase == PhaseSummarizing {
				o.phase = Phase(o.serverPhase)
			}
			o.archive()
		}

	default:
		o.logger.Debug().Str("type", env.MessageType()).Msg("unhandled envelope")
	}
}

func (o *Orchestrator) avatarEnabled() bool {
	return o.opts.Avatar != nil && !o.textOnly
}

// negotiateAvatar creates the offer off the loop and sends it from the loop
// if the channel is still the same.
func (o *Orchestrator) negotiateAvatar(servers []messages.ICEServer) {
	gen := o.gen
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		sdp, err := o.opts.Avatar.CreateOffer(o.ctx, servers)
		if err != nil {
			if !errors.Is(err, signaling.ErrSuperseded) && !errors.Is(err, context.Canceled) {
				o.logger.Warn().Err(err).Msg("avatar offer failed")
			}
			return
		}
		o.post(func() {
			if o.gen == gen {
				o.send(messages.NewAvatarOfferMessage(sdp))
			}
		})
	}()
}

func (o *Orchestrator) archive() {
	if o.opts.Archive == nil || o.sessionID == "" {
		return
	}
	rec := &store.Record{
		ID:        o.sessionID,
		StartedAt: o.startedAt,
		EndedAt:   time.Now(),
		TextOnly:  o.textOnly,
		Summary:   o.summary.String(),
	}
	for _, m := range o.transcript.Messages() {
		rec.Messages = append(rec.Messages, store.Entry{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	o.sessionID = ""

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := o.opts.Archive.Save(ctx, rec); err != nil {
			o.logger.Error().Err(err).Str("session_id", rec.ID).Msg("failed to archive session")
		}
	}()
}

func (o *Orchestrator) buildSnapshot() Snapshot {
	return Snapshot{
		SessionID:         o.sessionID,
		Messages:          o.transcript.Messages(),
		Phase:             o.phase,
		Connection:        o.connection,
		TextOnly:          o.textOnly,
		PartialTranscript: o.partial,
		Avatar:            o.avatarPhase,
		AvatarActivated:   o.avatarActive,
		Summary:           o.summary.String(),
		SummaryDone:       o.summaryDone,
	}
}

func (o *Orchestrator) publish() {
	s := o.buildSnapshot()
	o.mu.Lock()
	o.snap = s
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// notifyLoop delivers snapshots to listeners off the event loop
func (o *Orchestrator) notifyLoop() {
	defer close(o.notifyDone)
	for {
		select {
		case <-o.done:
			return
		case <-o.notify:
		}
		s := o.Snapshot()
		o.mu.RLock()
		listeners := append(([]func(Snapshot))(nil), o.listeners...)
		o.mu.RUnlock()
		for _, fn := range listeners {
			fn(s)
		}
	}
}
