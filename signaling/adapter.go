// Package signaling negotiates the avatar's media session: a relay-only
// WebRTC peer connection that receives the avatar's video and audio.
package signaling

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/messages"
	"github.com/room4-2/voicedesk/metrics"
)

// DefaultGatherTimeout bounds how long CreateOffer waits for ICE gathering
const DefaultGatherTimeout = 10 * time.Second

var (
	// ErrSuperseded is returned by a CreateOffer whose negotiation was
	// replaced by a newer CreateOffer or a Disconnect.
	ErrSuperseded = errors.New("negotiation superseded")
	// ErrNoPeerConnection is returned by SetAnswer when no offer is outstanding
	ErrNoPeerConnection = errors.New("no peer connection")
)

// State of the avatar negotiation
type State int

const (
	StateIdle State = iota
	StateOfferPending
	StateNegotiating
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferPending:
		return "offer-pending"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures an Adapter
type Options struct {
	GatherTimeout time.Duration
	// Video and Audio receive remote tracks of their kind. Either may be nil.
	Video TrackSink
	Audio TrackSink
}

// Adapter owns at most one peer connection at a time. A new CreateOffer
// discards whatever negotiation was in flight.
type Adapter struct {
	opts   Options
	logger zerolog.Logger

	// gatherComplete is swapped in tests to control ICE gathering
	gatherComplete func(*webrtc.PeerConnection) <-chan struct{}

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	generation uint64
	cancel     context.CancelFunc // aborts the in-flight CreateOffer
	state      State

	hmu           sync.Mutex
	stateHandlers []func(State)
}

// NewAdapter creates an idle adapter
func NewAdapter(opts Options, logger zerolog.Logger) *Adapter {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	return &Adapter{
		opts:           opts,
		logger:         logger.With().Str("component", "signaling").Logger(),
		gatherComplete: webrtc.GatheringCompletePromise,
		state:          StateIdle,
	}
}

// OnStateChange registers a handler for state transitions
func (a *Adapter) OnStateChange(fn func(State)) {
	a.hmu.Lock()
	a.stateHandlers = append(a.stateHandlers, fn)
	a.hmu.Unlock()
}

// State returns the current negotiation state
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CreateOffer builds a relay-only peer connection receiving video and audio,
// waits for ICE gathering to finish or time out, and returns the local
// description as base64-encoded JSON.
func (a *Adapter) CreateOffer(ctx context.Context, servers []messages.ICEServer) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	old := a.pc
	a.pc = nil
	a.supersedeLocked()
	a.cancel = cancel
	gen := a.generation
	changed := a.setStateLocked(StateOfferPending)
	a.mu.Unlock()
	a.emit(changed, StateOfferPending)

	if old != nil {
		a.closePeer(old)
	}

	pc, err := a.newPeerConnection(servers)
	if err != nil {
		return "", a.fail(gen, nil, err)
	}

	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		a.closePeer(pc)
		return "", ErrSuperseded
	}
	a.pc = pc
	a.mu.Unlock()

	a.bindPeer(gen, pc)

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return "", a.fail(gen, pc, fmt.Errorf("add %s transceiver: %w", kind, err))
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", a.fail(gen, pc, fmt.Errorf("create offer: %w", err))
	}
	gathered := a.gatherComplete(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", a.fail(gen, pc, fmt.Errorf("set local description: %w", err))
	}

	timer := time.NewTimer(a.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		a.logger.Warn().Dur("timeout", a.opts.GatherTimeout).Msg("ICE gathering timed out, sending offer with current candidates")
	case <-ctx.Done():
		return "", a.fail(gen, pc, ctx.Err())
	}

	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		metrics.RecordNegotiation("superseded")
		return "", ErrSuperseded
	}
	a.mu.Unlock()

	encoded, err := EncodeDescription(pc.LocalDescription())
	if err != nil {
		return "", a.fail(gen, pc, err)
	}

	a.mu.Lock()
	changed = a.generation == gen && a.setStateLocked(StateNegotiating)
	a.mu.Unlock()
	a.emit(changed, StateNegotiating)

	metrics.RecordNegotiation("offered")
	a.logger.Info().Int("ice_servers", len(servers)).Int("offer_bytes", len(encoded)).Msg("avatar offer ready")
	return encoded, nil
}

// SetAnswer applies the remote description produced by the avatar service
func (a *Adapter) SetAnswer(encoded string) error {
	a.mu.Lock()
	pc, gen := a.pc, a.generation
	a.mu.Unlock()

	if pc == nil {
		a.logger.Warn().Msg("avatar answer without a peer connection")
		return ErrNoPeerConnection
	}

	desc, err := DecodeDescription(encoded)
	if err != nil {
		return a.fail(gen, pc, err)
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return a.fail(gen, pc, fmt.Errorf("set remote description: %w", err))
	}

	metrics.RecordNegotiation("answered")
	a.logger.Info().Str("type", desc.Type.String()).Msg("avatar answer applied")
	return nil
}

// Disconnect closes the peer connection and clears both media sinks. Safe
// from any state.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	pc := a.pc
	a.pc = nil
	a.supersedeLocked()
	changed := a.state != StateIdle && a.setStateLocked(StateDisconnected)
	a.mu.Unlock()
	a.emit(changed, StateDisconnected)

	if pc != nil {
		a.closePeer(pc)
	}
	a.clearSinks()
	if changed || pc != nil {
		a.logger.Info().Msg("avatar disconnected")
	}
}

func (a *Adapter) newPeerConnection(servers []messages.ICEServer) (*webrtc.PeerConnection, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         ToPionICEServers(servers),
		ICETransportPolicy: webrtc.ICETransportPolicyRelay,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// bindPeer routes connection state and remote tracks of pc while it is
// still the current negotiation.
func (a *Adapter) bindPeer(gen uint64, pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.logger.Debug().Str("state", s.String()).Msg("peer connection state")
		var next State
		switch s {
		case webrtc.PeerConnectionStateConnected:
			next = StateConnected
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			next = StateDisconnected
		default:
			return
		}
		a.mu.Lock()
		changed := a.generation == gen && a.setStateLocked(next)
		a.mu.Unlock()
		a.emit(changed, next)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		a.mu.Lock()
		current := a.generation == gen
		a.mu.Unlock()
		if !current {
			return
		}

		var sink TrackSink
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			sink = a.opts.Video
		case webrtc.RTPCodecTypeAudio:
			sink = a.opts.Audio
		}
		a.logger.Info().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Bool("bound", sink != nil).
			Msg("remote track received")
		if sink != nil {
			sink.Attach(track)
		}
	})
}

// fail logs err, releases pc and leaves the adapter disconnected unless a
// newer negotiation has already taken over.
func (a *Adapter) fail(gen uint64, pc *webrtc.PeerConnection, err error) error {
	a.mu.Lock()
	current := a.generation == gen
	changed := false
	if current {
		if a.pc == pc {
			a.pc = nil
		}
		changed = a.setStateLocked(StateDisconnected)
	}
	a.mu.Unlock()
	a.emit(changed, StateDisconnected)

	if pc != nil {
		a.closePeer(pc)
	}
	if !current {
		metrics.RecordNegotiation("superseded")
		return ErrSuperseded
	}
	a.clearSinks()
	metrics.RecordNegotiation("failed")
	a.logger.Error().Err(err).Msg("avatar negotiation failed")
	return err
}

func (a *Adapter) closePeer(pc *webrtc.PeerConnection) {
	if err := pc.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing peer connection")
	}
}

func (a *Adapter) clearSinks() {
	if a.opts.Video != nil {
		a.opts.Video.Detach()
	}
	if a.opts.Audio != nil {
		a.opts.Audio.Detach()
	}
}

// supersedeLocked invalidates the current negotiation and wakes any
// CreateOffer still waiting on it.
func (a *Adapter) supersedeLocked() {
	a.generation++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// setStateLocked records s and reports whether it changed. Callers hold a.mu
// and call emit once it is released.
func (a *Adapter) setStateLocked(s State) bool {
	if a.state == s {
		return false
	}
	a.state = s
	return true
}

func (a *Adapter) emit(changed bool, s State) {
	if !changed {
		return
	}
	a.hmu.Lock()
	handlers := append(([]func(State))(nil), a.stateHandlers...)
	a.hmu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

// EncodeDescription serializes a session description as base64 JSON
func EncodeDescription(desc *webrtc.SessionDescription) (string, error) {
	if desc == nil {
		return "", errors.New("no local description")
	}
	raw, err := sonic.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode session description: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeDescription parses a base64 JSON session description
func DecodeDescription(encoded string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return desc, fmt.Errorf("decode session description: %w", err)
	}
	if err := sonic.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("parse session description: %w", err)
	}
	if desc.SDP == "" {
		return desc, errors.New("session description has no sdp")
	}
	return desc, nil
}

// ToPionICEServers converts wire ICE servers to pion's configuration type
func ToPionICEServers(servers []messages.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       []string(s.URLs),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
