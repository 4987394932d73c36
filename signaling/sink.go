package signaling

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	rtpBufferSize        = 1500
	maxConsecutiveErrors = 5
)

// RemoteTrack is the part of *webrtc.TrackRemote a sink reads from
type RemoteTrack interface {
	Kind() webrtc.RTPCodecType
	Read(b []byte) (int, interceptor.Attributes, error)
}

// TrackSink receives remote media of one kind
type TrackSink interface {
	// Attach starts consuming track. It must not block.
	Attach(track RemoteTrack)
	// Detach stops consuming every attached track
	Detach()
}

// PacketSink is a TrackSink that parses RTP packets and hands them to a
// callback. Packets read after Detach are discarded.
type PacketSink struct {
	onPacket func(*rtp.Packet)
	logger   zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	attached int

	packets atomic.Uint64
	bytes   atomic.Uint64
}

// NewPacketSink creates a sink delivering packets to onPacket, which may be nil
func NewPacketSink(onPacket func(*rtp.Packet), logger zerolog.Logger) *PacketSink {
	return &PacketSink{onPacket: onPacket, logger: logger}
}

// Attach implements TrackSink
func (s *PacketSink) Attach(track RemoteTrack) {
	s.mu.Lock()
	gen := s.gen
	s.attached++
	s.mu.Unlock()

	go s.readLoop(gen, track)
}

// Detach implements TrackSink
func (s *PacketSink) Detach() {
	s.mu.Lock()
	s.gen++
	s.attached = 0
	s.mu.Unlock()
}

// Attached reports how many tracks are bound since the last Detach
func (s *PacketSink) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Packets returns the number of packets delivered
func (s *PacketSink) Packets() uint64 { return s.packets.Load() }

// Bytes returns the payload bytes delivered
func (s *PacketSink) Bytes() uint64 { return s.bytes.Load() }

func (s *PacketSink) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *PacketSink) readLoop(gen uint64, track RemoteTrack) {
	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0

	for {
		if !s.current(gen) {
			return
		}
		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				s.logger.Warn().Err(err).Str("kind", track.Kind().String()).Msg("too many read errors, dropping track")
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debug().Err(err).Msg("bad RTP packet")
			continue
		}
		if !s.current(gen) {
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
		if s.onPacket != nil {
			s.onPacket(pkt)
		}
	}
}
