package messages

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	// ErrMissingType is returned for envelopes without a type discriminant
	ErrMissingType = errors.New("envelope has no type")
	// ErrUnknownType is returned for envelopes with an unrecognized type
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is any typed message exchanged over the channel
type Envelope interface {
	MessageType() string
}

type header struct {
	Type string `json:"type"`
}

// Encode serializes an envelope to its JSON wire form
func Encode(env Envelope) ([]byte, error) {
	if env == nil || env.MessageType() == "" {
		return nil, ErrMissingType
	}
	data, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.MessageType(), err)
	}
	return data, nil
}

// ParseServerMessage decodes an envelope sent by the server
func ParseServerMessage(data []byte) (Envelope, error) {
	var h header
	if err := sonic.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var env Envelope
	switch h.Type {
	case "":
		return nil, ErrMissingType
	case TypeTranscript:
		env = &TranscriptMessage{}
	case TypeAgentText:
		env = &AgentTextMessage{}
	case TypeTTSAudio:
		env = &TTSAudioMessage{}
	case TypeTTSStop:
		env = &TTSStopMessage{}
	case TypeState:
		env = &StateMessage{}
	case TypeError:
		env = &ErrorMessage{}
	case TypeAvatarICE:
		env = &AvatarICEMessage{}
	case TypeAvatarAnswer:
		env = &AvatarAnswerMessage{}
	case TypeAvatarState:
		env = &AvatarStateMessage{}
	case TypeSessionSummaryChunk:
		env = &SessionSummaryChunkMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}

	if err := sonic.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", h.Type, err)
	}

	switch m := env.(type) {
	case *StateMessage:
		if !m.State.Valid() {
			return nil, fmt.Errorf("invalid session phase %q", m.State)
		}
	case *AvatarStateMessage:
		if !m.State.Valid() {
			return nil, fmt.Errorf("invalid avatar phase %q", m.State)
		}
	}
	return env, nil
}

// ParseClientMessage decodes an envelope sent by a client
func ParseClientMessage(data []byte) (Envelope, error) {
	var h header
	if err := sonic.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var env Envelope
	switch h.Type {
	case "":
		return nil, ErrMissingType
	case TypeAudio:
		env = &AudioMessage{}
	case TypeControl:
		env = &ControlMessage{}
	case TypeText:
		env = &TextMessage{}
	case TypeAvatarOffer:
		env = &AvatarOfferMessage{}
	case TypeAvatarICERequest:
		env = &AvatarICERequestMessage{}
	case TypeRestoreHistory:
		env = &RestoreHistoryMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}

	if err := sonic.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", h.Type, err)
	}
	if c, ok := env.(*ControlMessage); ok && !validAction(c.Action) {
		return nil, fmt.Errorf("invalid control action %q", c.Action)
	}
	return env, nil
}
