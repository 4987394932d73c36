package messages

import (
	"github.com/bytedance/sonic"
)

// SessionPhase is the server-authoritative phase of the conversation
type SessionPhase string

const (
	PhaseIdle      SessionPhase = "idle"
	PhaseListening SessionPhase = "listening"
	PhaseThinking  SessionPhase = "thinking"
	PhaseSpeaking  SessionPhase = "speaking"
)

// Valid reports whether p is a known phase
func (p SessionPhase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseListening, PhaseThinking, PhaseSpeaking:
		return true
	}
	return false
}

// AvatarPhase is the phase of the avatar media connection
type AvatarPhase string

const (
	AvatarDisconnected AvatarPhase = "disconnected"
	AvatarConnecting   AvatarPhase = "connecting"
	AvatarSpeaking     AvatarPhase = "speaking"
	AvatarIdle         AvatarPhase = "idle"
)

// Valid reports whether p is a known avatar phase
func (p AvatarPhase) Valid() bool {
	switch p {
	case AvatarDisconnected, AvatarConnecting, AvatarSpeaking, AvatarIdle:
		return true
	}
	return false
}

// URLList accepts either a single URL or a list of URLs on decode.
type URLList []string

// UnmarshalJSON implements json.Unmarshaler
func (u *URLList) UnmarshalJSON(data []byte) error {
	var one string
	if err := sonic.Unmarshal(data, &one); err == nil {
		*u = URLList{one}
		return nil
	}
	var many []string
	if err := sonic.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// ICEServer describes one STUN/TURN server
type ICEServer struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}
