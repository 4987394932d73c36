package messages

// Server message types (server -> client)
const (
	TypeTranscript          = "transcript"
	TypeAgentText           = "agent_text"
	TypeTTSAudio            = "tts_audio"
	TypeTTSStop             = "tts_stop"
	TypeState               = "state"
	TypeError               = "error"
	TypeAvatarICE           = "avatar_ice"
	TypeAvatarAnswer        = "avatar_answer"
	TypeAvatarState         = "avatar_state"
	TypeSessionSummaryChunk = "session_summary_chunk"
)

// TranscriptMessage carries recognized user speech
type TranscriptMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// AgentTextMessage carries one chunk of the assistant's streamed reply
type AgentTextMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// TTSAudioMessage carries synthesized speech
type TTSAudioMessage struct {
	Type string `json:"type"`
	Data string `json:"data"` // Base64-encoded 16-bit LE PCM, 24kHz mono
}

// TTSStopMessage tells the client to discard pending speech
type TTSStopMessage struct {
	Type string `json:"type"`
}

// StateMessage carries the authoritative session phase
type StateMessage struct {
	Type  string       `json:"type"`
	State SessionPhase `json:"state"`
}

// ErrorMessage carries a server-side fault
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AvatarICEMessage delivers relay servers for the avatar connection
type AvatarICEMessage struct {
	Type       string      `json:"type"`
	ICEServers []ICEServer `json:"ice_servers"`
}

// AvatarAnswerMessage delivers the remote session description
type AvatarAnswerMessage struct {
	Type       string      `json:"type"`
	SDP        string      `json:"sdp"`
	ICEServers []ICEServer `json:"ice_servers,omitempty"`
}

// AvatarStateMessage carries the avatar phase
type AvatarStateMessage struct {
	Type  string      `json:"type"`
	State AvatarPhase `json:"state"`
}

// SessionSummaryChunkMessage carries a piece of the end-of-session summary
type SessionSummaryChunkMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func (m *TranscriptMessage) MessageType() string          { return m.Type }
func (m *AgentTextMessage) MessageType() string           { return m.Type }
func (m *TTSAudioMessage) MessageType() string            { return m.Type }
func (m *TTSStopMessage) MessageType() string             { return m.Type }
func (m *StateMessage) MessageType() string               { return m.Type }
func (m *ErrorMessage) MessageType() string               { return m.Type }
func (m *AvatarICEMessage) MessageType() string           { return m.Type }
func (m *AvatarAnswerMessage) MessageType() string        { return m.Type }
func (m *AvatarStateMessage) MessageType() string         { return m.Type }
func (m *SessionSummaryChunkMessage) MessageType() string { return m.Type }

// NewTranscriptMessage creates a transcript message
func NewTranscriptMessage(text string, isFinal bool) *TranscriptMessage {
	return &TranscriptMessage{Type: TypeTranscript, Text: text, IsFinal: isFinal}
}

// NewAgentTextMessage creates an agent text chunk
func NewAgentTextMessage(text string, isFinal bool) *AgentTextMessage {
	return &AgentTextMessage{Type: TypeAgentText, Text: text, IsFinal: isFinal}
}

// NewTTSAudioMessage creates a speech audio message
func NewTTSAudioMessage(data string) *TTSAudioMessage {
	return &TTSAudioMessage{Type: TypeTTSAudio, Data: data}
}

// NewTTSStopMessage creates a speech stop message
func NewTTSStopMessage() *TTSStopMessage {
	return &TTSStopMessage{Type: TypeTTSStop}
}

// NewStateMessage creates a session phase message
func NewStateMessage(phase SessionPhase) *StateMessage {
	return &StateMessage{Type: TypeState, State: phase}
}

// NewErrorMessage creates an error message
func NewErrorMessage(message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: message}
}

// NewAvatarICEMessage creates a relay server message
func NewAvatarICEMessage(servers []ICEServer) *AvatarICEMessage {
	if servers == nil {
		servers = []ICEServer{}
	}
	return &AvatarICEMessage{Type: TypeAvatarICE, ICEServers: servers}
}

// NewAvatarAnswerMessage creates an avatar answer message
func NewAvatarAnswerMessage(sdp string) *AvatarAnswerMessage {
	return &AvatarAnswerMessage{Type: TypeAvatarAnswer, SDP: sdp}
}

// NewAvatarStateMessage creates an avatar phase message
func NewAvatarStateMessage(phase AvatarPhase) *AvatarStateMessage {
	return &AvatarStateMessage{Type: TypeAvatarState, State: phase}
}

// NewSessionSummaryChunkMessage creates a summary chunk
func NewSessionSummaryChunkMessage(text string, isFinal bool) *SessionSummaryChunkMessage {
	return &SessionSummaryChunkMessage{Type: TypeSessionSummaryChunk, Text: text, IsFinal: isFinal}
}
