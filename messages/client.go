package messages

// Client message types (client -> server)
const (
	TypeAudio            = "audio"
	TypeControl          = "control"
	TypeText             = "text"
	TypeAvatarOffer      = "avatar_offer"
	TypeAvatarICERequest = "avatar_ice_request"
	TypeRestoreHistory   = "restore_history"
)

// Control actions carried by a control message
const (
	ActionStartListening = "start_listening"
	ActionStopListening  = "stop_listening"
	ActionStartSession   = "start_session"
	ActionEndSession     = "end_session"
	ActionTTSStop        = "tts_stop"
)

// AudioMessage carries one captured PCM16 frame
type AudioMessage struct {
	Type string `json:"type"`
	Data string `json:"data"` // Base64-encoded 16-bit LE PCM, 24kHz mono
}

// ControlMessage carries a session control action
type ControlMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// TextMessage carries a typed user message
type TextMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AvatarOfferMessage carries the local session description for the avatar
type AvatarOfferMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"` // base64(JSON(session description))
}

// AvatarICERequestMessage asks the server for relay servers
type AvatarICERequestMessage struct {
	Type string `json:"type"`
}

// HistoryEntry is one transcript line replayed to the server
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RestoreHistoryMessage replays the transcript after a reconnect that
// switched modes, so the agent keeps its context.
type RestoreHistoryMessage struct {
	Type     string         `json:"type"`
	Messages []HistoryEntry `json:"messages"`
}

func (m *AudioMessage) MessageType() string            { return m.Type }
func (m *ControlMessage) MessageType() string          { return m.Type }
func (m *TextMessage) MessageType() string             { return m.Type }
func (m *AvatarOfferMessage) MessageType() string      { return m.Type }
func (m *AvatarICERequestMessage) MessageType() string { return m.Type }
func (m *RestoreHistoryMessage) MessageType() string   { return m.Type }

// NewAudioMessage creates an audio frame message
func NewAudioMessage(data string) *AudioMessage {
	return &AudioMessage{Type: TypeAudio, Data: data}
}

// NewControlMessage creates a control message
func NewControlMessage(action string) *ControlMessage {
	return &ControlMessage{Type: TypeControl, Action: action}
}

// NewTextMessage creates a typed text message
func NewTextMessage(content string) *TextMessage {
	return &TextMessage{Type: TypeText, Content: content}
}

// NewAvatarOfferMessage creates an avatar offer message
func NewAvatarOfferMessage(sdp string) *AvatarOfferMessage {
	return &AvatarOfferMessage{Type: TypeAvatarOffer, SDP: sdp}
}

// NewAvatarICERequestMessage creates a relay server request
func NewAvatarICERequestMessage() *AvatarICERequestMessage {
	return &AvatarICERequestMessage{Type: TypeAvatarICERequest}
}

// NewRestoreHistoryMessage creates a history replay message
func NewRestoreHistoryMessage(entries []HistoryEntry) *RestoreHistoryMessage {
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return &RestoreHistoryMessage{Type: TypeRestoreHistory, Messages: entries}
}

func validAction(action string) bool {
	switch action {
	case ActionStartListening, ActionStopListening, ActionStartSession, ActionEndSession, ActionTTSStop:
		return true
	}
	return false
}
