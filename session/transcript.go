package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/room4-2/voicedesk/messages"
)

// Role of a transcript message author
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation transcript
type Message struct {
	ID        uuid.UUID
	Role      Role
	Content   string
	Timestamp time.Time
	Streaming bool
}

type recordKind int

const (
	recordNone recordKind = iota
	recordOpen
)

// openRecord points at the assistant message currently receiving streamed
// text. It is either none or open with the id of that message.
type openRecord struct {
	kind recordKind
	id   uuid.UUID
}

func noRecord() openRecord { return openRecord{kind: recordNone} }

func openAt(id uuid.UUID) openRecord { return openRecord{kind: recordOpen, id: id} }

// Transcript holds the ordered conversation and reassembles streamed
// assistant text. It is not safe for concurrent use.
type Transcript struct {
	messages []Message
	open     openRecord
	now      func() time.Time
}

// NewTranscript returns an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{open: noRecord(), now: time.Now}
}

func (t *Transcript) append(role Role, content string, streaming bool) Message {
	m := Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		Timestamp: t.now(),
		Streaming: streaming,
	}
	t.messages = append(t.messages, m)
	return m
}

// AddUser appends a finished user message
func (t *Transcript) AddUser(content string) Message {
	return t.append(RoleUser, content, false)
}

// AddAssistant appends a finished assistant message
func (t *Transcript) AddAssistant(content string) Message {
	return t.append(RoleAssistant, content, false)
}

// ApplyDelta folds one streamed assistant text delta into the transcript
// and reports whether the transcript changed.
//
// The first non-empty non-final delta opens a record and later non-final
// deltas append to it. A final delta closes the open record, replacing its
// content when the final text is non-empty, or, with no record open,
// creates an already finished record from non-empty text. Every final
// delta leaves no record open.
func (t *Transcript) ApplyDelta(text string, final bool) bool {
	if text == "" && !final {
		return false
	}

	if t.open.kind == recordNone {
		if text == "" {
			return false
		}
		m := t.append(RoleAssistant, text, !final)
		if !final {
			t.open = openAt(m.ID)
		}
		return true
	}

	changed := false
	if i := t.index(t.open.id); i >= 0 {
		m := &t.messages[i]
		switch {
		case final && text != "":
			m.Content = text
		case !final:
			m.Content += text
		}
		m.Streaming = !final
		changed = true
	}
	if final {
		t.open = noRecord()
	}
	return changed
}

// Finalize closes any open record, keeping the text received so far.
// It reports whether a record was open.
func (t *Transcript) Finalize() bool {
	if t.open.kind == recordNone {
		return false
	}
	if i := t.index(t.open.id); i >= 0 {
		t.messages[i].Streaming = false
	}
	t.open = noRecord()
	return true
}

// Streaming reports whether an assistant record is open
func (t *Transcript) Streaming() bool {
	return t.open.kind == recordOpen
}

// Len returns the number of messages
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Messages returns a copy of the transcript
func (t *Transcript) Messages() []Message {
	return append([]Message(nil), t.messages...)
}

// History converts the finished, non-blank messages for a restore_history
// envelope.
func (t *Transcript) History() []messages.HistoryEntry {
	out := make([]messages.HistoryEntry, 0, len(t.messages))
	for _, m := range t.messages {
		if m.Streaming || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, messages.HistoryEntry{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (t *Transcript) index(id uuid.UUID) int {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}
