package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicedesk/session"
)

func TestOutputOpenerFallsBackToSox(t *testing.T) {
	open, release := outputOpener(zerolog.Nop())
	require.NotNil(t, open)
	require.NotNil(t, release)
	assert.NotPanics(t, release)
}

func TestAnswered(t *testing.T) {
	user := session.Message{ID: uuid.New(), Role: session.RoleUser, Content: "hi"}
	reply := session.Message{ID: uuid.New(), Role: session.RoleAssistant, Content: "Hel", Streaming: true}

	assert.False(t, answered(session.Snapshot{Messages: []session.Message{user}}))
	assert.False(t, answered(session.Snapshot{Messages: []session.Message{user, reply}}))

	reply.Streaming = false
	assert.True(t, answered(session.Snapshot{Messages: []session.Message{user, reply}}))
}

func TestWaitForHonoursContext(t *testing.T) {
	o := session.New(session.Options{}, zerolog.Nop())
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := waitFor(ctx, o, func(session.Snapshot) bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, waitFor(context.Background(), o, func(session.Snapshot) bool { return true }))
}
