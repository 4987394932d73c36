package server_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicedesk/server"
	"github.com/room4-2/voicedesk/session"
	"github.com/room4-2/voicedesk/store"
	"github.com/room4-2/voicedesk/transport"
)

func TestConversationAgainstLoopback(t *testing.T) {
	loopback := server.NewLoopback(server.Options{
		WordDelay:    time.Millisecond,
		ToneDuration: 50 * time.Millisecond,
	}, zerolog.Nop())
	srv := httptest.NewServer(loopback)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	mr := miniredis.RunT(t)
	archive := store.NewArchive(context.Background(), store.Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = archive.Close() })

	o := session.New(session.Options{
		Channels: session.TransportChannels(base, "tester",
			transport.Options{BaseDelay: 10 * time.Millisecond}, zerolog.Nop()),
		Archive:  archive,
		TextOnly: true,
	}, zerolog.Nop())
	t.Cleanup(o.Close)
	require.NoError(t, o.Start())

	require.Eventually(t, func() bool { return o.Snapshot().Connected() }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, o.StartSession())
	id := o.Snapshot().SessionID
	require.NoError(t, o.SendText("hello"))

	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return len(s.Messages) == 2 && !s.Messages[1].Streaming && s.Phase == session.PhaseIdle
	}, 3*time.Second, 5*time.Millisecond)
	s := o.Snapshot()
	assert.Equal(t, "hello", s.Messages[0].Content)
	assert.Equal(t, "You said: hello", s.Messages[1].Content)

	require.NoError(t, o.EndSession())
	require.Eventually(t, func() bool { return o.Snapshot().SummaryDone }, 3*time.Second, 5*time.Millisecond)
	assert.Contains(t, o.Snapshot().Summary, "- 1 user messages")

	require.Eventually(t, func() bool {
		_, err := archive.Load(context.Background(), id)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	rec, err := archive.Load(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.TextOnly)
	assert.Len(t, rec.Messages, 2)
	assert.Equal(t, o.Snapshot().Summary, rec.Summary)
}
