package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/voicedesk/audio"
	"github.com/room4-2/voicedesk/session"
	"github.com/room4-2/voicedesk/signaling"
	"github.com/room4-2/voicedesk/transport"
)

var chatOpts struct {
	url      string
	textOnly bool
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the agent from the terminal",
	Long: `Chat opens a session with the agent. Lines typed on stdin are sent as text
messages. Commands:

  /mic    start or stop the microphone
  /stop   silence the agent
  /mode   switch between voice and text-only
  /end    end the session and wait for its summary
  /quit   leave`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatOpts.url, "url", "", "agent websocket URL (overrides server.url)")
	chatCmd.Flags().BoolVar(&chatOpts.textOnly, "text-only", false, "start without microphone or speaker")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	url := a.cfg.Server.URL
	if chatOpts.url != "" {
		url = chatOpts.url
	}
	textOnly := a.cfg.Server.TextOnly || chatOpts.textOnly

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archive := a.openArchive(ctx)
	defer archive.Close()

	opts := session.Options{
		Channels: session.TransportChannels(url, a.cfg.Server.UserID, transport.Options{
			BaseDelay:    a.cfg.Transport.ReconnectBase,
			MaxDelay:     a.cfg.Transport.ReconnectMax,
			WriteTimeout: a.cfg.Transport.WriteTimeout,
		}, a.log.Logger),
		Archive:  archive,
		TextOnly: textOnly,
	}

	if err := audio.InitBackend(); err != nil {
		a.log.Warn().Err(err).Msg("audio unavailable, running text-only")
		opts.TextOnly = true
	} else {
		defer audio.TerminateBackend() //nolint:errcheck
		opts.Capture = audio.NewCapture(captureConfig(a), audio.OpenDefaultInput, a.log.Logger)
		opts.Player = audio.NewPlayback(audio.OpenDefaultOutput, a.log.Logger)
	}

	if a.cfg.Avatar.Enabled {
		opts.Avatar = newAvatar(a.cfg.Avatar.GatherTimeout, a.log.Logger)
	}

	o := session.New(opts, a.log.Logger)
	defer o.Close()

	out := newPrinter(cmd.OutOrStdout())
	o.OnUpdate(out.update)
	if err := o.Start(); err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.serveMetrics(ctx, g); err != nil {
		return err
	}
	g.Go(func() error {
		return chatLoop(ctx, o, out, cmd.InOrStdin())
	})
	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func captureConfig(a *app) audio.CaptureConfig {
	return audio.CaptureConfig{
		SampleRate:       a.cfg.Audio.SampleRate,
		FrameSize:        a.cfg.Audio.FrameSize,
		EchoCancellation: a.cfg.Audio.EchoCancellation,
		NoiseSuppression: a.cfg.Audio.NoiseSuppression,
		LevelInterval:    a.cfg.Audio.LevelInterval,
		LevelGain:        a.cfg.Audio.LevelGain,
		LevelWindow:      a.cfg.Audio.LevelWindow,
	}
}

// newAvatar builds an adapter whose media only feeds packet counters; the
// terminal has nowhere to render video.
func newAvatar(gatherTimeout time.Duration, base zerolog.Logger) *signaling.Adapter {
	logger := base.With().Str("component", "avatar").Logger()
	video := signaling.NewPacketSink(nil, logger)
	voice := signaling.NewPacketSink(nil, logger)

	adapter := signaling.NewAdapter(signaling.Options{
		GatherTimeout: gatherTimeout,
		Video:         video,
		Audio:         voice,
	}, base)
	adapter.OnStateChange(func(s signaling.State) {
		logger.Info().
			Str("state", s.String()).
			Uint64("video_packets", video.Packets()).
			Uint64("audio_packets", voice.Packets()).
			Msg("avatar connection")
	})
	return adapter
}

var errQuit = errors.New("quit")

func chatLoop(ctx context.Context, o *session.Orchestrator, out *printer, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := waitConnected(ctx, o); err != nil {
		return err
	}
	if err := o.StartSession(); err != nil {
		return err
	}
	out.notice("connected; type a message or /quit")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := runLine(ctx, o, out, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func waitConnected(ctx context.Context, o *session.Orchestrator) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !o.Snapshot().Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func runLine(ctx context.Context, o *session.Orchestrator, out *printer, line string) error {
	var err error
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/mic":
		err = o.ToggleListening(ctx)
	case "/stop":
		err = o.StopAudio()
	case "/mode":
		err = o.SetTextOnly(!o.Snapshot().TextOnly)
	case "/end":
		err = o.EndSession()
	default:
		err = o.SendText(line)
	}
	if errors.Is(err, session.ErrClosed) {
		return err
	}
	if err != nil {
		out.notice("error: " + err.Error())
	}
	return nil
}

// printer renders snapshots as a scrolling transcript
type printer struct {
	w io.Writer

	mu          sync.Mutex
	printed     map[string]bool
	phase       session.Phase
	summaryDone bool
	textOnly    bool
	connected   bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]bool), phase: session.PhaseIdle}
}

func (p *printer) notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "* %s\n", msg)
}

func (p *printer) update(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Connected() != p.connected {
		p.connected = s.Connected()
		if !p.connected {
			fmt.Fprintln(p.w, "* reconnecting...")
		}
	}
	if s.TextOnly != p.textOnly {
		p.textOnly = s.TextOnly
		mode := "voice"
		if s.TextOnly {
			mode = "text-only"
		}
		fmt.Fprintf(p.w, "* mode: %s\n", mode)
	}
	for _, m := range s.Messages {
		key := m.ID.String()
		if m.Streaming || p.printed[key] {
			continue
		}
		p.printed[key] = true
		who := "you"
		if m.Role == session.RoleAssistant {
			who = "agent"
		}
		fmt.Fprintf(p.w, "%s> %s\n", who, m.Content)
	}
	if s.Phase != p.phase {
		p.phase = s.Phase
		fmt.Fprintf(p.w, "* %s\n", s.Phase)
	}
	if s.SummaryDone && !p.summaryDone && s.Summary != "" {
		fmt.Fprintf(p.w, "--- summary ---\n%s\n---------------\n", s.Summary)
	}
	p.summaryDone = s.SummaryDone
}
