// Command replay streams a recorded PCM or WAV file to the agent as if it
// were the microphone, plays the spoken reply and prints the transcript and
// summary.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/room4-2/voicedesk/audio"
	"github.com/room4-2/voicedesk/config"
	"github.com/room4-2/voicedesk/logging"
	"github.com/room4-2/voicedesk/session"
	"github.com/room4-2/voicedesk/transport"
)

var opts struct {
	url      string
	file     string
	user     string
	realtime bool
	timeout  time.Duration
}

var rootCmd = &cobra.Command{
	Use:          "replay --file <audio>",
	Short:        "Send a recorded utterance to the agent and play the reply",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.url, "url", "", "agent websocket URL (overrides server.url)")
	f.StringVar(&opts.file, "file", "examples/user.pcm", "audio file to send (.wav, .pcm or .raw)")
	f.StringVar(&opts.user, "user", "", "user id (overrides server.user_id)")
	f.BoolVar(&opts.realtime, "realtime", true, "pace the file at its natural rate")
	f.DurationVar(&opts.timeout, "timeout", 60*time.Second, "give up after this long")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logs, err := logging.New(logging.Options{Level: cfg.Log.Level, Dir: cfg.Log.Dir, Console: true})
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Component("replay")

	url, user := cfg.Server.URL, cfg.Server.UserID
	if opts.url != "" {
		url = opts.url
	}
	if opts.user != "" {
		user = opts.user
	}

	src, err := audio.OpenFileSource(opts.file, audio.WireSampleRate)
	if err != nil {
		return err
	}
	src.Realtime = opts.realtime
	logger.Info().Str("file", opts.file).Dur("duration", src.Duration()).Msg("loaded utterance")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	output, release := outputOpener(logger)
	defer release()

	capture := audio.NewCapture(audio.CaptureConfig{
		SampleRate: audio.WireSampleRate,
		FrameSize:  cfg.Audio.FrameSize,
	}, src.Opener(), logs.Logger)

	o := session.New(session.Options{
		Channels: session.TransportChannels(url, user, transport.Options{
			BaseDelay:    cfg.Transport.ReconnectBase,
			MaxDelay:     cfg.Transport.ReconnectMax,
			WriteTimeout: cfg.Transport.WriteTimeout,
		}, logs.Logger),
		Capture: capture,
		Player:  audio.NewPlayback(output, logs.Logger),
	}, logs.Logger)
	defer o.Close()

	if err := o.Start(); err != nil {
		return err
	}
	if err := waitFor(ctx, o, func(s session.Snapshot) bool { return s.Connected() }); err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	logger.Info().Str("url", url).Msg("connected")

	if err := o.StartSession(); err != nil {
		return err
	}
	if err := o.ToggleListening(ctx); err != nil {
		return err
	}
	if err := waitFor(ctx, o, func(s session.Snapshot) bool { return !s.Capturing }); err != nil {
		return err
	}
	if err := o.StopListening(); err != nil {
		return err
	}
	logger.Info().Msg("utterance sent, waiting for the reply")

	err = waitFor(ctx, o, func(s session.Snapshot) bool {
		return answered(s) && s.Phase == session.PhaseIdle && !s.Playing
	})
	if err != nil {
		return err
	}

	if err := o.EndSession(); err != nil {
		return err
	}
	if err := waitFor(ctx, o, func(s session.Snapshot) bool { return s.SummaryDone }); err != nil {
		logger.Warn().Err(err).Msg("no summary received")
	}

	s := o.Snapshot()
	w := cmd.OutOrStdout()
	for _, m := range s.Messages {
		fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
	if s.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", s.Summary)
	}
	return nil
}

// waitFor polls the session until done reports true or ctx ends
func waitFor(ctx context.Context, o *session.Orchestrator, done func(session.Snapshot) bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !done(o.Snapshot()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func answered(s session.Snapshot) bool {
	for _, m := range s.Messages {
		if m.Role == session.RoleAssistant && !m.Streaming {
			return true
		}
	}
	return false
}

// outputOpener prefers the portaudio speaker and falls back to sox. Call
// release once the player is closed.
func outputOpener(logger zerolog.Logger) (open audio.DeviceOpener, release func()) {
	if err := audio.InitBackend(); err == nil {
		return audio.OpenDefaultOutput, func() {
			if err := audio.TerminateBackend(); err != nil {
				logger.Warn().Err(err).Msg("terminating portaudio")
			}
		}
	} else if !errors.Is(err, audio.ErrNoBackend) {
		logger.Warn().Err(err).Msg("portaudio unavailable, using sox")
	}
	return openSox, func() {}
}
