package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/voicedesk/server"
)

var devserverAddr string

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the loopback agent for local development",
	Long: `Devserver runs an agent that speaks the client protocol without a model:
text is echoed back word by word, speech is answered with a tone and
end_session returns a short summary. Point chat at ws://<addr>/ws.`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "", "listen address (overrides devserver.addr)")
	rootCmd.AddCommand(devserverCmd)
}

func runDevserver(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	addr := a.cfg.DevServer.Addr
	if devserverAddr != "" {
		addr = devserverAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.log.Component("devserver")
	loopback := server.NewLoopback(server.Options{
		AllowedOrigins: a.cfg.DevServer.AllowedOrigins,
		WordDelay:      a.cfg.DevServer.WordDelay,
	}, a.log.Logger)

	srv := &http.Server{
		Addr:              addr,
		Handler:           loopback,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.serveMetrics(ctx, g); err != nil {
		return err
	}
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("loopback agent listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
