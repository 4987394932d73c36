package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/room4-2/voicedesk/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Browse archived conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withArchive(cmd, func(archive *store.Archive) error {
			records, err := archive.List(cmd.Context())
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), records)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(cmd, func(archive *store.Archive) error {
			rec, err := archive.Load(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no archived session %q", args[0])
			}
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		})
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func withArchive(cmd *cobra.Command, fn func(*store.Archive) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	archive := a.openArchive(cmd.Context())
	defer archive.Close()
	if !archive.Enabled() {
		return fmt.Errorf("archive unavailable at %s", a.cfg.Redis.URL)
	}
	return fn(archive)
}

func printRecords(w io.Writer, records []*store.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "no archived sessions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENDED\tDURATION\tMESSAGES\tMODE")
	for _, r := range records {
		mode := "voice"
		if r.TextOnly {
			mode = "text"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			r.EndedAt.Local().Format(time.DateTime),
			r.EndedAt.Sub(r.StartedAt).Round(time.Second),
			len(r.Messages),
			mode,
		)
	}
	return tw.Flush()
}

func printRecord(w io.Writer, rec *store.Record) {
	fmt.Fprintf(w, "session %s (%s)\n\n", rec.ID, rec.EndedAt.Local().Format(time.DateTime))
	for _, m := range rec.Messages {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.TimeOnly), m.Role, m.Content)
	}
	if rec.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", rec.Summary)
	}
}
