package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "voicedesk",
	Short:         "Realtime voice and text assistant client",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `voicedesk connects to a realtime voice agent over a websocket. It streams
microphone audio, plays the agent's speech, negotiates the avatar media
session and archives finished conversations to Redis.

Configuration comes from .env, voicedesk.yaml and VOICEDESK_* variables.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
