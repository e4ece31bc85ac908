package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/callclient"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/callflow"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/capture"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/logging"
)

var (
	callURL    string
	callToken  string
	callOrigin string
	callAudio  string
	callLoop   bool
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place a test call against a running gateway",
	Long: "Streams audio to the gateway the way the browser client does:\n" +
		"VAD-segmented speech in, transcripts and reply audio out. With no\n" +
		"--audio file a synthetic tone alternating with silence is used.",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New("logs/kaiwa-call.log", false)
		defer log.Sync()

		var device capture.Device
		if callAudio != "" {
			device = callclient.NewFileSource(callAudio, callLoop)
		} else {
			device = callclient.NewToneSource()
		}

		client := callclient.New(callclient.Config{
			URL:    callURL,
			Origin: callOrigin,
			Token:  callToken,
			Flow:   callflow.DefaultConfig(),
		}, device, log)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callURL, "url", "ws://localhost:8080/v1/stream", "gateway WebSocket URL")
	callCmd.Flags().StringVar(&callToken, "token", "", "session token, sent as a WebSocket subprotocol")
	callCmd.Flags().StringVar(&callOrigin, "origin", "", "Origin header to present")
	callCmd.Flags().StringVar(&callAudio, "audio", "", "raw s16le 16kHz PCM file to stream")
	callCmd.Flags().BoolVar(&callLoop, "loop", false, "loop the audio file")
}
