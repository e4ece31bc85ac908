package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kaiwa",
	Short: "Voice call gateway for browser clients",
	Long: "kaiwa bridges browser voice sessions to a streaming conversational\n" +
		"speech backend, with a batch fallback when no live upstream is available.",
}

func main() {
	rootCmd.AddCommand(serveCmd, callCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
