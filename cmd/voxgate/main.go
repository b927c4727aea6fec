// voxgate - real-time conversational inference gateway
//
// A WebSocket server that maintains per-connection dialogue sessions, races
// a tool-intent classifier against a streaming chat model, and streams
// tokens back to clients as they are produced.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "voxgate",
	Short: "voxgate - conversational inference gateway",
	Long: `voxgate is a real-time conversational inference gateway.

  voxgate serve                     Start the gateway
  voxgate status                    Show capacity and session counts
  voxgate transcript <session-id>   Print a session's journaled turns`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("VOXGATE_SERVER", "http://localhost:7090"), "voxgate server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
