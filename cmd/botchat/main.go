// Command botchat runs the chat backend and ships a websocket test client.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "botchat",
	Short: "Chat bot backend with realtime fan-out and rating analytics",
	Long: `botchat stores chat sessions, forwards user turns to an external
workflow engine and relays bot replies to clients and admin consoles over
websockets.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
