package main

import (
	"os"
	"runtime/debug"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// Set via -ldflags at build time; falls back to the module build info.
var version = ""

var rootCmd = &cobra.Command{
	Use:   "callmesh",
	Short: "Join callmesh meetings from the terminal",
	Long: `callmesh is the command-line client for a callmesh signaling server.
It resolves a meeting id to a room, dials the signaling WebSocket and
negotiates a WebRTC link with every other participant in the room.`,
	Version: resolveVersion(),
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func resolveVersion() string {
	if version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "dev"
}
