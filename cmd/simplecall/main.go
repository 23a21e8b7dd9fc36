// Command simplecall runs the rendezvous server and a minimal test client.
//
// Usage:
//
//	simplecall serve [flags]
//	simplecall join HOST:PORT ROOM [--relay]
//
// The server pairs two clients that name the same room, discovers their
// public UDP endpoints and either hands each one the other's endpoint or
// relays their datagrams.
//
// Endpoints (serve):
//
//	Control:   tcp://host:8383
//	WebSocket: ws://host:8384/ws
//	Health:    GET /health
//	Stats:     GET /api/stats
//	Sessions:  GET /api/sessions
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev" // Set via ldflags
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "simplecall",
		Short:         "Rendezvous and relay server for two-party UDP calls",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCmd(), newJoinCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
