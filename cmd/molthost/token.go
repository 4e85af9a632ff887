package main

import (
	"fmt"
	"os"

	"github.com/mxrcochxvez/moltbot-railway/internal/config"
	"github.com/mxrcochxvez/moltbot-railway/internal/state"
)

// runTokenCommand prints the gateway token the wrapper would use, minting and
// persisting one if none exists yet. Useful for pointing external clients at
// the gateway.
func runTokenCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: molthost token")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	dir := state.New(cfg.StateDir, cfg.Gateway.WorkspaceDir)
	if err := dir.EnsureLayout(); err != nil {
		fmt.Fprintf(os.Stderr, "state dir: %v\n", err)
		return 1
	}

	token, err := state.ResolveToken(dir, cfg.Gateway.TokenOverride, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		return 1
	}

	fmt.Println(token)
	return 0
}
