// Klingnet full node daemon.
//
// Usage:
//
//	klingnetd [--masternode --operator-key=...] Run node
//	klingnetd --help                            Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/node"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Build the node. node.New opens storage, loads genesis, seeds the
	// masternode registry, and wires the TimeLock/TimeVote/TimeGuard
	// consensus stack, mempool, and P2P networking. ─────────────────────
	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create node: %v\n", err)
		os.Exit(1)
	}

	// ── 3. Start background loops: chain sync, TimeVote stall monitor,
	// and — if masternode.enabled — heartbeat broadcast and block
	// production. ─────────────────────────────────────────────────────
	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start node: %v\n", err)
		os.Exit(1)
	}

	// ── 4. Wait for shutdown signal. ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}
