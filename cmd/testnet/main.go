// Command testnet boots a 2-node local testnet from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It derives the well-known testnet masternode identity from the standard
// test mnemonic, boots two in-process klingnetd nodes sharing that genesis
// (one TimeLock producer, one follower), connects them directly over
// libp2p, waits long enough for at least one TimeLock slot to produce and
// gossip a block, and verifies both chains converge on the same tip.
// Ctrl+C for early shutdown.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/node"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// settleWait bounds how long the demo waits after connecting peers before
// it checks for convergence: two TimeLock slots plus handshake/gossip
// slack, since block production is slot-paced rather than on-demand.
func settleWait(slotLength int64) time.Duration {
	return time.Duration(2*slotLength)*time.Second + 30*time.Second
}

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Klingnet 2-Node Local Testnet ===")

	// ── Phase 1: Derive the well-known testnet masternode identity ───────
	// config.TestnetGenesis seeds exactly this identity (derived from
	// config.TestnetMnemonic) as its lone genesis masternode, so producing
	// with it requires no separate registration step.
	seed, err := wallet.SeedFromMnemonic(config.TestnetMnemonic, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("derive testnet seed")
	}
	operatorKey, err := crypto.PrivateKeyFromSeed(seed[:32])
	if err != nil {
		logger.Fatal().Err(err).Msg("derive testnet operator key")
	}
	defer operatorKey.Zero()

	coinbase := crypto.AddressFromPubKey(operatorKey.PublicKey())
	logger.Info().
		Str("pubkey", hex.EncodeToString(operatorKey.PublicKey())[:16]+"...").
		Str("coinbase", coinbase.String()).
		Msg("Using well-known testnet masternode identity")

	keyPath, err := writeOperatorKeyFile(operatorKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("write operator key file")
	}
	defer os.Remove(keyPath)

	// ── Phase 2: Build node-1 (producer) and start it ────────────────────
	dataDir1, err := os.MkdirTemp("", "klingnet-testnet-node1-*")
	if err != nil {
		logger.Fatal().Err(err).Msg("create node-1 data dir")
	}
	defer os.RemoveAll(dataDir1)

	cfg1 := config.Default(config.Testnet)
	cfg1.DataDir = dataDir1
	cfg1.P2P.Port = 0
	cfg1.P2P.NoDiscover = true
	cfg1.Masternode.Enabled = true
	cfg1.Masternode.Tier = "gold"
	cfg1.Masternode.OperatorKey = keyPath
	cfg1.Masternode.Coinbase = coinbase.String()
	cfg1.Log.Level = "info"

	node1, err := node.New(cfg1)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-1")
	}
	if err := node1.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-1")
	}
	defer node1.Stop()

	rules := config.TestnetGenesis().Protocol.Consensus
	logger.Info().
		Uint64("node1_height", node1.Height()).
		Int64("slot_length", rules.SlotLength).
		Msg("node-1 started as TimeLock producer")

	// ── Phase 3: Build node-2 (follower), seeded with node-1's address ───
	dataDir2, err := os.MkdirTemp("", "klingnet-testnet-node2-*")
	if err != nil {
		logger.Fatal().Err(err).Msg("create node-2 data dir")
	}
	defer os.RemoveAll(dataDir2)

	cfg2 := config.Default(config.Testnet)
	cfg2.DataDir = dataDir2
	cfg2.P2P.Port = 0
	cfg2.P2P.NoDiscover = true
	cfg2.P2P.Seeds = node1.PeerAddrs()
	cfg2.Masternode.Enabled = false

	node2, err := node.New(cfg2)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-2")
	}
	if err := node2.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-2")
	}
	defer node2.Stop()

	logger.Info().
		Str("node1_id", node1.PeerID().String()[:16]+"...").
		Str("node2_id", node2.PeerID().String()[:16]+"...").
		Msg("Both nodes started; node-2 seeded directly with node-1's address")

	// ── Phase 4: Signal handling ─────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Phase 5: Wait for TimeLock to produce and gossip at least one
	// block, then verify convergence ─────────────────────────────────────
	wait := settleWait(rules.SlotLength)
	logger.Info().Dur("wait", wait).Msg("Waiting for TimeLock block production and gossip")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Wait interrupted")
	case <-time.After(wait):
	}

	h1, h2 := node1.Height(), node2.Height()
	t1, t2 := node1.TipHash(), node2.TipHash()

	logger.Info().
		Uint64("node1_height", h1).
		Uint64("node2_height", h2).
		Str("node1_tip", t1.String()[:16]+"...").
		Str("node2_tip", t2.String()[:16]+"...").
		Msg("Final chain state")

	if h1 > 0 && h1 == h2 && t1 == t2 {
		logger.Info().Msg("SUCCESS: Both nodes converged — chains match!")
		fmt.Println()
		fmt.Printf("  Blocks produced:  %d\n", h1)
		fmt.Printf("  Chain tip:        %s\n", t1)
		fmt.Printf("  Block reward:     %.3f coins\n", float64(rules.BaseReward)/float64(config.Coin))
		fmt.Printf("  Min fee rate:     %d base units/byte\n", rules.MinFeeRate)
		fmt.Printf("  Max supply:       %d coins\n", rules.MaxSupply/config.Coin)
		fmt.Printf("  Decimals:         %d\n", config.Decimals)
		fmt.Println()
	} else {
		logger.Error().Msg("FAILURE: nodes have not converged on a produced block")
		os.Exit(1)
	}
}

// writeOperatorKeyFile persists a hex-encoded private key to a temp file in
// the format internal/node expects for masternode.operator_key.
func writeOperatorKeyFile(pk *crypto.PrivateKey) (string, error) {
	f, err := os.CreateTemp("", "klingnet-testnet-operator-key-*.hex")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString(hex.EncodeToString(pk.Serialize())); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
