// Package node provides a reusable blockchain node that can be embedded
// in any binary (daemon, test harness, etc.).
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/masternode"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/p2p"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/timeguard"
	"github.com/Klingon-tech/klingnet-chain/internal/timelock"
	"github.com/Klingon-tech/klingnet-chain/internal/timevote"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// heartbeatInterval is how often an active masternode is expected to
// announce liveness; DeactivateStale evicts anyone silent for 2x this.
const heartbeatInterval = 60 * time.Second

// stallCheckInterval is how often the node polls TimeVote sessions for
// stalls to hand off to TimeGuard (spec.md §4.11's 30s stall-detect window
// is enforced inside timevote.Manager; this just drives the poll).
const stallCheckInterval = 5 * time.Second

// Node is a fully-initialized blockchain node: TimeLock block production,
// TimeVote fast-path finality, TimeGuard bounded-liveness fallback, the
// tiered masternode registry, and P2P networking, wired together the way
// the teacher wires its consensus engine, mempool, and sync loop.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	utxoStore *utxo.Store
	ch        *chain.Chain
	pool      *mempool.Pool
	finalized *mempool.FinalizedPool

	// Consensus
	registry *masternode.Registry
	schedule timelock.Schedule
	verifier *timelock.Verifier
	producer *timelock.Producer
	voteMgr  *timevote.Manager
	guardMon *timeguard.Monitor
	resolver *chain.ForkResolver

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// Participation
	operatorKey *crypto.PrivateKey
	coinbase    types.Address
	tier        string

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, registry, chain, mempool, consensus, P2P) but
// does NOT start background goroutines (production, sync, heartbeat). Call
// Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Set address HRP ──────────────────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)
	rules := genesis.Protocol.Consensus

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int64("slot_length", rules.SlotLength).
		Uint64("base_threshold", rules.BaseThreshold).
		Msg("Starting Klingnet Chain Node")

	// ── 4. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Operator key / coinbase ──────────────────────────────────
	var operatorKey *crypto.PrivateKey
	if cfg.Masternode.OperatorKey != "" {
		operatorKey, err = loadValidatorKey(cfg.Masternode.OperatorKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load operator key %s: %w", cfg.Masternode.OperatorKey, err)
		}
		logger.Info().
			Str("pubkey", hex.EncodeToString(operatorKey.PublicKey())[:16]+"...").
			Msg("Operator key loaded")
	}
	var coinbase types.Address
	if cfg.Masternode.Enabled {
		coinbase, err = resolveCoinbase(cfg.Masternode.Coinbase, operatorKey)
		if err != nil {
			db.Close()
			if operatorKey != nil {
				operatorKey.Zero()
			}
			return nil, fmt.Errorf("resolve coinbase: %w", err)
		}
	}

	// ── 6. Masternode registry ───────────────────────────────────────
	registry, err := masternode.NewRegistry(rules, utxoStore, heartbeatInterval)
	if err != nil {
		db.Close()
		if operatorKey != nil {
			operatorKey.Zero()
		}
		return nil, fmt.Errorf("build masternode registry: %w", err)
	}
	for _, entry := range rules.InitialMasternodes {
		mn, err := masternodeFromEntry(entry)
		if err != nil {
			db.Close()
			if operatorKey != nil {
				operatorKey.Zero()
			}
			return nil, fmt.Errorf("seed genesis masternode %s: %w", entry.Address, err)
		}
		if err := registry.SeedGenesis(mn); err != nil {
			db.Close()
			if operatorKey != nil {
				operatorKey.Zero()
			}
			return nil, fmt.Errorf("seed genesis masternode %s: %w", entry.Address, err)
		}
	}
	logger.Info().Int("count", len(rules.InitialMasternodes)).Msg("Genesis masternodes seeded")

	// ── 7. TimeLock schedule + header verifier ───────────────────────
	schedule := timelock.Schedule{
		GenesisTime:        rules.GenesisTime,
		SlotLength:         rules.SlotLength,
		TimestampTolerance: rules.TimestampTolerance,
	}
	verifier := timelock.NewVerifier(registry, schedule, rules.BaseThreshold)

	// ── 8. Chain ──────────────────────────────────────────────────────
	ch, err := chain.New(types.ChainID{}, db, utxoStore, verifier)
	if err != nil {
		db.Close()
		if operatorKey != nil {
			operatorKey.Zero()
		}
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(rules)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			if operatorKey != nil {
				operatorKey.Zero()
			}
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 9. Mempool ────────────────────────────────────────────────────
	pool := mempool.New(newUTXOAdapter(utxoStore), 5000)
	pool.SetMinFeeRate(rules.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)
	pool.SetTierLookup(registry.TierOf)
	finalizedPool := mempool.NewFinalizedPool()

	logger.Info().
		Uint64("min_fee_rate", rules.MinFeeRate).
		Msg("Mempool ready")

	// ── 10. TimeVote / TimeGuard / TimeLock producer ──────────────────
	n := &Node{
		cfg:         cfg,
		genesis:     genesis,
		logger:      logger,
		db:          db,
		utxoStore:   utxoStore,
		ch:          ch,
		pool:        pool,
		finalized:   finalizedPool,
		registry:    registry,
		schedule:    schedule,
		verifier:    verifier,
		operatorKey: operatorKey,
		coinbase:    coinbase,
		tier:        cfg.Masternode.Tier,
	}

	voteMgr := timevote.NewManager(registry,
		rules.QFinalitySteady, rules.QFinalityRelaxed,
		time.Duration(rules.StallRelaxSeconds)*time.Second,
		n.onSessionFinalized)
	n.voteMgr = voteMgr
	n.guardMon = timeguard.NewMonitor()
	n.producer = timelock.NewProducer(ch, finalizedPool, utxoStore, registry, schedule, rules.BaseReward, rules.MaxSupply)
	n.resolver = chain.NewForkResolver(ch, registry)

	// ── 11. P2P ────────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		p2pNode := p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})

		genesisHash, _ := genesis.Hash()
		p2pNode.SetGenesisHash(genesisHash)
		p2pNode.SetHeightFn(func() uint64 { return ch.Height() })
		p2pNode.SetBlockHandler(n.handleBlock)
		p2pNode.SetTxHandler(n.handleTx)

		if err := p2pNode.Start(); err != nil {
			db.Close()
			if operatorKey != nil {
				operatorKey.Zero()
			}
			return nil, fmt.Errorf("start P2P: %w", err)
		}
		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		if err := p2pNode.JoinHeartbeat(); err != nil {
			logger.Warn().Err(err).Msg("Failed to join heartbeat topic")
		} else {
			p2pNode.SetHeartbeatHandler(n.handlePeerHeartbeat)
			logger.Info().Msg("Heartbeat protocol joined")
		}

		syncer := p2p.NewSyncer(p2pNode)
		syncer.RegisterHandler(func(fromHeight uint64, max uint32) []*block.Block {
			var blocks []*block.Block
			for h := fromHeight; h < fromHeight+uint64(max); h++ {
				blk, err := ch.GetBlockByHeight(h)
				if err != nil {
					break
				}
				blocks = append(blocks, blk)
			}
			return blocks
		})
		syncer.RegisterHeightHandler(func() (uint64, string) {
			return ch.Height(), ch.TipHash().String()
		})
		logger.Info().Msg("Chain sync protocol registered")

		n.p2pNode = p2pNode
		n.syncer = syncer
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// Stake/unstake handlers: a confirmed ScriptTypeStake output/spend is
	// the on-chain event that should eventually drive Register/Deregister
	// for collateral-backed tiers; recorded for now, full registration flow
	// (parsing tier/address out of the locking script) is a follow-on.
	ch.SetStakeHandler(func(pubKey []byte) {
		logger.Info().Str("pubkey", hex.EncodeToString(pubKey)[:16]+"...").Msg("Collateral stake observed on-chain")
	})
	ch.SetUnstakeHandler(func(pubKey []byte) {
		logger.Info().Str("pubkey", hex.EncodeToString(pubKey)[:16]+"...").Msg("Collateral stake withdrawn on-chain")
	})

	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		reinserted := 0
		for _, t := range txs {
			if _, err := pool.Add(t); err == nil {
				reinserted++
			}
		}
		if reinserted > 0 {
			logger.Info().
				Int("reverted", len(txs)).
				Int("reinserted", reinserted).
				Msg("Reverted transactions returned to mempool")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	n.ctx = ctx
	n.cancel = cancel

	return n, nil
}

// masternodeFromEntry parses a config.MasternodeEntry's string-encoded
// fields into the internal registry's representation.
func masternodeFromEntry(entry config.MasternodeEntry) (*masternode.Masternode, error) {
	addr, err := types.ParseAddress(entry.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	pubKey, err := hex.DecodeString(entry.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	outpoint, err := parseOutpoint(entry.CollateralOutpoint)
	if err != nil {
		return nil, fmt.Errorf("collateral outpoint: %w", err)
	}
	return &masternode.Masternode{
		Address:            addr,
		PublicKey:          pubKey,
		Tier:               entry.Tier,
		CollateralOutpoint: outpoint,
	}, nil
}

// Start launches background goroutines: startup sync, sync loop, TimeVote
// stall monitor, and (if this node is a registered masternode) the
// heartbeat and TimeLock block-production loops.
func (n *Node) Start() error {
	if n.p2pNode != nil && n.syncer != nil {
		n.runStartupSync()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runStallMonitor()
	}()

	if n.cfg.Masternode.Enabled {
		if n.operatorKey == nil {
			return fmt.Errorf("masternode.enabled requires masternode.operator_key")
		}
		n.logger.Info().
			Str("coinbase", hex.EncodeToString(n.coinbase[:])[:16]+"...").
			Str("tier", n.tier).
			Int64("slot_length", n.schedule.SlotLength).
			Msg("Masternode participation enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runHeartbeat()
		}()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runProducer()
		}()
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Bool("masternode", n.cfg.Masternode.Enabled).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.operatorKey != nil {
		n.operatorKey.Zero()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// TipHash returns the current chain tip's block hash.
func (n *Node) TipHash() types.Hash {
	return n.ch.TipHash()
}

// PeerID returns the node's libp2p peer ID, or "" if P2P is disabled.
func (n *Node) PeerID() peer.ID {
	if n.p2pNode == nil {
		return ""
	}
	return n.p2pNode.ID()
}

// PeerAddrs returns the node's dialable multiaddrs (including peer ID), so
// another node can be seeded directly without relying on mDNS/DHT discovery.
func (n *Node) PeerAddrs() []string {
	if n.p2pNode == nil {
		return nil
	}
	return n.p2pNode.Addrs()
}

// ── Block / transaction handlers ─────────────────────────────────────

func (n *Node) handleBlock(from peer.ID, data []byte) {
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to unmarshal block")
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "unmarshal: "+err.Error())
		}
		return
	}
	if err := n.ch.ProcessBlock(&blk); err != nil {
		if errors.Is(err, chain.ErrPrevNotFound) {
			go n.runStartupSync()
		}
		if !errors.Is(err, chain.ErrBlockKnown) &&
			!errors.Is(err, chain.ErrPrevNotFound) &&
			!errors.Is(err, chain.ErrForkDetected) {
			if n.p2pNode.BanManager != nil {
				n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
			}
		}
		if !errors.Is(err, chain.ErrBlockKnown) {
			n.logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to process block")
		}
		return
	}
	n.pool.RemoveConfirmed(blk.Transactions)
	n.finalized.RemoveIncluded(blk.Transactions)

	n.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()[:16]+"...").
		Int("txs", len(blk.Transactions)).
		Msg("Block received and applied")
}

func (n *Node) handleTx(from peer.ID, data []byte) {
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
		}
		return
	}
	fee, err := n.pool.Add(&t)
	if err != nil {
		n.logger.Debug().Err(err).Msg("Rejected transaction")
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
		}
		return
	}
	n.logger.Info().
		Str("tx", t.Hash().String()[:16]+"...").
		Uint64("fee", fee).
		Msg("Transaction added to mempool")

	n.initiateVote(&t)
}

// initiateVote opens a TimeVote session for a newly-admitted transaction.
// spec.md §4.5: fast-path finality voting starts on mempool admission, not
// on block inclusion.
func (n *Node) initiateVote(t *tx.Transaction) {
	txid := t.Hash()
	commitment := crypto.Hash(t.SigningBytes())
	slot := n.schedule.SlotForTime(time.Now().Unix())
	n.voteMgr.Initiate(txid, slot, commitment, time.Now())
}

// onSessionFinalized is the timevote.Manager callback: it promotes a
// locally-finalized transaction out of the regular mempool and into the
// TimeLock producer's finalized pool.
func (n *Node) onSessionFinalized(s *timevote.Session) {
	t := n.pool.Get(s.TxID)
	if t == nil {
		return
	}
	fee, tier, whitelisted, ok := n.pool.Promote(s.TxID)
	if !ok {
		return
	}
	n.finalized.Add(t, fee, tier, whitelisted, time.Now().UnixNano())
	n.logger.Info().Str("tx", s.TxID.String()[:16]+"...").Msg("Transaction finalized via TimeVote")
}

// handlePeerHeartbeat records a remote masternode's liveness announcement.
// Only a single witness (the sender, self-attesting) is recorded here;
// peer-relayed multi-witness attestation (a masternode vouching for ANOTHER
// masternode's liveness, not just itself) needs its own gossip message and
// is left for a follow-on pass — see DESIGN.md.
func (n *Node) handlePeerHeartbeat(msg *p2p.HeartbeatMessage) {
	addr := crypto.AddressFromPubKey(msg.PubKey)
	hb := masternode.Heartbeat{
		Address:   addr.String(),
		Timestamp: msg.Timestamp,
		Witnesses: []masternode.Witness{{
			Address:   addr.String(),
			IP:        net.IPv4zero,
			Signature: msg.Signature,
		}},
	}
	if err := n.registry.RecordHeartbeat(hb, time.Now()); err != nil {
		n.logger.Debug().Err(err).Str("addr", addr.String()).Msg("Heartbeat rejected")
	}
}

// ── Heartbeat ──────────────────────────────────────────────────────────

func (n *Node) runHeartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	n.sendHeartbeat()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sendHeartbeat()
			n.registry.DeactivateStale(time.Now())
		}
	}
}

func (n *Node) sendHeartbeat() {
	pubKey := n.operatorKey.PublicKey()
	now := time.Now()
	signingBytes := p2p.HeartbeatSigningBytes(pubKey, n.ch.Height(), now.Unix())
	digest := crypto.Hash(signingBytes)
	sig, err := n.operatorKey.Sign(digest[:])
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to sign heartbeat")
		return
	}
	msg := &p2p.HeartbeatMessage{
		PubKey:    pubKey,
		Height:    n.ch.Height(),
		Timestamp: now.Unix(),
		Signature: sig,
	}

	addr := crypto.AddressFromPubKey(pubKey)
	hb := masternode.Heartbeat{
		Address:   addr.String(),
		Timestamp: now.Unix(),
		Witnesses: []masternode.Witness{{Address: addr.String(), IP: net.IPv4zero, Signature: sig}},
	}
	if err := n.registry.RecordHeartbeat(hb, now); err != nil {
		n.logger.Debug().Err(err).Msg("Self heartbeat rejected")
	}

	if n.p2pNode != nil {
		if err := n.p2pNode.BroadcastHeartbeat(msg); err != nil {
			n.logger.Debug().Err(err).Msg("Failed to broadcast heartbeat")
		}
	}
}

// ── TimeLock block production ───────────────────────────────────────────

func (n *Node) runProducer() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.tryProduce()
		}
	}
}

func (n *Node) tryProduce() {
	height := n.ch.Height() + 1
	now := time.Now().Unix()
	if err := n.schedule.CanProduce(height, now); err != nil {
		return
	}

	weight := n.registry.Weight(n.coinbase)
	total := n.registry.TotalActiveWeight()
	if weight == 0 || total == 0 {
		return
	}

	prevHash := n.ch.TipHash()
	seed := timelock.LeaderSeed(prevHash, height)
	vrfOutput, vrfProof, err := crypto.VRFProve(n.operatorKey, seed[:])
	if err != nil {
		n.logger.Warn().Err(err).Msg("VRF prove failed")
		return
	}

	threshold := n.genesis.Protocol.Consensus.BaseThreshold
	if !timelock.Eligible(vrfOutput, weight, total, threshold) {
		return
	}

	blk, err := n.producer.Assemble(n.coinbase, vrfOutput, vrfProof, now, 2000)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Block assembly failed")
		return
	}
	if _, err := timelock.SignHeader(blk.Header, n.operatorKey); err != nil {
		n.logger.Warn().Err(err).Msg("Header signing failed")
		return
	}

	if err := n.ch.ProcessBlock(blk); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to apply own produced block")
		return
	}
	n.pool.RemoveConfirmed(blk.Transactions)
	n.finalized.RemoveIncluded(blk.Transactions)

	n.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()[:16]+"...").
		Int("txs", len(blk.Transactions)).
		Msg("Produced TimeLock block")

	if n.p2pNode != nil {
		if err := n.p2pNode.BroadcastBlock(blk); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to broadcast produced block")
		}
	}
}

// ── TimeVote stall → TimeGuard fallback ─────────────────────────────────

func (n *Node) runStallMonitor() {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkStalls()
		}
	}
}

// checkStalls resolves sessions TimeVote flagged as stalled via a local
// TimeGuard round. This node acts as its own fallback voter: with fewer
// than the 3-active-masternode auto-finalize floor, or while only this node
// is reachable, a single-voter round using the relaxed quorum is the
// correct bounded-liveness behavior (spec.md §4.11). Multi-node fallback
// round gossip (broadcasting FallbackVote across the wire) is a follow-on —
// see DESIGN.md.
func (n *Node) checkStalls() {
	stalled := n.voteMgr.CheckStalls(time.Now())
	if len(stalled) == 0 {
		return
	}

	active := n.registry.ActiveSetAt(n.ch.Height())
	candidates := make([]timeguard.Candidate, 0, len(active))
	for _, mn := range active {
		candidates = append(candidates, timeguard.Candidate{
			Address: mn.Address,
			PubKey:  mn.PublicKey,
			Weight:  n.registry.Weight(mn.Address),
		})
	}

	prevHash := n.ch.TipHash()
	slot := n.schedule.SlotForTime(time.Now().Unix())
	total := n.registry.TotalActiveWeight()

	for _, s := range stalled {
		round, ok := n.guardMon.Begin(s.TxID, slot, prevHash, candidates, time.Now())
		if !ok {
			continue
		}
		if n.operatorKey != nil {
			weight := n.registry.Weight(n.coinbase)
			if weight > 0 {
				n.guardMon.RecordVote(s.TxID, n.coinbase, weight, true)
			}
		}
		accept, resolved := n.guardMon.Resolved(s.TxID, total, n.genesis.Protocol.Consensus.QFinalityRelaxed)
		if !resolved {
			if round.Number >= timeguard.MaxRounds {
				n.voteMgr.Abandon(s.TxID)
			}
			continue
		}
		n.voteMgr.Resolve(s.TxID, accept)
		if accept {
			n.onSessionFinalized(s)
		}
	}
}

// ── Sync ────────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if len(n.p2pNode.PeerList()) == 0 {
				continue
			}
			n.runStartupSync()
		}
	}
}

func (n *Node) runStartupSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		n.logger.Info().Msg("No peers for startup sync")
		return
	}

	var bestPeer peer.ID
	var bestHeight uint64
	var bestTipHash string
	limit := 3
	if len(peers) < limit {
		limit = len(peers)
	}
	localTip := n.ch.TipHash().String()
	for _, p := range peers[:limit] {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.Height > bestHeight {
			bestHeight = resp.Height
			bestTipHash = resp.TipHash
			bestPeer = p.ID
		} else if resp.Height == bestHeight && resp.TipHash != bestTipHash && resp.TipHash != localTip {
			bestTipHash = resp.TipHash
			bestPeer = p.ID
		}
	}

	localHeight := n.ch.Height()

	if bestHeight == localHeight && bestHeight > 0 {
		if bestTipHash != "" && bestTipHash != localTip {
			n.logger.Info().
				Uint64("height", localHeight).
				Str("local_tip", localTip[:16]+"...").
				Str("peer_tip", bestTipHash[:16]+"...").
				Msg("Same-height fork detected, resolving")
			n.resolveFork(bestPeer)
		}
		return
	}

	if bestHeight <= localHeight {
		n.logger.Info().Uint64("height", localHeight).Msg("Chain is up to date")
		return
	}

	total := bestHeight - localHeight
	n.logger.Info().
		Uint64("local", localHeight).
		Uint64("remote", bestHeight).
		Uint64("blocks", total).
		Msg("Syncing chain")

	syncStart := time.Now()

	for from := localHeight + 1; from <= bestHeight; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > bestHeight {
			max = uint32(bestHeight - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, bestPeer, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			break
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				if errors.Is(err, chain.ErrPrevNotFound) {
					n.logger.Info().Uint64("height", blk.Header.Height).Msg("Fork detected during sync, resolving")
					n.resolveFork(bestPeer)
					return
				}
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
			n.pool.RemoveConfirmed(blk.Transactions)
			n.finalized.RemoveIncluded(blk.Transactions)
		}

		synced := n.ch.Height() - localHeight
		pct := float64(synced) / float64(total) * 100
		elapsed := time.Since(syncStart).Seconds()
		bps := float64(synced) / elapsed
		remaining := ""
		if bps > 0 {
			eta := float64(total-synced) / bps
			remaining = fmt.Sprintf("%.0fs", eta)
		}

		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", bestHeight).
			Str("progress", fmt.Sprintf("%.1f%%", pct)).
			Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
			Str("eta", remaining).
			Msg("Syncing")
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", time.Since(syncStart)).
		Msg("Sync complete")
}

// resolveFork hands a same-height or post-sync fork off to the exponential-
// then-binary-search ForkResolver, replacing what was previously a manual
// linear backward walk.
func (n *Node) resolveFork(peerID peer.ID) {
	src := newPeerChainSource(n.ctx, peerID, n.syncer)
	if err := n.resolver.Resolve(src, nil, nil, nil); err != nil {
		n.logger.Warn().Err(err).Str("peer", peerID.String()).Msg("Fork resolution failed")
		return
	}
	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Msg("Fork resolved")
}
