package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// CollateralCooldown is the number of blocks an unlocked collateral return
// output is locked before it can be spent, mirroring CoinbaseMaturity so a
// deregistering masternode can't immediately respend through a reorg.
const CollateralCooldown uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Masternode tier names. Free has no collateral requirement; Bronze/Silver/
// Gold require exact-amount collateral locks.
const (
	TierFree   = "free"
	TierBronze = "bronze"
	TierSilver = "silver"
	TierGold   = "gold"
)

// DefaultTierWeights is the sampling/governance weight table: Free=1x,
// Bronze=10x, Silver=100x, Gold=1000x.
var DefaultTierWeights = map[string]uint64{
	TierFree:   1,
	TierBronze: 10,
	TierSilver: 100,
	TierGold:   1000,
}

// DefaultTierCollateral maps each paid tier to the exact collateral amount
// (base units) its lock must match. Free carries no entry — it is
// collateral-free by definition.
var DefaultTierCollateral = map[string]uint64{
	TierBronze: 1000 * Coin,
	TierSilver: 10000 * Coin,
	TierGold:   100000 * Coin,
}

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "TIME")

	// Genesis block
	Timestamp int64  `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	// Consensus
	Consensus ConsensusRules `json:"consensus"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// MasternodeEntry describes one member of the genesis active set.
type MasternodeEntry struct {
	Address            string `json:"address"`
	PublicKey          string `json:"public_key"` // hex, 32-byte Ed25519
	Tier               string `json:"tier"`
	CollateralOutpoint string `json:"collateral_outpoint,omitempty"` // "<txid>:<vout>", empty for Free
}

// ConsensusRules defines TimeLock/TimeVote protocol parameters. All fields
// are consensus-critical: nodes that disagree on any of these cannot stay
// on the same chain.
type ConsensusRules struct {
	// TimeLock slot schedule. slot_time(h) = GenesisTime + h*SlotLength.
	GenesisTime        int64 `json:"genesis_time"`
	SlotLength         int64 `json:"slot_length"`         // seconds, 600 by default
	TimestampTolerance int64 `json:"timestamp_tolerance"` // seconds, 60 by default

	// TimeVote/TimeProof finality thresholds.
	QFinalitySteady   float64 `json:"q_finality_steady"`   // 0.67
	QFinalityRelaxed  float64 `json:"q_finality_relaxed"`  // 0.51
	StallRelaxSeconds int64   `json:"stall_relax_seconds"` // 30 s of silence before relaxing

	// VRF sortition. See DESIGN.md for the derivation of BaseThreshold.
	BaseThreshold uint64 `json:"base_threshold"`

	// Fork resolution.
	MaxReorgDepth   uint64 `json:"max_reorg_depth"`   // 1000
	AlertReorgDepth uint64 `json:"alert_reorg_depth"` // 100
	BaseWork        uint64 `json:"base_work"`         // cumulative_work increment per confirmed block

	// Masternode tiers.
	TierWeights    map[string]uint64 `json:"tier_weights"`
	TierCollateral map[string]uint64 `json:"tier_collateral"`

	// Genesis active set.
	InitialMasternodes []MasternodeEntry `json:"initial_masternodes"`

	// Economics.
	BaseReward      uint64 `json:"base_reward"`                // Base units awarded per block before fees
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64 `json:"min_fee_rate"`                // Minimum fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Unlike the mainnet build this derives the Ed25519 keypair at genesis
// construction time rather than hardcoding its hex encoding, since the
// seed->Ed25519 derivation is deterministic and the mnemonic is already
// public knowledge.
// =============================================================================

// TestnetMnemonic is the well-known seed phrase for the testnet genesis
// masternode.
const TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

// testnetIdentity derives the well-known testnet genesis masternode's
// Ed25519 keypair and address from TestnetMnemonic.
func testnetIdentity() (pubKeyHex string, address types.Address) {
	seed, err := wallet.SeedFromMnemonic(TestnetMnemonic, "")
	if err != nil {
		panic(fmt.Sprintf("testnet identity: deriving seed: %v", err))
	}
	pk, err := crypto.PrivateKeyFromSeed(seed[:32])
	if err != nil {
		panic(fmt.Sprintf("testnet identity: deriving key: %v", err))
	}
	pub := pk.PublicKey()
	return fmt.Sprintf("%x", pub), crypto.AddressFromPubKey(pub)
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "TIME",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Alloc: map[string]uint64{
			"time1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				GenesisTime:        1770734103,
				SlotLength:         600,
				TimestampTolerance: 60,

				QFinalitySteady:   0.67,
				QFinalityRelaxed:  0.51,
				StallRelaxSeconds: 30,

				BaseThreshold: 1 << 32,

				MaxReorgDepth:   1000,
				AlertReorgDepth: 100,
				BaseWork:        1,

				TierWeights:    cloneWeights(DefaultTierWeights),
				TierCollateral: cloneWeights(DefaultTierCollateral),

				// Populated by governance once mainnet masternodes register;
				// a freshly-launched mainnet starts with no active set and
				// relies on TimeGuard's bounded-liveness fallback until
				// enough collateral locks land to meet min_masternodes.
				InitialMasternodes: nil,

				BaseReward:      20 * MilliCoin,
				MaxSupply:       2_000_000 * Coin,
				HalvingInterval: 0,
				MinFeeRate:      10_000,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"

	// Relaxed economics for testnet.
	g.Protocol.Consensus.MinFeeRate = 10 // very low, for testing

	pubKeyHex, addr := testnetIdentity()
	addrStr := addr.String()

	g.Alloc = map[string]uint64{
		addrStr: 200_000 * Coin,
	}

	// Testnet genesis masternode: a single Gold-tier node (no real
	// collateral lock at genesis — exempted since it IS the genesis set).
	g.Protocol.Consensus.InitialMasternodes = []MasternodeEntry{
		{
			Address:   addrStr,
			PublicKey: pubKeyHex,
			Tier:      TierGold,
		},
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

func cloneWeights(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	c := &g.Protocol.Consensus
	if c.SlotLength <= 0 {
		return fmt.Errorf("slot_length must be positive")
	}
	if c.TimestampTolerance <= 0 {
		return fmt.Errorf("timestamp_tolerance must be positive")
	}
	if c.QFinalitySteady <= 0 || c.QFinalitySteady > 1 {
		return fmt.Errorf("q_finality_steady must be in (0, 1]")
	}
	if c.QFinalityRelaxed <= 0 || c.QFinalityRelaxed > c.QFinalitySteady {
		return fmt.Errorf("q_finality_relaxed must be in (0, q_finality_steady]")
	}
	if c.BaseThreshold == 0 {
		return fmt.Errorf("base_threshold must be positive")
	}
	if c.MaxReorgDepth == 0 || c.AlertReorgDepth == 0 || c.AlertReorgDepth > c.MaxReorgDepth {
		return fmt.Errorf("alert_reorg_depth must be in (0, max_reorg_depth]")
	}
	if c.BaseReward == 0 {
		return fmt.Errorf("base_reward must be positive")
	}

	for _, tier := range []string{TierFree, TierBronze, TierSilver, TierGold} {
		if _, ok := c.TierWeights[tier]; !ok {
			return fmt.Errorf("tier_weights missing entry for %q", tier)
		}
	}
	if c.TierWeights[TierFree] > c.TierWeights[TierBronze]-1 {
		return fmt.Errorf("free tier weight must be <= bronze weight - 1")
	}
	for _, tier := range []string{TierBronze, TierSilver, TierGold} {
		if _, ok := c.TierCollateral[tier]; !ok {
			return fmt.Errorf("tier_collateral missing entry for %q", tier)
		}
	}

	seen := make(map[string]bool, len(c.InitialMasternodes))
	for i, mn := range c.InitialMasternodes {
		if mn.Address == "" {
			return fmt.Errorf("initial_masternodes[%d]: address required", i)
		}
		if seen[mn.Address] {
			return fmt.Errorf("initial_masternodes[%d]: duplicate address %s", i, mn.Address)
		}
		seen[mn.Address] = true
		if _, ok := c.TierWeights[mn.Tier]; !ok {
			return fmt.Errorf("initial_masternodes[%d]: unknown tier %q", i, mn.Tier)
		}
		if mn.Tier != TierFree && mn.CollateralOutpoint == "" {
			return fmt.Errorf("initial_masternodes[%d]: tier %q requires a collateral_outpoint", i, mn.Tier)
		}
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if c.MaxSupply > 0 && totalAlloc > c.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)", totalAlloc, c.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
