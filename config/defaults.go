package config

// MaxMempoolBytes is the chosen byte budget for the pending and finalized
// mempool pools combined. The mempool package does not reference it: the
// pending pool is bounded by transaction count (mempool.New's maxSize) and
// the finalized pool is unbounded.
const MaxMempoolBytes = 300 * 1024 * 1024

// MaxMsgRatePerPeer is the chosen inbound P2P message rate per peer per
// message kind, per second. The p2p package does not apply it; no per-peer
// rate limiting is performed.
const MaxMsgRatePerPeer = 20

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30303,
			MaxPeers:   50,
			// Bootnodes are seed nodes that help new peers join the network.
			// Format: multiaddr strings, e.g.:
			//   "/ip4/203.0.113.1/tcp/30303/p2p/12D3KooW..."
			//   "/dns4/seed1.klingnet.io/tcp/30303/p2p/12D3KooW..."
			// Run seed nodes with --dht-server for optimal DHT performance.
			// Real addresses will be filled when seed servers are provisioned.
			Seeds: []string{},
		},
		Wallet: WalletConfig{
			Enabled: false,
		},
		Masternode: MasternodeConfig{
			Enabled: false,
		},
		Consensus: ConsensusConfig{
			MinMasternodes: 3,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30304
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
