package config

import "fmt"

var validTiers = map[string]bool{
	"":       true, // unset, valid when masternode.enabled = false
	"free":   true,
	"bronze": true,
	"silver": true,
	"gold":   true,
}

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}

	cfg.Masternode.Tier = normalizeTier(cfg.Masternode.Tier)
	if !validTiers[cfg.Masternode.Tier] {
		return fmt.Errorf("masternode.tier must be one of free, bronze, silver, gold")
	}
	if cfg.Masternode.Enabled {
		if cfg.Masternode.Tier == "" {
			return fmt.Errorf("masternode.enabled requires masternode.tier")
		}
		if cfg.Masternode.Tier != "free" && cfg.Masternode.CollateralTxID == "" {
			return fmt.Errorf("masternode.tier=%s requires masternode.collateral_txid", cfg.Masternode.Tier)
		}
		if cfg.Masternode.Coinbase == "" {
			return fmt.Errorf("masternode.enabled requires masternode.coinbase")
		}
		if cfg.Masternode.OperatorKey == "" {
			return fmt.Errorf("masternode.enabled requires masternode.operator_key")
		}
	}

	if cfg.Consensus.MinMasternodes < 0 {
		return fmt.Errorf("consensus.min_masternodes must be >= 0")
	}

	return nil
}

func normalizeTier(tier string) string {
	switch tier {
	case "Free", "FREE":
		return "free"
	case "Bronze", "BRONZE":
		return "bronze"
	case "Silver", "SILVER":
		return "silver"
	case "Gold", "GOLD":
		return "gold"
	default:
		return tier
	}
}
