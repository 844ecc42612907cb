// Package masternode maintains the tiered masternode active set: tier→weight
// bookkeeping, collateral validation, heartbeat-based liveness, and the
// active-set bitmap consumed by block headers.
package masternode

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
)

// WeightTable answers tier-weight and tier-collateral lookups. Built from
// genesis's TierWeights/TierCollateral maps so the registry never hardcodes
// the 1/10/100/1000 multipliers — governance can only change them at
// genesis, via config.ConsensusRules.
type WeightTable struct {
	weights    map[string]uint64
	collateral map[string]uint64

	// FreeTierBonus adds a flat bonus to the Free tier's effective sampling
	// weight, a knob left at zero pending governance (Open Question 2).
	FreeTierBonus uint64
}

// NewWeightTable builds a weight table from consensus rules. Returns an
// error if the tier tables are missing required tiers.
func NewWeightTable(r config.ConsensusRules) (*WeightTable, error) {
	if r.TierWeights == nil {
		return nil, fmt.Errorf("consensus rules missing tier weights")
	}
	for _, tier := range []string{config.TierFree, config.TierBronze, config.TierSilver, config.TierGold} {
		if _, ok := r.TierWeights[tier]; !ok {
			return nil, fmt.Errorf("tier weights missing entry for %q", tier)
		}
	}
	return &WeightTable{
		weights:    r.TierWeights,
		collateral: r.TierCollateral,
	}, nil
}

// maxFreeTierBonus is the spec-mandated cap on FreeTierBonus itself (spec.md
// §9 OQ2: "capped at +20 then capped by Bronze−1").
const maxFreeTierBonus = 20

// Weight returns the sampling/governance weight for a tier, including the
// Free-tier bonus. The bonus is capped at maxFreeTierBonus and the resulting
// Free weight is further capped one below Bronze's weight, preserving the
// Free < Bronze < Silver < Gold ordering invariant. Unknown tiers return 0.
func (w *WeightTable) Weight(tier string) uint64 {
	base, ok := w.weights[tier]
	if !ok {
		return 0
	}
	if tier != config.TierFree {
		return base
	}

	bonus := w.FreeTierBonus
	if bonus > maxFreeTierBonus {
		bonus = maxFreeTierBonus
	}
	weight := base + bonus
	if bronze, ok := w.weights[config.TierBronze]; ok && bronze > 0 && weight >= bronze {
		weight = bronze - 1
	}
	return weight
}

// RequiredCollateral returns the exact collateral amount a tier requires.
// Free tier requires none; ok is false for unknown paid tiers.
func (w *WeightTable) RequiredCollateral(tier string) (amount uint64, ok bool) {
	if tier == config.TierFree {
		return 0, true
	}
	amount, ok = w.collateral[tier]
	return amount, ok
}

// ValidTier reports whether tier is one of the four recognized tiers.
func ValidTier(tier string) bool {
	switch tier {
	case config.TierFree, config.TierBronze, config.TierSilver, config.TierGold:
		return true
	default:
		return false
	}
}
