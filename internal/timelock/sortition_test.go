package timelock

import (
	"encoding/binary"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func outputWithU32(v uint32) [32]byte {
	var out [32]byte
	binary.BigEndian.PutUint32(out[:4], v)
	return out
}

func TestLeaderSeed_Deterministic(t *testing.T) {
	prev := types.Hash{1, 2, 3}
	a := LeaderSeed(prev, 42)
	b := LeaderSeed(prev, 42)
	if a != b {
		t.Error("LeaderSeed should be deterministic for the same inputs")
	}
	c := LeaderSeed(prev, 43)
	if a == c {
		t.Error("LeaderSeed should differ across heights")
	}
}

func TestEligible_ProportionalToWeight(t *testing.T) {
	const total = uint64(1000)
	const base = uint64(1) << 32

	// An output just under the threshold for weight=100 (10% of total)
	// should be eligible; just at or above should not.
	threshold := uint32((base * 100) / total)

	eligibleOut := outputWithU32(threshold - 1)
	if !Eligible(eligibleOut, 100, total, base) {
		t.Error("output just under threshold should be eligible")
	}

	ineligibleOut := outputWithU32(threshold + 1000)
	if Eligible(ineligibleOut, 100, total, base) {
		t.Error("output well over threshold should not be eligible")
	}
}

func TestEligible_ZeroTotalWeight(t *testing.T) {
	if Eligible(outputWithU32(0), 0, 0, 1<<32) {
		t.Error("zero total weight should never be eligible")
	}
}

func TestRelaxedThreshold_Doubling(t *testing.T) {
	base := uint64(1 << 32)
	if got := RelaxedThreshold(base, 0); got != base {
		t.Errorf("attempt 0 = %d, want base %d", got, base)
	}
	if got := RelaxedThreshold(base, 1); got != base*2 {
		t.Errorf("attempt 1 = %d, want %d", got, base*2)
	}
	if got := RelaxedThreshold(base, 2); got != base*4 {
		t.Errorf("attempt 2 = %d, want %d", got, base*4)
	}
}

func TestRelaxedThreshold_SaturatesOnOverflow(t *testing.T) {
	if got := RelaxedThreshold(^uint64(0), 1); got != ^uint64(0) {
		t.Errorf("overflowing shift should saturate to max uint64, got %d", got)
	}
	if got := RelaxedThreshold(1<<32, 100); got != ^uint64(0) {
		t.Errorf("attempt >= 64 should saturate, got %d", got)
	}
}

func TestRelaxationEligibleTier(t *testing.T) {
	if RelaxationEligibleTier(config.TierFree) {
		t.Error("free tier must not be relaxation-eligible (Sybil resistance)")
	}
	for _, tier := range []string{config.TierBronze, config.TierSilver, config.TierGold} {
		if !RelaxationEligibleTier(tier) {
			t.Errorf("%q should be relaxation-eligible", tier)
		}
	}
}
