package timelock

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// LeaderSeed computes seed = BLAKE3("tl_leader" ‖ previous_hash ‖ h), the
// per-slot randomness beacon every active masternode evaluates its VRF
// against.
func LeaderSeed(prevHash types.Hash, height uint64) [32]byte {
	buf := make([]byte, 0, 9+32+8)
	buf = append(buf, "tl_leader"...)
	buf = append(buf, prevHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, height)
	return crypto.Hash(buf)
}

// outputAsU32 treats the leading 4 bytes of a VRF output as a big-endian
// uint32, per the BASE_THRESHOLD derivation recorded in DESIGN.md: the VRF
// output's uniform distribution over this 2^32 domain makes each
// masternode's win probability exactly its effective-weight share.
func outputAsU32(output [32]byte) uint32 {
	return binary.BigEndian.Uint32(output[:4])
}

// Eligible reports whether a masternode with effectiveWeight out of
// totalEffectiveWeight wins slot leadership given its VRF output, under the
// (possibly relaxed) base threshold: vrf_output_u32 < effectiveWeight *
// baseThreshold / totalEffectiveWeight, computed as a cross-multiplication
// to avoid a lossy division.
func Eligible(output [32]byte, effectiveWeight, totalEffectiveWeight, baseThreshold uint64) bool {
	if totalEffectiveWeight == 0 {
		return false
	}
	lhs := uint64(outputAsU32(output)) * totalEffectiveWeight
	rhs := effectiveWeight * baseThreshold
	return lhs < rhs
}

// RelaxedThreshold applies the emergency-fallback relaxation factor 2^attempt
// after successive empty slots. Saturates at math.MaxUint64 rather than
// overflowing.
func RelaxedThreshold(baseThreshold uint64, attempt uint) uint64 {
	if attempt == 0 {
		return baseThreshold
	}
	if attempt >= 64 {
		return ^uint64(0)
	}
	shifted := baseThreshold << attempt
	if shifted>>attempt != baseThreshold { // overflowed
		return ^uint64(0)
	}
	return shifted
}

// RelaxationEligibleTier reports whether a tier may benefit from emergency
// threshold relaxation. Relaxation is restricted to tier >= Bronze to
// preserve Sybil resistance — an unbounded flood of cheap Free-tier
// identities must not gain leader-selection odds just because slots have
// gone empty.
func RelaxationEligibleTier(tier string) bool {
	switch tier {
	case config.TierBronze, config.TierSilver, config.TierGold:
		return true
	default:
		return false
	}
}
