package timelock

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ActiveSetSource is the masternode-registry surface header verification
// needs: weight and tier lookups for the claimed leader, plus the total
// effective weight the VRF sortition test is computed against.
type ActiveSetSource interface {
	Weight(address types.Address) uint64
	TierOf(address types.Address) (string, bool)
	PublicKeyOf(address types.Address) ([]byte, bool)
	TotalActiveWeight() uint64
}

// Verifier implements chain.HeaderVerifier: it checks slot timing, VRF
// proof validity, and sortition eligibility for a candidate header's
// claimed leader. Grounded on the teacher's internal/consensus engines'
// Verify-on-header-chain shape, generalized from PoA signer-whitelist
// checking and PoW difficulty checking into VRF-sortition eligibility.
type Verifier struct {
	registry    ActiveSetSource
	schedule    Schedule
	baseThresh  uint64
	maxAttempts uint
}

// NewVerifier builds a header verifier bound to the masternode registry,
// slot schedule, and base sortition threshold.
func NewVerifier(registry ActiveSetSource, schedule Schedule, baseThreshold uint64) *Verifier {
	return &Verifier{registry: registry, schedule: schedule, baseThresh: baseThreshold, maxAttempts: 8}
}

// ErrBadLeader, ErrIneligible, and ErrBadVRF are returned by VerifyHeader
// for their respective failure conditions.
var (
	ErrBadLeader  = fmt.Errorf("leader is not an active masternode")
	ErrIneligible = fmt.Errorf("leader was not eligible for this slot")
	ErrBadVRF     = fmt.Errorf("VRF proof does not verify")
)

// VerifyHeader implements chain.HeaderVerifier. It validates: the header's
// height is prev.Height+1, the timestamp falls within the slot window (or,
// for a liveness-recovery header, is accepted without a sortition check —
// TimeGuard headers are authenticated by their own quorum signature set,
// not by TimeLock sortition), the VRF proof verifies against the claimed
// leader's public key and the slot seed, and the resulting VRF output
// clears the sortition threshold for the leader's effective weight.
func (v *Verifier) VerifyHeader(prev *block.Header, candidate *block.Header) error {
	if candidate.Height != prev.Height+1 {
		return fmt.Errorf("expected height %d, got %d", prev.Height+1, candidate.Height)
	}
	if err := v.schedule.ValidateTimestamp(candidate.Height, candidate.Timestamp); err != nil {
		return err
	}

	if candidate.LivenessRecovery {
		// TimeGuard-produced headers are authenticated by fallback-leader
		// quorum signatures checked elsewhere (internal/timeguard), not by
		// VRF sortition.
		return nil
	}

	pubKey, ok := v.registry.PublicKeyOf(candidate.Leader)
	if !ok {
		return ErrBadLeader
	}

	seed := LeaderSeed(prev.Hash(), candidate.Height)
	if !crypto.VRFVerify(pubKey, seed[:], candidate.VRFOutput, candidate.VRFProof) {
		return ErrBadVRF
	}

	weight := v.registry.Weight(candidate.Leader)
	total := v.registry.TotalActiveWeight()

	if Eligible(candidate.VRFOutput, weight, total, v.baseThresh) {
		return nil
	}

	// Fall back to checking successive relaxed thresholds: a header
	// produced after empty slots is valid if it clears the relaxation the
	// leader's tier is entitled to at some attempt count within bounds.
	tier, ok := v.registry.TierOf(candidate.Leader)
	if !ok || !RelaxationEligibleTier(tier) {
		return ErrIneligible
	}
	for attempt := uint(1); attempt <= v.maxAttempts; attempt++ {
		if Eligible(candidate.VRFOutput, weight, total, RelaxedThreshold(v.baseThresh, attempt)) {
			return nil
		}
	}
	return ErrIneligible
}
