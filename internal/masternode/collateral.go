package masternode

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ErrNoCollateral is returned when a paid tier is declared without a
// collateral outpoint.
var ErrNoCollateral = errors.New("tier requires a collateral outpoint")

// ErrCollateralNotFound is returned when the declared outpoint does not
// reference a live ScriptTypeStake UTXO.
var ErrCollateralNotFound = errors.New("collateral outpoint not found or not locked")

// ErrWrongCollateralAmount is returned when the locked value does not match
// the declared tier's exact requirement.
var ErrWrongCollateralAmount = errors.New("collateral amount does not match tier")

// ErrCollateralKeyMismatch is returned when the collateral UTXO's locked
// public key does not match the masternode's operator key.
var ErrCollateralKeyMismatch = errors.New("collateral key does not match masternode public key")

// ErrDuplicateCollateral is returned when an outpoint is already bound to a
// different registered masternode.
var ErrDuplicateCollateral = errors.New("collateral outpoint already bound to another masternode")

// CollateralChecker validates declared tier collateral against the UTXO set.
// Adapted from the teacher's UTXOStakeChecker.HasStake (a single min-stake
// sum-with-overflow-guard check) into the tiered exact-amount match spec.md
// §4.3 requires: a masternode's tier is exactly determined by the locked
// amount, not a minimum threshold.
type CollateralChecker struct {
	utxos   utxo.Set
	weights *WeightTable
}

// NewCollateralChecker creates a checker backed by the given UTXO set and
// weight table.
func NewCollateralChecker(utxos utxo.Set, weights *WeightTable) *CollateralChecker {
	return &CollateralChecker{utxos: utxos, weights: weights}
}

// Validate checks that outpoint references a locked ScriptTypeStake UTXO
// whose value exactly matches tier's required collateral and whose locked
// public key matches pubKey. Free tier always validates (no collateral
// outpoint required).
func (c *CollateralChecker) Validate(tier string, outpoint *types.Outpoint, pubKey []byte) error {
	if !ValidTier(tier) {
		return fmt.Errorf("unknown tier %q", tier)
	}

	required, ok := c.weights.RequiredCollateral(tier)
	if !ok {
		return fmt.Errorf("no collateral amount configured for tier %q", tier)
	}
	if tier == config.TierFree {
		return nil
	}
	if outpoint == nil {
		return ErrNoCollateral
	}

	u, err := c.utxos.Get(*outpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollateralNotFound, err)
	}
	if u.State != utxo.Unspent && u.State != utxo.Locked {
		return ErrCollateralNotFound
	}
	if u.Script.Type != types.ScriptTypeStake {
		return ErrCollateralNotFound
	}
	if len(u.Script.Data) != len(pubKey) || string(u.Script.Data) != string(pubKey) {
		return ErrCollateralKeyMismatch
	}
	if u.Value != required {
		return fmt.Errorf("%w: locked=%d want=%d", ErrWrongCollateralAmount, u.Value, required)
	}
	return nil
}
