package masternode

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testRules() config.ConsensusRules {
	return config.ConsensusRules{
		TierWeights:    cloneMap(config.DefaultTierWeights),
		TierCollateral: cloneMap(config.DefaultTierCollateral),
	}
}

func cloneMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func createStakeUTXO(t *testing.T, store *utxo.Store, pubKey []byte, value uint64, txData string) types.Outpoint {
	t.Helper()
	op := types.Outpoint{TxID: crypto.Hash([]byte(txData)), Index: 0}
	u := &utxo.UTXO{
		Outpoint: op,
		Value:    value,
		Script:   types.Script{Type: types.ScriptTypeStake, Data: pubKey},
		State:    utxo.Unspent,
	}
	if err := store.Put(u); err != nil {
		t.Fatalf("Put stake UTXO: %v", err)
	}
	return op
}

func TestCollateralChecker_FreeTierNoOutpoint(t *testing.T) {
	weights, err := NewWeightTable(testRules())
	if err != nil {
		t.Fatalf("NewWeightTable: %v", err)
	}
	checker := NewCollateralChecker(utxo.NewStore(storage.NewMemory()), weights)

	key, _ := crypto.GenerateKey()
	if err := checker.Validate(config.TierFree, nil, key.PublicKey()); err != nil {
		t.Errorf("free tier should validate with no outpoint: %v", err)
	}
}

func TestCollateralChecker_BronzeExactAmount(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)
	weights, _ := NewWeightTable(testRules())
	checker := NewCollateralChecker(store, weights)

	key, _ := crypto.GenerateKey()
	op := createStakeUTXO(t, store, key.PublicKey(), config.DefaultTierCollateral[config.TierBronze], "tx1")

	if err := checker.Validate(config.TierBronze, &op, key.PublicKey()); err != nil {
		t.Errorf("exact bronze collateral should validate: %v", err)
	}
}

func TestCollateralChecker_WrongAmountRejected(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)
	weights, _ := NewWeightTable(testRules())
	checker := NewCollateralChecker(store, weights)

	key, _ := crypto.GenerateKey()
	// Locked value matches Silver, but declared tier is Bronze.
	op := createStakeUTXO(t, store, key.PublicKey(), config.DefaultTierCollateral[config.TierSilver], "tx1")

	err := checker.Validate(config.TierBronze, &op, key.PublicKey())
	if !errors.Is(err, ErrWrongCollateralAmount) {
		t.Fatalf("expected ErrWrongCollateralAmount, got: %v", err)
	}
}

func TestCollateralChecker_MissingOutpointRejected(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)
	weights, _ := NewWeightTable(testRules())
	checker := NewCollateralChecker(store, weights)

	key, _ := crypto.GenerateKey()
	if err := checker.Validate(config.TierGold, nil, key.PublicKey()); !errors.Is(err, ErrNoCollateral) {
		t.Fatalf("expected ErrNoCollateral, got: %v", err)
	}
}

func TestCollateralChecker_UnknownOutpointRejected(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)
	weights, _ := NewWeightTable(testRules())
	checker := NewCollateralChecker(store, weights)

	key, _ := crypto.GenerateKey()
	ghost := types.Outpoint{TxID: crypto.Hash([]byte("ghost")), Index: 0}
	if err := checker.Validate(config.TierGold, &ghost, key.PublicKey()); !errors.Is(err, ErrCollateralNotFound) {
		t.Fatalf("expected ErrCollateralNotFound, got: %v", err)
	}
}

func TestCollateralChecker_KeyMismatchRejected(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)
	weights, _ := NewWeightTable(testRules())
	checker := NewCollateralChecker(store, weights)

	lockedKey, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	op := createStakeUTXO(t, store, lockedKey.PublicKey(), config.DefaultTierCollateral[config.TierGold], "tx1")

	err := checker.Validate(config.TierGold, &op, otherKey.PublicKey())
	if !errors.Is(err, ErrCollateralKeyMismatch) {
		t.Fatalf("expected ErrCollateralKeyMismatch, got: %v", err)
	}
}
