package masternode

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
)

func TestWeightTable_DefaultWeights(t *testing.T) {
	wt, err := NewWeightTable(testRules())
	if err != nil {
		t.Fatalf("NewWeightTable: %v", err)
	}
	if wt.Weight(config.TierFree) != 1 {
		t.Errorf("free weight = %d, want 1", wt.Weight(config.TierFree))
	}
	if wt.Weight(config.TierBronze) != 10 {
		t.Errorf("bronze weight = %d, want 10", wt.Weight(config.TierBronze))
	}
	if wt.Weight(config.TierSilver) != 100 {
		t.Errorf("silver weight = %d, want 100", wt.Weight(config.TierSilver))
	}
	if wt.Weight(config.TierGold) != 1000 {
		t.Errorf("gold weight = %d, want 1000", wt.Weight(config.TierGold))
	}
}

func TestWeightTable_FreeTierBonus(t *testing.T) {
	wt, _ := NewWeightTable(testRules())
	wt.FreeTierBonus = 5
	if got := wt.Weight(config.TierFree); got != 6 {
		t.Errorf("free weight with bonus = %d, want 6", got)
	}
}

func TestWeightTable_FreeTierBonusCappedByBronze(t *testing.T) {
	wt, _ := NewWeightTable(testRules())
	wt.FreeTierBonus = 1000 // far above both the +20 cap and Bronze's weight
	if got := wt.Weight(config.TierFree); got != 9 {
		t.Errorf("free weight should cap at bronze-1=9, got %d", got)
	}
}

func TestWeightTable_MissingTierRejected(t *testing.T) {
	rules := testRules()
	delete(rules.TierWeights, config.TierGold)
	if _, err := NewWeightTable(rules); err == nil {
		t.Error("NewWeightTable should fail when a tier is missing")
	}
}

func TestWeightTable_RequiredCollateral(t *testing.T) {
	wt, _ := NewWeightTable(testRules())

	amount, ok := wt.RequiredCollateral(config.TierFree)
	if !ok || amount != 0 {
		t.Errorf("free collateral = (%d, %v), want (0, true)", amount, ok)
	}

	amount, ok = wt.RequiredCollateral(config.TierBronze)
	if !ok || amount != config.DefaultTierCollateral[config.TierBronze] {
		t.Errorf("bronze collateral = (%d, %v)", amount, ok)
	}

	_, ok = wt.RequiredCollateral("platinum")
	if ok {
		t.Error("unknown tier should not resolve a collateral amount")
	}
}

func TestValidTier(t *testing.T) {
	for _, tier := range []string{config.TierFree, config.TierBronze, config.TierSilver, config.TierGold} {
		if !ValidTier(tier) {
			t.Errorf("%q should be a valid tier", tier)
		}
	}
	if ValidTier("platinum") {
		t.Error("unrecognized tier should not be valid")
	}
}
