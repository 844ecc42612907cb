package mempool

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func txWithOutput(value uint64, marker byte) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Outputs: []tx.Output{{Value: value, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{marker}}}},
	}
}

func TestFinalizedPool_PriorityRank(t *testing.T) {
	cases := []struct {
		tier        string
		whitelisted bool
		want        int
	}{
		{"gold", false, 0},
		{"silver", false, 1},
		{"bronze", false, 2},
		{"free", true, 3},
		{"free", false, 4},
		{"", false, 5},
	}
	for _, c := range cases {
		if got := PriorityRank(c.tier, c.whitelisted); got != c.want {
			t.Errorf("PriorityRank(%q, %v) = %d, want %d", c.tier, c.whitelisted, got, c.want)
		}
	}
}

func TestFinalizedPool_SelectForBlock_OrdersByTierThenFeeRate(t *testing.T) {
	p := NewFinalizedPool()

	goldTx := txWithOutput(100, 1)
	silverTx := txWithOutput(100, 2)
	bronzeHighFee := txWithOutput(100, 3)

	p.Add(silverTx, 10, "silver", false, 100)
	p.Add(bronzeHighFee, 1000, "bronze", false, 50)
	p.Add(goldTx, 5, "gold", false, 200)

	selected := p.SelectForBlock(10)
	if len(selected) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(selected))
	}
	if selected[0] != goldTx {
		t.Error("gold-tier submitter should be selected first regardless of fee")
	}
	if selected[1] != silverTx {
		t.Error("silver-tier submitter should be selected ahead of bronze despite lower fee")
	}
	if selected[2] != bronzeHighFee {
		t.Error("bronze is last even with the highest fee, since tier outranks fee")
	}
}

func TestFinalizedPool_SelectForBlock_FeeRateBreaksTie(t *testing.T) {
	p := NewFinalizedPool()
	lowFee := txWithOutput(100, 1)
	highFee := txWithOutput(100, 2)

	p.Add(lowFee, 1, "bronze", false, 0)
	p.Add(highFee, 1000, "bronze", false, 0)

	selected := p.SelectForBlock(10)
	if selected[0] != highFee {
		t.Error("within the same tier, higher fee rate should sort first")
	}
}

func TestFinalizedPool_SelectForBlock_RespectsLimit(t *testing.T) {
	p := NewFinalizedPool()
	for i := byte(0); i < 5; i++ {
		p.Add(txWithOutput(100, i), 1, "free", false, int64(i))
	}
	if got := p.SelectForBlock(2); len(got) != 2 {
		t.Errorf("expected 2 transactions under limit, got %d", len(got))
	}
}

func TestFinalizedPool_RemoveIncluded_IsSelective(t *testing.T) {
	p := NewFinalizedPool()
	t1 := txWithOutput(100, 1)
	t2 := txWithOutput(100, 2)
	p.Add(t1, 1, "gold", false, 0)
	p.Add(t2, 1, "gold", false, 0)

	p.RemoveIncluded([]*tx.Transaction{t1})

	if p.Has(t1.Hash()) {
		t.Error("included transaction should be removed")
	}
	if !p.Has(t2.Hash()) {
		t.Error("non-included transaction should persist for the next producer")
	}
}

func TestFinalizedPool_Add_RejectsDuplicate(t *testing.T) {
	p := NewFinalizedPool()
	t1 := txWithOutput(100, 1)
	p.Add(t1, 1, "gold", false, 0)
	p.Add(t1, 999, "gold", false, 0) // same tx, should be a no-op, not overwrite

	if p.Count() != 1 {
		t.Errorf("duplicate add should not create a second entry, count = %d", p.Count())
	}
}
