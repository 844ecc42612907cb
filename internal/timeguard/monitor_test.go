package timeguard

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testCandidates() []Candidate {
	return []Candidate{
		{Address: addrByte(1), PubKey: []byte{1, 1, 1}, Weight: 10},
		{Address: addrByte(2), PubKey: []byte{2, 2, 2}, Weight: 100},
		{Address: addrByte(3), PubKey: []byte{3, 3, 3}, Weight: 1000},
	}
}

func addrByte(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func TestFallbackLeader_Deterministic(t *testing.T) {
	txid := types.Hash{1}
	prev := types.Hash{2}
	candidates := testCandidates()

	a, ok1 := FallbackLeader(txid, 5, 0, prev, candidates)
	b, ok2 := FallbackLeader(txid, 5, 0, prev, candidates)
	if !ok1 || !ok2 || a != b {
		t.Error("FallbackLeader should be deterministic for identical inputs")
	}
}

func TestFallbackLeader_ChangesAcrossRounds(t *testing.T) {
	txid := types.Hash{1}
	prev := types.Hash{2}
	candidates := testCandidates()

	seen := make(map[types.Address]bool)
	for round := uint64(0); round < 10; round++ {
		leader, ok := FallbackLeader(txid, 5, round, prev, candidates)
		if !ok {
			t.Fatal("expected a leader")
		}
		seen[leader] = true
	}
	if len(seen) < 2 {
		t.Error("leader election should vary across rounds with high probability")
	}
}

func TestFallbackLeader_EmptyCandidates(t *testing.T) {
	if _, ok := FallbackLeader(types.Hash{1}, 0, 0, types.Hash{}, nil); ok {
		t.Error("no candidates should not elect a leader")
	}
}

func TestMonitor_BeginAndRecordVote(t *testing.T) {
	m := NewMonitor()
	txid := types.Hash{9}
	candidates := testCandidates()

	r, ok := m.Begin(txid, 1, types.Hash{}, candidates, time.Now())
	if !ok {
		t.Fatal("Begin should succeed with candidates present")
	}
	if r.Number != 0 {
		t.Errorf("first round number = %d, want 0", r.Number)
	}

	acc, rej, ok := m.RecordVote(txid, addrByte(1), 10, true)
	if !ok || acc != 10 || rej != 0 {
		t.Errorf("RecordVote: acc=%d rej=%d ok=%v", acc, rej, ok)
	}
}

func TestMonitor_EquivocationFlagsByzantine(t *testing.T) {
	m := NewMonitor()
	txid := types.Hash{9}
	m.Begin(txid, 1, types.Hash{}, testCandidates(), time.Now())

	m.RecordVote(txid, addrByte(1), 10, true)
	acc, rej, _ := m.RecordVote(txid, addrByte(1), 10, false)

	if acc != 0 || rej != 0 {
		t.Errorf("equivocating validator's vote should be discarded entirely, got acc=%d rej=%d", acc, rej)
	}
	if m.Metrics().ByzantineFlags != 1 {
		t.Errorf("expected 1 byzantine flag, got %d", m.Metrics().ByzantineFlags)
	}

	// Further votes from the banned validator are ignored.
	acc, rej, _ = m.RecordVote(txid, addrByte(1), 10, true)
	if acc != 0 || rej != 0 {
		t.Error("banned validator's subsequent votes must not count")
	}
}

func TestMonitor_Resolved_AtRelaxedQuorum(t *testing.T) {
	m := NewMonitor()
	txid := types.Hash{9}
	m.Begin(txid, 1, types.Hash{}, testCandidates(), time.Now())
	m.RecordVote(txid, addrByte(3), 1000, true) // weight 1000 of total 1110

	accept, resolved := m.Resolved(txid, 1110, 0.51)
	if !resolved || !accept {
		t.Errorf("1000/1110 = 0.90 should clear Q=0.51, got resolved=%v accept=%v", resolved, accept)
	}
}

func TestMonitor_Advance_ExhaustsAfterMaxRounds(t *testing.T) {
	m := NewMonitor()
	txid := types.Hash{9}
	candidates := testCandidates()
	now := time.Now()

	m.Begin(txid, 1, types.Hash{}, candidates, now)
	var lastOK bool
	for i := 0; i < MaxRounds+2; i++ {
		_, ok := m.Advance(txid, 1, types.Hash{}, candidates, now)
		lastOK = ok
		if !ok {
			break
		}
	}
	if lastOK {
		t.Error("Advance should eventually exhaust MaxRounds")
	}
}

func TestMonitor_Abandon_RecordsMetric(t *testing.T) {
	m := NewMonitor()
	txid := types.Hash{9}
	m.Begin(txid, 1, types.Hash{}, testCandidates(), time.Now())
	m.Abandon(txid)

	if m.Metrics().TimeLockResolved != 1 {
		t.Errorf("expected TimeLockResolved = 1, got %d", m.Metrics().TimeLockResolved)
	}
	if _, ok := m.RecordVote(txid, addrByte(1), 10, true); ok {
		t.Error("abandoned session should have no round state left")
	}
}
