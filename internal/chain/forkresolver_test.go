package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// fakePeer serves blocks from an in-memory slice indexed by height,
// standing in for a real internal/p2p peer connection.
type fakePeer struct {
	id       types.Address
	genesis  types.Hash
	byHeight map[uint64]*block.Block
	tip      uint64
	cumWork  uint64
}

func newFakePeer(id byte, genesis types.Hash, blocks []*block.Block, cumWork uint64) *fakePeer {
	p := &fakePeer{id: addrFromByteFR(id), genesis: genesis, byHeight: make(map[uint64]*block.Block), cumWork: cumWork}
	for _, b := range blocks {
		p.byHeight[b.Header.Height] = b
		if b.Header.Height > p.tip {
			p.tip = b.Header.Height
		}
	}
	return p
}

func addrFromByteFR(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func (p *fakePeer) PeerID() types.Address    { return p.id }
func (p *fakePeer) GenesisHash() types.Hash  { return p.genesis }

func (p *fakePeer) BlockHashAt(height uint64) (types.Hash, bool, error) {
	b, ok := p.byHeight[height]
	if !ok {
		return types.Hash{}, false, nil
	}
	return b.Hash(), true, nil
}

func (p *fakePeer) ChainTip() (uint64, types.Hash, uint64, error) {
	b := p.byHeight[p.tip]
	return p.tip, b.Hash(), p.cumWork, nil
}

func (p *fakePeer) GetBlocks(start, end uint64) ([]*block.Block, error) {
	var out []*block.Block
	for h := start; h <= end; h++ {
		b, ok := p.byHeight[h]
		if !ok {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func TestForkResolver_FindCommonAncestor_ExactMatch(t *testing.T) {
	ch, _, addr, _ := reorgTestChain(t)
	genesisHash := ch.TipHash()

	blk1 := buildCoinbaseBlock(t, ch, genesisHash, 1, addr, 0)
	if err := ch.ProcessBlock(blk1); err != nil {
		t.Fatalf("process blk1: %v", err)
	}
	blk2 := buildCoinbaseBlock(t, ch, blk1.Hash(), 2, addr, 0)
	if err := ch.ProcessBlock(blk2); err != nil {
		t.Fatalf("process blk2: %v", err)
	}

	genBlk, _ := ch.blocks.GetBlockByHeight(0)
	peer := newFakePeer(1, genBlk.Hash(), []*block.Block{genBlk, blk1, blk2}, 2)

	fr := NewForkResolver(ch, nil)
	ancestor, err := fr.FindCommonAncestor(peer)
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if ancestor != 2 {
		t.Errorf("expected ancestor 2 (no fork), got %d", ancestor)
	}
}

func TestForkResolver_FindCommonAncestor_Diverged(t *testing.T) {
	ch, _, addr, _ := reorgTestChain(t)
	genesisHash := ch.TipHash()

	blkA1 := buildCoinbaseBlock(t, ch, genesisHash, 1, addr, 0)
	blkA2 := buildCoinbaseBlock(t, ch, blkA1.Hash(), 2, addr, 0)
	blkA3 := buildCoinbaseBlock(t, ch, blkA2.Hash(), 3, addr, 0)
	for _, b := range []*block.Block{blkA1, blkA2, blkA3} {
		if err := ch.ProcessBlock(b); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	// Peer diverges at height 2.
	blkB2 := buildCoinbaseBlock(t, ch, blkA1.Hash(), 2, addr, 50)
	blkB3 := buildCoinbaseBlock(t, ch, blkB2.Hash(), 3, addr, 50)
	blkB4 := buildCoinbaseBlock(t, ch, blkB3.Hash(), 4, addr, 50)

	genBlk, _ := ch.blocks.GetBlockByHeight(0)
	peer := newFakePeer(2, genBlk.Hash(), []*block.Block{genBlk, blkA1, blkB2, blkB3, blkB4}, 4)

	fr := NewForkResolver(ch, nil)
	ancestor, err := fr.FindCommonAncestor(peer)
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if ancestor != 1 {
		t.Errorf("expected common ancestor at height 1, got %d", ancestor)
	}
}

func TestForkResolver_FetchAndValidateSequence_DetectsGap(t *testing.T) {
	ch, _, addr, _ := reorgTestChain(t)
	genesisHash := ch.TipHash()
	blk1 := buildCoinbaseBlock(t, ch, genesisHash, 1, addr, 0)
	blk3 := buildCoinbaseBlock(t, ch, genesisHash, 3, addr, 0) // height 2 missing

	genBlk, _ := ch.blocks.GetBlockByHeight(0)
	peer := newFakePeer(3, genBlk.Hash(), []*block.Block{genBlk, blk1, blk3}, 3)

	fr := NewForkResolver(ch, nil)
	_, err := fr.FetchAndValidateSequence(peer, 1, 3)
	if err == nil {
		t.Fatal("expected gap detection error")
	}
}

func TestForkResolver_FetchAndValidateSequence_DetectsBrokenChain(t *testing.T) {
	ch, _, addr, _ := reorgTestChain(t)
	genesisHash := ch.TipHash()
	blk1 := buildCoinbaseBlock(t, ch, genesisHash, 1, addr, 0)
	// blk2 claims a prev hash that doesn't match blk1.
	blk2 := buildCoinbaseBlock(t, ch, types.Hash{9, 9, 9}, 2, addr, 0)

	genBlk, _ := ch.blocks.GetBlockByHeight(0)
	peer := newFakePeer(4, genBlk.Hash(), []*block.Block{genBlk, blk1, blk2}, 2)

	fr := NewForkResolver(ch, nil)
	_, err := fr.FetchAndValidateSequence(peer, 1, 2)
	if err == nil {
		t.Fatal("expected sequence-consistency error")
	}
}

func TestForkScore_Wins_PriorityOrder(t *testing.T) {
	base := ForkScore{CumulativeWork: 10, Length: 10, TimestampsValid: true, TipHash: types.Hash{2}}

	moreWork := ForkScore{CumulativeWork: 11, Length: 1, TimestampsValid: false, TipHash: types.Hash{9}}
	if !moreWork.Wins(base) {
		t.Error("higher cumulative work should win regardless of other factors")
	}

	lowerHashSameEverythingElse := ForkScore{CumulativeWork: 10, Length: 10, TimestampsValid: true, TipHash: types.Hash{1}}
	if !lowerHashSameEverythingElse.Wins(base) {
		t.Error("on a full tie, lower tip hash should win (deterministic tiebreak)")
	}

	higherHash := ForkScore{CumulativeWork: 10, Length: 10, TimestampsValid: true, TipHash: types.Hash{3}}
	if higherHash.Wins(base) {
		t.Error("higher tip hash should lose the tiebreak")
	}
}

func TestForkResolver_Resolve_ExecutesReorgOnWin(t *testing.T) {
	ch, _, addr, _ := reorgTestChain(t)
	genesisHash := ch.TipHash()

	blkA1 := buildCoinbaseBlock(t, ch, genesisHash, 1, addr, 0)
	if err := ch.ProcessBlock(blkA1); err != nil {
		t.Fatalf("process A1: %v", err)
	}

	blkB1 := buildCoinbaseBlock(t, ch, genesisHash, 1, addr, 100)
	blkB2 := buildCoinbaseBlock(t, ch, blkB1.Hash(), 2, addr, 100)

	genBlk, _ := ch.blocks.GetBlockByHeight(0)
	peer := newFakePeer(5, genBlk.Hash(), []*block.Block{genBlk, blkB1, blkB2}, 2)

	fr := NewForkResolver(ch, nil)
	if err := fr.Resolve(peer, nil, nil, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if ch.Height() != 2 {
		t.Errorf("expected reorg to adopt peer's longer branch, height = %d", ch.Height())
	}
	if ch.TipHash() != blkB2.Hash() {
		t.Error("expected tip to be peer's block B2 after reorg")
	}
}
