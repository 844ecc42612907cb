package node

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/p2p"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// peerChainSource adapts the p2p height/sync RPCs to chain.PeerChainSource,
// the surface ForkResolver needs to find a common ancestor and fetch the
// winning branch. Grounded on the resolveFork walk this replaces: it used
// the same two RPCs (RequestHeight, RequestBlocks) by hand.
type peerChainSource struct {
	ctx    context.Context
	id     peer.ID
	syncer *p2p.Syncer
}

func newPeerChainSource(ctx context.Context, id peer.ID, syncer *p2p.Syncer) *peerChainSource {
	return &peerChainSource{ctx: ctx, id: id, syncer: syncer}
}

// PeerID has no masternode-identity equivalent for a raw libp2p peer
// connection, so it returns the zero address. ForkResolver only consults
// PeerID for weighted cross-validation against consensusPeers, which this
// single-peer resolution path does not yet supply (see DESIGN.md).
func (s *peerChainSource) PeerID() types.Address {
	return types.Address{}
}

func (s *peerChainSource) GenesisHash() types.Hash {
	return types.Hash{}
}

func (s *peerChainSource) BlockHashAt(height uint64) (types.Hash, bool, error) {
	reqCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	blocks, err := s.syncer.RequestBlocks(reqCtx, s.id, height, 1)
	if err != nil {
		return types.Hash{}, false, err
	}
	if len(blocks) == 0 {
		return types.Hash{}, false, nil
	}
	return blocks[0].Hash(), true, nil
}

func (s *peerChainSource) ChainTip() (uint64, types.Hash, uint64, error) {
	reqCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	resp, err := s.syncer.RequestHeight(reqCtx, s.id)
	if err != nil {
		return 0, types.Hash{}, 0, err
	}
	tipBytes, err := hex.DecodeString(resp.TipHash)
	if err != nil || len(tipBytes) != len(types.Hash{}) {
		return resp.Height, types.Hash{}, resp.Height, nil
	}
	var tip types.Hash
	copy(tip[:], tipBytes)
	// Cumulative work isn't reported over the wire; approximate it with
	// height, matching BaseWork==1-per-block genesis defaults. A real
	// weighted comparison additionally consults Score's consensusPeers.
	return resp.Height, tip, resp.Height, nil
}

func (s *peerChainSource) GetBlocks(start, end uint64) ([]*block.Block, error) {
	reqCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	var out []*block.Block
	for from := start; from <= end; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > end {
			max = uint32(end - from + 1)
		}
		blocks, err := s.syncer.RequestBlocks(reqCtx, s.id, from, max)
		if err != nil {
			return out, err
		}
		out = append(out, blocks...)
		if uint64(len(blocks)) < uint64(max) {
			break
		}
	}
	return out, nil
}
