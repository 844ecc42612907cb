package timelock

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/masternode"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ChainView is the read-only chain surface a Producer needs.
type ChainView interface {
	Height() uint64
	TipHash() types.Hash
	GetBlockByHeight(height uint64) (*block.Block, error)
	Supply() uint64
}

// FinalizedPool selects transactions that have cleared TimeVote finality,
// in the tier-priority order spec.md §4.4 defines.
type FinalizedPool interface {
	SelectForBlock(limit int) []*tx.Transaction
}

// Registry is the masternode-registry surface block assembly needs.
type Registry interface {
	ActiveSetAt(height uint64) []*masternode.Masternode
	TotalActiveWeight() uint64
	Weight(address types.Address) uint64
	ActiveBitmap() []byte
}

// Producer assembles TimeLock blocks: selects from the finalized pool,
// recomputes fees from the UTXO set, builds the reward distribution, and
// signs the header with the leader's Ed25519 key. Grounded on the teacher's
// internal/miner.Miner (ProduceBlockCtx/BuildCoinbase/canonical-tx-sort
// shape), with PoA/PoW's Prepare/Seal engine calls replaced by VRF-sortition
// leader selection performed by the caller (internal/timelock's own
// Eligible) and Ed25519 header signing performed here.
type Producer struct {
	chain     ChainView
	pool      FinalizedPool
	utxos     utxo.Set
	registry  Registry
	schedule  Schedule
	baseReward uint64
	maxSupply  uint64
}

// NewProducer creates a block producer bound to chain state, the finalized
// mempool, the UTXO set (for fee recomputation), and the masternode
// registry (for reward distribution and the active bitmap).
func NewProducer(chain ChainView, pool FinalizedPool, utxos utxo.Set, registry Registry, schedule Schedule, baseReward, maxSupply uint64) *Producer {
	return &Producer{
		chain:      chain,
		pool:       pool,
		utxos:      utxos,
		registry:   registry,
		schedule:   schedule,
		baseReward: baseReward,
		maxSupply:  maxSupply,
	}
}

// feeOf recomputes a transaction's fee by scanning its inputs against the
// live UTXO set — spec.md §4.7 requires fee computation from the chain
// store, not a cached mempool estimate.
func (p *Producer) feeOf(t *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := p.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		inputSum += u.Value
	}
	for _, out := range t.Outputs {
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

// filterDoubleSpends drops transactions whose inputs double-spend each
// other within the block, deterministically by ascending txid order.
func filterDoubleSpends(txs []*tx.Transaction) []*tx.Transaction {
	sort.Slice(txs, func(i, j int) bool {
		hi, hj := txs[i].Hash(), txs[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	seen := make(map[types.Outpoint]struct{})
	out := make([]*tx.Transaction, 0, len(txs))
	for _, t := range txs {
		conflict := false
		for _, in := range t.Inputs {
			if _, dup := seen[in.PrevOut]; dup {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, in := range t.Inputs {
			seen[in.PrevOut] = struct{}{}
		}
		out = append(out, t)
	}
	return out
}

// buildRewardOutputs distributes reward across the active set proportional
// to weight; rounding dust accrues to the leader. Sum of distributed
// amounts equals reward exactly.
func buildRewardOutputs(reward uint64, active []*masternode.Masternode, registry Registry, leader types.Address) []tx.Output {
	total := registry.TotalActiveWeight()
	if total == 0 || len(active) == 0 {
		return []tx.Output{{Value: reward, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: leader[:]}}}
	}

	outputs := make([]tx.Output, 0, len(active))
	var distributed uint64
	for _, mn := range active {
		share := reward * registry.Weight(mn.Address) / total
		distributed += share
		outputs = append(outputs, tx.Output{
			Value:  share,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: mn.Address[:]},
		})
	}

	dust := reward - distributed
	if dust > 0 {
		for i := range outputs {
			if bytes.Equal(active[i].Address[:], leader[:]) {
				outputs[i].Value += dust
				return outputs
			}
		}
		// Leader isn't in the active set snapshot (shouldn't happen for a
		// valid winner) — append the dust as its own output.
		outputs = append(outputs, tx.Output{Value: dust, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: leader[:]}})
	}
	return outputs
}

// Assemble builds an unsigned block for height = chain.Height()+1, leader's
// VRF proof/output, and timestamp. The caller (the TimeLock slot-winner
// loop) signs the returned header before broadcast.
func (p *Producer) Assemble(leader types.Address, vrfOutput [32]byte, vrfProof []byte, timestamp int64, maxBlockTxs int) (*block.Block, error) {
	height := p.chain.Height() + 1

	selected := p.pool.SelectForBlock(maxBlockTxs - 1) // reserve the coinbase slot
	selected = filterDoubleSpends(selected)

	var totalFees uint64
	for _, t := range selected {
		totalFees += p.feeOf(t)
	}

	reward := p.baseReward
	if p.maxSupply > 0 {
		supply := p.chain.Supply()
		if supply >= p.maxSupply {
			reward = 0
		} else if supply+reward > p.maxSupply {
			reward = p.maxSupply - supply
		}
	}
	blockReward := reward + totalFees

	active := p.registry.ActiveSetAt(height)
	rewardOutputs := buildRewardOutputs(blockReward, active, p.registry, leader)

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: heightMarker(height),
		}},
		Outputs: rewardOutputs,
	}

	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:                 block.CurrentVersion,
		Height:                  height,
		PrevHash:                p.chain.TipHash(),
		MerkleRoot:              merkle,
		Timestamp:               timestamp,
		Leader:                  leader,
		VRFOutput:               vrfOutput,
		VRFProof:                vrfProof,
		BlockReward:             blockReward,
		MasternodeActiveBitmap:  p.registry.ActiveBitmap(),
	}

	blk := block.NewBlock(header, txs)
	blk.MasternodeRewards = make(map[types.Address]uint64, len(rewardOutputs))
	for i, out := range rewardOutputs {
		addr := leader
		if i < len(active) {
			addr = active[i].Address
		}
		blk.MasternodeRewards[addr] += out.Value
	}
	return blk, nil
}

// SignHeader signs the assembled header with the leader's Ed25519 key. The
// signature itself is not a header field — headers are authenticated by
// VRFProof + block hash signing at the wire layer (BlockProposal message);
// Producer exposes this helper for callers that need the raw signature.
func SignHeader(header *block.Header, sk *crypto.PrivateKey) ([]byte, error) {
	sig, err := sk.Sign(header.SigningBytes())
	if err != nil {
		return nil, fmt.Errorf("sign header: %w", err)
	}
	return sig, nil
}

func heightMarker(height uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(height >> (8 * uint(7-i)))
	}
	return buf
}
