package chain

import (
	"bytes"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Circuit breakers on the fork search (spec.md §4.10): a peer that forces an
// unbounded common-ancestor walk, floods non-contiguous ranges, or simply
// stalls the search past these bounds gets its sync aborted rather than
// let the node spin indefinitely.
const (
	MaxAncestorSearchDepth = 500
	MaxAncestorAttempts    = 20
	MaxForkSearchElapsed   = 300 * time.Second
)

// ErrCircuitBreakerTripped is returned when a fork search exceeds depth,
// attempt, or wall-clock bounds. Per spec.md §7 this is surfaced to
// operators as "manual intervention required" — no further automatic sync
// is attempted against the offending peer.
var ErrCircuitBreakerTripped = fmt.Errorf("fork resolution circuit breaker tripped")

// ErrGapDetected is returned when a requested block range from a peer is
// missing intermediate heights.
var ErrGapDetected = fmt.Errorf("gap detected in peer block sequence")

// ErrSequenceInvalid is returned when a peer's claimed block sequence does
// not chain together by previous_hash.
var ErrSequenceInvalid = fmt.Errorf("peer block sequence fails internal consistency check")

// PeerChainSource answers the queries the fork resolver needs from a remote
// peer. Implementations live in internal/p2p; this interface keeps the
// resolver free of any transport dependency, mirroring the teacher's
// BlockStore/HeaderVerifier seam.
type PeerChainSource interface {
	// PeerID identifies the remote for consensus weighting and whitelist lookup.
	PeerID() types.Address
	// GenesisHash returns the peer's genesis block hash.
	GenesisHash() types.Hash
	// BlockHashAt returns the peer's block hash at height, or ok=false if
	// the peer has no block at that height.
	BlockHashAt(height uint64) (hash types.Hash, ok bool, err error)
	// ChainTip returns the peer's reported tip height, hash, and cumulative work.
	ChainTip() (height uint64, hash types.Hash, cumulativeWork uint64, err error)
	// GetBlocks fetches the peer's blocks over [start, end] inclusive, in
	// ascending height order.
	GetBlocks(start, end uint64) ([]*block.Block, error)
}

// PeerWeightSource supplies stake-weighted consensus support for a
// candidate tip hash, used for the "weighted peer consensus" scoring
// factor. Grounded on internal/masternode.Registry's weight table.
type PeerWeightSource interface {
	Weight(address types.Address) uint64
}

// ForkResolver drives the exponential-then-binary ancestor search,
// gap-filling, sequence validation, and multi-factor scoring spec.md
// §4.10 specifies, then hands the validated peer branch to Chain.Reorg
// for the actual rollback/replay.
type ForkResolver struct {
	chain   *Chain
	weights PeerWeightSource
}

// NewForkResolver creates a fork resolver bound to chain. weights supplies
// stake weighting for peer-consensus scoring (may be nil to disable that
// factor, e.g. in tests — each reporting peer then counts as weight 1).
func NewForkResolver(c *Chain, weights PeerWeightSource) *ForkResolver {
	return &ForkResolver{chain: c, weights: weights}
}

// ForkScore is the multi-factor comparison spec.md §4.10 step 5 specifies,
// evaluated in strict priority order: cumulative work, then length, then
// timestamp validity, then weighted peer consensus, then whitelist bonus,
// then lexicographic tip hash (lower wins).
type ForkScore struct {
	CumulativeWork   uint64
	Length           uint64
	TimestampsValid  bool
	PeerConsensus    uint64 // sum of stake weight of peers reporting this tip
	WhitelistBonus   bool
	TipHash          types.Hash
}

// Wins reports whether score s should replace current as the canonical
// chain, applying each factor in turn and falling through only on exact
// ties. A same-height chain that wins purely on the tiebreaker still
// counts as a win — callers must execute the reorg, not skip it.
func (s ForkScore) Wins(current ForkScore) bool {
	if s.CumulativeWork != current.CumulativeWork {
		return s.CumulativeWork > current.CumulativeWork
	}
	if s.Length != current.Length {
		return s.Length > current.Length
	}
	if s.TimestampsValid != current.TimestampsValid {
		return s.TimestampsValid
	}
	if s.PeerConsensus != current.PeerConsensus {
		return s.PeerConsensus > current.PeerConsensus
	}
	if s.WhitelistBonus != current.WhitelistBonus {
		return s.WhitelistBonus
	}
	return bytes.Compare(s.TipHash[:], current.TipHash[:]) < 0
}

// FindCommonAncestor locates the highest height at which peer and the
// local chain agree, using exponential backoff from the local tip followed
// by a binary search between the last known-divergent and known-common
// heights. Returns the common-ancestor height.
func (fr *ForkResolver) FindCommonAncestor(peer PeerChainSource) (uint64, error) {
	if !peer.GenesisHash().IsZero() && peer.GenesisHash() != fr.chain.genesisHash {
		return 0, fmt.Errorf("peer genesis mismatch: excluded from fork resolution")
	}

	start := time.Now()
	localTip := fr.chain.state.Height

	agree := func(h uint64) (bool, error) {
		localHash, err := fr.chain.blocks.GetBlockByHeight(h)
		if err != nil {
			return false, fmt.Errorf("load local block at height %d: %w", h, err)
		}
		peerHash, ok, err := peer.BlockHashAt(h)
		if err != nil {
			return false, fmt.Errorf("query peer block hash at height %d: %w", h, err)
		}
		if !ok {
			return false, nil
		}
		return localHash.Hash() == peerHash, nil
	}

	// Step 1: heights equal at local tip ⇒ no fork.
	if localTip == 0 {
		return 0, nil
	}
	equal, err := agree(localTip)
	if err != nil {
		return 0, err
	}
	if equal {
		return localTip, nil
	}

	// Step 2: exponential backoff to find a known-common height, then
	// binary search the gap between last-disagreement and first-agreement.
	attempts := 0
	lo, hi := uint64(0), localTip // lo: known or assumed common; hi: known divergent
	step := uint64(1)
	probe := localTip

	for {
		if time.Since(start) > MaxForkSearchElapsed {
			return 0, fmt.Errorf("%w: elapsed search time", ErrCircuitBreakerTripped)
		}
		attempts++
		if attempts > MaxAncestorAttempts {
			return 0, fmt.Errorf("%w: exceeded %d ancestor-search attempts", ErrCircuitBreakerTripped, MaxAncestorAttempts)
		}
		if localTip-probe > MaxAncestorSearchDepth {
			return 0, fmt.Errorf("%w: exceeded %d block search depth", ErrCircuitBreakerTripped, MaxAncestorSearchDepth)
		}

		if probe == 0 {
			lo = 0
			break
		}
		ok, err := agree(probe)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = probe
			break
		}
		hi = probe
		if probe < step {
			probe = 0
		} else {
			probe -= step
		}
		step *= 2
	}

	// Binary search (lo agrees, hi disagrees) for the exact boundary.
	for lo+1 < hi {
		if time.Since(start) > MaxForkSearchElapsed {
			return 0, fmt.Errorf("%w: elapsed search time", ErrCircuitBreakerTripped)
		}
		attempts++
		if attempts > MaxAncestorAttempts {
			return 0, fmt.Errorf("%w: exceeded %d ancestor-search attempts", ErrCircuitBreakerTripped, MaxAncestorAttempts)
		}
		mid := lo + (hi-lo)/2
		ok, err := agree(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}

	return lo, nil
}

// FetchAndValidateSequence requests the peer's blocks from start through
// end, confirms the range is gap-free, and checks internal consistency
// (each block's PrevHash links to the prior block's hash) before any
// local state is touched.
func (fr *ForkResolver) FetchAndValidateSequence(peer PeerChainSource, start, end uint64) ([]*block.Block, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range [%d, %d]", start, end)
	}
	blocks, err := peer.GetBlocks(start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch peer blocks [%d, %d]: %w", start, end, err)
	}

	expected := end - start + 1
	if uint64(len(blocks)) != expected {
		return nil, fmt.Errorf("%w: requested %d blocks, got %d", ErrGapDetected, expected, len(blocks))
	}

	for i, blk := range blocks {
		wantHeight := start + uint64(i)
		if blk.Header.Height != wantHeight {
			return nil, fmt.Errorf("%w: expected height %d at position %d, got %d", ErrGapDetected, wantHeight, i, blk.Header.Height)
		}
		if i > 0 && blk.Header.PrevHash != blocks[i-1].Hash() {
			return nil, fmt.Errorf("%w: block at height %d does not chain from height %d", ErrSequenceInvalid, blk.Header.Height, blocks[i-1].Header.Height)
		}
	}

	return blocks, nil
}

// Score computes a ForkScore for a candidate branch, tallying stake-
// weighted consensus from consensusPeers that report tipHash as their own
// tip, and applying the whitelist bonus if any such peer is in
// whitelistedPeers. Grounded on the teacher's bangater.go whitelist
// concept, applied here to peer addresses instead of transport IPs since
// the resolver operates purely on the PeerChainSource abstraction.
func (fr *ForkResolver) Score(cumulativeWork, length uint64, timestampsValid bool, consensusPeers []PeerChainSource, tipHash types.Hash, reportingTip map[types.Address]types.Hash, whitelistedPeers map[types.Address]bool) ForkScore {
	var peerConsensus uint64
	whitelisted := false
	for _, p := range consensusPeers {
		if !p.GenesisHash().IsZero() && p.GenesisHash() != fr.chain.genesisHash {
			continue // Incompatible genesis: excluded from the tally.
		}
		if reportingTip[p.PeerID()] != tipHash {
			continue
		}
		w := uint64(1)
		if fr.weights != nil {
			if ww := fr.weights.Weight(p.PeerID()); ww > 0 {
				w = ww
			}
		}
		peerConsensus += w
		if whitelistedPeers[p.PeerID()] {
			whitelisted = true
		}
	}

	return ForkScore{
		CumulativeWork:  cumulativeWork,
		Length:          length,
		TimestampsValid: timestampsValid,
		PeerConsensus:   peerConsensus,
		WhitelistBonus:  whitelisted,
		TipHash:         tipHash,
	}
}

// Resolve runs the full fork-resolution algorithm against peer: common-
// ancestor search, gap-free sequence fetch, internal-consistency check,
// multi-factor scoring against the current chain, and — if the peer
// branch wins — execution via Chain.Reorg.
func (fr *ForkResolver) Resolve(peer PeerChainSource, consensusPeers []PeerChainSource, reportingTip map[types.Address]types.Hash, whitelistedPeers map[types.Address]bool) error {
	peerHeight, peerTipHash, peerCumWork, err := peer.ChainTip()
	if err != nil {
		return fmt.Errorf("query peer tip: %w", err)
	}

	localTip, err := fr.chain.blocks.GetBlockByHeight(fr.chain.state.Height)
	if err != nil {
		return fmt.Errorf("load local tip: %w", err)
	}
	if fr.chain.state.Height == peerHeight && localTip.Hash() == peerTipHash {
		return nil // No fork.
	}

	ancestor, err := fr.FindCommonAncestor(peer)
	if err != nil {
		return err
	}

	if fr.chain.state.Height-minUint64(ancestor, fr.chain.state.Height) > MaxAncestorSearchDepth {
		return fmt.Errorf("%w: common ancestor %d too deep below local tip %d", ErrCircuitBreakerTripped, ancestor, fr.chain.state.Height)
	}

	peerBranch, err := fr.FetchAndValidateSequence(peer, ancestor+1, peerHeight)
	if err != nil {
		return err
	}
	if len(peerBranch) == 0 {
		return nil
	}

	timestampsValid := true
	prevTimestamp := localTip.Header.Timestamp
	if ancestor < fr.chain.state.Height {
		ancestorBlk, aerr := fr.chain.blocks.GetBlockByHeight(ancestor)
		if aerr == nil {
			prevTimestamp = ancestorBlk.Header.Timestamp
		}
	}
	for _, blk := range peerBranch {
		if blk.Header.Timestamp <= prevTimestamp {
			timestampsValid = false
			break
		}
		prevTimestamp = blk.Header.Timestamp
	}

	newTip := peerBranch[len(peerBranch)-1]
	currentScore := ForkScore{
		CumulativeWork:  fr.chain.state.CumulativeWork,
		Length:          fr.chain.state.Height,
		TimestampsValid: true,
		TipHash:         localTip.Hash(),
	}
	candidateScore := fr.Score(peerCumWork, peerHeight, timestampsValid, consensusPeers, newTip.Hash(), reportingTip, whitelistedPeers)

	if !candidateScore.Wins(currentScore) {
		return nil
	}

	// Stage peer blocks locally so Chain.Reorg's collectBranch can walk them.
	for _, blk := range peerBranch {
		if err := fr.chain.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("stage peer block at height %d: %w", blk.Header.Height, err)
		}
	}

	return fr.chain.Reorg(newTip.Hash())
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
