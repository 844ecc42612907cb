package chain

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent  = errors.New("block timestamp before parent")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
)

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, header eligibility, UTXO state, then
// updates the UTXO set, block store, and chain tip.
// If the block extends a fork that is longer than the current chain, a
// reorg is triggered automatically.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	// Reject duplicates.
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	// Structural checks: coinbase, merkle root, tx order, sizes.
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	// Check parent linkage first — we need the correct height before
	// verifying the header's leader eligibility.
	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	// Verify the VRF leader-eligibility proof against the parent header.
	// Only on fast path — fork blocks are verified during reorg replay.
	if !errors.Is(parentErr, ErrForkDetected) {
		if err := c.verifyHeader(blk); err != nil {
			return err
		}
	}

	// Block timestamp bounds: reject blocks too far in the future.
	maxTime := time.Now().Add(2 * time.Minute).Unix()
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}

	// Block timestamp must not be before its parent (monotonic).
	if blk.Header.Height > 0 {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err == nil && blk.Header.Timestamp < parentBlk.Header.Timestamp {
			return fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
				ErrTimestampBeforeParent, blk.Header.Timestamp, parentBlk.Header.Timestamp)
		}
	}

	// Fork detected: store the block and decide whether to reorg.
	if errors.Is(parentErr, ErrForkDetected) {
		// Store block data only (no height/tx indexes yet).
		if err := c.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}

		// Same-height or longer forks are candidates — Reorg itself compares
		// cumulative work to decide whether to switch.
		if blk.Header.Height >= c.state.Height {
			if err := c.Reorg(hash); err != nil {
				return fmt.Errorf("reorg: %w", err)
			}
		}
		// If the reorg didn't proceed, the block is stored but not active.
		return nil
	}

	// Fast path: block extends current tip.

	// Validate UTXO-dependent rules (signatures, maturity, coinbase reward cap).
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	// Apply UTXO changes and collect undo data.
	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	// Persist the block.
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}

	// Persist undo data.
	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}
	if err := c.blocks.PutUndo(hash, undoBytes); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}

	// Cap block reward to respect max supply.
	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}

	// Track newly minted coins (block reward only; fees are recycled).
	c.state.Supply += blockReward
	c.state.CumulativeWork += c.baseWork

	// Update chain tip.
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	if err := c.blocks.SetTip(hash, blk.Header.Height, c.state.Supply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(c.state.CumulativeWork); err != nil {
		return fmt.Errorf("set cumulative work: %w", err)
	}

	// Scan for stake outputs → register new masternode collateral locks.
	if c.stakeHandler != nil {
		for _, transaction := range blk.Transactions {
			for _, out := range transaction.Outputs {
				if out.Script.Type == types.ScriptTypeStake && len(out.Script.Data) == ed25519.PublicKeySize {
					c.stakeHandler(out.Script.Data)
				}
			}
		}
	}

	// Scan for spent stake UTXOs → fire unstake handler.
	if c.unstakeHandler != nil {
		for i := range undo.SpentUTXOs {
			su := &undo.SpentUTXOs[i]
			if su.Script.Type == types.ScriptTypeStake && len(su.Script.Data) == ed25519.PublicKeySize {
				c.unstakeHandler(su.Script.Data)
			}
		}
	}

	return nil
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// coinbase maturity, and coinbase reward cap.
// Used by both the fast path and reorg replay to ensure consistent validation.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]

	// Coinbase must be a dedicated transaction:
	// exactly one input and that input must be the zero outpoint marker.
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].PrevOut.IsZero() {
		return ErrBadCoinbaseTx
	}

	// Full UTXO-aware transaction validation (skip coinbase):
	// ownership checks, input existence/unspent checks, signatures, and fee sanity.
	utxoProvider := &chainUTXOProvider{set: c.utxos}
	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		totalFees += fee
	}

	// Enforce coinbase mint limit:
	// minted = coinbase_total - total_fees (fees are recycled, not newly minted).
	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	allowedMint := c.blockReward
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			allowedMint = 0
		} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	if minted > allowedMint {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	// Defensive rule: only transaction 0 may carry a coinbase marker input.
	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	// Coinbase maturity: reject blocks that spend immature coinbase outputs.
	if err := c.checkCoinbaseMaturity(blk); err != nil {
		return err
	}

	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: check if block extends current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. Check if the parent exists (fork) or is truly unknown.
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	// Sum fees from non-coinbase transactions.
	var totalFees uint64
	for _, transaction := range blk.Transactions[1:] {
		var inputSum, outputSum uint64
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Input not found (shouldn't happen after validation).
			}
			if inputSum > math.MaxUint64-u.Value {
				continue // Overflow guard.
			}
			inputSum += u.Value
		}
		for _, out := range transaction.Outputs {
			if outputSum > math.MaxUint64-out.Value {
				continue // Overflow guard.
			}
			outputSum += out.Value
		}
		if inputSum > outputSum {
			fee := inputSum - outputSum
			if totalFees > math.MaxUint64-fee {
				continue // Overflow guard.
			}
			totalFees += fee
		}
	}

	// Reward = coinbase value minus recycled fees.
	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

// computeTxFee calculates the fee for a single transaction.
// fee = sum(input values) - sum(output values).
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeTxFee(transaction *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if inputSum > math.MaxUint64-u.Value {
			continue // Overflow guard.
		}
		inputSum += u.Value
	}
	for _, out := range transaction.Outputs {
		if outputSum > math.MaxUint64-out.Value {
			continue // Overflow guard.
		}
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	return err == nil && has
}

// applyBlock updates the UTXO set: spends inputs and creates outputs.
// Coinbase inputs (zero outpoint) are skipped during spending.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		// Spend inputs (skip coinbase zero-outpoint).
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase input.
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Will be caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.Height < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.Height)
			}
			if u.LockedUntil > 0 && blk.Header.Height < u.LockedUntil {
				return fmt.Errorf("output locked until block %d, current %d", u.LockedUntil, blk.Header.Height)
			}
		}
	}
	return nil
}
