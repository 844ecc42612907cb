// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// TierLookup resolves a submitter's masternode tier and whitelist status.
// The pool records both at admission (Promote hands them to FinalizedPool,
// which ranks by them) and uses the tier for the anonymous fee floor; the
// pending pool's own SelectForBlock orders by fee rate only. A submitter
// with no registered masternode returns ("", false).
type TierLookup func(address types.Address) (tier string, whitelisted bool)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx          *tx.Transaction
	txHash      types.Hash
	fee         uint64
	feeRate     float64 // fee per byte of SigningBytes.
	submitter   types.Address
	tier        string
	whitelisted bool
}

// Pool holds unconfirmed transactions.
type Pool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry         // txHash -> entry
	spends  map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	maxSize int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	utxos   tx.UTXOProvider

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).

	// Masternode-tier gating, replacing the teacher's token-conservation
	// gate: a submitter's registered tier/whitelist status is recorded for
	// FinalizedPool's ranking (via Promote) and, if minTierFee is set, the
	// fee floor is raised for anonymous (unregistered) submitters.
	tierLookup TierLookup
	minTierFee uint64 // Minimum fee for submitters with no registered masternode (0 = no extra requirement).

	// Stake validation.
	stakeAmount uint64 // Exact amount required for stake outputs (0 = disabled).
}

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		spends:  make(map[types.Outpoint]types.Hash),
		maxSize: maxSize,
		utxos:   utxos,
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetTierLookup enables masternode-tier-aware admission and ranking.
func (p *Pool) SetTierLookup(lookup TierLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tierLookup = lookup
}

// SetMinTierFee sets the minimum fee required from submitters with no
// registered masternode tier (anonymous submitters).
func (p *Pool) SetMinTierFee(fee uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minTierFee = fee
}

// SetStakeAmount sets the exact amount required for stake outputs.
// Transactions with ScriptTypeStake outputs whose value != stakeAmount are rejected.
func (p *Pool) SetStakeAmount(amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stakeAmount = amount
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates and double-spend conflicts.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// Check for double-spend conflicts.
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	// Coinbase maturity check.
	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && u.Coinbase && currentHeight-u.Height < p.coinbaseMaturity {
				return 0, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
			if uErr == nil && u.LockedUntil > 0 && currentHeight < u.LockedUntil {
				return 0, fmt.Errorf("output locked until block %d, current %d", u.LockedUntil, currentHeight)
			}
		}
	}

	// UTXO-aware validation.
	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Resolve the submitter's masternode tier so ranking and fee-floor
	// checks below, and any later promotion into the finalized pool, use
	// the same classification throughout the transaction's lifetime.
	submitter, tier, whitelisted := p.resolveSubmitter(transaction)

	// Anonymous-submitter fee floor: a registered masternode (any tier)
	// bypasses this, matching spec.md §4.4's priority ordering where tier
	// membership — not just fee — gates favorable treatment.
	if p.minTierFee > 0 && tier == "" && fee < p.minTierFee {
		return 0, fmt.Errorf("%w: unregistered submitter needs %d, got %d", ErrFeeTooLow, p.minTierFee, fee)
	}

	// Stake amount: enforce exact value on ScriptTypeStake outputs.
	if p.stakeAmount > 0 {
		for _, out := range transaction.Outputs {
			if out.Script.Type == types.ScriptTypeStake && out.Value != p.stakeAmount {
				return 0, fmt.Errorf("%w: stake output must be exactly %d, got %d", ErrValidation, p.stakeAmount, out.Value)
			}
		}
	}

	// Compute fee rate for minimum check and eviction comparison.
	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}

	// Enforce minimum fee rate (fee per byte of SigningBytes).
	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(sigBytes)
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes × %d rate)", ErrFeeTooLow, fee, requiredFee, sigBytes, p.minFeeRate)
		}
	}

	// Check pool capacity — evict lowest fee-rate if new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &entry{
		tx:          transaction,
		txHash:      txHash,
		fee:         fee,
		feeRate:     feeRate,
		submitter:   submitter,
		tier:        tier,
		whitelisted: whitelisted,
	}

	// Add to pool and conflict index.
	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	return fee, nil
}

// resolveSubmitter derives the submitting address from the transaction's
// first signed input and, if a TierLookup is configured, its masternode
// tier and whitelist status. Coinbase-only transactions (no real inputs)
// resolve to the zero address and no tier.
func (p *Pool) resolveSubmitter(transaction *tx.Transaction) (types.Address, string, bool) {
	var submitter types.Address
	for _, in := range transaction.Inputs {
		if len(in.PubKey) > 0 {
			submitter = crypto.AddressFromPubKey(in.PubKey)
			break
		}
	}
	if p.tierLookup == nil {
		return submitter, "", false
	}
	tier, whitelisted := p.tierLookup(submitter)
	return submitter, tier, whitelisted
}

// Promote returns the fee, tier, and whitelist status recorded for txHash
// at admission time, for handing off to FinalizedPool.Add once a
// transaction's TimeVote session certifies it. ok is false if txHash is
// not pending.
func (p *Pool) Promote(txHash types.Hash) (fee uint64, tier string, whitelisted bool, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0, "", false, false
	}
	return e.fee, e.tier, e.whitelisted, true
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	// Clean up spend index.
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given limit.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	// Sort by fee rate descending.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate > entries[j].feeRate
	})

	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
