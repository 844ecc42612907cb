package mempool

import (
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// PriorityRank orders submitter classes for block-inclusion priority:
// Gold > Silver > Bronze > Free-whitelisted > Free > anonymous (spec.md
// §4.4). Lower rank sorts first.
func PriorityRank(tier string, whitelisted bool) int {
	switch tier {
	case "gold":
		return 0
	case "silver":
		return 1
	case "bronze":
		return 2
	case "free":
		if whitelisted {
			return 3
		}
		return 4
	default:
		return 5 // anonymous submitter, no registered masternode tier.
	}
}

// finalizedEntry wraps a finality-certified transaction with the metadata
// its priority ordering depends on.
type finalizedEntry struct {
	tx          *tx.Transaction
	txHash      types.Hash
	fee         uint64
	feeRate     float64
	rank        int
	submittedAt int64 // unix nanos, for age-ascending tiebreak
}

// FinalizedPool holds transactions whose TimeVote session has certified
// them, awaiting inclusion in the next produced block. Generalized from the
// teacher's single-pool `Pool`'s fee-rate-only ordering into the
// tier>fee-rate>age priority comparator spec.md §4.4 specifies. Clearing is
// selective: only the txids actually included in an appended block are
// removed (RemoveIncluded) — everything else persists for the next
// producer, exactly as spec.md §4.4 requires.
type FinalizedPool struct {
	mu  sync.RWMutex
	txs map[types.Hash]*finalizedEntry
}

// NewFinalizedPool creates an empty finalized pool.
func NewFinalizedPool() *FinalizedPool {
	return &FinalizedPool{txs: make(map[types.Hash]*finalizedEntry)}
}

// Add moves a TimeVote-certified transaction into the finalized pool. rank
// is computed once at admission time from the submitter's masternode tier
// (or PriorityRank's anonymous default) so later re-sorts don't need a
// registry lookup.
func (p *FinalizedPool) Add(transaction *tx.Transaction, fee uint64, tier string, whitelisted bool, submittedAt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := transaction.Hash()
	if _, exists := p.txs[h]; exists {
		return
	}

	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}

	p.txs[h] = &finalizedEntry{
		tx:          transaction,
		txHash:      h,
		fee:         fee,
		feeRate:     feeRate,
		rank:        PriorityRank(tier, whitelisted),
		submittedAt: submittedAt,
	}
}

// Has reports whether txHash is in the finalized pool.
func (p *FinalizedPool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[txHash]
	return ok
}

// Count returns the number of finalized transactions awaiting inclusion.
func (p *FinalizedPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// RemoveIncluded clears exactly the given transactions from the pool —
// selective clearing, per spec.md §4.4: any other finalized entries
// persist for the next producer.
func (p *FinalizedPool) RemoveIncluded(txs []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range txs {
		delete(p.txs, t.Hash())
	}
}

// SelectForBlock returns up to limit transactions ordered by priority rank
// ascending (Gold first), then fee rate descending, then submission time
// ascending (FIFO among equal priority/fee).
func (p *FinalizedPool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*finalizedEntry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rank != entries[j].rank {
			return entries[i].rank < entries[j].rank
		}
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].submittedAt < entries[j].submittedAt
	})

	if limit > len(entries) || limit < 0 {
		limit = len(entries)
	}
	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
