// Package timeguard implements the bounded-liveness fallback protocol:
// when TimeVote stalls, a deterministic fallback leader proposes a
// resolution at a relaxed quorum, and if that fails too, the stalled
// transaction is left for the next TimeLock slot to stamp with a
// liveness-recovery flag. Grounded on the teacher's
// internal/consensus/tracker.go ValidatorTracker polling-loop shape
// (external callers drive Begin/Advance on a ticker; the package itself
// holds no goroutine), generalized from liveness-only bookkeeping into
// stall escalation.
package timeguard

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// RoundTimeout is how long a fallback round waits for votes before a new
// leader is elected (spec.md §4.11).
const RoundTimeout = 10 * time.Second

// MaxRounds bounds the number of fallback rounds attempted before a
// session is abandoned to the next TimeLock slot.
const MaxRounds = 5

// Candidate is an active masternode eligible for fallback-leader election.
type Candidate struct {
	Address types.Address
	PubKey  []byte
	Weight  uint64
}

// Metrics accumulates the counters spec.md §4.11 requires TimeGuard to
// expose.
type Metrics struct {
	Activations      uint64
	Stalls           uint64
	TimeLockResolved uint64
	ByzantineFlags   uint64
}

// Round is one fallback-resolution round for a stalled transaction.
type Round struct {
	TxID    types.Hash
	Number  uint64
	Leader  types.Address
	Deadline time.Time

	acceptWeight uint64
	rejectWeight uint64
	votes        map[types.Address]bool // true = accept
	byzantine    map[types.Address]struct{}
}

// leaderScore returns BLAKE3("fb" ‖ txid ‖ slot ‖ round ‖ mn_pubkey ‖
// previous_hash) reduced to a uint64 and divided by weight — a
// weight-bucketed lottery where a masternode with k× the weight of
// another claims k× as many of the low-score "buckets", making it k×
// more likely to win argmin across many elections.
func leaderScore(txid types.Hash, slot, round uint64, prevHash types.Hash, pubKey []byte, weight uint64) uint64 {
	buf := make([]byte, 0, 2+32+8+8+len(pubKey)+32)
	buf = append(buf, "fb"...)
	buf = append(buf, txid[:]...)
	buf = binary.BigEndian.AppendUint64(buf, slot)
	buf = binary.BigEndian.AppendUint64(buf, round)
	buf = append(buf, pubKey...)
	buf = append(buf, prevHash[:]...)
	h := crypto.Hash(buf)
	score := binary.BigEndian.Uint64(h[:8])
	if weight == 0 {
		weight = 1
	}
	return score / weight
}

// FallbackLeader elects the deterministic fallback leader for round among
// candidates. Returns false if candidates is empty.
func FallbackLeader(txid types.Hash, slot, round uint64, prevHash types.Hash, candidates []Candidate) (types.Address, bool) {
	if len(candidates) == 0 {
		return types.Address{}, false
	}
	best := candidates[0]
	bestScore := leaderScore(txid, slot, round, prevHash, best.PubKey, best.Weight)
	for _, c := range candidates[1:] {
		s := leaderScore(txid, slot, round, prevHash, c.PubKey, c.Weight)
		if s < bestScore {
			best, bestScore = c, s
		}
	}
	return best.Address, true
}

// Monitor tracks in-flight fallback rounds, one per stalled transaction.
type Monitor struct {
	mu      sync.Mutex
	rounds  map[types.Hash]*Round
	metrics Metrics
}

// NewMonitor creates an empty fallback monitor.
func NewMonitor() *Monitor {
	return &Monitor{rounds: make(map[types.Hash]*Round)}
}

// Begin opens round 0 of fallback resolution for txid, electing its
// leader from candidates. Called when timevote.Manager.CheckStalls
// reports a session has entered FallbackResolution.
func (m *Monitor) Begin(txid types.Hash, slot uint64, prevHash types.Hash, candidates []Candidate, now time.Time) (*Round, bool) {
	leader, ok := FallbackLeader(txid, slot, 0, prevHash, candidates)
	if !ok {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := &Round{
		TxID:      txid,
		Number:    0,
		Leader:    leader,
		Deadline:  now.Add(RoundTimeout),
		votes:     make(map[types.Address]bool),
		byzantine: make(map[types.Address]struct{}),
	}
	m.rounds[txid] = r
	m.metrics.Activations++
	m.metrics.Stalls++
	return r, true
}

// RecordVote tallies a fallback-round vote from validator with the given
// weight. Equivocation (a second, conflicting vote from the same
// validator in the same round) flags the validator Byzantine and
// discards its vote. Returns the round's current accept/reject weight.
func (m *Monitor) RecordVote(txid types.Hash, validator types.Address, weight uint64, accept bool) (acceptWeight, rejectWeight uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, found := m.rounds[txid]
	if !found {
		return 0, 0, false
	}
	if _, banned := r.byzantine[validator]; banned {
		return r.acceptWeight, r.rejectWeight, true
	}
	if existing, voted := r.votes[validator]; voted {
		if existing != accept {
			r.byzantine[validator] = struct{}{}
			m.metrics.ByzantineFlags++
			if existing {
				r.acceptWeight -= weight
			} else {
				r.rejectWeight -= weight
			}
			delete(r.votes, validator)
		}
		return r.acceptWeight, r.rejectWeight, true
	}

	r.votes[validator] = accept
	if accept {
		r.acceptWeight += weight
	} else {
		r.rejectWeight += weight
	}
	return r.acceptWeight, r.rejectWeight, true
}

// Resolved reports whether a round's accumulated weight on either side
// has crossed the relaxed quorum threshold, given total active weight.
func (m *Monitor) Resolved(txid types.Hash, totalWeight uint64, relaxedQ float64) (accept bool, resolved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[txid]
	if !ok {
		return false, false
	}
	threshold := uint64(relaxedQ * float64(totalWeight))
	if r.acceptWeight >= threshold && threshold > 0 {
		return true, true
	}
	if r.rejectWeight >= threshold && threshold > 0 {
		return false, true
	}
	return false, false
}

// Advance elects a new leader for the next round once the current
// round's deadline has passed. Returns false once MaxRounds is
// exhausted — the caller should then abandon the session to the next
// TimeLock slot's liveness-recovery path.
func (m *Monitor) Advance(txid types.Hash, slot uint64, prevHash types.Hash, candidates []Candidate, now time.Time) (*Round, bool) {
	m.mu.Lock()
	prev, ok := m.rounds[txid]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if prev.Number+1 >= MaxRounds {
		return nil, false
	}

	leader, ok := FallbackLeader(txid, slot, prev.Number+1, prevHash, candidates)
	if !ok {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r := &Round{
		TxID:      txid,
		Number:    prev.Number + 1,
		Leader:    leader,
		Deadline:  now.Add(RoundTimeout),
		votes:     make(map[types.Address]bool),
		byzantine: make(map[types.Address]struct{}),
	}
	m.rounds[txid] = r
	return r, true
}

// Abandon marks txid resolved via the next TimeLock slot's
// liveness-recovery path and clears round state.
func (m *Monitor) Abandon(txid types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rounds, txid)
	m.metrics.TimeLockResolved++
}

// Metrics returns a snapshot of the fallback monitor's counters.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}
