package timevote

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/timeproof"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ActiveSetView is the registry surface a Manager needs: per-validator
// public key/weight, total active weight, and the current active-validator
// count (for the <3-active auto-finalize rule). internal/masternode's
// Registry satisfies this directly.
type ActiveSetView interface {
	timeproof.ActiveSetView
	ActiveCount() int
}

// Errors returned by RecordVote/Initiate.
var (
	ErrUnknownSession  = errors.New("no voting session for this transaction")
	ErrSessionClosed   = errors.New("voting session is no longer accepting votes")
	ErrValidatorBanned = errors.New("validator already flagged byzantine in this session")
)

// Manager owns every in-flight voting session for this node.
type Manager struct {
	mu       sync.Mutex
	sessions map[types.Hash]*Session
	view     ActiveSetView

	qSteady     float64
	qRelaxed    float64
	stallRelax  time.Duration

	// onFinalized is invoked (with mu held) whenever a session crosses
	// the finality threshold locally — the caller broadcasts
	// TransactionFinalized and moves the txid into the finalized pool.
	onFinalized func(session *Session)
}

// NewManager creates a session manager bound to the given active-set view
// and finality parameters (config.ConsensusRules' QFinalitySteady/
// QFinalityRelaxed/StallRelaxSeconds).
func NewManager(view ActiveSetView, qSteady, qRelaxed float64, stallRelax time.Duration, onFinalized func(*Session)) *Manager {
	return &Manager{
		sessions:   make(map[types.Hash]*Session),
		view:       view,
		qSteady:    qSteady,
		qRelaxed:   qRelaxed,
		stallRelax: stallRelax,
		onFinalized: onFinalized,
	}
}

// Initiate opens a voting session for txid. If fewer than 3 active
// masternodes exist, the session auto-finalizes immediately without voting
// (spec.md §4.5 step 5) — safety still rests on the atomic UTXO lock that
// prevents a conflicting transaction from being admitted concurrently.
func (m *Manager) Initiate(txid types.Hash, slot uint64, commitment types.Hash, now time.Time) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newSession(txid, slot, commitment, now)
	m.sessions[txid] = s

	if m.view.ActiveCount() < 3 {
		s.State = StateFinalized
		s.Proof = &timeproof.TimeProof{TxID: txid, Slot: slot}
		if m.onFinalized != nil {
			m.onFinalized(s)
		}
	}
	return s
}

// Session returns the tracked session for txid, or nil.
func (m *Manager) Session(txid types.Hash) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[txid]
}

// currentQ returns the active finality threshold: relaxed once a session
// has made no progress for stallRelax, steady otherwise.
func (m *Manager) currentQ(s *Session, now time.Time) float64 {
	if now.Sub(s.LastProgress) >= m.stallRelax {
		return m.qRelaxed
	}
	return m.qSteady
}

// RecordVote accumulates a signed TimeVote into its session, re-tallying by
// validator tier weight on each arrival. Equivocation (the same validator
// voting twice with conflicting decisions in the same slot) flags the
// validator Byzantine and discards its votes. Returns the finalized
// TimeProof once accumulated Accept weight crosses the active threshold.
func (m *Manager) RecordVote(vote timeproof.TimeVote, now time.Time) (*timeproof.TimeProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[vote.TxID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.State != StateVoting && s.State != StateFallbackResolution {
		return nil, ErrSessionClosed
	}
	if s.isByzantine(vote.Validator) {
		return nil, ErrValidatorBanned
	}

	pubKey, active := m.view.PublicKeyOf(vote.Validator)
	if !active {
		return nil, fmt.Errorf("validator %s is not in the active set", vote.Validator)
	}
	if !vote.VerifySignature(pubKey) {
		return nil, fmt.Errorf("validator %s: signature does not verify", vote.Validator)
	}

	if existing, accepted := s.acceptVotes[vote.Validator]; accepted && existing.Decision != vote.Decision {
		s.AcceptWeight -= m.view.Weight(vote.Validator)
		s.recordEquivocation(vote.Validator)
		return nil, nil
	}
	if existing, rejected := s.rejectVotes[vote.Validator]; rejected && existing.Decision != vote.Decision {
		s.RejectWeight -= m.view.Weight(vote.Validator)
		s.recordEquivocation(vote.Validator)
		return nil, nil
	}

	// The threshold is chosen from the session's progress before this vote.
	q := m.currentQ(s, now)
	weight := m.view.Weight(vote.Validator)
	switch vote.Decision {
	case timeproof.DecisionAccept:
		if _, already := s.acceptVotes[vote.Validator]; !already {
			s.acceptVotes[vote.Validator] = vote
			s.AcceptWeight += weight
			s.LastProgress = now
		}
	case timeproof.DecisionReject:
		if _, already := s.rejectVotes[vote.Validator]; !already {
			s.rejectVotes[vote.Validator] = vote
			s.RejectWeight += weight
			s.LastProgress = now
		}
	}

	total := m.view.TotalActiveWeight()
	threshold := uint64(math.Ceil(q * float64(total)))

	if s.RejectWeight >= threshold {
		s.State = StateRejected
		return nil, nil
	}
	if s.AcceptWeight >= threshold {
		s.State = StateFinalized
		votes := make([]timeproof.TimeVote, 0, len(s.acceptVotes))
		for _, v := range s.acceptVotes {
			votes = append(votes, v)
		}
		minimal := timeproof.MinimalVoteSet(votes, m.view, threshold)
		s.Proof = &timeproof.TimeProof{TxID: s.TxID, Slot: s.Slot, Votes: minimal}
		if m.onFinalized != nil {
			m.onFinalized(s)
		}
		return s.Proof, nil
	}
	return nil, nil
}

// CheckStalls moves any Voting session that hasn't progressed in
// stallRelax (30 s under the genesis rules) into
// FallbackResolution and returns them for TimeGuard to pick up.
func (m *Manager) CheckStalls(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stalled []*Session
	for _, s := range m.sessions {
		if s.State == StateVoting && now.Sub(s.LastProgress) >= m.stallRelax {
			s.State = StateFallbackResolution
			stalled = append(stalled, s)
		}
	}
	return stalled
}

// Abandon marks a session Abandoned — used when TimeGuard's fallback rounds
// are exhausted and the transaction is left for the next TimeLock producer
// to stamp with liveness_recovery.
func (m *Manager) Abandon(txid types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[txid]; ok {
		s.State = StateAbandoned
	}
}

// Resolve force-finalizes a session from TimeGuard's fallback round with the
// given decision, without going through the normal weight tally — used when
// the fallback leader's proposal crosses the relaxed threshold.
func (m *Manager) Resolve(txid types.Hash, accept bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[txid]
	if !ok {
		return
	}
	if accept {
		s.State = StateFinalized
	} else {
		s.State = StateRejected
	}
}
