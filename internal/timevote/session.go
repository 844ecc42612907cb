// Package timevote implements the fast-path, stake-weighted transaction
// voting protocol that produces sub-second finality ahead of TimeLock block
// inclusion. A Session tracks one transaction's vote tally from admission
// through Finalized, Rejected, FallbackResolution, or Abandoned.
package timevote

import (
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/timeproof"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// State is a voting session's lifecycle state. Transitions are append-only
// per txid.
type State int

const (
	StateVoting State = iota
	StateFinalized
	StateRejected
	StateFallbackResolution
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateVoting:
		return "voting"
	case StateFinalized:
		return "finalized"
	case StateRejected:
		return "rejected"
	case StateFallbackResolution:
		return "fallback_resolution"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Session is the live vote-tally state for one transaction.
type Session struct {
	TxID       types.Hash
	Slot       uint64
	Commitment types.Hash
	State      State

	StartedAt    time.Time
	LastProgress time.Time // last time accumulated weight changed

	acceptVotes map[types.Address]timeproof.TimeVote
	rejectVotes map[types.Address]timeproof.TimeVote
	byzantine   map[types.Address]struct{}

	AcceptWeight uint64
	RejectWeight uint64

	Proof *timeproof.TimeProof // set once State == Finalized
}

func newSession(txid types.Hash, slot uint64, commitment types.Hash, now time.Time) *Session {
	return &Session{
		TxID:         txid,
		Slot:         slot,
		Commitment:   commitment,
		State:        StateVoting,
		StartedAt:    now,
		LastProgress: now,
		acceptVotes:  make(map[types.Address]timeproof.TimeVote),
		rejectVotes:  make(map[types.Address]timeproof.TimeVote),
		byzantine:    make(map[types.Address]struct{}),
	}
}

// isByzantine reports whether a validator has already been flagged for
// equivocation in this session.
func (s *Session) isByzantine(addr types.Address) bool {
	_, ok := s.byzantine[addr]
	return ok
}

// recordEquivocation flags a validator Byzantine and discards any vote it
// had already cast in this session.
func (s *Session) recordEquivocation(addr types.Address) {
	s.byzantine[addr] = struct{}{}
	delete(s.acceptVotes, addr)
	delete(s.rejectVotes, addr)
}
