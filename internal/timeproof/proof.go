// Package timeproof defines the TimeVote/TimeProof finality certificate and
// its verification rule. A TimeProof is a weight-sufficient bundle of signed
// TimeVotes, retrievable by txid and checkable without replaying the chain.
package timeproof

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Decision is a validator's vote on a transaction.
type Decision uint8

const (
	DecisionAccept Decision = iota
	DecisionReject
)

// TimeVote is one validator's signed decision on a transaction, bound to the
// session's vote commitment.
type TimeVote struct {
	TxID       types.Hash
	Commitment types.Hash
	Decision   Decision
	Validator  types.Address
	Slot       uint64
	Signature  []byte
}

// SigningBytes returns the canonical bytes signed by the validator.
func (v *TimeVote) SigningBytes() []byte {
	buf := make([]byte, 0, 32+32+1+20+8)
	buf = append(buf, v.TxID[:]...)
	buf = append(buf, v.Commitment[:]...)
	buf = append(buf, byte(v.Decision))
	buf = append(buf, v.Validator[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, v.Slot)
	return buf
}

// Sign signs the vote's canonical bytes with the validator's private key.
func (v *TimeVote) Sign(sk *crypto.PrivateKey) error {
	sig, err := sk.Sign(v.SigningBytes())
	if err != nil {
		return fmt.Errorf("sign time vote: %w", err)
	}
	v.Signature = sig
	return nil
}

// VerifySignature checks the vote's signature against the claimed validator's
// public key.
func (v *TimeVote) VerifySignature(pubKey []byte) bool {
	return crypto.VerifySignature(v.SigningBytes(), v.Signature, pubKey)
}

// TimeProof is a finality certificate for a transaction: the subset of
// TimeVotes whose accumulated weight crossed the Q_FINALITY threshold at the
// claimed slot.
type TimeProof struct {
	TxID  types.Hash
	Slot  uint64
	Votes []TimeVote
}

// Verification errors.
var (
	ErrEmptyProof          = errors.New("time proof has no votes")
	ErrDuplicateValidator  = errors.New("time proof contains duplicate validator votes")
	ErrValidatorNotActive  = errors.New("vote signer is not in the active set at the claimed slot")
	ErrBadSignature        = errors.New("time vote signature does not verify")
	ErrMixedTxID           = errors.New("time proof vote references a different transaction")
	ErrInsufficientWeight  = errors.New("accumulated accept weight does not meet the finality threshold")
)

// ActiveSetView is the read-only surface timeproof.Verify needs from the
// masternode registry: per-validator public key and effective weight, and
// the total weight currently backing the active set. internal/masternode's
// Registry satisfies this directly.
type ActiveSetView interface {
	PublicKeyOf(address types.Address) ([]byte, bool)
	Weight(address types.Address) uint64
	TotalActiveWeight() uint64
}

// Verify checks a TimeProof against spec.md §4.6: every contained vote's
// signature verifies, no two votes share a validator, every signer is in the
// active set, and the accumulated Accept weight meets
// qFinality * total_weight_at_slot.
func Verify(proof *TimeProof, view ActiveSetView, qFinality float64) error {
	if len(proof.Votes) == 0 {
		return ErrEmptyProof
	}

	seen := make(map[types.Address]struct{}, len(proof.Votes))
	var acceptWeight uint64
	for i := range proof.Votes {
		v := &proof.Votes[i]
		if v.TxID != proof.TxID {
			return fmt.Errorf("vote %d: %w", i, ErrMixedTxID)
		}
		if _, dup := seen[v.Validator]; dup {
			return fmt.Errorf("validator %s: %w", v.Validator, ErrDuplicateValidator)
		}
		seen[v.Validator] = struct{}{}

		pubKey, ok := view.PublicKeyOf(v.Validator)
		if !ok {
			return fmt.Errorf("validator %s: %w", v.Validator, ErrValidatorNotActive)
		}
		if !v.VerifySignature(pubKey) {
			return fmt.Errorf("validator %s: %w", v.Validator, ErrBadSignature)
		}
		if v.Decision != DecisionAccept {
			continue
		}
		acceptWeight += view.Weight(v.Validator)
	}

	total := view.TotalActiveWeight()
	threshold := uint64(math.Ceil(qFinality * float64(total)))
	if acceptWeight < threshold {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientWeight, acceptWeight, threshold)
	}
	return nil
}

// MinimalVoteSet returns the smallest prefix of accepted votes (by
// descending validator weight) whose accumulated weight crosses threshold —
// "exactly the votes used to cross the threshold" per spec.md §4.5 step 4.
func MinimalVoteSet(votes []TimeVote, view ActiveSetView, threshold uint64) []TimeVote {
	accepted := make([]TimeVote, 0, len(votes))
	for _, v := range votes {
		if v.Decision == DecisionAccept {
			accepted = append(accepted, v)
		}
	}
	sort.Slice(accepted, func(i, j int) bool {
		return view.Weight(accepted[i].Validator) > view.Weight(accepted[j].Validator)
	})

	var sum uint64
	for i, v := range accepted {
		sum += view.Weight(v.Validator)
		if sum >= threshold {
			return accepted[:i+1]
		}
	}
	return accepted
}
