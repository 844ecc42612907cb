// Package utxo manages the UTXO set and its five-state lifecycle
// (Unspent, Locked, SpentPending, SpentFinalized, Archived).
package utxo

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// State is the lifecycle position of a UTXO, per the state machine in
// state.go. The zero value is Unspent.
type State uint8

const (
	// Unspent is available to be locked by a new transaction.
	Unspent State = iota
	// Locked means a pending transaction has claimed this outpoint but it
	// has not yet entered voting.
	Locked
	// SpentPending means a TimeVote session is tallying votes to spend
	// this outpoint.
	SpentPending
	// SpentFinalized means a TimeProof has certified the spend; the
	// outpoint is removed (archived) once the spending block is appended.
	SpentFinalized
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Unspent:
		return "Unspent"
	case Locked:
		return "Locked"
	case SpentPending:
		return "SpentPending"
	case SpentFinalized:
		return "SpentFinalized"
	default:
		return "Unknown"
	}
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint    types.Outpoint `json:"outpoint"`
	Value       uint64         `json:"value"`
	Script      types.Script   `json:"script"`
	Height      uint64         `json:"height"`
	Coinbase    bool           `json:"coinbase"`
	LockedUntil uint64         `json:"locked_until,omitempty"`

	State     State      `json:"state"`
	SpenderTx types.Hash `json:"spender_tx,omitempty"`
	LockedAt  int64      `json:"locked_at,omitempty"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
