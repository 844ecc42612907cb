package utxo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// State machine errors, per the UTXO State Machine contract.
var (
	ErrNotFound            = errors.New("utxo not found")
	ErrContested           = errors.New("outpoint locked by another transaction")
	ErrAlreadySpent        = errors.New("outpoint already spent")
	ErrLockedCollateral    = errors.New("outpoint is collateral-locked")
	ErrDuplicateCollateral = errors.New("outpoint already bound by a collateral lock")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// lockTimeoutSeconds is how long an outpoint may sit Locked with no advancing
// vote before it expires back to Unspent.
const lockTimeoutSeconds = 600

// outpointShards bounds the number of independent locks guarding the
// in-memory state map, trading a little memory for concurrency — the same
// outpoint always shards to the same lock, so per-outpoint atomicity holds
// without a single global mutex serializing unrelated spends.
const outpointShards = 64

// Manager layers the five-state lifecycle (Unspent, Locked, SpentPending,
// SpentFinalized, and removal/Archived) on top of a Store. It tracks
// per-outpoint state in memory, shadowing the persisted UTXO record, and
// separately tracks collateral locks so spends can be rejected without a
// round trip through the masternode registry.
type Manager struct {
	store Set

	shards [outpointShards]struct {
		mu    sync.Mutex
		state map[types.Outpoint]*outpointState
	}

	collateralMu sync.Mutex
	collaterals  map[types.Outpoint]struct{}
}

type outpointState struct {
	state    State
	txid     types.Hash
	lockedAt int64
}

// NewManager creates a lifecycle manager over the given backing store.
func NewManager(store Set) *Manager {
	m := &Manager{store: store, collaterals: make(map[types.Outpoint]struct{})}
	for i := range m.shards {
		m.shards[i].state = make(map[types.Outpoint]*outpointState)
	}
	return m
}

func (m *Manager) shard(op types.Outpoint) *struct {
	mu    sync.Mutex
	state map[types.Outpoint]*outpointState
} {
	var h uint32
	for _, b := range op.TxID[:4] {
		h = h*31 + uint32(b)
	}
	h += op.Index
	return &m.shards[h%outpointShards]
}

// GetState returns the current lifecycle state of an outpoint. Outpoints
// with no in-memory entry are Unspent if they exist in the store.
func (m *Manager) GetState(op types.Outpoint) (State, error) {
	sh := m.shard(op)
	sh.mu.Lock()
	st, ok := sh.state[op]
	sh.mu.Unlock()
	if ok {
		return st.state, nil
	}
	if has, err := m.store.Has(op); err != nil {
		return 0, err
	} else if !has {
		return 0, ErrNotFound
	}
	return Unspent, nil
}

// Lock transitions an outpoint from Unspent to Locked for the given txid.
// Locking the same outpoint again with the same txid is idempotent.
// Collateral-locked outpoints can never be locked for spending.
func (m *Manager) Lock(op types.Outpoint, txid types.Hash, now int64) error {
	if m.IsCollateralLocked(op) {
		return fmt.Errorf("%w: %s", ErrLockedCollateral, op)
	}

	sh := m.shard(op)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.state[op]
	if ok {
		if st.state == Unspent {
			// stale, fall through to claim
		} else if st.txid == txid {
			return nil // Idempotent re-lock by the same transaction.
		} else if now-st.lockedAt > lockTimeoutSeconds && st.state == Locked {
			// Lock expired; reclaim below.
		} else {
			return fmt.Errorf("%w: %s", ErrContested, op)
		}
	}

	if has, err := m.store.Has(op); err != nil {
		return err
	} else if !has {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}

	sh.state[op] = &outpointState{state: Locked, txid: txid, lockedAt: now}
	return nil
}

// LockAll locks every outpoint in ops atomically: either all succeed, or
// every successfully-acquired lock is rolled back before the error returns.
func (m *Manager) LockAll(ops []types.Outpoint, txid types.Hash, now int64) error {
	acquired := make([]types.Outpoint, 0, len(ops))
	for _, op := range ops {
		if err := m.Lock(op, txid, now); err != nil {
			for _, done := range acquired {
				_ = m.Unlock(done, txid)
			}
			return err
		}
		acquired = append(acquired, op)
	}
	return nil
}

// Unlock reverts a Locked or SpentPending outpoint back to Unspent. No-op
// if the outpoint is not held by txid.
func (m *Manager) Unlock(op types.Outpoint, txid types.Hash) error {
	sh := m.shard(op)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.state[op]
	if !ok || st.txid != txid {
		return nil
	}
	delete(sh.state, op)
	return nil
}

// AdvanceToPending moves a Locked outpoint into SpentPending when its
// transaction's TimeVote session begins.
func (m *Manager) AdvanceToPending(op types.Outpoint, txid types.Hash) error {
	sh := m.shard(op)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.state[op]
	if !ok || st.txid != txid {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	if st.state != Locked {
		return fmt.Errorf("%w: %s not in Locked state", ErrContested, op)
	}
	st.state = SpentPending
	return nil
}

// CommitSpend moves every outpoint held by txid to SpentFinalized once a
// TimeProof has certified the spend. Callers remove the entries from the
// store (Archive) once the spending block is actually appended.
func (m *Manager) CommitSpend(txid types.Hash, ops []types.Outpoint) error {
	for _, op := range ops {
		sh := m.shard(op)
		sh.mu.Lock()
		st, ok := sh.state[op]
		if !ok || st.txid != txid {
			sh.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadySpent, op)
		}
		st.state = SpentFinalized
		sh.mu.Unlock()
	}
	return nil
}

// Archive removes a SpentFinalized outpoint from the backing store and
// clears its in-memory state entry. Called when the spending block is
// appended to the chain.
func (m *Manager) Archive(op types.Outpoint) error {
	sh := m.shard(op)
	sh.mu.Lock()
	delete(sh.state, op)
	sh.mu.Unlock()
	return m.store.Delete(op)
}

// RestoreFromUndo reverts an Archived (removed) outpoint back to Unspent
// by re-adding it to the store. Used when rolling back a block via its
// UndoLog; never crosses a checkpoint.
func (m *Manager) RestoreFromUndo(u *UTXO) error {
	restored := *u
	restored.State = Unspent
	restored.SpenderTx = types.Hash{}
	restored.LockedAt = 0
	return m.store.Put(&restored)
}

// AddUTXO inserts a brand-new Unspent output, created when a block
// containing its producing transaction is appended.
func (m *Manager) AddUTXO(u *UTXO) error {
	u.State = Unspent
	return m.store.Put(u)
}

// RemoveUTXO deletes the underlying UTXO record outright (used for
// immediate rollback of a just-applied block still in the assembly path).
func (m *Manager) RemoveUTXO(op types.Outpoint) error {
	return m.Archive(op)
}

// LockCollateral binds a collateral lock to an existing outpoint. Refuses
// an outpoint that is not present in the UTXO set (no phantom locks) and
// refuses to double-bind an outpoint already under collateral.
func (m *Manager) LockCollateral(op types.Outpoint) error {
	if has, err := m.store.Has(op); err != nil {
		return err
	} else if !has {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}

	m.collateralMu.Lock()
	defer m.collateralMu.Unlock()
	if _, ok := m.collaterals[op]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCollateral, op)
	}
	m.collaterals[op] = struct{}{}
	return nil
}

// UnlockCollateral releases a collateral lock (e.g. on masternode
// deregistration or unstake cooldown expiry). Force-unlocking a
// non-collateral outpoint is always refused by never having locked it.
func (m *Manager) UnlockCollateral(op types.Outpoint) {
	m.collateralMu.Lock()
	delete(m.collaterals, op)
	m.collateralMu.Unlock()
}

// IsCollateralLocked reports whether an outpoint is currently bound by a
// collateral lock.
func (m *Manager) IsCollateralLocked(op types.Outpoint) bool {
	m.collateralMu.Lock()
	_, ok := m.collaterals[op]
	m.collateralMu.Unlock()
	return ok
}

// RebuildCollaterals repopulates the collateral-lock index from scratch
// with the given stake outpoints, replacing any existing locks. Called on startup so
// restart never loses collateral discipline.
func (m *Manager) RebuildCollaterals(stakeOutpoints []types.Outpoint) {
	m.collateralMu.Lock()
	defer m.collateralMu.Unlock()
	m.collaterals = make(map[types.Outpoint]struct{}, len(stakeOutpoints))
	for _, op := range stakeOutpoints {
		m.collaterals[op] = struct{}{}
	}
}

// ExpireStaleLocks reverts every Locked outpoint that has sat longer than
// lockTimeoutSeconds with no advancing vote back to Unspent.
func (m *Manager) ExpireStaleLocks(now int64) {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for op, st := range sh.state {
			if st.state == Locked && now-st.lockedAt > lockTimeoutSeconds {
				delete(sh.state, op)
			}
		}
		sh.mu.Unlock()
	}
}
