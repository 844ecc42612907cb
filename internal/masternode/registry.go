package masternode

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ErrAlreadyRegistered is returned when an address is already in the active set.
var ErrAlreadyRegistered = errors.New("masternode already registered")

// ErrNotRegistered is returned when an operation targets an unknown address.
var ErrNotRegistered = errors.New("masternode not registered")

// requiredConfirmations is the number of confirmations a masternode's
// registering transaction needs before it joins the active set (spec.md
// §3: "Becomes active after 3 confirmations").
const requiredConfirmations = 3

// Masternode is a registered participant in the tiered active set.
type Masternode struct {
	Address            types.Address
	PublicKey          []byte // Ed25519, 32 bytes
	Tier               string
	CollateralOutpoint *types.Outpoint // nil for Free tier
	RegisteredAt       int64           // unix seconds
	RegisteredHeight   uint64

	active bool
}

// Registry maintains the active set, tier→weight mapping, and heartbeat
// state. Grounded on the teacher's internal/consensus/poa.go validator-set
// bookkeeping (add/remove, weight lookups), generalized from a flat
// validator list into a tiered, collateral-checked, heartbeat-tracked
// registry.
type Registry struct {
	mu sync.RWMutex

	byAddress  map[types.Address]*Masternode
	byOutpoint map[types.Outpoint]types.Address
	whitelist  map[string]struct{} // whitelisted IPs, bypass some eviction/ban policy
	weights    *WeightTable
	collateral *CollateralChecker
	heartbeats *HeartbeatTracker
}

// NewRegistry creates an empty registry using the given consensus rules for
// tier weights/collateral and the given UTXO set for collateral lookups.
func NewRegistry(r config.ConsensusRules, utxos utxo.Set, heartbeatInterval time.Duration) (*Registry, error) {
	weights, err := NewWeightTable(r)
	if err != nil {
		return nil, fmt.Errorf("build weight table: %w", err)
	}
	return &Registry{
		byAddress:  make(map[types.Address]*Masternode),
		byOutpoint: make(map[types.Outpoint]types.Address),
		whitelist:  make(map[string]struct{}),
		weights:    weights,
		collateral: NewCollateralChecker(utxos, weights),
		heartbeats: NewHeartbeatTracker(heartbeatInterval),
	}, nil
}

// Register admits a masternode after validating its declared tier's
// collateral. A Free-tier masternode needs collateralOutpoint == nil and
// passes once it clears heartbeat witnessing (the caller is responsible for
// requiring that before calling Register — the registry only enforces the
// collateral invariant).
func (r *Registry) Register(mn *Masternode) error {
	if !ValidTier(mn.Tier) {
		return fmt.Errorf("unknown tier %q", mn.Tier)
	}
	if err := r.collateral.Validate(mn.Tier, mn.CollateralOutpoint, mn.PublicKey); err != nil {
		return fmt.Errorf("validate collateral: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAddress[mn.Address]; exists {
		return ErrAlreadyRegistered
	}
	if mn.CollateralOutpoint != nil {
		if owner, taken := r.byOutpoint[*mn.CollateralOutpoint]; taken && owner != mn.Address {
			return ErrDuplicateCollateral
		}
	}

	cp := *mn
	cp.active = false // becomes active after requiredConfirmations.
	r.byAddress[mn.Address] = &cp
	if mn.CollateralOutpoint != nil {
		r.byOutpoint[*mn.CollateralOutpoint] = mn.Address
	}
	return nil
}

// SeedGenesis admits a masternode straight into the active set, bypassing
// collateral validation and the confirmation wait Register/Activate
// enforce. Used only to bootstrap config.Genesis's InitialMasternodes,
// which are exempted from proving collateral since they ARE the genesis
// active set.
func (r *Registry) SeedGenesis(mn *Masternode) error {
	if !ValidTier(mn.Tier) {
		return fmt.Errorf("unknown tier %q", mn.Tier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byAddress[mn.Address]; exists {
		return ErrAlreadyRegistered
	}
	cp := *mn
	cp.active = true
	r.byAddress[mn.Address] = &cp
	if mn.CollateralOutpoint != nil {
		r.byOutpoint[*mn.CollateralOutpoint] = mn.Address
	}
	return nil
}

// Activate marks a registered masternode active once its registering
// transaction has requiredConfirmations confirmations.
func (r *Registry) Activate(address types.Address, atHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.byAddress[address]
	if !ok {
		return ErrNotRegistered
	}
	if atHeight < mn.RegisteredHeight+requiredConfirmations {
		return fmt.Errorf("not yet confirmed: need height %d, at %d", mn.RegisteredHeight+requiredConfirmations, atHeight)
	}
	mn.active = true
	return nil
}

// Deregister removes a masternode from the active set — called when its
// collateral is unlocked/spent, or when heartbeats lapse past the liveness
// threshold.
func (r *Registry) Deregister(address types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.byAddress[address]
	if !ok {
		return ErrNotRegistered
	}
	if mn.CollateralOutpoint != nil {
		delete(r.byOutpoint, *mn.CollateralOutpoint)
	}
	delete(r.byAddress, address)
	return nil
}

// RecordHeartbeat forwards to the heartbeat tracker, providing the current
// active-set size for witness-diversity enforcement.
func (r *Registry) RecordHeartbeat(hb Heartbeat, now time.Time) error {
	active := r.ActiveSetAt(0)
	return r.heartbeats.Record(hb, len(active), now)
}

// DeactivateStale deregisters any active masternode whose heartbeat is
// older than 2x the configured interval as of now.
func (r *Registry) DeactivateStale(now time.Time) []types.Address {
	r.mu.RLock()
	var stale []types.Address
	for addr, mn := range r.byAddress {
		if !mn.active {
			continue
		}
		if !r.heartbeats.IsOnline(addr.String(), now) {
			stale = append(stale, addr)
		}
	}
	r.mu.RUnlock()

	for _, addr := range stale {
		r.Deregister(addr)
	}
	return stale
}

// ActiveSetAt returns all currently active masternodes, sorted by address
// for canonical ordering (bitmap position and sortition both depend on a
// stable order). The height parameter is accepted for interface symmetry
// with spec.md §4.3's active_set_at(height); this registry holds only
// present state (historical snapshots live in the chain's block history).
func (r *Registry) ActiveSetAt(height uint64) []*Masternode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Masternode, 0, len(r.byAddress))
	for _, mn := range r.byAddress {
		if mn.active {
			cp := *mn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// TotalActiveWeight sums the effective tier weight of every active masternode.
func (r *Registry) TotalActiveWeight() uint64 {
	var total uint64
	for _, mn := range r.ActiveSetAt(0) {
		total += r.weights.Weight(mn.Tier)
	}
	return total
}

// Weight returns a masternode's effective tier weight, or 0 if not active.
func (r *Registry) Weight(address types.Address) uint64 {
	r.mu.RLock()
	mn, ok := r.byAddress[address]
	r.mu.RUnlock()
	if !ok || !mn.active {
		return 0
	}
	return r.weights.Weight(mn.Tier)
}

// TierOf returns an active masternode's declared tier.
func (r *Registry) TierOf(address types.Address) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mn, ok := r.byAddress[address]
	if !ok || !mn.active {
		return "", false
	}
	return mn.Tier, true
}

// ActiveCount returns the number of active masternodes — used by TimeVote's
// <3-active-validator auto-finalize rule.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, mn := range r.byAddress {
		if mn.active {
			n++
		}
	}
	return n
}

// PublicKeyOf returns an active masternode's Ed25519 public key, for
// verifying signatures on its TimeVotes and block headers.
func (r *Registry) PublicKeyOf(address types.Address) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mn, ok := r.byAddress[address]
	if !ok || !mn.active {
		return nil, false
	}
	return mn.PublicKey, true
}

// Whitelist adds an IP to the whitelist (bypasses ban/priority demotion
// elsewhere in the stack).
func (r *Registry) Whitelist(ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.whitelist[ip.String()] = struct{}{}
}

// IsWhitelisted reports whether ip is on the whitelist.
func (r *Registry) IsWhitelisted(ip net.IP) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.whitelist[ip.String()]
	return ok
}

// ValidateCollateral exposes the registry's collateral checker for callers
// (e.g. a future masternode announcement handler) that need to validate a
// declared tier before calling Register.
func (r *Registry) ValidateCollateral(tier string, outpoint *types.Outpoint, pubKey []byte) error {
	return r.collateral.Validate(tier, outpoint, pubKey)
}

// ActiveBitmap builds the per-slot active-masternode bitmap a block header
// carries (block.Header.MasternodeActiveBitmap): bit i set means the i-th
// masternode in canonical (sorted-address) order was active at block
// assembly time.
func (r *Registry) ActiveBitmap() []byte {
	active := r.ActiveSetAt(0)
	bitmap := make([]byte, (len(active)+7)/8)
	for i := range active {
		bitmap[i/8] |= 1 << uint(i%8)
	}
	return bitmap
}
