package masternode

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// minWitnessDiversityCount is the threshold at which heartbeats start
// requiring multi-witness attestation (spec.md §4.3): below this many active
// masternodes, self-announcement is the only witness available.
const minWitnessDiversityCount = 5

// requiredWitnesses and requiredSubnets are the witness-diversity minimums
// once the active set is large enough to supply them.
const (
	requiredWitnesses = 2
	requiredSubnets   = 2
)

// ErrInsufficientWitnesses is returned when a heartbeat lacks the required
// witness diversity (≥2 signatures from ≥2 distinct /16 subnets).
var ErrInsufficientWitnesses = errors.New("heartbeat lacks required witness diversity")

// Witness is one attestation of a masternode's liveness, made by a peer that
// observed it — generalizes the teacher's single-signer HeartbeatMessage
// into a multi-witness structure.
type Witness struct {
	Address   string // witnessing masternode's address
	IP        net.IP
	Signature []byte
}

// Heartbeat is a liveness claim for one masternode, attested by one or more
// witnesses.
type Heartbeat struct {
	Address   string
	Timestamp int64
	Witnesses []Witness
}

// LivenessStats holds in-memory liveness statistics for a single masternode.
// Resets on node restart — liveness has no consensus impact of its own, it
// only feeds ActiveSetAt's deactivation rule.
type LivenessStats struct {
	Address       string
	LastHeartbeat time.Time
	WitnessCount  int
	MissedCount   uint64
}

// HeartbeatTracker tracks masternode liveness via witnessed heartbeats.
// Adapted from the teacher's ValidatorTracker (heartbeat-interval/online-
// threshold/deep-copy-snapshot idiom), extended with witness-diversity
// enforcement and no longer coupled to block production (TimeLock tracks
// that separately via slot misses).
type HeartbeatTracker struct {
	mu                sync.RWMutex
	stats             map[string]*LivenessStats
	heartbeatInterval time.Duration
}

// NewHeartbeatTracker creates a tracker with the expected heartbeat interval.
func NewHeartbeatTracker(heartbeatInterval time.Duration) *HeartbeatTracker {
	return &HeartbeatTracker{
		stats:             make(map[string]*LivenessStats),
		heartbeatInterval: heartbeatInterval,
	}
}

// Record validates witness diversity (when the active set is large enough to
// require it) and records the heartbeat. now is passed explicitly so callers
// control the clock in tests.
func (t *HeartbeatTracker) Record(hb Heartbeat, activeCount int, now time.Time) error {
	if activeCount >= minWitnessDiversityCount {
		if err := validateWitnessDiversity(hb.Witnesses); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[hb.Address]
	if !ok {
		s = &LivenessStats{Address: hb.Address}
		t.stats[hb.Address] = s
	}
	s.LastHeartbeat = now
	s.WitnessCount = len(hb.Witnesses)
	return nil
}

// validateWitnessDiversity checks for at least requiredWitnesses distinct
// witnesses spanning at least requiredSubnets distinct /16 subnets.
func validateWitnessDiversity(witnesses []Witness) error {
	if len(witnesses) < requiredWitnesses {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientWitnesses, len(witnesses), requiredWitnesses)
	}
	subnets := make(map[string]struct{})
	for _, w := range witnesses {
		subnets[slash16(w.IP)] = struct{}{}
	}
	if len(subnets) < requiredSubnets {
		return fmt.Errorf("%w: %d distinct /16 subnets, need %d", ErrInsufficientWitnesses, len(subnets), requiredSubnets)
	}
	return nil
}

// slash16 returns the /16 prefix of an IPv4 address (or the full address for
// IPv6, which has no meaningful /16 notion here).
func slash16(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ip.String()
	}
	return fmt.Sprintf("%d.%d", v4[0], v4[1])
}

// RecordMiss records that a masternode was expected to produce a slot
// attestation but did not.
func (t *HeartbeatTracker) RecordMiss(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[address]
	if !ok {
		s = &LivenessStats{Address: address}
		t.stats[address] = s
	}
	s.MissedCount++
}

// IsOnline returns true if the masternode's last heartbeat is within 2x the
// expected interval of now.
func (t *HeartbeatTracker) IsOnline(address string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[address]
	if !ok || s.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(s.LastHeartbeat) <= 2*t.heartbeatInterval
}

// Stats returns a copy of a masternode's liveness stats, or nil if untracked.
func (t *HeartbeatTracker) Stats(address string) *LivenessStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[address]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}
