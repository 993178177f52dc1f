package snapshot

import "time"

// PolicyConfig holds the operator-tunable knobs spec.md §4.5 names for
// the adaptive snapshot creation policy.
type PolicyConfig struct {
	MinEventsBetween uint64
	MaxEventsBetween uint64
	MinInterval      time.Duration
	MaxInterval      time.Duration
	RateSmoothingK   float64
}

// DefaultPolicyConfig matches the teacher's checkpoint cadence order of
// magnitude, widened into a min/max band for the adaptive formula.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinEventsBetween: 100,
		MaxEventsBetween: 100_000,
		MinInterval:      5 * time.Second,
		MaxInterval:      5 * time.Minute,
		RateSmoothingK:   0.01,
	}
}

// Policy decides when a table should create a new snapshot, applying
// the formula from spec.md §4.5 to a write rate the caller supplies:
// T = T_min + (T_max - T_min) / (1 + rate * k).
type Policy struct {
	cfg PolicyConfig

	lastSnapshotAt       time.Time
	lastSnapshotSequence uint64
	eventCount           uint64
	windowStart          time.Time
}

// NewPolicy creates a policy seeded at sequence 0, wall clock now.
func NewPolicy(cfg PolicyConfig, now time.Time) *Policy {
	return &Policy{cfg: cfg, lastSnapshotAt: now, windowStart: now}
}

// RecordEvent counts one applied event. The sequence and wall time are
// not used, and nothing in Policy reads the count.
func (p *Policy) RecordEvent(sequence uint64, now time.Time) {
	p.eventCount++
}

// Threshold computes the current dynamic events-between-snapshots
// threshold given a write rate in events/second.
func (p *Policy) Threshold(rate float64) uint64 {
	tMin, tMax, k := float64(p.cfg.MinEventsBetween), float64(p.cfg.MaxEventsBetween), p.cfg.RateSmoothingK
	t := tMin + (tMax-tMin)/(1+rate*k)
	if t < tMin {
		t = tMin
	}
	return uint64(t)
}

// ShouldCreate reports whether a snapshot should be created now, given
// the table's current high-water sequence, the current wall time, and
// a recent write rate (events/second) the caller has measured.
func (p *Policy) ShouldCreate(highWater uint64, now time.Time, rate float64) bool {
	eventsSince := highWater - p.lastSnapshotSequence
	if eventsSince >= p.Threshold(rate) {
		return true
	}
	sinceLast := now.Sub(p.lastSnapshotAt)
	if sinceLast >= p.cfg.MaxInterval && sinceLast >= p.cfg.MinInterval {
		return true
	}
	return false
}

// RecordSnapshot updates the policy's bookkeeping after a snapshot has
// actually been created at sequence, now.
func (p *Policy) RecordSnapshot(sequence uint64, now time.Time) {
	p.lastSnapshotSequence = sequence
	p.lastSnapshotAt = now
}
