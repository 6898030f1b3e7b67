// Package detector decides on each tick whether the ingestion buffer needs persisting.
package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
)

// DefaultSafetyInterval is the longest a non-empty buffer goes without a persist.
const DefaultSafetyInterval = 60 * time.Second

// Trigger names the rule that scheduled a persist.
type Trigger string

const (
	// TriggerNone means nothing needs persisting this tick.
	TriggerNone Trigger = ""
	// TriggerGrowth fires when the buffer grew since the last persist.
	TriggerGrowth Trigger = "growth"
	// TriggerContent fires when the buffer content changed without growing.
	TriggerContent Trigger = "content"
	// TriggerSafetyNet fires when the safety interval elapsed.
	TriggerSafetyNet Trigger = "safety_net"
	// TriggerShutdown marks the final flush on process exit.
	TriggerShutdown Trigger = "shutdown"
)

// Mark records the buffer state at a persist.
type Mark struct {
	Size        int
	Fingerprint string
	At          time.Time
}

// NewMark captures size and fingerprint of a snapshot at the given time.
func NewMark(snapshot []records.Record, at time.Time) Mark {
	return Mark{Size: len(snapshot), Fingerprint: Fingerprint(snapshot), At: at}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Trigger Trigger
	Mark    Mark
}

// Persist reports whether a persist should be scheduled.
func (d Decision) Persist() bool {
	return d.Trigger != TriggerNone
}

// Config tunes the detector.
type Config struct {
	SafetyInterval time.Duration
}

// Detector tracks the last committed persist and evaluates triggers against it.
type Detector struct {
	mu             sync.Mutex
	committed      Mark
	safetyInterval time.Duration
}

// New constructs a Detector with nothing committed yet.
func New(cfg Config) *Detector {
	interval := cfg.SafetyInterval
	if interval <= 0 {
		interval = DefaultSafetyInterval
	}
	return &Detector{safetyInterval: interval}
}

// Evaluate applies the growth, content and safety-net rules in that order.
func (d *Detector) Evaluate(snapshot []records.Record, now time.Time) Decision {
	if len(snapshot) == 0 {
		return Decision{}
	}

	d.mu.Lock()
	committed := d.committed
	d.mu.Unlock()

	mark := NewMark(snapshot, now)
	switch {
	case mark.Size > committed.Size:
		return Decision{Trigger: TriggerGrowth, Mark: mark}
	case mark.Fingerprint != committed.Fingerprint:
		return Decision{Trigger: TriggerContent, Mark: mark}
	case now.Sub(committed.At) > d.safetyInterval:
		return Decision{Trigger: TriggerSafetyNet, Mark: mark}
	default:
		return Decision{Mark: mark}
	}
}

// Commit records a successful persist. Failed persists are never committed, so the
// next evaluation fires again from current state.
func (d *Detector) Commit(mark Mark) {
	d.mu.Lock()
	d.committed = mark
	d.mu.Unlock()
}

// Committed returns the last committed mark.
func (d *Detector) Committed() Mark {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

// Fingerprint hashes the sorted canonical renderings, so insertion order does not matter.
func Fingerprint(snapshot []records.Record) string {
	if len(snapshot) == 0 {
		return ""
	}
	lines := make([]string, len(snapshot))
	for i, record := range snapshot {
		lines[i] = record.Canonical()
	}
	sort.Strings(lines)

	hasher := sha256.New()
	for _, line := range lines {
		hasher.Write([]byte(line))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
