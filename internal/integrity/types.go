// Package integrity holds the domain model shared by the snapshot store,
// drift detector, restorer and monitor scheduler: snapshots, audit events,
// the per-container state machine states and the container runtime port.
package integrity

import "time"

// State is the monitoring state of a single container.
type State string

const (
	StateUnverified    State = "unverified"
	StateClean         State = "clean"
	StateDrifted       State = "drifted"
	StateRestoring     State = "restoring"
	StateRestoreFailed State = "restore_failed"
)

// Verdict is the outcome of a single drift check.
type Verdict string

const (
	// VerdictMatch means the observed digest equals the baseline digest.
	VerdictMatch Verdict = "match"
	// VerdictDrift means the observed digest differs from the baseline.
	VerdictDrift Verdict = "drift"
	// VerdictError means the check itself failed (runtime unreachable,
	// unreadable entry, missing baseline) and produced no usable digest.
	VerdictError Verdict = "error"
)

// Snapshot is an immutable, versioned baseline record. Versions increase
// monotonically per container; the archive is an opaque tar blob stored
// outside the live container.
type Snapshot struct {
	Container   string
	Version     int
	Digest      string
	ArchivePath string
	CreatedAt   time.Time
}

// Event is one append-only audit record. Exactly one Event is written per
// drift check and per restore attempt; records are never mutated.
type Event struct {
	ID             int64
	Container      string
	At             time.Time
	ExpectedDigest string
	ObservedDigest string
	Verdict        Verdict
	RestoreOutcome string // "", "restored", "restore_failed"
	Detail         string
}

// Restore outcome values recorded on Event.RestoreOutcome.
const (
	RestoreOutcomeRestored = "restored"
	RestoreOutcomeFailed   = "restore_failed"
)
