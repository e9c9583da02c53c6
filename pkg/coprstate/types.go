// Package coprstate persists the remote-build state machine: for every
// build key submitted to the hosted service, the job identifier and the
// last observed status. The on-disk file is the source of truth across
// runs; in-memory state is a write-through cache.
package coprstate

import "time"

// Status is the lifecycle state of a remote build.
//
// NOTE: These values are persisted in the state file and are part of the
// stable on-disk contract.
type Status string

const (
	// StatusSubmitted means the build was accepted by the hosted service
	// and has a job identifier, but no terminal state has been observed.
	StatusSubmitted Status = "submitted"

	// StatusRunning means the hosted service reports the build in progress.
	StatusRunning Status = "running"

	// StatusSucceeded is terminal success.
	StatusSucceeded Status = "succeeded"

	// StatusFailed is terminal failure. A terminally-failed key is never
	// resubmitted; the operator removes the record to retry.
	StatusFailed Status = "failed"

	// StatusSkippedAssumeBuilt marks a key the user declared already
	// present on the hosted side; no submission is made.
	StatusSkippedAssumeBuilt Status = "skipped-assume-built"
)

// Terminal reports whether the status needs no further polling.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkippedAssumeBuilt:
		return true
	}
	return false
}

// Record is the persisted state for one build key.
//
// The schema is designed for backward-compatible extension (additive
// fields).
type Record struct {
	JobID int64 `json:"job_id,omitempty"`

	Status Status `json:"status"`

	// Chroots holds per-chroot subordinate states as reported by the
	// hosted service, after exclusion filtering.
	Chroots map[string]string `json:"chroots,omitempty"`

	// LastSeenAt is when the status was last observed or changed.
	LastSeenAt time.Time `json:"last_seen_at"`
}
