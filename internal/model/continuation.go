package model

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a continuation.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunRunning    RunStatus = "running"
	RunSuspended  RunStatus = "suspended"
	RunCompleted  RunStatus = "completed"
	RunCancelled  RunStatus = "cancelled"
)

// ScanCursor is the incremental scan position of a mailbox.
type ScanCursor struct {
	UIDValidity uint32    `json:"uid_validity"`
	LastUID     uint32    `json:"last_uid"`
	SavedAt     time.Time `json:"saved_at"`
}

// ContinuationState is the only object that crosses invocation
// boundaries. ProcessedIDs and RemainingIDs never share an id.
type ContinuationState struct {
	RunID        string     `json:"run_id"`
	Status       RunStatus  `json:"status"`
	Cursor       ScanCursor `json:"cursor"`
	ScanType     string     `json:"scan_type"`
	ProcessedIDs []string   `json:"processed_ids"`
	RemainingIDs []string   `json:"remaining_ids"`
	SkippedIDs   []string   `json:"skipped_ids,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	BatchIndex   int        `json:"batch_index"`
	Invocations  int        `json:"invocations"`
	Summary      RunSummary `json:"summary"`
}

// CheckPartition verifies that processed and remaining ids are disjoint
// and free of duplicates.
func (s *ContinuationState) CheckPartition() error {
	seen := make(map[string]bool, len(s.ProcessedIDs)+len(s.RemainingIDs))
	for _, id := range s.ProcessedIDs {
		if seen[id] {
			return fmt.Errorf("id %q processed twice", id)
		}
		seen[id] = true
	}
	for _, id := range s.RemainingIDs {
		if seen[id] {
			return fmt.Errorf("id %q is both processed and remaining", id)
		}
		seen[id] = true
	}
	return nil
}

// MarkProcessed moves ids from RemainingIDs to ProcessedIDs. Ids that are
// not remaining are ignored.
func (s *ContinuationState) MarkProcessed(ids []string) {
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}

	remaining := s.RemainingIDs[:0:0]
	for _, id := range s.RemainingIDs {
		if done[id] {
			s.ProcessedIDs = append(s.ProcessedIDs, id)
			continue
		}
		remaining = append(remaining, id)
	}
	s.RemainingIDs = remaining
}

// Done reports whether no ids remain.
func (s *ContinuationState) Done() bool {
	return len(s.RemainingIDs) == 0
}
