package model

import (
	"errors"
	"time"
)

// ErrLabelNotFound is returned when a durable label id no longer resolves.
var ErrLabelNotFound = errors.New("label not found")

// Label is a mailbox label. ID is durable; Name may change.
type Label struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Keyword returns the IMAP keyword used to mark threads with this label.
// It is derived from the durable id so renames do not affect it.
func (l Label) Keyword() string {
	return KeywordForID(l.ID)
}

// KeywordPrefix starts every label keyword.
const KeywordPrefix = "$tri_"

// KeywordForID returns the IMAP keyword for a durable label id.
func KeywordForID(id string) string {
	return KeywordPrefix + id
}

// RunRecord is a finished run kept for the status command.
type RunRecord struct {
	ID          string     `json:"id" db:"id"`
	Status      RunStatus  `json:"status" db:"status"`
	ScanType    string     `json:"scan_type" db:"scan_type"`
	Invocations int        `json:"invocations" db:"invocations"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	FinishedAt  time.Time  `json:"finished_at" db:"finished_at"`
	Summary     RunSummary `json:"summary" db:"-"`
}
