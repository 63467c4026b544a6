package model

import "time"

// WorkItem is a snapshot of one inbox thread taken at scan time.
// It is read-only for the lifetime of a run.
type WorkItem struct {
	// ID is the mailbox-local identifier of the thread.
	ID string `json:"id"`

	// Subject is the subject line of the latest message.
	Subject string `json:"subject"`

	// Body is the plain-text body of the latest message.
	Body string `json:"body"`

	// From is the sender address of the latest message.
	From string `json:"from"`

	// MessageID is the RFC 5322 Message-ID used to thread replies.
	MessageID string `json:"message_id"`

	// ExistingLabels are the durable label ids already on the thread.
	ExistingLabels []string `json:"existing_labels,omitempty"`

	// ReceivedAt is when the latest message arrived.
	ReceivedAt time.Time `json:"received_at"`
}

// ClassificationResult is the outcome of classifying one WorkItem.
// Exactly one result exists per submitted item id.
type ClassificationResult struct {
	ID         string   `json:"id"`
	Label      string   `json:"label,omitempty"`
	NeedsReply bool     `json:"needs_reply,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Err        error    `json:"-"`
}

// OK reports whether the item was classified successfully.
func (r ClassificationResult) OK() bool {
	return r.Err == nil && r.Label != ""
}

// GuardrailsVerdict is the result of validating AI-composed reply text.
type GuardrailsVerdict struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

// LabelCacheEntry maps a logical label name to its durable id.
type LabelCacheEntry struct {
	LogicalName    string    `json:"logical_name"`
	DurableID      string    `json:"durable_id"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// RunSummary holds the per-run counters reported to the user.
type RunSummary struct {
	Scanned    int `json:"scanned"`
	Classified int `json:"classified"`
	Replied    int `json:"replied"`
	Drafted    int `json:"drafted"`
	Sent       int `json:"sent"`
	Blocked    int `json:"blocked"`
	Errors     int `json:"errors"`
	Skipped    int `json:"skipped"`
}

// Add accumulates the counters of other into s.
func (s *RunSummary) Add(other RunSummary) {
	s.Scanned += other.Scanned
	s.Classified += other.Classified
	s.Replied += other.Replied
	s.Drafted += other.Drafted
	s.Sent += other.Sent
	s.Blocked += other.Blocked
	s.Errors += other.Errors
	s.Skipped += other.Skipped
}
