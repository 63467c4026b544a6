package store

import (
	"context"

	"github.com/nhle/inbox-triage/internal/model"
)

// PropertyStore is a durable string key-value store. Every SetProperty
// is a single atomic write: readers never observe a partial value.
type PropertyStore interface {
	// GetProperty returns the value for key and whether it exists.
	GetProperty(ctx context.Context, key string) (string, bool, error)
	SetProperty(ctx context.Context, key, value string) error
	DeleteProperty(ctx context.Context, key string) error
}

// LabelStore persists the label catalog: durable ids and display names.
type LabelStore interface {
	CreateLabel(ctx context.Context, name string) (model.Label, error)
	GetLabel(ctx context.Context, id string) (model.Label, error)
	FindLabel(ctx context.Context, name string) (model.Label, error)
	RenameLabel(ctx context.Context, id, name string) error
	DeleteLabel(ctx context.Context, id string) error
	ListLabels(ctx context.Context) ([]model.Label, error)
}

// RunStore keeps the history of finished runs.
type RunStore interface {
	RecordRun(ctx context.Context, run model.RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
}

// Store defines the full persistence interface backed by SQLite.
type Store interface {
	PropertyStore
	LabelStore
	RunStore
	Close() error
}
