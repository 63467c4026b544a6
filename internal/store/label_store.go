package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/inbox-triage/internal/model"
)

// CreateLabel inserts a new label with a fresh durable id.
func (s *SQLiteStore) CreateLabel(ctx context.Context, name string) (model.Label, error) {
	if strings.TrimSpace(name) == "" {
		return model.Label{}, fmt.Errorf("label name must not be empty")
	}

	// Durable ids end up in IMAP keywords, which must be atoms.
	label := model.Label{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO labels (id, name, created_at) VALUES (?, ?, ?)",
		label.ID, label.Name, label.CreatedAt,
	)
	if err != nil {
		return model.Label{}, fmt.Errorf("creating label %q: %w", name, err)
	}
	return label, nil
}

// GetLabel retrieves a label by durable id.
func (s *SQLiteStore) GetLabel(ctx context.Context, id string) (model.Label, error) {
	var l model.Label
	err := s.db.GetContext(ctx, &l,
		"SELECT id, name, created_at FROM labels WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Label{}, fmt.Errorf("label %s: %w", id, model.ErrLabelNotFound)
	}
	if err != nil {
		return model.Label{}, fmt.Errorf("getting label %s: %w", id, err)
	}
	return l, nil
}

// FindLabel retrieves a label by its current display name.
func (s *SQLiteStore) FindLabel(ctx context.Context, name string) (model.Label, error) {
	var l model.Label
	err := s.db.GetContext(ctx, &l,
		"SELECT id, name, created_at FROM labels WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Label{}, fmt.Errorf("label %q: %w", name, model.ErrLabelNotFound)
	}
	if err != nil {
		return model.Label{}, fmt.Errorf("finding label %q: %w", name, err)
	}
	return l, nil
}

// RenameLabel changes a label's display name; its id is unchanged.
func (s *SQLiteStore) RenameLabel(ctx context.Context, id, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("label name must not be empty")
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE labels SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("renaming label %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("label %s: %w", id, model.ErrLabelNotFound)
	}
	return nil
}

// DeleteLabel removes a label from the catalog.
func (s *SQLiteStore) DeleteLabel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM labels WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting label %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("label %s: %w", id, model.ErrLabelNotFound)
	}
	return nil
}

// ListLabels retrieves all labels ordered by name.
func (s *SQLiteStore) ListLabels(ctx context.Context) ([]model.Label, error) {
	var labels []model.Label
	err := s.db.SelectContext(ctx, &labels,
		"SELECT id, name, created_at FROM labels ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying labels: %w", err)
	}
	return labels, nil
}
