package store

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/revsync/internal/models"
)

func (s *Session) ListLabels(ctx context.Context, changeKey int64) ([]*models.Label, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, change_key, category, value, description FROM labels WHERE change_key = ? ORDER BY category, value`, changeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var out []*models.Label
	for rows.Next() {
		var l models.Label
		if err := rows.Scan(&l.Key, &l.ChangeKey, &l.Category, &l.Value, &l.Description); err != nil {
			return nil, fmt.Errorf("failed to scan label row: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate label rows: %w", err)
	}
	return out, nil
}

func (s *Session) CreateLabel(ctx context.Context, l *models.Label) error {
	key, err := s.insert(ctx, "create label",
		`INSERT INTO labels (change_key, category, value, description) VALUES (?, ?, ?, ?)`,
		l.ChangeKey, l.Category, l.Value, l.Description)
	if err != nil {
		return err
	}
	l.Key = key
	return nil
}

func (s *Session) DeleteLabel(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete label", `DELETE FROM labels WHERE key = ?`, key)
}

func (s *Session) ListPermittedLabels(ctx context.Context, changeKey int64) ([]*models.PermittedLabel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, change_key, category, value FROM permitted_labels WHERE change_key = ? ORDER BY category, value`, changeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list permitted labels: %w", err)
	}
	defer rows.Close()

	var out []*models.PermittedLabel
	for rows.Next() {
		var l models.PermittedLabel
		if err := rows.Scan(&l.Key, &l.ChangeKey, &l.Category, &l.Value); err != nil {
			return nil, fmt.Errorf("failed to scan permitted label row: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permitted label rows: %w", err)
	}
	return out, nil
}

func (s *Session) CreatePermittedLabel(ctx context.Context, l *models.PermittedLabel) error {
	key, err := s.insert(ctx, "create permitted label",
		`INSERT INTO permitted_labels (change_key, category, value) VALUES (?, ?, ?)`,
		l.ChangeKey, l.Category, l.Value)
	if err != nil {
		return err
	}
	l.Key = key
	return nil
}

func (s *Session) DeletePermittedLabel(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete permitted label", `DELETE FROM permitted_labels WHERE key = ?`, key)
}
