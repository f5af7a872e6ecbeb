package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/revsync/internal/models"
)

func (s *Session) GetPendingCherryPick(ctx context.Context, key int64) (*models.PendingCherryPick, error) {
	var cp models.PendingCherryPick
	err := s.db.QueryRowContext(ctx,
		`SELECT key, revision_key, branch, message FROM pending_cherry_picks WHERE key = ?`, key).
		Scan(&cp.Key, &cp.RevisionKey, &cp.Branch, &cp.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending cherry-pick %d: %w", key, err)
	}
	return &cp, nil
}

func (s *Session) ListPendingCherryPicks(ctx context.Context) ([]*models.PendingCherryPick, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, revision_key, branch, message FROM pending_cherry_picks ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending cherry-picks: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingCherryPick
	for rows.Next() {
		var cp models.PendingCherryPick
		if err := rows.Scan(&cp.Key, &cp.RevisionKey, &cp.Branch, &cp.Message); err != nil {
			return nil, fmt.Errorf("failed to scan pending cherry-pick row: %w", err)
		}
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending cherry-pick rows: %w", err)
	}
	return out, nil
}

func (s *Session) CreatePendingCherryPick(ctx context.Context, cp *models.PendingCherryPick) error {
	key, err := s.insert(ctx, "create pending cherry-pick",
		`INSERT INTO pending_cherry_picks (revision_key, branch, message) VALUES (?, ?, ?)`,
		cp.RevisionKey, cp.Branch, cp.Message)
	if err != nil {
		return err
	}
	cp.Key = key
	return nil
}

func (s *Session) DeletePendingCherryPick(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete pending cherry-pick", `DELETE FROM pending_cherry_picks WHERE key = ?`, key)
}
