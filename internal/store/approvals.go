package store

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/revsync/internal/models"
)

const approvalColumns = `key, change_key, reviewer_id, category, value, draft, pending`

func (s *Session) listApprovals(ctx context.Context, where string, args ...any) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE `+where+` ORDER BY key`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		var a models.Approval
		if err := rows.Scan(&a.Key, &a.ChangeKey, &a.ReviewerID, &a.Category, &a.Value, &a.Draft, &a.Pending); err != nil {
			return nil, fmt.Errorf("failed to scan approval row: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approval rows: %w", err)
	}
	return out, nil
}

// ListApprovals returns every approval of a change, drafts included, in
// insertion order.
func (s *Session) ListApprovals(ctx context.Context, changeKey int64) ([]*models.Approval, error) {
	return s.listApprovals(ctx, `change_key = ?`, changeKey)
}

func (s *Session) ListDraftApprovals(ctx context.Context, changeKey int64) ([]*models.Approval, error) {
	return s.listApprovals(ctx, `change_key = ? AND draft = 1`, changeKey)
}

// CreateApproval inserts a and assigns a.Key.
func (s *Session) CreateApproval(ctx context.Context, a *models.Approval) error {
	key, err := s.insert(ctx, "create approval", `
		INSERT INTO approvals (change_key, reviewer_id, category, value, draft, pending)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ChangeKey, a.ReviewerID, a.Category, a.Value, a.Draft, a.Pending)
	if err != nil {
		return err
	}
	a.Key = key
	return nil
}

func (s *Session) SetApprovalValue(ctx context.Context, key int64, value int) error {
	return s.exec(ctx, "set approval value", `UPDATE approvals SET value = ? WHERE key = ?`, value, key)
}

func (s *Session) DeleteApproval(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete approval", `DELETE FROM approvals WHERE key = ?`, key)
}
