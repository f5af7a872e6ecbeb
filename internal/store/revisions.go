package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/revsync/internal/models"
)

const revisionColumns = `key, change_key, number, message, commit_hash, parent_hash,
	fetch_auth, fetch_ref, can_submit, pending_message`

func scanRevision(row scanner) (*models.Revision, error) {
	var r models.Revision
	err := row.Scan(&r.Key, &r.ChangeKey, &r.Number, &r.Message, &r.Commit, &r.Parent,
		&r.FetchAuth, &r.FetchRef, &r.CanSubmit, &r.PendingMessage)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Session) getRevision(ctx context.Context, what string, where string, args ...any) (*models.Revision, error) {
	r, err := scanRevision(s.db.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM revisions WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision %s: %w", what, err)
	}
	return r, nil
}

func (s *Session) GetRevision(ctx context.Context, key int64) (*models.Revision, error) {
	return s.getRevision(ctx, fmt.Sprint(key), `key = ?`, key)
}

func (s *Session) GetRevisionByCommit(ctx context.Context, commit string) (*models.Revision, error) {
	return s.getRevision(ctx, commit, `commit_hash = ?`, commit)
}

func (s *Session) GetRevisionByNumber(ctx context.Context, changeKey int64, number int) (*models.Revision, error) {
	return s.getRevision(ctx, fmt.Sprintf("%d/%d", changeKey, number), `change_key = ? AND number = ?`, changeKey, number)
}

// LatestRevision returns the highest-numbered revision of a change.
func (s *Session) LatestRevision(ctx context.Context, changeKey int64) (*models.Revision, error) {
	return s.getRevision(ctx, fmt.Sprintf("%d/latest", changeKey),
		`change_key = ? ORDER BY number DESC LIMIT 1`, changeKey)
}

func (s *Session) listRevisions(ctx context.Context, where string, args ...any) ([]*models.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+revisionColumns+` FROM revisions WHERE `+where+` ORDER BY change_key, number`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var out []*models.Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan revision row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate revision rows: %w", err)
	}
	return out, nil
}

func (s *Session) ListRevisions(ctx context.Context, changeKey int64) ([]*models.Revision, error) {
	return s.listRevisions(ctx, `change_key = ?`, changeKey)
}

func (s *Session) ListRevisionsByParent(ctx context.Context, parent string) ([]*models.Revision, error) {
	return s.listRevisions(ctx, `parent_hash = ?`, parent)
}

func (s *Session) ListPendingCommitMessages(ctx context.Context) ([]*models.Revision, error) {
	return s.listRevisions(ctx, `pending_message = 1`)
}

// CreateRevision inserts r and assigns r.Key.
func (s *Session) CreateRevision(ctx context.Context, r *models.Revision) error {
	key, err := s.insert(ctx, "create revision", `
		INSERT INTO revisions (change_key, number, message, commit_hash, parent_hash, fetch_auth, fetch_ref, can_submit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ChangeKey, r.Number, r.Message, r.Commit, r.Parent, r.FetchAuth, r.FetchRef, r.CanSubmit)
	if err != nil {
		return err
	}
	r.Key = key
	return nil
}

func (s *Session) UpdateRevision(ctx context.Context, r *models.Revision) error {
	return s.exec(ctx, "update revision", `
		UPDATE revisions SET message = ?, fetch_auth = ?, fetch_ref = ?, can_submit = ?, pending_message = ?
		WHERE key = ?`,
		r.Message, r.FetchAuth, r.FetchRef, r.CanSubmit, r.PendingMessage, r.Key)
}
