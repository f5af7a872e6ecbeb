package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/revsync/internal/models"
)

const commentColumns = `key, revision_key, author_id, id, in_reply_to, created, file, parent, line, body, draft, pending`

func scanComment(row scanner) (*models.Comment, error) {
	var c models.Comment
	var id sql.NullString
	var line sql.NullInt64
	var created int64
	err := row.Scan(&c.Key, &c.RevisionKey, &c.AuthorID, &id, &c.InReplyTo, &created, &c.File,
		&c.Parent, &line, &c.Body, &c.Draft, &c.Pending)
	if err != nil {
		return nil, err
	}
	c.ID = id.String
	c.Created = fromMillis(created)
	if line.Valid {
		l := int(line.Int64)
		c.Line = &l
	}
	return &c, nil
}

func (s *Session) GetCommentByID(ctx context.Context, id string) (*models.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment %s: %w", id, err)
	}
	return c, nil
}

func (s *Session) listComments(ctx context.Context, where string, args ...any) ([]*models.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE `+where+` ORDER BY file, line, key`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var out []*models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate comment rows: %w", err)
	}
	return out, nil
}

func (s *Session) ListComments(ctx context.Context, revisionKey int64) ([]*models.Comment, error) {
	return s.listComments(ctx, `revision_key = ?`, revisionKey)
}

func (s *Session) ListDraftComments(ctx context.Context, revisionKey int64) ([]*models.Comment, error) {
	return s.listComments(ctx, `revision_key = ? AND draft = 1`, revisionKey)
}

// CreateComment inserts c and assigns c.Key.
func (s *Session) CreateComment(ctx context.Context, c *models.Comment) error {
	key, err := s.insert(ctx, "create comment", `
		INSERT INTO comments (revision_key, author_id, id, in_reply_to, created, file, parent, line, body, draft, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RevisionKey, c.AuthorID, nullString(c.ID), c.InReplyTo, toMillis(c.Created), c.File,
		c.Parent, nullInt(c.Line), c.Body, c.Draft, c.Pending)
	if err != nil {
		return err
	}
	c.Key = key
	return nil
}

func (s *Session) SetCommentAuthor(ctx context.Context, key int64, authorID int) error {
	return s.exec(ctx, "set comment author", `UPDATE comments SET author_id = ? WHERE key = ?`, authorID, key)
}

func (s *Session) DeleteComment(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete comment", `DELETE FROM comments WHERE key = ?`, key)
}
