package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/revsync/internal/models"
)

const messageColumns = `key, revision_key, author_id, id, created, body, draft, pending`

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	var id sql.NullString
	var created int64
	if err := row.Scan(&m.Key, &m.RevisionKey, &m.AuthorID, &id, &created, &m.Body, &m.Draft, &m.Pending); err != nil {
		return nil, err
	}
	m.ID = id.String
	m.Created = fromMillis(created)
	return &m, nil
}

func (s *Session) getMessage(ctx context.Context, what string, where string, arg any) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", what, err)
	}
	return m, nil
}

func (s *Session) GetMessage(ctx context.Context, key int64) (*models.Message, error) {
	return s.getMessage(ctx, fmt.Sprint(key), `key = ?`, key)
}

func (s *Session) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	return s.getMessage(ctx, id, `id = ?`, id)
}

func (s *Session) listMessages(ctx context.Context, where string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where+` ORDER BY created, key`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

// ListChangeMessages returns every message on any revision of a change.
func (s *Session) ListChangeMessages(ctx context.Context, changeKey int64) ([]*models.Message, error) {
	return s.listMessages(ctx, `revision_key IN (SELECT key FROM revisions WHERE change_key = ?)`, changeKey)
}

func (s *Session) ListPendingMessages(ctx context.Context) ([]*models.Message, error) {
	return s.listMessages(ctx, `pending = 1`)
}

// DraftMessage returns the pending draft message on a revision, if any.
func (s *Session) DraftMessage(ctx context.Context, revisionKey int64) (*models.Message, error) {
	msgs, err := s.listMessages(ctx, `revision_key = ? AND draft = 1`, revisionKey)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// CreateMessage inserts m and assigns m.Key.
func (s *Session) CreateMessage(ctx context.Context, m *models.Message) error {
	key, err := s.insert(ctx, "create message", `
		INSERT INTO messages (revision_key, author_id, id, created, body, draft, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.RevisionKey, m.AuthorID, nullString(m.ID), toMillis(m.Created), m.Body, m.Draft, m.Pending)
	if err != nil {
		return err
	}
	m.Key = key
	return nil
}

func (s *Session) UpdateMessage(ctx context.Context, m *models.Message) error {
	return s.exec(ctx, "update message",
		`UPDATE messages SET author_id = ?, body = ?, draft = ?, pending = ? WHERE key = ?`,
		m.AuthorID, m.Body, m.Draft, m.Pending, m.Key)
}

func (s *Session) DeleteMessage(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete message", `DELETE FROM messages WHERE key = ?`, key)
}
