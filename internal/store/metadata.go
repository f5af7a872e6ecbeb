package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Metadata keys used by the engine.
const (
	MetaOwnAccountID  = "own_account_id"
	MetaServerVersion = "server_version"
)

func (s *Session) GetMetadata(ctx context.Context, key string) (string, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return string(value), nil
}

func (s *Session) SetMetadata(ctx context.Context, key string, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, []byte(value))
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (s *Session) DeleteMetadata(ctx context.Context, key string) error {
	return s.exec(ctx, "delete metadata["+key+"]", `DELETE FROM metadata WHERE key = ?`, key)
}
