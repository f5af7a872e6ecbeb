package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/revsync/internal/models"
)

// AccountInfo carries the optional identity fields the server may send.
// Nil fields are "not sent" and never overwrite cached values.
type AccountInfo struct {
	Name     *string
	Username *string
	Email    *string
}

func (s *Session) GetAccount(ctx context.Context, id int) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, username, email FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Username, &a.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return &a, nil
}

// UpsertAccount returns the account with the given remote id, creating it if
// needed. Existing rows are only written when a sent field differs.
func (s *Session) UpsertAccount(ctx context.Context, id int, info AccountInfo) (*models.Account, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		a = &models.Account{ID: id}
		apply(&a.Name, info.Name)
		apply(&a.Username, info.Username)
		apply(&a.Email, info.Email)
		if err := s.exec(ctx, "create account",
			`INSERT INTO accounts (id, name, username, email) VALUES (?, ?, ?, ?)`,
			a.ID, a.Name, a.Username, a.Email); err != nil {
			return nil, err
		}
		return a, nil
	}

	changed := apply(&a.Name, info.Name)
	changed = apply(&a.Username, info.Username) || changed
	changed = apply(&a.Email, info.Email) || changed
	if changed {
		if err := s.exec(ctx, "update account",
			`UPDATE accounts SET name = ?, username = ?, email = ? WHERE id = ?`,
			a.Name, a.Username, a.Email, a.ID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func apply(dst *string, src *string) bool {
	if src == nil || *src == *dst {
		return false
	}
	*dst = *src
	return true
}

// SystemAccount returns the synthetic author of server messages.
func (s *Session) SystemAccount(ctx context.Context) (*models.Account, error) {
	return s.UpsertAccount(ctx, models.SystemAccountID, AccountInfo{})
}
