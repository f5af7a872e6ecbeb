package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dmitrijs2005/revsync/internal/models"
)

const changeColumns = `key, id, number, project_key, owner_id, branch, change_id, topic, subject,
	created, updated, status, hidden, reviewed, starred, held,
	pending_topic, pending_rebase, pending_status, pending_status_message, pending_starred`

func scanChange(row scanner) (*models.Change, error) {
	var c models.Change
	var created, updated int64
	err := row.Scan(&c.Key, &c.ID, &c.Number, &c.ProjectKey, &c.OwnerID, &c.Branch, &c.ChangeID,
		&c.Topic, &c.Subject, &created, &updated, &c.Status, &c.Hidden, &c.Reviewed, &c.Starred,
		&c.Held, &c.PendingTopic, &c.PendingRebase, &c.PendingStatus, &c.PendingStatusMessage,
		&c.PendingStarred)
	if err != nil {
		return nil, err
	}
	c.Created = fromMillis(created)
	c.Updated = fromMillis(updated)
	return &c, nil
}

func (s *Session) getChange(ctx context.Context, what string, where string, arg any) (*models.Change, error) {
	c, err := scanChange(s.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change %s: %w", what, err)
	}
	return c, nil
}

func (s *Session) GetChange(ctx context.Context, key int64) (*models.Change, error) {
	return s.getChange(ctx, fmt.Sprint(key), `key = ?`, key)
}

func (s *Session) GetChangeByID(ctx context.Context, id string) (*models.Change, error) {
	return s.getChange(ctx, id, `id = ?`, id)
}

func (s *Session) GetChangeByNumber(ctx context.Context, number int) (*models.Change, error) {
	return s.getChange(ctx, fmt.Sprint(number), `number = ?`, number)
}

func (s *Session) listChanges(ctx context.Context, where string, args ...any) ([]*models.Change, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE `+where+` ORDER BY number`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var out []*models.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change rows: %w", err)
	}
	return out, nil
}

// ListChanges returns a project's changes; closed ones only when includeClosed.
func (s *Session) ListChanges(ctx context.Context, projectKey int64, includeClosed bool) ([]*models.Change, error) {
	if includeClosed {
		return s.listChanges(ctx, `project_key = ?`, projectKey)
	}
	return s.ListOpenChanges(ctx, projectKey)
}

func (s *Session) ListOpenChanges(ctx context.Context, projectKey int64) ([]*models.Change, error) {
	return s.listChanges(ctx, `project_key = ? AND status NOT IN (?, ?)`,
		projectKey, models.StatusMerged, models.StatusAbandoned)
}

func (s *Session) ListPendingTopics(ctx context.Context) ([]*models.Change, error) {
	return s.listChanges(ctx, `pending_topic = 1`)
}

func (s *Session) ListPendingRebases(ctx context.Context) ([]*models.Change, error) {
	return s.listChanges(ctx, `pending_rebase = 1`)
}

func (s *Session) ListPendingStatusChanges(ctx context.Context) ([]*models.Change, error) {
	return s.listChanges(ctx, `pending_status = 1`)
}

func (s *Session) ListPendingStarred(ctx context.Context) ([]*models.Change, error) {
	return s.listChanges(ctx, `pending_starred = 1`)
}

// KnownChangeIDs returns the subset of ids already present in the cache.
func (s *Session) KnownChangeIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]

		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		q := `SELECT id FROM changes WHERE id IN (?` + strings.Repeat(`, ?`, len(part)-1) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query change ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan change id: %w", err)
			}
			known[id] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate change ids: %w", err)
		}
	}
	return known, nil
}

// CreateChange inserts c and assigns c.Key.
func (s *Session) CreateChange(ctx context.Context, c *models.Change) error {
	key, err := s.insert(ctx, "create change", `
		INSERT INTO changes (id, number, project_key, owner_id, branch, change_id, topic, subject,
			created, updated, status, hidden, reviewed, starred, held)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Number, c.ProjectKey, c.OwnerID, c.Branch, c.ChangeID, c.Topic, c.Subject,
		toMillis(c.Created), toMillis(c.Updated), c.Status, c.Hidden, c.Reviewed, c.Starred, c.Held)
	if err != nil {
		return err
	}
	c.Key = key
	return nil
}

// UpdateChange writes every mutable column of c.
func (s *Session) UpdateChange(ctx context.Context, c *models.Change) error {
	return s.exec(ctx, "update change", `
		UPDATE changes SET owner_id = ?, branch = ?, topic = ?, subject = ?, updated = ?, status = ?,
			hidden = ?, reviewed = ?, starred = ?, held = ?,
			pending_topic = ?, pending_rebase = ?, pending_status = ?, pending_status_message = ?,
			pending_starred = ?
		WHERE key = ?`,
		c.OwnerID, c.Branch, c.Topic, c.Subject, toMillis(c.Updated), c.Status,
		c.Hidden, c.Reviewed, c.Starred, c.Held,
		c.PendingTopic, c.PendingRebase, c.PendingStatus, c.PendingStatusMessage,
		c.PendingStarred, c.Key)
}

// RelatedChangeKeys returns the change itself, the changes owning the parent
// commits of its revisions, and the changes whose revisions descend from one
// of its commits, sorted.
func (s *Session) RelatedChangeKeys(ctx context.Context, changeKey int64) ([]int64, error) {
	related := map[int64]struct{}{changeKey: {}}

	revisions, err := s.ListRevisions(ctx, changeKey)
	if err != nil {
		return nil, err
	}
	for _, r := range revisions {
		parent, err := s.GetRevisionByCommit(ctx, r.Parent)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			related[parent.ChangeKey] = struct{}{}
		}
		children, err := s.ListRevisionsByParent(ctx, r.Commit)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			related[child.ChangeKey] = struct{}{}
		}
	}

	keys := make([]int64, 0, len(related))
	for k := range related {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}
