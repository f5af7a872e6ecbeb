package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/revsync/internal/models"
)

const projectColumns = `key, name, description, subscribed, updated`

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	var updated sql.NullInt64
	if err := row.Scan(&p.Key, &p.Name, &p.Description, &p.Subscribed, &updated); err != nil {
		return nil, err
	}
	if updated.Valid {
		t := fromMillis(updated.Int64)
		p.Updated = &t
	}
	return &p, nil
}

func (s *Session) getProject(ctx context.Context, what string, query string, arg any) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", what, err)
	}
	return p, nil
}

func (s *Session) GetProject(ctx context.Context, key int64) (*models.Project, error) {
	return s.getProject(ctx, fmt.Sprint(key), `SELECT `+projectColumns+` FROM projects WHERE key = ?`, key)
}

func (s *Session) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	return s.getProject(ctx, name, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
}

// ListProjects returns projects ordered by name, optionally only subscribed ones.
func (s *Session) ListProjects(ctx context.Context, subscribedOnly bool) ([]*models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects`
	if subscribedOnly {
		q += ` WHERE subscribed = 1`
	}
	q += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate project rows: %w", err)
	}
	return out, nil
}

func (s *Session) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	key, err := s.insert(ctx, "create project",
		`INSERT INTO projects (name, description) VALUES (?, ?)`, name, description)
	if err != nil {
		return nil, err
	}
	return &models.Project{Key: key, Name: name, Description: description}, nil
}

func (s *Session) DeleteProject(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete project", `DELETE FROM projects WHERE key = ?`, key)
}

func (s *Session) SetProjectSubscribed(ctx context.Context, key int64, subscribed bool) error {
	return s.exec(ctx, "set project subscription",
		`UPDATE projects SET subscribed = ? WHERE key = ?`, subscribed, key)
}

func (s *Session) SetProjectUpdated(ctx context.Context, key int64, updated time.Time) error {
	return s.exec(ctx, "set project updated",
		`UPDATE projects SET updated = ? WHERE key = ?`, toMillis(updated), key)
}

func (s *Session) ListBranches(ctx context.Context, projectKey int64) ([]*models.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, project_key, name FROM branches WHERE project_key = ? ORDER BY name`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []*models.Branch
	for rows.Next() {
		var b models.Branch
		if err := rows.Scan(&b.Key, &b.ProjectKey, &b.Name); err != nil {
			return nil, fmt.Errorf("failed to scan branch row: %w", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate branch rows: %w", err)
	}
	return out, nil
}

func (s *Session) CreateBranch(ctx context.Context, projectKey int64, name string) (*models.Branch, error) {
	key, err := s.insert(ctx, "create branch",
		`INSERT INTO branches (project_key, name) VALUES (?, ?)`, projectKey, name)
	if err != nil {
		return nil, err
	}
	return &models.Branch{Key: key, ProjectKey: projectKey, Name: name}, nil
}

func (s *Session) DeleteBranch(ctx context.Context, key int64) error {
	return s.exec(ctx, "delete branch", `DELETE FROM branches WHERE key = ?`, key)
}
