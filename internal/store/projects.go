package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
)

// ProjectStore keeps orchestrator projects so runs survive restarts.
type ProjectStore struct {
	db *sql.DB
}

var _ orchestrator.ProjectStore = (*ProjectStore)(nil)

func (s *ProjectStore) Create(ctx context.Context, p orchestrator.Project) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding project %s: %w", p.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, p.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", orchestrator.ErrProjectExists, p.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking project %s: %w", p.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects(id, phase, status, created_at, updated_at, body) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Phase), string(p.Status), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(), string(body)); err != nil {
		return fmt.Errorf("inserting project %s: %w", p.ID, err)
	}
	return tx.Commit()
}

func (s *ProjectStore) Save(ctx context.Context, p orchestrator.Project) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding project %s: %w", p.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET phase = ?, status = ?, updated_at = ?, body = ? WHERE id = ?`,
		string(p.Phase), string(p.Status), p.UpdatedAt.UnixNano(), string(body), p.ID)
	if err != nil {
		return fmt.Errorf("saving project %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", orchestrator.ErrProjectNotFound, p.ID)
	}
	return nil
}

func (s *ProjectStore) Load(ctx context.Context, id string) (orchestrator.Project, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM projects WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.Project{}, fmt.Errorf("%w: %s", orchestrator.ErrProjectNotFound, id)
	}
	if err != nil {
		return orchestrator.Project{}, fmt.Errorf("loading project %s: %w", id, err)
	}
	return decodeProject(body)
}

func (s *ProjectStore) List(ctx context.Context) ([]orchestrator.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	out := make([]orchestrator.Project, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodeProject(body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeProject(body string) (orchestrator.Project, error) {
	var p orchestrator.Project
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return orchestrator.Project{}, fmt.Errorf("decoding project: %w", err)
	}
	return p, nil
}
