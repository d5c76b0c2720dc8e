package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// Writes take a querier so they can ride a WithAction transaction; reads
// go straight to the shared handle.

// InsertCase appends a new case.
func InsertCase(ctx context.Context, q querier, c *model.Case) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cases (uid, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.UID, c.Title, c.Status, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: case insert failed: %w", err)
	}
	return nil
}

// UpdateCaseStatus moves a case between open/closed/archived.
func UpdateCaseStatus(ctx context.Context, q querier, uid, status string, updatedAt string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE cases SET status = ?, updated_at = ? WHERE uid = ?`,
		status, updatedAt, uid)
	if err != nil {
		return fmt.Errorf("store: case status update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCase removes a case; foreign keys cascade the rest.
func DeleteCase(ctx context.Context, q querier, uid string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM cases WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("store: case delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCase resolves one case by uid.
func (s *Store) GetCase(ctx context.Context, uid string) (*model.Case, error) {
	var c model.Case
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, title, status, created_at, updated_at FROM cases WHERE uid = ?`, uid).
		Scan(&c.UID, &c.Title, &c.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching case: %w", err)
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// ListCases returns all cases, most recently updated first.
func (s *Store) ListCases(ctx context.Context) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, title, status, created_at, updated_at FROM cases ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Case
	for rows.Next() {
		var c model.Case
		var created, updated string
		if err := rows.Scan(&c.UID, &c.Title, &c.Status, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}
