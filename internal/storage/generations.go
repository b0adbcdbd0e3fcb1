package storage

import (
	"context"
	"database/sql"
	"errors"
)

// SaveGeneration inserts a generation record. Records are keyed by request
// ID: saving an ID that already exists changes nothing and reports
// created=false.
func (s *Store) SaveGeneration(ctx context.Context, g Generation) (created bool, err error) {
	status := g.Status
	if status == "" {
		status = "complete"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO generations (id, account_id, message, tags_json, variants_json, provider, cost, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		g.ID, g.AccountID, g.Message, g.TagsJSON, g.VariantsJSON, g.Provider, g.Cost, status, formatTime(g.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const generationColumns = `id, account_id, message, tags_json, variants_json, provider, cost, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (Generation, error) {
	var (
		g         Generation
		createdAt string
	)
	if err := row.Scan(&g.ID, &g.AccountID, &g.Message, &g.TagsJSON, &g.VariantsJSON, &g.Provider, &g.Cost, &g.Status, &createdAt); err != nil {
		return Generation{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return Generation{}, err
	}
	g.CreatedAt = t
	return g, nil
}

func (s *Store) GetGeneration(ctx context.Context, id string) (Generation, error) {
	g, err := scanGeneration(s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, ErrNotFound
	}
	return g, err
}

// ListGenerations returns an account's most recent generations, newest first.
func (s *Store) ListGenerations(ctx context.Context, accountID string, limit int) ([]Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, g)
	}
	return results, rows.Err()
}

// CountGenerations returns how many records exist for id. Used to verify
// idempotent persistence.
func (s *Store) CountGenerations(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE id = ?`, id).Scan(&n)
	return n, err
}
