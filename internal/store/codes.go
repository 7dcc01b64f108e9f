package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkd/internal/model"
)

func (c q) CreateCode(ctx context.Context, code *model.Code) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	return c.exec(ctx,
		`INSERT INTO codes (id, execution_id, params, created_at, till) VALUES (?, ?, ?, ?, ?)`,
		code.ID, code.ExecutionID, code.Params, code.CreatedAt, code.Till)
}

func (c q) CodeByID(ctx context.Context, id string) (*model.Code, error) {
	var code model.Code
	err := c.queryRow(ctx,
		`SELECT id, execution_id, params, created_at, till FROM codes WHERE id = ?`, id).
		Scan(&code.ID, &code.ExecutionID, &code.Params, &code.CreatedAt, &code.Till)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &code, nil
}

func (c q) DeleteCode(ctx context.Context, id string) error {
	return c.exec(ctx, `DELETE FROM codes WHERE id = ?`, id)
}

// ListActiveCodes returns codes for the execution whose deadline has
// not passed. Status surfaces use this to show pending prompts.
func (c q) ListActiveCodes(ctx context.Context, executionID int64, now time.Time) ([]model.Code, error) {
	rows, err := c.query(ctx,
		`SELECT id, execution_id, params, created_at, till FROM codes WHERE execution_id = ? AND till > ?`,
		executionID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Code
	for rows.Next() {
		var code model.Code
		if err := rows.Scan(&code.ID, &code.ExecutionID, &code.Params, &code.CreatedAt, &code.Till); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

// PurgeCodes removes every outstanding code record. In-flight
// out-of-band requests are unrecoverable across a restart.
func (c q) PurgeCodes(ctx context.Context) error {
	return c.exec(ctx, `DELETE FROM codes`)
}
