package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkd/internal/model"
)

const executionCols = `id, account_id, task, status, prefs, result, created_at, finished_at`

func scanExecution(row interface{ Scan(...any) error }) (*model.Execution, error) {
	var e model.Execution
	var status string
	var finished sql.NullTime
	err := row.Scan(&e.ID, &e.AccountID, &e.Task, &status, &e.Prefs, &e.Result, &e.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	e.Status = model.Status(status)
	e.FinishedAt = timePtr(finished)
	return &e, nil
}

func (c q) CreateExecution(ctx context.Context, e *model.Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	id, err := c.insertID(ctx,
		`INSERT INTO executions (account_id, task, status, prefs, result, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Task, string(e.Status), e.Prefs, e.Result, e.CreatedAt, nullTime(e.FinishedAt))
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (c q) ExecutionByID(ctx context.Context, id int64) (*model.Execution, error) {
	return scanExecution(c.queryRow(ctx, `SELECT `+executionCols+` FROM executions WHERE id = ?`, id))
}

// UpdateExecution persists the mutable fields (status, result,
// finished_at). Identity fields and the prefs snapshot never change.
func (c q) UpdateExecution(ctx context.Context, e *model.Execution) error {
	return c.exec(ctx,
		`UPDATE executions SET status = ?, result = ?, finished_at = ? WHERE id = ?`,
		string(e.Status), e.Result, nullTime(e.FinishedAt), e.ID)
}
