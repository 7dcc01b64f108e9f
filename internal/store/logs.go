package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkd/internal/model"
)

func (c q) AppendExecutionLog(ctx context.Context, executionID int64, content string) error {
	return c.exec(ctx,
		`INSERT INTO execution_logs (execution_id, content, created_at) VALUES (?, ?, ?)`,
		executionID, content, time.Now().UTC())
}

// LastExecutionLogTime reports when the execution last logged anything.
// ok is false when no log line exists yet.
func (c q) LastExecutionLogTime(ctx context.Context, executionID int64) (at time.Time, ok bool, err error) {
	var t time.Time
	err = c.queryRow(ctx,
		`SELECT created_at FROM execution_logs WHERE execution_id = ? ORDER BY id DESC LIMIT 1`,
		executionID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, mapErr(err)
	}
	return t, true, nil
}

func (c q) ListExecutionLogs(ctx context.Context, executionID int64) ([]model.ExecutionLog, error) {
	rows, err := c.query(ctx,
		`SELECT id, execution_id, content, created_at FROM execution_logs WHERE execution_id = ? ORDER BY id`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExecutionLog
	for rows.Next() {
		var l model.ExecutionLog
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Content, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
