package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"checkd/internal/model"
)

// QueueScope narrows which queue slots a caller may see. The zero value
// covers every REMOTE account.
type QueueScope struct {
	UserID     string
	AccountIDs []int64
}

const queuedCols = `id, account_id, execution_id, depends, token, fingerprint, logged_in, created_at, updated_at`

func scanQueued(row interface{ Scan(...any) error }) (*model.QueuedExecution, error) {
	var qe model.QueuedExecution
	err := row.Scan(&qe.ID, &qe.AccountID, &qe.ExecutionID, &qe.Depends,
		&qe.Token, &qe.Fingerprint, &qe.LoggedIn, &qe.CreatedAt, &qe.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &qe, nil
}

func (c q) CreateQueued(ctx context.Context, qe *model.QueuedExecution) error {
	now := time.Now().UTC()
	qe.CreatedAt = now
	qe.UpdatedAt = now
	id, err := c.insertID(ctx,
		`INSERT INTO queued_executions (account_id, execution_id, depends, token, fingerprint, logged_in, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		qe.AccountID, qe.ExecutionID, qe.Depends, qe.Token, qe.Fingerprint, qe.LoggedIn, qe.CreatedAt, qe.UpdatedAt)
	if err != nil {
		return err
	}
	qe.ID = id
	return nil
}

// QueuedByToken resolves the queue slot a worker claim token belongs
// to. An unknown token means the claim already finished, was reset or
// expired.
func (c q) QueuedByToken(ctx context.Context, token string) (*model.QueuedExecution, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return scanQueued(c.queryRow(ctx,
		`SELECT `+queuedCols+` FROM queued_executions WHERE token = ?`, token))
}

// ListQueuedRemote loads every queue slot of REMOTE accounts within
// scope, ordered by creation id (dependency order).
func (c q) ListQueuedRemote(ctx context.Context, scope QueueScope) ([]model.QueuedExecution, error) {
	query := `SELECT qe.id, qe.account_id, qe.execution_id, qe.depends, qe.token, qe.fingerprint, qe.logged_in, qe.created_at, qe.updated_at
		 FROM queued_executions qe
		 JOIN accounts a ON a.id = qe.account_id
		 WHERE a.acc_type = ?`
	args := []any{string(model.AccountRemote)}
	if scope.UserID != "" {
		query += ` AND a.user_id = ?`
		args = append(args, scope.UserID)
	}
	if len(scope.AccountIDs) > 0 {
		query += ` AND qe.account_id IN (?` + strings.Repeat(",?", len(scope.AccountIDs)-1) + `)`
		for _, id := range scope.AccountIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY qe.id`

	return c.listQueued(ctx, query, args...)
}

func (c q) ListQueuedByFingerprint(ctx context.Context, fingerprint string) ([]model.QueuedExecution, error) {
	return c.listQueued(ctx,
		`SELECT `+queuedCols+` FROM queued_executions WHERE fingerprint = ? ORDER BY id`, fingerprint)
}

func (c q) listQueued(ctx context.Context, query string, args ...any) ([]model.QueuedExecution, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedExecution
	for rows.Next() {
		qe, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *qe)
	}
	return out, rows.Err()
}

// UpdateQueued persists claim/reset mutations: the linked execution,
// claim token + fingerprint and the logged-in marker.
func (c q) UpdateQueued(ctx context.Context, qe *model.QueuedExecution) error {
	qe.UpdatedAt = time.Now().UTC()
	return c.exec(ctx,
		`UPDATE queued_executions SET execution_id = ?, token = ?, fingerprint = ?, logged_in = ?, updated_at = ?
		 WHERE id = ?`,
		qe.ExecutionID, qe.Token, qe.Fingerprint, qe.LoggedIn, qe.UpdatedAt, qe.ID)
}

func (c q) DeleteQueued(ctx context.Context, id int64) error {
	return c.exec(ctx, `DELETE FROM queued_executions WHERE id = ?`, id)
}
