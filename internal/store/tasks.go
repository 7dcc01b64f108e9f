package store

import (
	"context"
	"database/sql"
	"errors"

	"checkd/internal/model"
)

const accountTaskCols = `account_id, task, execution_id, last_status, last_start_time,
	last_result_success, last_result_success_time, last_result_error, last_result_error_time,
	need_code_till, code_cnt`

func scanAccountTask(row interface{ Scan(...any) error }) (*model.AccountTask, error) {
	var t model.AccountTask
	var status string
	var start, succ, errt, till sql.NullTime
	err := row.Scan(&t.AccountID, &t.Task, &t.ExecutionID, &status, &start,
		&t.LastResultSuccess, &succ, &t.LastResultError, &errt, &till, &t.CodeCnt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	t.LastStatus = model.Status(status)
	t.LastStartTime = timePtr(start)
	t.LastResultSuccessTime = timePtr(succ)
	t.LastResultErrorTime = timePtr(errt)
	t.NeedCodeTill = timePtr(till)
	return &t, nil
}

func (c q) AccountTaskFor(ctx context.Context, accountID int64, task string) (*model.AccountTask, error) {
	return scanAccountTask(c.queryRow(ctx,
		`SELECT `+accountTaskCols+` FROM account_tasks WHERE account_id = ? AND task = ?`,
		accountID, task))
}

// UpsertAccountTask writes the whole projection row. It is the single
// entry point every status-changing code path goes through, so the
// projection cannot drift from the execution ledger.
func (c q) UpsertAccountTask(ctx context.Context, t *model.AccountTask) error {
	return c.exec(ctx,
		`INSERT INTO account_tasks (`+accountTaskCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, task) DO UPDATE SET
			execution_id = excluded.execution_id,
			last_status = excluded.last_status,
			last_start_time = excluded.last_start_time,
			last_result_success = excluded.last_result_success,
			last_result_success_time = excluded.last_result_success_time,
			last_result_error = excluded.last_result_error,
			last_result_error_time = excluded.last_result_error_time,
			need_code_till = excluded.need_code_till,
			code_cnt = excluded.code_cnt`,
		t.AccountID, t.Task, t.ExecutionID, string(t.LastStatus), nullTime(t.LastStartTime),
		t.LastResultSuccess, nullTime(t.LastResultSuccessTime),
		t.LastResultError, nullTime(t.LastResultErrorTime),
		nullTime(t.NeedCodeTill), t.CodeCnt)
}

func (c q) DeleteAccountTask(ctx context.Context, accountID int64, task string) error {
	return c.exec(ctx, `DELETE FROM account_tasks WHERE account_id = ? AND task = ?`, accountID, task)
}

func (c q) ListAccountTasks(ctx context.Context, accountID int64) ([]model.AccountTask, error) {
	rows, err := c.query(ctx,
		`SELECT `+accountTaskCols+` FROM account_tasks WHERE account_id = ? ORDER BY task`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AccountTask
	for rows.Next() {
		t, err := scanAccountTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListInProgressByAccountType returns projection rows stuck in
// INPROGRESS for accounts of the given execution type. Startup recovery
// feeds on this.
func (c q) ListInProgressByAccountType(ctx context.Context, typ model.AccountType) ([]model.AccountTask, error) {
	rows, err := c.query(ctx,
		`SELECT t.account_id, t.task, t.execution_id, t.last_status, t.last_start_time,
			t.last_result_success, t.last_result_success_time, t.last_result_error, t.last_result_error_time,
			t.need_code_till, t.code_cnt
		 FROM account_tasks t
		 JOIN accounts a ON a.id = t.account_id
		 WHERE t.last_status = ? AND a.acc_type = ?`,
		string(model.StatusInProgress), string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AccountTask
	for rows.Next() {
		t, err := scanAccountTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
