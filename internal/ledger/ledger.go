// Package ledger owns the execution record rules: how results are
// appended, how a run reaches a terminal status and how the
// denormalized per-(account, task) projection is kept in sync.
//
// Every code path that changes an execution's status goes through
// SyncProjection, so the projection cannot drift from the ledger.
package ledger

import (
	"context"
	"fmt"
	"time"

	"checkd/internal/model"
)

// DB is the slice of the store the ledger needs. Both *store.Store and
// *store.Tx satisfy it.
type DB interface {
	ExecutionByID(ctx context.Context, id int64) (*model.Execution, error)
	UpdateExecution(ctx context.Context, e *model.Execution) error
	AccountTaskFor(ctx context.Context, accountID int64, task string) (*model.AccountTask, error)
	UpsertAccountTask(ctx context.Context, t *model.AccountTask) error
}

// Append pushes one result onto the execution's accumulated list.
// The list is a full replay log of everything the provider reported;
// appending never removes prior entries. Error entries get their
// message prefixed with the execution id for traceability.
//
// Only exec.Result is mutated; the caller persists the row.
func Append(exec *model.Execution, r model.Result) error {
	list, err := model.DecodeResults(exec.Result)
	if err != nil {
		return err
	}
	if r.IsError() {
		r = cloneResult(r)
		r["message"] = fmt.Sprintf("execution %d: %s", exec.ID, r.Message())
	}
	list = append(list, r)
	raw, err := model.EncodeResults(list)
	if err != nil {
		return err
	}
	exec.Result = raw
	return nil
}

// Finish aggregates the execution's accumulated results into a terminal
// status, stamps finished_at, and persists both the execution and its
// projection.
func Finish(ctx context.Context, db DB, exec *model.Execution, now time.Time) error {
	results, err := model.DecodeResults(exec.Result)
	if err != nil {
		return err
	}
	exec.Status = model.StatusFromResults(results)
	t := now.UTC()
	exec.FinishedAt = &t
	if err := db.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	return SyncProjection(ctx, db, exec, now)
}

// SyncProjection upserts the (account, task) projection row to reflect
// the execution's current status.
//
// While the run is INQUEUE/INPROGRESS the row points at the in-flight
// execution. On a terminal status the accumulated results are split
// into the last-success and last-error blobs, the in-flight pointer is
// cleared, and any pending-code deadline/count is wiped.
func SyncProjection(ctx context.Context, db DB, exec *model.Execution, now time.Time) error {
	row, err := db.AccountTaskFor(ctx, exec.AccountID, exec.Task)
	if err != nil {
		// First status change for this (account, task): start from IDLE.
		row = &model.AccountTask{
			AccountID:  exec.AccountID,
			Task:       exec.Task,
			LastStatus: model.StatusIdle,
		}
	}
	row.LastStatus = exec.Status

	switch {
	case exec.Status == model.StatusInProgress:
		row.ExecutionID = exec.ID
		t := now.UTC()
		row.LastStartTime = &t
	case exec.Status.Terminal():
		results, err := model.DecodeResults(exec.Result)
		if err != nil {
			return err
		}
		var succ, errs []model.Result
		for _, r := range results {
			if r.IsSuccess() {
				succ = append(succ, r)
			}
			if r.IsError() {
				errs = append(errs, r)
			}
		}
		t := now.UTC()
		if len(succ) > 0 || exec.Status == model.StatusSuccess {
			raw, err := model.EncodeResults(succ)
			if err != nil {
				return err
			}
			row.LastResultSuccess = raw
			row.LastResultSuccessTime = &t
		}
		if len(errs) > 0 || exec.Status == model.StatusError {
			raw, err := model.EncodeResults(errs)
			if err != nil {
				return err
			}
			row.LastResultError = raw
			row.LastResultErrorTime = &t
		}
		row.ExecutionID = 0
		row.LastStartTime = nil
		row.NeedCodeTill = nil
		row.CodeCnt = 0
	default:
		// INQUEUE keeps the pointer so status surfaces can find the
		// pending execution.
		row.ExecutionID = exec.ID
	}

	return db.UpsertAccountTask(ctx, row)
}

// NotePendingCode records on the projection that the execution is
// waiting for out-of-band input until the given deadline.
func NotePendingCode(ctx context.Context, db DB, exec *model.Execution, till time.Time) error {
	row, err := db.AccountTaskFor(ctx, exec.AccountID, exec.Task)
	if err != nil {
		return err
	}
	t := till.UTC()
	row.NeedCodeTill = &t
	row.CodeCnt++
	return db.UpsertAccountTask(ctx, row)
}

func cloneResult(r model.Result) model.Result {
	cp := make(model.Result, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}
