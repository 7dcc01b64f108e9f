package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"checkd/internal/model"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

// TaskStatus is the externally visible state of a single (account,
// task) pair, assembled from the projection row plus any live code
// prompts.
type TaskStatus struct {
	Task        string
	Status      model.Status
	ExecutionID int64
	StartTime   *time.Time

	ResultSuccess     []model.Result
	ResultSuccessTime *time.Time
	ResultError       []model.Result
	ResultErrorTime   *time.Time

	// LastFinishedStatus summarizes the most recent completed run:
	// SUCCESS or ERROR by whichever finished later, IDLE if the task
	// never completed.
	LastFinishedStatus model.Status
	LastError          string

	// Codes lists unanswered out-of-band prompts; populated only while
	// the task is running and a prompt deadline is still in the future.
	Codes []PendingCode
}

// PendingCode is one outstanding out-of-band input request.
type PendingCode struct {
	ID        string
	Params    model.CodeParams
	CreatedAt time.Time
	Till      time.Time
}

// TaskStatuses returns the state of every known task for an account.
func (e *Executor) TaskStatuses(ctx context.Context, accountID int64) ([]TaskStatus, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	rows, err := e.st.ListAccountTasks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]TaskStatus, 0, len(rows))
	for i := range rows {
		ts, err := e.taskStatus(ctx, &rows[i], now)
		if err != nil {
			return nil, err
		}
		out = append(out, *ts)
	}
	return out, nil
}

// TaskStatusFor returns the state of one task, or a bare IDLE status if
// the task has never run.
func (e *Executor) TaskStatusFor(ctx context.Context, accountID int64, task string) (*TaskStatus, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	row, err := e.st.AccountTaskFor(ctx, accountID, task)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &TaskStatus{Task: task, Status: model.StatusIdle, LastFinishedStatus: model.StatusIdle}, nil
		}
		return nil, err
	}
	return e.taskStatus(ctx, row, time.Now().UTC())
}

func (e *Executor) taskStatus(ctx context.Context, t *model.AccountTask, now time.Time) (*TaskStatus, error) {
	ts := &TaskStatus{
		Task:              t.Task,
		Status:            t.LastStatus,
		ResultSuccessTime: t.LastResultSuccessTime,
		ResultErrorTime:   t.LastResultErrorTime,
	}
	if t.LastStatus == model.StatusInProgress || t.LastStatus == model.StatusInQueue {
		ts.ExecutionID = t.ExecutionID
		ts.StartTime = t.LastStartTime
	}

	var err error
	if ts.ResultSuccess, err = model.DecodeResults(t.LastResultSuccess); err != nil {
		return nil, err
	}
	if ts.ResultError, err = model.DecodeResults(t.LastResultError); err != nil {
		return nil, err
	}

	ts.LastFinishedStatus = model.StatusIdle
	switch {
	case t.LastResultErrorTime != nil &&
		(t.LastResultSuccessTime == nil || t.LastResultErrorTime.After(*t.LastResultSuccessTime)):
		ts.LastFinishedStatus = model.StatusError
		ts.LastError = firstErrorMessage(ts.ResultError)
	case t.LastResultSuccessTime != nil:
		ts.LastFinishedStatus = model.StatusSuccess
	}

	if t.LastStatus == model.StatusInProgress && t.NeedCodeTill != nil && t.NeedCodeTill.After(now) {
		codes, err := e.st.ListActiveCodes(ctx, t.ExecutionID, now)
		if err != nil {
			return nil, err
		}
		for _, c := range codes {
			var params model.CodeParams
			if err := json.Unmarshal([]byte(c.Params), &params); err != nil {
				e.log.Warn("undecodable code params", logx.String("code_id", c.ID), logx.Err(err))
				continue
			}
			ts.Codes = append(ts.Codes, PendingCode{
				ID: c.ID, Params: params, CreatedAt: c.CreatedAt, Till: c.Till,
			})
		}
	}
	return ts, nil
}

// firstErrorMessage renders the stored error blob for display. A run
// that finished with no results at all reads "Empty result"; an error
// entry that carries no message reads "Unknown error".
func firstErrorMessage(results []model.Result) string {
	if len(results) == 0 {
		return "Empty result"
	}
	if msg := results[0].Message(); msg != "" {
		return msg
	}
	return "Unknown error"
}
