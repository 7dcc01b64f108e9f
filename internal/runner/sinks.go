package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"checkd/internal/ledger"
	"checkd/internal/merge"
	"checkd/internal/model"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

// sinks binds the provider-facing trace/storage/result/retrieve API to
// one execution.
type sinks struct {
	r    *Runner
	acc  *model.Account
	exec *model.Execution
}

func (s *sinks) Trace(ctx context.Context, msg, callee string) error {
	line := msg
	if callee != "" {
		line = fmt.Sprintf("[%s] %s", callee, msg)
	}
	if s.r.traceLimit.Allow() {
		s.r.log.Debug("provider trace",
			logx.Int64("account", s.acc.ID), logx.Int64("execution", s.exec.ID), logx.String("msg", line))
	}
	return s.r.st.AppendExecutionLog(ctx, s.exec.ID, line)
}

func (s *sinks) LoadData(ctx context.Context) (string, error) {
	acc, err := s.r.st.AccountByID(ctx, s.acc.ID)
	if err != nil {
		return "", err
	}
	return acc.SavedData, nil
}

// SaveData deep-merges the supplied tree into the account's saved data.
// The read+merge+write is transaction-scoped so a concurrent writer on
// the same account cannot be lost.
func (s *sinks) SaveData(ctx context.Context, data string) error {
	var patch any
	if data != "" {
		if err := json.Unmarshal([]byte(data), &patch); err != nil {
			return fmt.Errorf("saved data: %w", err)
		}
	}
	return s.r.st.InTx(ctx, func(tx *store.Tx) error {
		acc, err := tx.AccountByID(ctx, s.acc.ID)
		if err != nil {
			return err
		}
		var base any
		if acc.SavedData != "" {
			if err := json.Unmarshal([]byte(acc.SavedData), &base); err != nil {
				return fmt.Errorf("account %d saved data: %w", acc.ID, err)
			}
		}
		b, err := json.Marshal(merge.Merge(base, patch))
		if err != nil {
			return err
		}
		acc.SavedData = string(b)
		return tx.UpdateAccount(ctx, acc)
	})
}

// SetResult appends one entry to the execution's replay log.
func (s *sinks) SetResult(ctx context.Context, r model.Result) error {
	return s.r.st.InTx(ctx, func(tx *store.Tx) error {
		fresh, err := tx.ExecutionByID(ctx, s.exec.ID)
		if err != nil {
			return err
		}
		if err := ledger.Append(fresh, r); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, fresh); err != nil {
			return err
		}
		s.exec.Result = fresh.Result
		return nil
	})
}

func (s *sinks) Retrieve(ctx context.Context, p model.CodeParams) (string, error) {
	return s.r.rdv.Request(ctx, s.exec, p)
}
