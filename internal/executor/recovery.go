package executor

import (
	"context"

	"checkd/internal/model"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

// recover settles state left behind by an unclean shutdown. Local
// executions die with the process, so every LOCAL projection row stuck
// in INPROGRESS is either demoted to its last finished status or, when
// the task never finished at all, dropped. Remote claims are left
// alone; the queue reclaims those by the stale-claim timeout.
func (e *Executor) recover(ctx context.Context) error {
	return e.st.InTx(ctx, func(tx *store.Tx) error {
		stuck, err := tx.ListInProgressByAccountType(ctx, model.AccountLocal)
		if err != nil {
			return err
		}
		for i := range stuck {
			t := &stuck[i]
			if t.LastResultSuccessTime == nil && t.LastResultErrorTime == nil {
				e.log.Info("dropping never-finished task state",
					logx.Int64("account_id", t.AccountID), logx.String("task", t.Task))
				if err := tx.DeleteAccountTask(ctx, t.AccountID, t.Task); err != nil {
					return err
				}
				continue
			}
			t.LastStatus = model.StatusError
			if t.LastResultSuccessTime != nil &&
				(t.LastResultErrorTime == nil || t.LastResultSuccessTime.After(*t.LastResultErrorTime)) {
				t.LastStatus = model.StatusSuccess
			}
			t.ExecutionID = 0
			t.LastStartTime = nil
			t.NeedCodeTill = nil
			t.CodeCnt = 0
			e.log.Info("settling interrupted task",
				logx.Int64("account_id", t.AccountID), logx.String("task", t.Task),
				logx.String("status", string(t.LastStatus)))
			if err := tx.UpsertAccountTask(ctx, t); err != nil {
				return err
			}
		}
		return tx.PurgeCodes(ctx)
	})
}
