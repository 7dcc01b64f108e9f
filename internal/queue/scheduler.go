package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"checkd/internal/ledger"
	"checkd/internal/merge"
	"checkd/internal/model"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

// DefaultDeadTaskTimeout is how long an INPROGRESS claim may stay
// silent before another worker may take it over.
const DefaultDeadTaskTimeout = 180 * time.Second

// ClaimedTask is what a worker receives for each claim.
type ClaimedTask struct {
	// ID is the claimed execution's id.
	ID          int64
	AccountID   int64
	AccountName string
	ProviderID  int64
	Task        string
	Prefs       map[string]any
	SavedData   map[string]any
	Token       string
}

type Scheduler struct {
	st          *store.Store
	log         logx.Logger
	deadTimeout time.Duration
	now         func() time.Time
}

func New(st *store.Store, log logx.Logger) *Scheduler {
	return &Scheduler{
		st:          st,
		log:         log,
		deadTimeout: DefaultDeadTaskTimeout,
		now:         time.Now,
	}
}

// SetDeadTaskTimeout overrides the stale-claim threshold (tests).
func (s *Scheduler) SetDeadTaskTimeout(d time.Duration) { s.deadTimeout = d }

// Enqueue creates an INQUEUE execution and a queue slot pointing at it.
// Multiple queued slots per account/task are allowed; uniqueness is the
// caller's business.
func (s *Scheduler) Enqueue(ctx context.Context, accountID int64, task string, prefs map[string]any) (int64, error) {
	var queuedID int64
	err := s.st.InTx(ctx, func(tx *store.Tx) error {
		acc, err := tx.AccountByID(ctx, accountID)
		if err != nil {
			return err
		}

		snapshot := acc.Prefs
		if prefs != nil {
			b, err := json.Marshal(prefs)
			if err != nil {
				return err
			}
			snapshot = string(b)
		}

		exec := &model.Execution{
			AccountID: acc.ID,
			Task:      task,
			Status:    model.StatusInQueue,
			Prefs:     snapshot,
		}
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return err
		}
		// The projection keeps tracking a run that is already in
		// progress for this (account, task); the new slot surfaces
		// there once it is claimed.
		if row, err := tx.AccountTaskFor(ctx, acc.ID, task); err != nil ||
			row.LastStatus != model.StatusInProgress {
			if err := ledger.SyncProjection(ctx, tx, exec, s.now()); err != nil {
				return err
			}
		}

		qe := &model.QueuedExecution{
			AccountID:   acc.ID,
			ExecutionID: exec.ID,
			Token:       uuid.NewString(),
		}
		if err := tx.CreateQueued(ctx, qe); err != nil {
			return err
		}
		queuedID = qe.ID
		return nil
	})
	return queuedID, err
}

type slot struct {
	qe   model.QueuedExecution
	exec *model.Execution
}

// Pull claims work for the calling worker. See the package doc for the
// selection and stale-claim rules.
func (s *Scheduler) Pull(ctx context.Context, fingerprint string, scope store.QueueScope) ([]ClaimedTask, error) {
	var claimed []ClaimedTask
	err := s.st.InTx(ctx, func(tx *store.Tx) error {
		claimed = claimed[:0]

		rows, err := tx.ListQueuedRemote(ctx, scope)
		if err != nil {
			return err
		}

		// Group by (account, task); rows arrive ordered by creation id,
		// so the first slot of each group is its dependency head.
		type groupKey struct {
			accountID int64
			task      string
		}
		heads := map[groupKey]slot{}
		order := []groupKey{}
		for _, qe := range rows {
			exec, err := tx.ExecutionByID(ctx, qe.ExecutionID)
			if err != nil {
				return fmt.Errorf("queued %d: %w", qe.ID, err)
			}
			k := groupKey{accountID: qe.AccountID, task: exec.Task}
			if _, seen := heads[k]; seen {
				// Not the head: left untouched until the head finishes.
				continue
			}
			heads[k] = slot{qe: qe, exec: exec}
			order = append(order, k)
		}

		now := s.now()
		for _, k := range order {
			sl := heads[k]
			switch sl.exec.Status {
			case model.StatusInQueue:
				// Free to claim.
			case model.StatusInProgress:
				if !s.staleLocked(ctx, tx, &sl, fingerprint, now) {
					continue
				}
				fresh, err := s.resetInPlace(ctx, tx, &sl.qe, sl.exec,
					fmt.Sprintf("claim by %q considered dead, taken over by %q", sl.qe.Fingerprint, fingerprint))
				if err != nil {
					return err
				}
				sl.exec = fresh
			default:
				continue
			}

			sl.exec.Status = model.StatusInProgress
			if err := tx.UpdateExecution(ctx, sl.exec); err != nil {
				return err
			}
			if err := ledger.SyncProjection(ctx, tx, sl.exec, now); err != nil {
				return err
			}
			sl.qe.Token = uuid.NewString()
			sl.qe.Fingerprint = fingerprint
			if err := tx.UpdateQueued(ctx, &sl.qe); err != nil {
				return err
			}

			task, err := s.claimedTask(ctx, tx, &sl)
			if err != nil {
				return err
			}
			claimed = append(claimed, task)
		}

		sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// staleLocked applies the dead-task test: different fingerprint, the
// execution older than the timeout, and the latest log line (if any)
// older than the timeout as well.
func (s *Scheduler) staleLocked(ctx context.Context, tx *store.Tx, sl *slot, fingerprint string, now time.Time) bool {
	if sl.qe.Fingerprint == fingerprint {
		return false
	}
	cutoff := now.Add(-s.deadTimeout)
	if sl.exec.CreatedAt.After(cutoff) {
		return false
	}
	at, ok, err := tx.LastExecutionLogTime(ctx, sl.exec.ID)
	if err != nil {
		s.log.Warn("stale check: log lookup failed", logx.Int64("execution", sl.exec.ID), logx.Err(err))
		return false
	}
	if ok && at.After(cutoff) {
		return false
	}
	return true
}

// resetInPlace keeps the queue slot's identity but repoints it at a
// brand-new INQUEUE execution with the same account/task/preferences,
// clearing the claim. The old execution stays behind for audit, with a
// log line noting the reset.
func (s *Scheduler) resetInPlace(ctx context.Context, tx *store.Tx, qe *model.QueuedExecution, old *model.Execution, cause string) (*model.Execution, error) {
	if err := tx.AppendExecutionLog(ctx, old.ID, "execution reset: "+cause); err != nil {
		return nil, err
	}

	fresh := &model.Execution{
		AccountID: old.AccountID,
		Task:      old.Task,
		Status:    model.StatusInQueue,
		Prefs:     old.Prefs,
	}
	if err := tx.CreateExecution(ctx, fresh); err != nil {
		return nil, err
	}
	if err := ledger.SyncProjection(ctx, tx, fresh, s.now()); err != nil {
		return nil, err
	}

	qe.ExecutionID = fresh.ID
	qe.Token = ""
	qe.Fingerprint = ""
	if err := tx.UpdateQueued(ctx, qe); err != nil {
		return nil, err
	}

	s.log.Info("queued execution reset",
		logx.Int64("queued", qe.ID), logx.Int64("old_execution", old.ID), logx.Int64("execution", fresh.ID))
	return fresh, nil
}

func (s *Scheduler) claimedTask(ctx context.Context, tx *store.Tx, sl *slot) (ClaimedTask, error) {
	acc, err := tx.AccountByID(ctx, sl.qe.AccountID)
	if err != nil {
		return ClaimedTask{}, err
	}
	prefs := map[string]any{}
	if sl.exec.Prefs != "" {
		if err := json.Unmarshal([]byte(sl.exec.Prefs), &prefs); err != nil {
			return ClaimedTask{}, fmt.Errorf("execution %d prefs: %w", sl.exec.ID, err)
		}
	}
	saved := map[string]any{}
	if acc.SavedData != "" {
		if err := json.Unmarshal([]byte(acc.SavedData), &saved); err != nil {
			return ClaimedTask{}, fmt.Errorf("account %d saved data: %w", acc.ID, err)
		}
	}
	return ClaimedTask{
		ID:          sl.exec.ID,
		AccountID:   acc.ID,
		AccountName: acc.Name,
		ProviderID:  acc.ProviderID,
		Task:        sl.exec.Task,
		Prefs:       prefs,
		SavedData:   saved,
		Token:       sl.qe.Token,
	}, nil
}

// ResetClaims requeues or discards everything the given fingerprint
// holds: slots whose execution already reached a terminal status are
// deleted outright, INPROGRESS ones are reset-in-place regardless of
// staleness. Workers call this on their own restart. Returns the number
// of slots acted on.
func (s *Scheduler) ResetClaims(ctx context.Context, fingerprint string, scope store.QueueScope) (int, error) {
	count := 0
	err := s.st.InTx(ctx, func(tx *store.Tx) error {
		count = 0
		rows, err := tx.ListQueuedByFingerprint(ctx, fingerprint)
		if err != nil {
			return err
		}
		for i := range rows {
			qe := rows[i]
			if !s.inScope(ctx, tx, &qe, scope) {
				continue
			}
			exec, err := tx.ExecutionByID(ctx, qe.ExecutionID)
			if err != nil {
				return err
			}
			switch {
			case exec.Status == model.StatusInQueue:
				// Never started; nothing to reclaim.
			case exec.Status == model.StatusInProgress:
				if _, err := s.resetInPlace(ctx, tx, &qe, exec, fmt.Sprintf("claims of %q reset", fingerprint)); err != nil {
					return err
				}
				count++
			default:
				// Terminal: the work is done, drop the slot.
				if err := tx.DeleteQueued(ctx, qe.ID); err != nil {
					return err
				}
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Scheduler) inScope(ctx context.Context, tx *store.Tx, qe *model.QueuedExecution, scope store.QueueScope) bool {
	if scope.UserID == "" && len(scope.AccountIDs) == 0 {
		return true
	}
	if len(scope.AccountIDs) > 0 {
		found := false
		for _, id := range scope.AccountIDs {
			if id == qe.AccountID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if scope.UserID != "" {
		acc, err := tx.AccountByID(ctx, qe.AccountID)
		if err != nil || acc.UserID != scope.UserID {
			return false
		}
	}
	return true
}

// ReportLog appends a trace line to the claimed execution.
func (s *Scheduler) ReportLog(ctx context.Context, token, message string) error {
	return s.st.InTx(ctx, func(tx *store.Tx) error {
		qe, err := tx.QueuedByToken(ctx, token)
		if err != nil {
			return err
		}
		return tx.AppendExecutionLog(ctx, qe.ExecutionID, message)
	})
}

// ReportResult appends one result entry; with finish set it also
// aggregates the final status, stamps finished_at and removes the queue
// slot, which is the only way work leaves the queue.
func (s *Scheduler) ReportResult(ctx context.Context, token string, result model.Result, finish bool) error {
	return s.st.InTx(ctx, func(tx *store.Tx) error {
		qe, err := tx.QueuedByToken(ctx, token)
		if err != nil {
			return err
		}
		exec, err := tx.ExecutionByID(ctx, qe.ExecutionID)
		if err != nil {
			return err
		}
		if result != nil {
			if err := ledger.Append(exec, result); err != nil {
				return err
			}
		}
		if !finish {
			return tx.UpdateExecution(ctx, exec)
		}
		if err := ledger.Finish(ctx, tx, exec, s.now()); err != nil {
			return err
		}
		return tx.DeleteQueued(ctx, qe.ID)
	})
}

// ReportSavedData deep-merges partial session data into the account's
// saved-data map under the (provider, login) key. The read+merge+write
// runs inside one transaction so concurrent writers on the same account
// cannot lose updates.
func (s *Scheduler) ReportSavedData(ctx context.Context, token string, partial map[string]any) error {
	return s.st.InTx(ctx, func(tx *store.Tx) error {
		qe, err := tx.QueuedByToken(ctx, token)
		if err != nil {
			return err
		}
		acc, err := tx.AccountByID(ctx, qe.AccountID)
		if err != nil {
			return err
		}

		saved := map[string]any{}
		if acc.SavedData != "" {
			if err := json.Unmarshal([]byte(acc.SavedData), &saved); err != nil {
				return fmt.Errorf("account %d saved data: %w", acc.ID, err)
			}
		}
		key := SavedDataKey(acc.ProviderID, qe.LoggedIn)
		saved[key] = merge.Merge(saved[key], partial)

		b, err := json.Marshal(saved)
		if err != nil {
			return err
		}
		acc.SavedData = string(b)
		return tx.UpdateAccount(ctx, acc)
	})
}

// ReportLoggedIn records or fetches the session marker for the claim.
// With marker == nil a fresh marker is generated on first call; later
// calls return the current one.
func (s *Scheduler) ReportLoggedIn(ctx context.Context, token string, marker *string) (string, error) {
	var current string
	err := s.st.InTx(ctx, func(tx *store.Tx) error {
		qe, err := tx.QueuedByToken(ctx, token)
		if err != nil {
			return err
		}
		switch {
		case marker != nil:
			qe.LoggedIn = *marker
		case qe.LoggedIn == "":
			qe.LoggedIn = uuid.NewString()
		default:
			current = qe.LoggedIn
			return nil
		}
		if err := tx.UpdateQueued(ctx, qe); err != nil {
			return err
		}
		current = qe.LoggedIn
		return nil
	})
	return current, err
}

// SavedDataKey derives the saved-session-data map key for a provider
// login pair.
func SavedDataKey(providerID int64, login string) string {
	return fmt.Sprintf("%d:%s", providerID, login)
}
