// Package runner drives local (in-process) execution of a provider for
// one account. It is used by both the immediate-run path and, on the
// worker side, by claims pulled from the queue.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"checkd/internal/engine"
	"checkd/internal/ledger"
	"checkd/internal/model"
	"checkd/internal/registry"
	"checkd/internal/rendezvous"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

// ErrAlreadyRunning is the duplicate-run guard: the projection already
// shows INPROGRESS and force-execute was not requested.
var ErrAlreadyRunning = errors.New("runner: task already in progress")

type Runner struct {
	st  *store.Store
	reg *registry.Registry
	rdv *rendezvous.Rendezvous
	log logx.Logger

	// traceLimit bounds mirroring of provider trace lines to the
	// process log; the full stream always lands in execution_logs.
	traceLimit *rate.Limiter
	now        func() time.Time
}

func New(st *store.Store, reg *registry.Registry, rdv *rendezvous.Rendezvous, log logx.Logger) *Runner {
	return &Runner{
		st:         st,
		reg:        reg,
		rdv:        rdv,
		log:        log,
		traceLimit: rate.NewLimiter(rate.Limit(5), 20),
		now:        time.Now,
	}
}

// RunNow executes the account's provider for the task and blocks until
// it finishes. The caller always gets back a well-formed (possibly
// error-only) result list and the execution reaches a terminal status;
// a provider failure is absorbed as an error result, not returned.
func (r *Runner) RunNow(ctx context.Context, accountID int64, task string, force bool) ([]model.Result, error) {
	acc, exec, prefs, err := r.begin(ctx, accountID, task, force)
	if err != nil {
		return nil, err
	}
	return r.invoke(ctx, acc, exec, prefs)
}

// StartAsync performs the same guarded create step synchronously, then
// detaches the provider invocation. The caller immediately receives the
// projection's current state (typically INPROGRESS); the eventual
// outcome lands through the same projection update path.
func (r *Runner) StartAsync(ctx context.Context, accountID int64, task string, force bool) (*model.AccountTask, error) {
	acc, exec, prefs, err := r.begin(ctx, accountID, task, force)
	if err != nil {
		return nil, err
	}

	go func() {
		// Detached from the caller's lifetime on purpose.
		bctx := context.Background()
		if _, err := r.invoke(bctx, acc, exec, prefs); err != nil {
			r.log.Error("async execution failed",
				logx.Int64("account", acc.ID), logx.Int64("execution", exec.ID), logx.Err(err))
		}
	}()

	return r.st.AccountTaskFor(ctx, accountID, task)
}

// begin runs the duplicate-run guard and creates the INPROGRESS
// execution with its preferences snapshot, all in one transaction.
func (r *Runner) begin(ctx context.Context, accountID int64, task string, force bool) (*model.Account, *model.Execution, map[string]any, error) {
	var acc *model.Account
	var exec *model.Execution
	var prefs map[string]any

	err := r.st.InTx(ctx, func(tx *store.Tx) error {
		var err error
		acc, err = tx.AccountByID(ctx, accountID)
		if err != nil {
			return err
		}

		if at, err := tx.AccountTaskFor(ctx, acc.ID, task); err == nil {
			if at.LastStatus == model.StatusInProgress && !force {
				return ErrAlreadyRunning
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		prefs = map[string]any{}
		if acc.Prefs != "" {
			if err := json.Unmarshal([]byte(acc.Prefs), &prefs); err != nil {
				return err
			}
		}
		if acc.Proxy != "" {
			prefs["proxy"] = acc.Proxy
		}
		if task != "" {
			prefs["__task"] = task
		}
		snapshot, err := json.Marshal(prefs)
		if err != nil {
			return err
		}

		exec = &model.Execution{
			AccountID: acc.ID,
			Task:      task,
			Status:    model.StatusInProgress,
			Prefs:     string(snapshot),
		}
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return err
		}
		return ledger.SyncProjection(ctx, tx, exec, r.now())
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return acc, exec, prefs, nil
}

// invoke runs the provider outside any transaction and finalizes the
// execution whatever happens.
func (r *Runner) invoke(ctx context.Context, acc *model.Account, exec *model.Execution, prefs map[string]any) ([]model.Result, error) {
	sk := &sinks{r: r, acc: acc, exec: exec}

	results, execErr := r.execute(ctx, acc, exec, prefs, sk)
	if execErr != nil {
		r.log.Error("provider execution failed",
			logx.Int64("account", acc.ID), logx.Int64("execution", exec.ID), logx.Err(execErr))
		synthetic := model.NewErrorResult(execErr.Error())
		if err := sk.SetResult(ctx, synthetic); err != nil {
			r.log.Warn("recording failure result failed", logx.Int64("execution", exec.ID), logx.Err(err))
		}
		results = append(results, synthetic)
	}

	status := model.StatusFromResults(results)
	if execErr != nil {
		status = model.StatusError
	}

	var final []model.Result
	err := r.st.InTx(ctx, func(tx *store.Tx) error {
		fresh, err := tx.ExecutionByID(ctx, exec.ID)
		if err != nil {
			return err
		}
		fresh.Status = status
		t := r.now().UTC()
		fresh.FinishedAt = &t
		if err := tx.UpdateExecution(ctx, fresh); err != nil {
			return err
		}
		if err := ledger.SyncProjection(ctx, tx, fresh, r.now()); err != nil {
			return err
		}
		final, err = model.DecodeResults(fresh.Result)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(final) == 0 {
		final = results
	}

	r.log.Info("execution finished",
		logx.Int64("account", acc.ID), logx.Int64("execution", exec.ID), logx.String("status", string(status)))
	return final, nil
}

func (r *Runner) execute(ctx context.Context, acc *model.Account, exec *model.Execution, prefs map[string]any, sk *sinks) ([]model.Result, error) {
	prov, err := r.reg.Get(ctx, acc.ProviderID)
	if err != nil {
		return nil, err
	}
	if prov.Disabled {
		return nil, errors.New("provider is disabled")
	}

	r.log.Info("starting execution",
		logx.Int64("account", acc.ID), logx.String("task", exec.Task), logx.String("provider", prov.TextID))

	return prov.Bundle.Execute(ctx, engine.ExecuteParams{
		Task:        exec.Task,
		AccountID:   acc.ID,
		Preferences: prefs,
		Proxy:       acc.Proxy,
		Trace:       sk,
		Storage:     sk,
		Result:      sk,
		Retrieve:    sk,
	})
}
