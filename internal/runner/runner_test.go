package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"checkd/internal/engine"
	"checkd/internal/model"
	"checkd/internal/registry"
	"checkd/internal/rendezvous"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

// scriptEngine interprets the provider payload as a behavior keyword so
// tests can stage different provider outcomes per provider row.
type scriptEngine struct{}

type scriptBundle struct{ mode string }

func (scriptEngine) Load(ctx context.Context, data []byte) (engine.Bundle, error) {
	return &scriptBundle{mode: string(data)}, nil
}

func (b *scriptBundle) Execute(ctx context.Context, p engine.ExecuteParams) ([]model.Result, error) {
	switch b.mode {
	case "fail":
		return nil, errors.New("scrape blew up")
	case "sink":
		if err := p.Trace.Trace(ctx, "logging in", "check"); err != nil {
			return nil, err
		}
		if err := p.Storage.SaveData(ctx, `{"session":{"cookie":"abc"}}`); err != nil {
			return nil, err
		}
		r := model.Result{"success": true, "balance": 41.5}
		if err := p.Result.SetResult(ctx, r); err != nil {
			return nil, err
		}
		return []model.Result{r}, nil
	default:
		return []model.Result{{"success": true}}, nil
	}
}

func testRunner(t *testing.T, providerData string) (*Runner, *store.Store, *model.Account) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	prov := &model.Provider{TextID: "p-" + t.Name(), Name: "P", Data: []byte(providerData)}
	if err := st.SaveProvider(ctx, prov); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	acc := &model.Account{
		ProviderID: prov.ID, UserID: "u", Name: "a", Type: model.AccountLocal,
		Prefs: `{"login":"x"}`, Proxy: "socks5://proxy:1080", Active: true,
	}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	reg := registry.New(st, scriptEngine{}, logx.Nop())
	rdv := rendezvous.New(st, logx.Nop())
	return New(st, reg, rdv, logx.Nop()), st, acc
}

func TestRunNowSuccess(t *testing.T) {
	t.Parallel()
	r, st, acc := testRunner(t, "ok")
	ctx := context.Background()

	results, err := r.RunNow(ctx, acc.ID, "check", false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(results) != 1 || !results[0].IsSuccess() {
		t.Fatalf("results: %+v", results)
	}

	row, err := st.AccountTaskFor(ctx, acc.ID, "check")
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.LastStatus != model.StatusSuccess || row.LastResultSuccessTime == nil {
		t.Fatalf("projection: %+v", row)
	}
	if row.ExecutionID != 0 {
		t.Fatalf("in-flight pointer not cleared: %+v", row)
	}
}

func TestRunNowProviderFailure(t *testing.T) {
	t.Parallel()
	r, st, acc := testRunner(t, "fail")
	ctx := context.Background()

	results, err := r.RunNow(ctx, acc.ID, "check", false)
	if err != nil {
		t.Fatalf("RunNow should absorb the failure, got %v", err)
	}
	if len(results) != 1 || !results[0].IsError() {
		t.Fatalf("results: %+v", results)
	}

	row, err := st.AccountTaskFor(ctx, acc.ID, "check")
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.LastStatus != model.StatusError || row.LastResultErrorTime == nil {
		t.Fatalf("projection: %+v", row)
	}
}

func TestRunNowSinkEffects(t *testing.T) {
	t.Parallel()
	r, st, acc := testRunner(t, "sink")
	ctx := context.Background()

	results, err := r.RunNow(ctx, acc.ID, "check", false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(results) != 1 || results[0]["balance"] != 41.5 {
		t.Fatalf("results: %+v", results)
	}

	// Saved data landed through the merge path.
	fresh, err := st.AccountByID(ctx, acc.ID)
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if fresh.SavedData == "" || fresh.SavedData == "{}" {
		t.Fatalf("saved data empty: %q", fresh.SavedData)
	}

	// The trace line reached the execution log.
	row, err := st.AccountTaskFor(ctx, acc.ID, "check")
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	succ, err := model.DecodeResults(row.LastResultSuccess)
	if err != nil || len(succ) != 1 {
		t.Fatalf("success blob: %q (%v)", row.LastResultSuccess, err)
	}
}

func TestRunNowAlreadyRunning(t *testing.T) {
	t.Parallel()
	r, st, acc := testRunner(t, "ok")
	ctx := context.Background()

	// Simulate a run in flight.
	now := time.Now().UTC()
	if err := st.UpsertAccountTask(ctx, &model.AccountTask{
		AccountID: acc.ID, Task: "check", ExecutionID: 12345,
		LastStatus: model.StatusInProgress, LastStartTime: &now,
	}); err != nil {
		t.Fatalf("UpsertAccountTask: %v", err)
	}

	if _, err := r.RunNow(ctx, acc.ID, "check", false); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	// force bypasses the guard.
	results, err := r.RunNow(ctx, acc.ID, "check", true)
	if err != nil {
		t.Fatalf("forced RunNow: %v", err)
	}
	if len(results) != 1 || !results[0].IsSuccess() {
		t.Fatalf("results: %+v", results)
	}
}

func TestRunNowUnknownAccount(t *testing.T) {
	t.Parallel()
	r, _, _ := testRunner(t, "ok")
	if _, err := r.RunNow(context.Background(), 9999, "check", false); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartAsync(t *testing.T) {
	t.Parallel()
	r, st, acc := testRunner(t, "ok")
	ctx := context.Background()

	row, err := r.StartAsync(ctx, acc.ID, "check", false)
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	if row.LastStatus != model.StatusInProgress && !row.LastStatus.Terminal() {
		t.Fatalf("unexpected snapshot status: %s", row.LastStatus)
	}

	// The detached run finishes on its own.
	deadline := time.Now().Add(2 * time.Second)
	for {
		row, err = st.AccountTaskFor(ctx, acc.ID, "check")
		if err != nil {
			t.Fatalf("AccountTaskFor: %v", err)
		}
		if row.LastStatus.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never finished: %+v", row)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if row.LastStatus != model.StatusSuccess {
		t.Fatalf("status = %s", row.LastStatus)
	}
}

func TestRunNowDisabledProvider(t *testing.T) {
	t.Parallel()
	r, st, acc := testRunner(t, "ok")
	ctx := context.Background()

	prov, err := st.ProviderByID(ctx, acc.ProviderID)
	if err != nil {
		t.Fatalf("ProviderByID: %v", err)
	}
	prov.Disabled = true
	if err := st.SaveProvider(ctx, prov); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}

	results, err := r.RunNow(ctx, acc.ID, "check", false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(results) != 1 || !results[0].IsError() {
		t.Fatalf("results: %+v", results)
	}
}
