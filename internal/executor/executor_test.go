package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"checkd/internal/engine"
	"checkd/internal/ledger"
	"checkd/internal/model"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

type nopEngine struct{}

type nopBundle struct{}

func (nopEngine) Load(ctx context.Context, data []byte) (engine.Bundle, error) {
	return nopBundle{}, nil
}

func (nopBundle) Execute(ctx context.Context, p engine.ExecuteParams) ([]model.Result, error) {
	return []model.Result{{"success": true}}, nil
}

func testExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nopEngine{}, logx.Nop()), st
}

func seedProvider(t *testing.T, st *store.Store, masked ...string) *model.Provider {
	t.Helper()
	p := &model.Provider{TextID: "p-" + t.Name(), Name: "P", Data: []byte("ok"), Masked: masked}
	if err := st.SaveProvider(context.Background(), p); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	return p
}

func TestCreateUpdateDeleteAccount(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st, "password")

	acc, err := e.CreateAccount(ctx, AccountParams{
		ProviderID: prov.ID, UserID: "u1", Name: "my bank", Type: model.AccountLocal,
		Prefs:  map[string]any{"login": "alice", "password": "s3cret"},
		Active: true,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.ID == 0 || acc.SavedData != "{}" {
		t.Fatalf("account: %+v", acc)
	}

	name := "renamed"
	upd, err := e.UpdateAccount(ctx, acc.ID, AccountUpdate{Name: &name})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if upd.Name != "renamed" {
		t.Fatalf("name: %q", upd.Name)
	}

	if err := e.DeleteAccount(ctx, acc.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := st.AccountByID(ctx, acc.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("account survived: %v", err)
	}
}

func TestCreateAccountUnknownProvider(t *testing.T) {
	t.Parallel()
	e, _ := testExecutor(t)
	if _, err := e.CreateAccount(context.Background(), AccountParams{ProviderID: 777}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAccountPrefsMasking(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st, "password", "pin")

	acc, err := e.CreateAccount(ctx, AccountParams{
		ProviderID: prov.ID, UserID: "u1", Name: "a", Type: model.AccountLocal,
		Prefs: map[string]any{"login": "alice", "password": "s3cret", "pin": "0000"},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	prefs, err := e.AccountPrefs(ctx, acc.ID)
	if err != nil {
		t.Fatalf("AccountPrefs: %v", err)
	}
	if prefs["login"] != "alice" {
		t.Fatalf("open field mangled: %+v", prefs)
	}
	if prefs["password"] != PasswordPlaceholder || prefs["pin"] != PasswordPlaceholder {
		t.Fatalf("secrets not masked: %+v", prefs)
	}
}

func TestUpdateAccountRestoresMasked(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st, "password")

	acc, err := e.CreateAccount(ctx, AccountParams{
		ProviderID: prov.ID, UserID: "u1", Name: "a", Type: model.AccountLocal,
		Prefs: map[string]any{"login": "alice", "password": "s3cret"},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	// Caller edits the prefs it was shown: login changed, password still
	// the placeholder. The stored secret must survive.
	_, err = e.UpdateAccount(ctx, acc.ID, AccountUpdate{
		Prefs: map[string]any{"login": "bob", "password": PasswordPlaceholder},
	})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	fresh, err := st.AccountByID(ctx, acc.ID)
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	stored, err := decodePrefs(fresh.Prefs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored["login"] != "bob" || stored["password"] != "s3cret" {
		t.Fatalf("stored: %+v", stored)
	}

	// An actually changed secret replaces the stored one.
	if _, err := e.UpdateAccount(ctx, acc.ID, AccountUpdate{
		Prefs: map[string]any{"login": "bob", "password": "newpass"},
	}); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	fresh, _ = st.AccountByID(ctx, acc.ID)
	stored, _ = decodePrefs(fresh.Prefs)
	if stored["password"] != "newpass" {
		t.Fatalf("stored: %+v", stored)
	}
}

func TestRecoverySettlesLocalTasks(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st)

	mkAccount := func(name string) *model.Account {
		a := &model.Account{ProviderID: prov.ID, UserID: "u", Name: name, Type: model.AccountLocal, Active: true}
		if err := st.CreateAccount(ctx, a); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		return a
	}
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	// Never finished: the row should be dropped.
	virgin := mkAccount("virgin")
	if err := st.UpsertAccountTask(ctx, &model.AccountTask{
		AccountID: virgin.ID, Task: "check", ExecutionID: 1,
		LastStatus: model.StatusInProgress, LastStartTime: &now,
	}); err != nil {
		t.Fatalf("UpsertAccountTask: %v", err)
	}

	// Error newer than success: settles to ERROR.
	sour := mkAccount("sour")
	if err := st.UpsertAccountTask(ctx, &model.AccountTask{
		AccountID: sour.ID, Task: "check", ExecutionID: 2,
		LastStatus: model.StatusInProgress, LastStartTime: &now,
		LastResultSuccess: `[{"success":true}]`, LastResultSuccessTime: &earlier,
		LastResultError: `[{"error":true}]`, LastResultErrorTime: &now,
		NeedCodeTill: &now, CodeCnt: 3,
	}); err != nil {
		t.Fatalf("UpsertAccountTask: %v", err)
	}

	// Success newer than error: settles to SUCCESS.
	sweet := mkAccount("sweet")
	if err := st.UpsertAccountTask(ctx, &model.AccountTask{
		AccountID: sweet.ID, Task: "check", ExecutionID: 3,
		LastStatus: model.StatusInProgress, LastStartTime: &now,
		LastResultSuccess: `[{"success":true}]`, LastResultSuccessTime: &now,
		LastResultError: `[{"error":true}]`, LastResultErrorTime: &earlier,
	}); err != nil {
		t.Fatalf("UpsertAccountTask: %v", err)
	}

	// Stranded code rows must be purged.
	ex := &model.Execution{AccountID: sour.ID, Task: "check", Status: model.StatusInProgress}
	if err := st.CreateExecution(ctx, ex); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := st.CreateCode(ctx, &model.Code{ID: "c1", ExecutionID: ex.ID, Params: "{}", Till: now.Add(time.Hour)}); err != nil {
		t.Fatalf("CreateCode: %v", err)
	}

	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := st.AccountTaskFor(ctx, virgin.ID, "check"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("virgin row should be dropped: %v", err)
	}

	row, err := st.AccountTaskFor(ctx, sour.ID, "check")
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.LastStatus != model.StatusError || row.NeedCodeTill != nil || row.CodeCnt != 0 || row.ExecutionID != 0 {
		t.Fatalf("sour row: %+v", row)
	}

	row, err = st.AccountTaskFor(ctx, sweet.ID, "check")
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.LastStatus != model.StatusSuccess {
		t.Fatalf("sweet row: %+v", row)
	}

	if _, err := st.CodeByID(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("code survived recovery: %v", err)
	}
}

func TestInitRunsOnce(t *testing.T) {
	t.Parallel()
	e, _ := testExecutor(t)
	ctx := context.Background()
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := e.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if !e.ready.Load() {
		t.Fatal("not marked ready")
	}
}

func TestTaskStatuses(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st)

	acc := &model.Account{ProviderID: prov.ID, UserID: "u", Name: "a", Type: model.AccountLocal, Active: true}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	// A finished run with an error outcome.
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)
	if err := st.UpsertAccountTask(ctx, &model.AccountTask{
		AccountID: acc.ID, Task: "check", LastStatus: model.StatusError,
		LastResultSuccess: `[{"success":true}]`, LastResultSuccessTime: &earlier,
		LastResultError: `[{"error":true,"message":"bad login"}]`, LastResultErrorTime: &now,
	}); err != nil {
		t.Fatalf("UpsertAccountTask: %v", err)
	}

	statuses, err := e.TaskStatuses(ctx, acc.ID)
	if err != nil {
		t.Fatalf("TaskStatuses: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("statuses: %+v", statuses)
	}
	ts := statuses[0]
	if ts.Status != model.StatusError || ts.LastFinishedStatus != model.StatusError {
		t.Fatalf("status: %+v", ts)
	}
	if ts.LastError != "bad login" {
		t.Fatalf("last error: %q", ts.LastError)
	}
	if len(ts.ResultSuccess) != 1 || len(ts.ResultError) != 1 {
		t.Fatalf("blobs: %+v", ts)
	}
}

func TestTaskStatusForNeverRun(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st)
	acc := &model.Account{ProviderID: prov.ID, UserID: "u", Name: "a", Type: model.AccountLocal, Active: true}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	ts, err := e.TaskStatusFor(ctx, acc.ID, "check")
	if err != nil {
		t.Fatalf("TaskStatusFor: %v", err)
	}
	if ts.Status != model.StatusIdle || ts.LastFinishedStatus != model.StatusIdle {
		t.Fatalf("status: %+v", ts)
	}
}

func TestTaskStatusPendingCodes(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st)
	acc := &model.Account{ProviderID: prov.ID, UserID: "u", Name: "a", Type: model.AccountLocal, Active: true}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Init's recovery purge is done; now stage a live run waiting on a
	// code prompt.
	ex := &model.Execution{AccountID: acc.ID, Task: "check", Status: model.StatusInProgress}
	if err := st.CreateExecution(ctx, ex); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	now := time.Now().UTC()
	till := now.Add(time.Minute)
	if err := st.UpsertAccountTask(ctx, &model.AccountTask{
		AccountID: acc.ID, Task: "check", ExecutionID: ex.ID,
		LastStatus: model.StatusInProgress, LastStartTime: &now,
		NeedCodeTill: &till, CodeCnt: 1,
	}); err != nil {
		t.Fatalf("UpsertAccountTask: %v", err)
	}
	if err := st.CreateCode(ctx, &model.Code{
		ID: "code-1", ExecutionID: ex.ID,
		Params: `{"type":"CODE","prompt":"enter sms"}`, Till: till,
	}); err != nil {
		t.Fatalf("CreateCode: %v", err)
	}

	ts, err := e.TaskStatusFor(ctx, acc.ID, "check")
	if err != nil {
		t.Fatalf("TaskStatusFor: %v", err)
	}
	if ts.Status != model.StatusInProgress || ts.ExecutionID != ex.ID {
		t.Fatalf("status: %+v", ts)
	}
	if len(ts.Codes) != 1 || ts.Codes[0].Params.Prompt != "enter sms" {
		t.Fatalf("codes: %+v", ts.Codes)
	}
}

func TestTaskStatusLastErrorFallbacks(t *testing.T) {
	t.Parallel()
	e, st := testExecutor(t)
	ctx := context.Background()
	prov := seedProvider(t, st)
	acc := &model.Account{ProviderID: prov.ID, UserID: "u", Name: "a", Type: model.AccountLocal, Active: true}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	// A run that finished without producing a single result.
	ex := &model.Execution{AccountID: acc.ID, Task: "check", Status: model.StatusInProgress}
	if err := st.CreateExecution(ctx, ex); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	err := st.InTx(ctx, func(tx *store.Tx) error {
		if err := ledger.SyncProjection(ctx, tx, ex, time.Now()); err != nil {
			return err
		}
		return ledger.Finish(ctx, tx, ex, time.Now())
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	ts, err := e.TaskStatusFor(ctx, acc.ID, "check")
	if err != nil {
		t.Fatalf("TaskStatusFor: %v", err)
	}
	if ts.LastFinishedStatus != model.StatusError {
		t.Fatalf("status: %+v", ts)
	}
	if ts.LastError != "Empty result" {
		t.Fatalf("last error: %q", ts.LastError)
	}

	// An error entry with no message at all.
	now := time.Now().UTC()
	if err := st.UpsertAccountTask(ctx, &model.AccountTask{
		AccountID: acc.ID, Task: "refresh", LastStatus: model.StatusError,
		LastResultError: `[{"error":true}]`, LastResultErrorTime: &now,
	}); err != nil {
		t.Fatalf("UpsertAccountTask: %v", err)
	}
	ts, err = e.TaskStatusFor(ctx, acc.ID, "refresh")
	if err != nil {
		t.Fatalf("TaskStatusFor: %v", err)
	}
	if ts.LastError != "Unknown error" {
		t.Fatalf("last error: %q", ts.LastError)
	}
}
