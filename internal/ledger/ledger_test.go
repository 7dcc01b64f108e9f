package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"checkd/internal/model"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedExecution(t *testing.T, st *store.Store, status model.Status) *model.Execution {
	t.Helper()
	ctx := context.Background()
	prov := &model.Provider{TextID: "p-" + t.Name(), Name: "P"}
	if err := st.SaveProvider(ctx, prov); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	acc := &model.Account{ProviderID: prov.ID, UserID: "u", Name: "a", Type: model.AccountLocal, Active: true}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	e := &model.Execution{AccountID: acc.ID, Task: "check", Status: status}
	if err := st.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return e
}

func TestAppendPrefixesErrorMessages(t *testing.T) {
	t.Parallel()
	e := &model.Execution{ID: 7}

	if err := Append(e, model.Result{"success": true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	original := model.Result{"error": true, "message": "login failed"}
	if err := Append(e, original); err != nil {
		t.Fatalf("Append: %v", err)
	}

	list, err := model.DecodeResults(e.Result)
	if err != nil {
		t.Fatalf("DecodeResults: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	if got := list[1].Message(); !strings.Contains(got, "execution 7") || !strings.Contains(got, "login failed") {
		t.Fatalf("message = %q", got)
	}
	// The caller's result value must not be mutated.
	if original.Message() != "login failed" {
		t.Fatalf("caller result mutated: %q", original.Message())
	}
}

func TestSyncProjectionInProgress(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	e := seedExecution(t, st, model.StatusInProgress)
	now := time.Now()
	if err := SyncProjection(ctx, st, e, now); err != nil {
		t.Fatalf("SyncProjection: %v", err)
	}

	row, err := st.AccountTaskFor(ctx, e.AccountID, e.Task)
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.LastStatus != model.StatusInProgress || row.ExecutionID != e.ID || row.LastStartTime == nil {
		t.Fatalf("row: %+v", row)
	}
}

func TestFinishSplitsResults(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	e := seedExecution(t, st, model.StatusInProgress)
	if err := SyncProjection(ctx, st, e, time.Now()); err != nil {
		t.Fatalf("SyncProjection: %v", err)
	}
	if err := Append(e, model.Result{"success": true, "balance": 10}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := Append(e, model.Result{"error": true, "message": "sms failed"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := Finish(ctx, st, e, time.Now()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if e.Status != model.StatusSuccessPartial || e.FinishedAt == nil {
		t.Fatalf("execution: %+v", e)
	}

	row, err := st.AccountTaskFor(ctx, e.AccountID, e.Task)
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.LastStatus != model.StatusSuccessPartial {
		t.Fatalf("status: %s", row.LastStatus)
	}
	if row.ExecutionID != 0 || row.LastStartTime != nil {
		t.Fatalf("pointer not cleared: %+v", row)
	}
	succ, err := model.DecodeResults(row.LastResultSuccess)
	if err != nil || len(succ) != 1 || !succ[0].IsSuccess() {
		t.Fatalf("success blob: %q err=%v", row.LastResultSuccess, err)
	}
	errs, err := model.DecodeResults(row.LastResultError)
	if err != nil || len(errs) != 1 || !errs[0].IsError() {
		t.Fatalf("error blob: %q err=%v", row.LastResultError, err)
	}
	if row.LastResultSuccessTime == nil || row.LastResultErrorTime == nil {
		t.Fatalf("times missing: %+v", row)
	}
}

func TestFinishEmptyResultIsError(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	e := seedExecution(t, st, model.StatusInProgress)
	if err := Finish(ctx, st, e, time.Now()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if e.Status != model.StatusError {
		t.Fatalf("status = %s, want ERROR", e.Status)
	}
	row, err := st.AccountTaskFor(ctx, e.AccountID, e.Task)
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.LastResultErrorTime == nil {
		t.Fatal("error time should be stamped even with no entries")
	}
}

func TestNotePendingCode(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	e := seedExecution(t, st, model.StatusInProgress)
	if err := SyncProjection(ctx, st, e, time.Now()); err != nil {
		t.Fatalf("SyncProjection: %v", err)
	}

	till := time.Now().Add(time.Minute)
	if err := NotePendingCode(ctx, st, e, till); err != nil {
		t.Fatalf("NotePendingCode: %v", err)
	}
	if err := NotePendingCode(ctx, st, e, till); err != nil {
		t.Fatalf("NotePendingCode: %v", err)
	}

	row, err := st.AccountTaskFor(ctx, e.AccountID, e.Task)
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.NeedCodeTill == nil || row.CodeCnt != 2 {
		t.Fatalf("row: %+v", row)
	}

	// Finishing clears the pending-code state.
	if err := Append(e, model.Result{"success": true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := Finish(ctx, st, e, time.Now()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	row, err = st.AccountTaskFor(ctx, e.AccountID, e.Task)
	if err != nil {
		t.Fatalf("AccountTaskFor: %v", err)
	}
	if row.NeedCodeTill != nil || row.CodeCnt != 0 {
		t.Fatalf("pending-code state not cleared: %+v", row)
	}
}
