package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"checkd/internal/model"
	"checkd/internal/store"
)

// PasswordPlaceholder substitutes secret preference values on the read
// path. A caller that echoes it back on update keeps the stored value.
const PasswordPlaceholder = "\x01\x02\x03"

// AccountParams carries everything needed to create an account.
type AccountParams struct {
	ProviderID int64
	UserID     string
	Name       string
	Type       model.AccountType
	Prefs      map[string]any
	Proxy      string
	Active     bool
}

// AccountUpdate is a partial update; nil fields keep their current
// value. Prefs replaces the whole preference object, with masked
// fields restored where the caller echoed the placeholder.
type AccountUpdate struct {
	Name   *string
	Prefs  map[string]any
	Proxy  *string
	Active *bool
}

func (e *Executor) CreateAccount(ctx context.Context, p AccountParams) (*model.Account, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	if _, err := e.st.ProviderByID(ctx, p.ProviderID); err != nil {
		return nil, fmt.Errorf("provider %d: %w", p.ProviderID, err)
	}
	prefs, err := encodePrefs(p.Prefs)
	if err != nil {
		return nil, err
	}
	a := &model.Account{
		ProviderID: p.ProviderID,
		UserID:     p.UserID,
		Name:       p.Name,
		Type:       p.Type,
		Prefs:      prefs,
		SavedData:  "{}",
		Active:     p.Active,
		Proxy:      p.Proxy,
	}
	if err := e.st.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (e *Executor) UpdateAccount(ctx context.Context, id int64, upd AccountUpdate) (*model.Account, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	var out *model.Account
	err := e.st.InTx(ctx, func(tx *store.Tx) error {
		a, err := tx.AccountByID(ctx, id)
		if err != nil {
			return err
		}
		if upd.Name != nil {
			a.Name = *upd.Name
		}
		if upd.Proxy != nil {
			a.Proxy = *upd.Proxy
		}
		if upd.Active != nil {
			a.Active = *upd.Active
		}
		if upd.Prefs != nil {
			prov, err := tx.ProviderByID(ctx, a.ProviderID)
			if err != nil {
				return err
			}
			merged, err := restoreMasked(a.Prefs, upd.Prefs, prov.Masked)
			if err != nil {
				return err
			}
			a.Prefs = merged
		}
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// DeleteAccount removes the account together with its projection rows
// and queue slots. Finished executions stay for audit.
func (e *Executor) DeleteAccount(ctx context.Context, id int64) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	return e.st.InTx(ctx, func(tx *store.Tx) error {
		tasks, err := tx.ListAccountTasks(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := tx.DeleteAccountTask(ctx, id, t.Task); err != nil {
				return err
			}
		}
		slots, err := tx.ListQueuedRemote(ctx, store.QueueScope{AccountIDs: []int64{id}})
		if err != nil {
			return err
		}
		for _, s := range slots {
			if err := tx.DeleteQueued(ctx, s.ID); err != nil {
				return err
			}
		}
		return tx.DeleteAccount(ctx, id)
	})
}

// AccountPrefs returns the decoded preference object with every masked
// field replaced by the placeholder.
func (e *Executor) AccountPrefs(ctx context.Context, id int64) (map[string]any, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	a, err := e.st.AccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	prov, err := e.st.ProviderByID(ctx, a.ProviderID)
	if err != nil {
		return nil, err
	}
	prefs, err := decodePrefs(a.Prefs)
	if err != nil {
		return nil, err
	}
	for _, name := range prov.Masked {
		if _, ok := prefs[name]; ok {
			prefs[name] = PasswordPlaceholder
		}
	}
	return prefs, nil
}

// restoreMasked merges the incoming preference object over the stored
// one, keeping the stored value for any masked field the caller left
// as the placeholder.
func restoreMasked(stored string, incoming map[string]any, masked []string) (string, error) {
	old, err := decodePrefs(stored)
	if err != nil {
		return "", err
	}
	next := make(map[string]any, len(incoming))
	for k, v := range incoming {
		next[k] = v
	}
	for _, name := range masked {
		if s, ok := next[name].(string); ok && s == PasswordPlaceholder {
			if prev, ok := old[name]; ok {
				next[name] = prev
			} else {
				delete(next, name)
			}
		}
	}
	return encodePrefs(next)
}

func encodePrefs(prefs map[string]any) (string, error) {
	if prefs == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return "", fmt.Errorf("encode prefs: %w", err)
	}
	return string(raw), nil
}

func decodePrefs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var prefs map[string]any
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, fmt.Errorf("decode prefs: %w", err)
	}
	if prefs == nil {
		prefs = map[string]any{}
	}
	return prefs, nil
}
