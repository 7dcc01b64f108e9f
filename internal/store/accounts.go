package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkd/internal/model"
)

const accountCols = `id, provider_id, user_id, name, acc_type, prefs, saved_data, active, proxy, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var active int
	var typ string
	err := row.Scan(&a.ID, &a.ProviderID, &a.UserID, &a.Name, &typ, &a.Prefs,
		&a.SavedData, &active, &a.Proxy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	a.Type = model.AccountType(typ)
	a.Active = active != 0
	return &a, nil
}

func (c q) CreateAccount(ctx context.Context, a *model.Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Type == "" {
		a.Type = model.AccountLocal
	}
	active := 0
	if a.Active {
		active = 1
	}
	id, err := c.insertID(ctx,
		`INSERT INTO accounts (provider_id, user_id, name, acc_type, prefs, saved_data, active, proxy, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ProviderID, a.UserID, a.Name, string(a.Type), a.Prefs, a.SavedData, active, a.Proxy, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (c q) AccountByID(ctx context.Context, id int64) (*model.Account, error) {
	return scanAccount(c.queryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
}

func (c q) UpdateAccount(ctx context.Context, a *model.Account) error {
	a.UpdatedAt = time.Now().UTC()
	active := 0
	if a.Active {
		active = 1
	}
	return c.exec(ctx,
		`UPDATE accounts SET user_id = ?, name = ?, acc_type = ?, prefs = ?, saved_data = ?, active = ?, proxy = ?, updated_at = ?
		 WHERE id = ?`,
		a.UserID, a.Name, string(a.Type), a.Prefs, a.SavedData, active, a.Proxy, a.UpdatedAt, a.ID)
}

func (c q) DeleteAccount(ctx context.Context, id int64) error {
	return c.exec(ctx, `DELETE FROM accounts WHERE id = ?`, id)
}

// ListAccounts returns accounts filtered by type ("" keeps all) and,
// optionally, by the active flag.
func (c q) ListAccounts(ctx context.Context, typ model.AccountType, activeOnly bool) ([]model.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts WHERE 1=1`
	var args []any
	if typ != "" {
		query += ` AND acc_type = ?`
		args = append(args, string(typ))
	}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
