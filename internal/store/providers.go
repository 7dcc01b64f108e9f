package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"checkd/internal/model"
)

const providerCols = `id, text_id, name, version, text_version, data, disabled, masked, created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (*model.Provider, error) {
	var p model.Provider
	var disabled int
	var masked string
	err := row.Scan(&p.ID, &p.TextID, &p.Name, &p.Version, &p.TextVersion,
		&p.Data, &disabled, &masked, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	p.Disabled = disabled != 0
	if masked != "" {
		if err := json.Unmarshal([]byte(masked), &p.Masked); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (c q) ProviderByID(ctx context.Context, id int64) (*model.Provider, error) {
	return scanProvider(c.queryRow(ctx, `SELECT `+providerCols+` FROM providers WHERE id = ?`, id))
}

func (c q) ProviderByTextID(ctx context.Context, textID string) (*model.Provider, error) {
	return scanProvider(c.queryRow(ctx, `SELECT `+providerCols+` FROM providers WHERE text_id = ?`, textID))
}

// ProviderDates returns (id, updated_at) for every provider. This is the
// cheap freshness probe the registry polls with.
func (c q) ProviderDates(ctx context.Context) (map[int64]time.Time, error) {
	rows, err := c.query(ctx, `SELECT id, updated_at FROM providers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dates := map[int64]time.Time{}
	for rows.Next() {
		var id int64
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		dates[id] = at
	}
	return dates, rows.Err()
}

// SaveProvider upserts a provider definition by text id and refreshes
// the struct's generated fields.
func (c q) SaveProvider(ctx context.Context, p *model.Provider) error {
	masked, err := json.Marshal(p.Masked)
	if err != nil {
		return err
	}
	if p.Masked == nil {
		masked = []byte("[]")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	disabled := 0
	if p.Disabled {
		disabled = 1
	}
	existing, err := c.ProviderByTextID(ctx, p.TextID)
	if errors.Is(err, ErrNotFound) {
		id, err := c.insertID(ctx,
			`INSERT INTO providers (text_id, name, version, text_version, data, disabled, masked, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.TextID, p.Name, p.Version, p.TextVersion, p.Data, disabled, string(masked), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	}
	if err != nil {
		return err
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	return c.exec(ctx,
		`UPDATE providers SET name = ?, version = ?, text_version = ?, data = ?, disabled = ?, masked = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Version, p.TextVersion, p.Data, disabled, string(masked), p.UpdatedAt, p.ID)
}
