// Package registry caches loaded provider bundles.
//
// Providers are cold-loaded metadata+script bundles that rarely change,
// so the registry polls the store for (id, updated_at) pairs at most
// once per interval and evicts entries whose stored timestamp moved.
// Loads are deduplicated: concurrent callers of a just-evicted provider
// await one in-flight load instead of piling on.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"checkd/internal/engine"
	"checkd/internal/model"
	"checkd/pkg/logx"
	"checkd/pkg/syncx"
)

// DefaultPollInterval bounds provider staleness.
const DefaultPollInterval = 60 * time.Second

// Source is the slice of the store the registry reads from.
type Source interface {
	ProviderByID(ctx context.Context, id int64) (*model.Provider, error)
	ProviderByTextID(ctx context.Context, textID string) (*model.Provider, error)
	ProviderDates(ctx context.Context) (map[int64]time.Time, error)
}

// Provider is a loaded, ready-to-execute provider bundle.
type Provider struct {
	model.Provider
	Bundle engine.Bundle
}

type Registry struct {
	src      Source
	eng      engine.Engine
	log      logx.Logger
	interval time.Duration

	mu sync.Mutex
	// byID holds loaded entries; a nil value means "known but not yet
	// loaded" (newly discovered or evicted after a timestamp change).
	byID   map[int64]*Provider
	byText map[string]*Provider

	lastModified time.Time
	lastChecked  time.Time

	checkFlight syncx.Flight[struct{}]
	loadFlight  syncx.Flight[struct{}]
}

func New(src Source, eng engine.Engine, log logx.Logger) *Registry {
	return &Registry{
		src:      src,
		eng:      eng,
		log:      log,
		interval: DefaultPollInterval,
		byID:     map[int64]*Provider{},
		byText:   map[string]*Provider{},
	}
}

// SetPollInterval overrides the freshness-check interval (tests).
func (r *Registry) SetPollInterval(d time.Duration) {
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
}

// Get returns the provider with the given numeric id, loading it at
// most once even under concurrent callers.
func (r *Registry) Get(ctx context.Context, id int64) (*Provider, error) {
	if err := r.refresh(ctx, false); err != nil {
		return nil, err
	}
	return r.acquire(ctx, providerKey{id: id})
}

// GetByTextID is Get for the stable text id.
func (r *Registry) GetByTextID(ctx context.Context, textID string) (*Provider, error) {
	if err := r.refresh(ctx, false); err != nil {
		return nil, err
	}
	return r.acquire(ctx, providerKey{textID: textID})
}

// Resolve accepts either form of provider reference: all-digit strings
// are treated as numeric ids.
func (r *Registry) Resolve(ctx context.Context, ref string) (*Provider, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return r.Get(ctx, id)
	}
	return r.GetByTextID(ctx, ref)
}

// GetAll forces a freshness check and resolves every known id, lazily
// loading anything newly discovered.
func (r *Registry) GetAll(ctx context.Context) ([]*Provider, error) {
	if err := r.refresh(ctx, true); err != nil {
		return nil, err
	}
	r.mu.Lock()
	ids := make([]int64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	out := make([]*Provider, 0, len(ids))
	for _, id := range ids {
		p, err := r.acquire(ctx, providerKey{id: id})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type providerKey struct {
	id     int64
	textID string
}

func (k providerKey) String() string {
	if k.textID != "" {
		return k.textID
	}
	return strconv.FormatInt(k.id, 10)
}

func (r *Registry) cached(k providerKey) *Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k.textID != "" {
		return r.byText[k.textID]
	}
	return r.byID[k.id]
}

// acquire returns the cached entry or joins/starts the deduplicated
// load for it. The loop re-checks the cache after each flight because a
// shared flight may have loaded a different provider.
func (r *Registry) acquire(ctx context.Context, k providerKey) (*Provider, error) {
	for {
		if p := r.cached(k); p != nil {
			return p, nil
		}
		if _, err := r.loadFlight.Do(ctx, func(ctx context.Context) (struct{}, error) {
			if r.cached(k) != nil {
				return struct{}{}, nil
			}
			return struct{}{}, r.load(ctx, k)
		}); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) load(ctx context.Context, k providerKey) error {
	r.log.Info("loading provider", logx.String("provider", k.String()))

	var row *model.Provider
	var err error
	if k.textID != "" {
		row, err = r.src.ProviderByTextID(ctx, k.textID)
	} else {
		row, err = r.src.ProviderByID(ctx, k.id)
	}
	if err != nil {
		return fmt.Errorf("provider %s: %w", k.String(), err)
	}

	bundle, err := r.eng.Load(ctx, row.Data)
	if err != nil {
		return fmt.Errorf("provider %s: %w", k.String(), err)
	}

	p := &Provider{Provider: *row, Bundle: bundle}
	r.mu.Lock()
	r.byID[row.ID] = p
	r.byText[row.TextID] = p
	r.mu.Unlock()

	r.log.Info("loading provider done", logx.String("provider", k.String()))
	return nil
}

// refresh runs the polling freshness check, deduplicated and limited to
// once per interval unless forced.
func (r *Registry) refresh(ctx context.Context, force bool) error {
	if !force && !r.checkDue() {
		return nil
	}
	_, err := r.checkFlight.Do(ctx, func(ctx context.Context) (struct{}, error) {
		if !force && !r.checkDue() {
			return struct{}{}, nil
		}
		return struct{}{}, r.doRefresh(ctx)
	})
	return err
}

func (r *Registry) checkDue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastChecked.IsZero() || time.Since(r.lastChecked) >= r.interval
}

func (r *Registry) doRefresh(ctx context.Context) error {
	dates, err := r.src.ProviderDates(ctx)
	if err != nil {
		return err
	}

	var maxMod time.Time
	for _, at := range dates {
		if at.After(maxMod) {
			maxMod = at
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !maxMod.Equal(r.lastModified) {
		r.lastModified = maxMod
		for id, p := range r.byID {
			if p == nil {
				if _, still := dates[id]; !still {
					delete(r.byID, id)
				}
				continue
			}
			at, still := dates[id]
			switch {
			case !still:
				// Disappeared from the store: evict entirely.
				delete(r.byID, id)
				delete(r.byText, p.TextID)
			case !p.UpdatedAt.Equal(at):
				// Changed: mark for reload, drop the stale bundle.
				r.byID[id] = nil
				delete(r.byText, p.TextID)
			}
		}
		for id := range dates {
			if _, known := r.byID[id]; !known {
				r.byID[id] = nil
			}
		}
	}
	r.lastChecked = time.Now()
	return nil
}
