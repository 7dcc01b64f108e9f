// Package app assembles the daemon from its parts and owns their
// lifecycle: config, logging, store, engine, executor, poller.
package app

import (
	"context"
	"time"

	"checkd/internal/config"
	"checkd/internal/engine/luaengine"
	"checkd/internal/executor"
	"checkd/internal/poller"
	"checkd/internal/store"
	"checkd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	st   *store.Store
	exec *executor.Executor
	poll *poller.Service

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busy, _ := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DSN,
		PoolSize:    cfg.Store.PoolSize,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	exec := executor.New(st, luaengine.New(), log.With(logx.String("comp", "executor")))
	exec.Queue().SetDeadTaskTimeout(cfg.DeadTaskTimeout())
	exec.Registry().SetPollInterval(cfg.RegistryPollInterval())
	exec.Rendezvous().SetDefaultTimeout(cfg.RendezvousTimeout())

	poll := poller.New(poller.Config{
		Enabled:  cfg.Poller.Enabled,
		Schedule: cfg.Poller.Schedule,
		Timezone: cfg.Poller.Timezone,
		Task:     cfg.Poller.Task,
	}, exec, log.With(logx.String("comp", "poller")))

	return &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		st:   st,
		exec: exec,
		poll: poll,
	}, nil
}

func (a *App) Executor() *executor.Executor { return a.exec }

func (a *App) Start(ctx context.Context) error {
	if err := a.exec.Init(ctx); err != nil {
		return err
	}
	if err := a.poll.Start(ctx); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.watchConfig(wctx)

	a.log.Info("started")
	return nil
}

// watchConfig applies live-reloadable settings: log level and the
// timing knobs. Store and poller changes need a restart.
func (a *App) watchConfig(ctx context.Context) {
	defer close(a.done)
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	old := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(old, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("applying config change", append(attrs, logx.Any("sections", changed))...)
			a.logs.Apply(cfg.LogConfig())
			a.exec.Queue().SetDeadTaskTimeout(cfg.DeadTaskTimeout())
			a.exec.Registry().SetPollInterval(cfg.RegistryPollInterval())
			a.exec.Rendezvous().SetDefaultTimeout(cfg.RendezvousTimeout())
			old = cfg
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.poll.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
		}
	}
	err := a.st.Close()
	a.log.Info("stopped")
	a.logs.Close()
	return err
}
