// Package poller triggers the periodic check task for every active
// account on a cron schedule. It is trigger-only: LOCAL accounts start
// in-process runs, REMOTE accounts get a queue slot for the next
// worker pull.
package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"checkd/internal/executor"
	"checkd/internal/model"
	"checkd/internal/runner"
	"checkd/pkg/logx"
)

const DefaultTask = "check"

type Config struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec; seconds field optional.
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	// Task overrides the task name triggered per account.
	Task string `json:"task"`
}

type Service struct {
	cfg    Config
	exec   *executor.Executor
	log    logx.Logger
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, exec *executor.Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30m"
	}
	if cfg.Task == "" {
		cfg.Task = DefaultTask
	}
	return &Service{
		cfg:  cfg,
		exec: exec,
		log:  log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("disabled, not starting")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("bad timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	_, err := c.AddFunc(s.cfg.Schedule, func() { s.runOnce(context.Background()) })
	if err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// TriggerNow runs one polling pass immediately, outside the schedule.
func (s *Service) TriggerNow(ctx context.Context) {
	s.runOnce(ctx)
}

func (s *Service) runOnce(ctx context.Context) {
	start := time.Now()
	if err := s.exec.Init(ctx); err != nil {
		s.log.Error("init failed, skipping pass", logx.Err(err))
		return
	}
	accounts, err := s.exec.Store().ListAccounts(ctx, "", true)
	if err != nil {
		s.log.Error("listing accounts failed", logx.Err(err))
		return
	}
	var started, queued, skipped int
	for i := range accounts {
		a := &accounts[i]
		switch a.Type {
		case model.AccountRemote:
			// A slow-draining queue must not pile up duplicate slots
			// for the same task; skip while one is queued or running.
			if row, err := s.exec.Store().AccountTaskFor(ctx, a.ID, s.cfg.Task); err == nil &&
				(row.LastStatus == model.StatusInQueue || row.LastStatus == model.StatusInProgress) {
				skipped++
				continue
			}
			if _, err := s.exec.Queue().Enqueue(ctx, a.ID, s.cfg.Task, nil); err != nil {
				s.log.Warn("enqueue failed", logx.Int64("account_id", a.ID), logx.Err(err))
				continue
			}
			queued++
		default:
			if _, err := s.exec.Runner().StartAsync(ctx, a.ID, s.cfg.Task, false); err != nil {
				if errors.Is(err, runner.ErrAlreadyRunning) {
					skipped++
					continue
				}
				s.log.Warn("start failed", logx.Int64("account_id", a.ID), logx.Err(err))
				continue
			}
			started++
		}
	}
	s.log.Info("polling pass done",
		logx.Int("accounts", len(accounts)), logx.Int("started", started),
		logx.Int("queued", queued), logx.Int("skipped", skipped),
		logx.Duration("took", time.Since(start)))
}
