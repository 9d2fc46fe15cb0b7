package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// PodReaper deletes execution pods created before a cutoff.
type PodReaper interface {
	ReapOrphans(ctx context.Context, createdBefore time.Time) (int, error)
}

// Sweeper periodically removes execution pods left behind by runs that
// never reached their cleanup step, e.g. after a crash of the daemon.
type Sweeper struct {
	reaper PodReaper
	logger *slog.Logger
	maxAge time.Duration
	now    func() time.Time

	cron    *cron.Cron
	entryMu sync.Mutex
	entry   cron.EntryID
	hasJob  bool

	ctx context.Context
}

// NewSweeper constructs a sweeper that deletes pods older than maxAge.
func NewSweeper(reaper PodReaper, logger *slog.Logger, maxAge time.Duration, location *time.Location) *Sweeper {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Sweeper{
		reaper: reaper,
		logger: logger,
		maxAge: maxAge,
		now:    time.Now,
		cron:   c,
	}
}

// Schedule installs (or replaces) the sweep schedule.
func (s *Sweeper) Schedule(expr string) error {
	schedule, err := ParseCron(expr)
	if err != nil {
		return err
	}
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if s.hasJob {
		s.cron.Remove(s.entry)
	}
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.SweepNow(s.ctxOrBackground()); err != nil {
			s.logger.Error("sweep orphaned pods", "err", err)
		}
	}))
	s.hasJob = true
	return nil
}

// Start begins the sweep loop. ctx is used for the background sweeps.
func (s *Sweeper) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the sweeper and returns a context done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// SweepNow deletes every execution pod older than the configured age.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.reaper.ReapOrphans(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("reap orphans: %w", err)
	}
	if n > 0 {
		s.logger.Warn("deleted orphaned execution pods", "count", n, "cutoff", cutoff.UTC())
	}
	return n, nil
}

func (s *Sweeper) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
