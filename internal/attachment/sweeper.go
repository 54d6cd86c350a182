package attachment

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSpec = "@every 1h"

// Sweeper purges expired tier-2 entries on a cron schedule, complementing the
// lazy purge on access.
type Sweeper struct {
	store  PersistentStore
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper validates spec (standard five-field cron or a descriptor such as
// "@every 30m").
func NewSweeper(log *slog.Logger, store PersistentStore, spec string) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	if spec == "" {
		spec = DefaultSweepSpec
	}
	s := &Sweeper{
		store:  store,
		cron:   cron.New(),
		logger: log.With(slog.String("component", "attachment_sweeper")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// RunOnce sweeps immediately.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	removed, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		s.logger.Warn("attachment sweep failed", slog.Any("error", err))
	}
	if removed > 0 {
		s.logger.Info("attachment sweep", slog.Int("removed", removed), slog.Duration("took", time.Since(start)))
	}
	return removed
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
