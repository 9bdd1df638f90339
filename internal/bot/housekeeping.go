package bot

import (
	"context"
	"fmt"
	"time"

	"misskeybot/internal/scheduler"
	logx "misskeybot/pkg/logx"
)

// Job names registered with the scheduler.
const (
	JobAutoPost   = "auto_post"
	JobResetDaily = "reset_daily"
	JobPurge      = "purge_ledger"
	JobVacuum     = "vacuum_ledger"
)

// Ledger is the housekeeping view of the store.
type Ledger interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
	Vacuum(ctx context.Context) error
}

// Scheduler registers jobs.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, job scheduler.Job) (string, error)
	AddCron(name, spec string, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

// Schedule registers the auto-post and housekeeping jobs. It is safe to call
// again after Apply; jobs are upserted by name and auto-post is removed when
// disabled. ledger may be nil.
func (b *Bot) Schedule(s Scheduler, ledger Ledger) error {
	set, _ := b.settings()

	if set.AutoPostEnabled && set.AutoPostInterval > 0 {
		spec := "interval:" + set.AutoPostInterval.String()
		if _, err := s.AddSchedule(JobAutoPost, spec, 0, func(ctx context.Context) error {
			outcome, err := b.AutoPost(ctx)
			if b.opts.OnAutoPost != nil {
				b.opts.OnAutoPost(outcome, err)
			}
			return err
		}); err != nil {
			return fmt.Errorf("schedule auto-post: %w", err)
		}
	} else {
		s.Remove(JobAutoPost)
	}

	if _, err := s.AddCron(JobResetDaily, "0 0 * * *", time.Minute, func(context.Context) error {
		b.ResetDaily()
		return nil
	}); err != nil {
		return err
	}
	if ledger == nil {
		return nil
	}

	if _, err := s.AddCron(JobPurge, "0 1 * * *", 0, func(ctx context.Context) error {
		return b.Purge(ctx, ledger)
	}); err != nil {
		return err
	}
	_, err := s.AddCron(JobVacuum, "0 2 * * *", 0, func(ctx context.Context) error {
		if err := ledger.Vacuum(ctx); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		b.log.Info("ledger compacted")
		return nil
	})
	return err
}

// Purge drops ledger rows older than the configured retention.
func (b *Bot) Purge(ctx context.Context, ledger Ledger) error {
	set, _ := b.settings()
	if set.CleanupDays <= 0 {
		return nil
	}
	age := time.Duration(set.CleanupDays) * 24 * time.Hour
	n, err := ledger.PurgeOlderThan(ctx, age)
	if err != nil {
		return fmt.Errorf("purge ledger: %w", err)
	}
	b.log.Info("ledger purged", logx.Int64("rows", n), logx.Int("days", set.CleanupDays))
	return nil
}
