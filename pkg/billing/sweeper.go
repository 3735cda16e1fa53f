package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pulsefit/billing/pkg/schedule"
)

// SweeperLockKey is the advisory lock shared by all instances; whoever
// holds it runs the sweep.
const SweeperLockKey int64 = 0x5cb5_513e

// SweeperConfig controls the retention sweeper.
type SweeperConfig struct {
	// RetentionDays is how long canceled subscriptions are kept after
	// cancellation before deletion.
	RetentionDays int `env:"SUBSCRIPTION_RETENTION_DAYS" envDefault:"30"`
	// Cadence is a schedule cadence: "hourly", "daily", "weekly" or a Go
	// duration.
	Cadence string `env:"SWEEPER_CRON" envDefault:"weekly"`
	// DryRun logs what would be deleted without deleting.
	DryRun bool `env:"SWEEPER_DRY_RUN" envDefault:"false"`
	// EventRetentionDays is how long processed webhook events stay in the
	// dedup ledger. Must cover the provider's retry horizon.
	EventRetentionDays int `env:"EVENT_RETENTION_DAYS" envDefault:"30"`
}

// Sweeper deletes canceled subscriptions past their retention window and
// prunes the processed-event ledger. Only one instance sweeps at a time,
// coordinated through the store's lock.
type Sweeper struct {
	store  Store
	locker Locker
	cfg    SweeperConfig
	sched  schedule.Schedule
	log    *slog.Logger
	now    func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(log *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log }
}

// WithSweeperClock overrides the time source, for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper validates the cadence and wires the sweeper.
func NewSweeper(store Store, locker Locker, cfg SweeperConfig, opts ...SweeperOption) (*Sweeper, error) {
	if cfg.RetentionDays <= 0 {
		return nil, errors.New("retention days must be positive")
	}
	sched, err := schedule.Parse(cfg.Cadence)
	if err != nil {
		return nil, err
	}
	s := &Sweeper{
		store:  store,
		locker: locker,
		cfg:    cfg,
		sched:  sched,
		log:    slog.New(slog.DiscardHandler),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps on the configured cadence until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "retention sweeper started",
		slog.String("cadence", s.sched.String()),
		slog.Int("retention_days", s.cfg.RetentionDays),
		slog.Bool("dry_run", s.cfg.DryRun))

	for {
		next := s.sched.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := s.Sweep(ctx); err != nil {
			s.log.ErrorContext(ctx, "retention sweep failed", slog.Any("error", err))
		}
	}
}

// Sweep runs one pass. Returns nil without doing anything when another
// instance holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) error {
	acquired, err := s.locker.TryLock(ctx, SweeperLockKey)
	if err != nil {
		return err
	}
	if !acquired {
		s.log.DebugContext(ctx, "retention sweep skipped: another instance holds the lock")
		return nil
	}
	defer func() {
		if err := s.locker.Unlock(ctx, SweeperLockKey); err != nil {
			s.log.ErrorContext(ctx, "failed to release sweep lock", slog.Any("error", err))
		}
	}()

	now := s.now()
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)

	if s.cfg.DryRun {
		ids, err := s.store.ListCanceledBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		subjects := make([]string, len(ids))
		for i, id := range ids {
			subjects[i] = id.String()
		}
		s.log.InfoContext(ctx, "retention sweep dry run",
			slog.Int("would_delete", len(ids)),
			slog.Any("subscription_ids", subjects),
			slog.Time("cutoff", cutoff))
		return nil
	}

	deleted, err := s.store.DeleteCanceledBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	eventCutoff := now.AddDate(0, 0, -s.cfg.EventRetentionDays)
	pruned, err := s.store.PruneProcessedEvents(ctx, eventCutoff)
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "retention sweep complete",
		slog.Int64("subscriptions_deleted", deleted),
		slog.Int64("events_pruned", pruned),
		slog.Time("cutoff", cutoff))
	return nil
}
