package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signoff/internal/config"
	"signoff/internal/engine"
	"signoff/internal/metrics"
)

const lockName = "escalation"

// Escalator runs one escalation scan.
type Escalator interface {
	EscalateOverdue(ctx context.Context) (engine.EscalationReport, error)
}

// Runner periodically scans for overdue instances while holding the leader lock.
type Runner struct {
	Escalator Escalator
	Locker    Locker
	Interval  time.Duration
	TTL       time.Duration
	Holder    string
	Log       zerolog.Logger
}

// New builds a Runner from the scheduler config section.
func New(cfg *config.Config, eng engine.Engine) (*Runner, error) {
	var locker Locker
	switch cfg.Scheduler.Lock {
	case "redis":
		locker = NewRedisLocker(cfg.Scheduler.RedisAddr, "signoff:lock:"+lockName)
	case "none":
		locker = NoLocker{}
	case "store", "":
		locker = StoreLocker{Repo: eng.Repo, Name: lockName, Now: eng.Now}
	default:
		return nil, fmt.Errorf("unknown scheduler lock %q", cfg.Scheduler.Lock)
	}
	host, _ := os.Hostname()
	return &Runner{
		Escalator: eng,
		Locker:    locker,
		Interval:  cfg.Scheduler.Interval,
		TTL:       cfg.Scheduler.LeaseTTL,
		Holder:    fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		Log:       eng.Log.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Run scans immediately and then every Interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.Log.Info().Dur("interval", interval).Str("holder", r.Holder).Msg("Escalation scheduler started")
	for {
		if _, _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.Log.Error().Err(err).Msg("Escalation scan failed")
		}
		select {
		case <-ctx.Done():
			release, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.Locker.Release(release, r.Holder); err != nil {
				r.Log.Warn().Err(err).Msg("Releasing scheduler lock failed")
			}
			cancel()
			metrics.SchedulerLeader.Set(0)
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one scan if this runner holds the leader lock. The boolean
// reports whether it did.
func (r *Runner) Tick(ctx context.Context) (engine.EscalationReport, bool, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 2 * r.Interval
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	leader, err := r.Locker.Acquire(ctx, r.Holder, ttl)
	if err != nil {
		metrics.SchedulerLeader.Set(0)
		return engine.EscalationReport{}, false, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !leader {
		metrics.SchedulerLeader.Set(0)
		r.Log.Debug().Msg("Another replica holds the scheduler lock")
		return engine.EscalationReport{}, false, nil
	}
	metrics.SchedulerLeader.Set(1)
	report, err := r.Escalator.EscalateOverdue(ctx)
	return report, true, err
}
