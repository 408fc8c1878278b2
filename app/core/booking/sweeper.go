package booking

import (
	"context"
	"time"

	"reception/app/core/scheduler"
	"reception/app/pkg/logger"
)

const defaultSweepInterval = 5 * time.Second

// Sweeper expires stale holds on a fixed interval, independent of any request
// or UI activity. It is the only component that moves a task out of HOLD
// without an explicit caller action.
type Sweeper struct {
	store    *Store
	interval time.Duration
}

func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{store: store, interval: interval}
}

// RunOnce performs a single sweep pass and returns the number of holds
// expired. Idempotent: a second pass over the same holds finds nothing.
func (sw *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return sw.store.ExpireDueHolds(ctx)
}

// Job packages the sweep for the interval scheduler, which owns start/stop.
func (sw *Sweeper) Job() scheduler.JobSpec {
	return scheduler.JobSpec{
		Name:       "hold-expiry-sweep",
		Interval:   sw.interval,
		Timeout:    sw.interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			expired, err := sw.RunOnce(ctx)
			if err != nil {
				return err
			}
			if expired > 0 {
				logger.Info("Expired %d stale hold(s)", expired)
			}
			return nil
		},
	}
}
