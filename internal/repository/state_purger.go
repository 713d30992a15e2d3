package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ExpiredStatePurger deletes state records nobody came back for.
type ExpiredStatePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StatePurger runs PurgeExpired on a fixed interval until stopped.
type StatePurger struct {
	store    ExpiredStatePurger
	interval time.Duration
	logger   *zap.Logger
	tick     func(time.Duration) (<-chan time.Time, func())
}

// NewStatePurger returns nil when interval is not positive.
func NewStatePurger(store ExpiredStatePurger, interval time.Duration, logger *zap.Logger) *StatePurger {
	if store == nil || interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.L()
	}
	return &StatePurger{
		store:    store,
		interval: interval,
		logger:   logger,
		tick: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Run purges once immediately, then on every tick. It returns when ctx is done.
func (p *StatePurger) Run(ctx context.Context) {
	if p == nil {
		return
	}
	ticks, stop := p.tick(p.interval)
	defer stop()

	p.purge(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			p.purge(ctx)
		}
	}
}

func (p *StatePurger) purge(ctx context.Context) {
	removed, err := p.store.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("purge expired oauth states failed", zap.Error(err))
		}
		return
	}
	if removed > 0 {
		p.logger.Info("purged expired oauth states", zap.Int64("removed", removed))
	}
}
