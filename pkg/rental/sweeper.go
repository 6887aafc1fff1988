package rental

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the recurring task that reverts expired occupancies. It holds no
// state between ticks; every pass re-reads the store, so a restart costs at
// most one interval of latency.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper wires a Sweeper.
func NewSweeper(engine *Engine, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", ErrInvalidServiceConfig)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: sweep interval must be positive", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.SweepExpired(ctx)
		}
	}
}

// SweepExpired performs one pass: every occupied slot whose expiry has
// elapsed is released. A failure on one slot is logged and does not stop the
// sweep of the rest. Returns the number of slots released.
func (sweeper *Sweeper) SweepExpired(ctx context.Context) int {
	occupied, err := sweeper.engine.store.ListOccupiedSlots(ctx)
	if err != nil {
		sweeper.logger.Error("sweep: list occupied slots", zap.Error(err))
		return 0
	}
	now := sweeper.engine.nowFn()
	released := 0
	for _, slot := range occupied {
		if !slot.Expired(now) {
			continue
		}
		if err := sweeper.engine.ReleaseSlot(ctx, slot.ID); err != nil {
			sweeper.logger.Error("sweep: release slot",
				zap.Int64("slot_id", int64(slot.ID)),
				zap.Error(err))
			continue
		}
		released++
	}
	return released
}
