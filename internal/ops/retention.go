package ops

import (
	"context"
	"time"

	"github.com/sandwichfarm/nopub/internal/config"
)

// Pruner is the storage surface retention needs.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionManager deletes events older than the configured age on a
// fixed cadence.
type RetentionManager struct {
	store  Pruner
	config *config.Retention
	logger *Logger

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRetentionManager creates a retention manager
func NewRetentionManager(store Pruner, cfg *config.Retention, logger *Logger) *RetentionManager {
	return &RetentionManager{
		store:    store,
		config:   cfg,
		logger:   logger.WithComponent("retention"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// PruneOldEvents deletes everything older than the retention cutoff and
// returns how many events went away.
func (rm *RetentionManager) PruneOldEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-rm.config.MaxAge())
	start := time.Now()

	deleted, err := rm.store.DeleteOlderThan(ctx, cutoff)
	rm.logger.LogRetentionPrune(deleted, time.Since(start), err)
	return deleted, err
}

// StartPruningScheduler runs PruneOldEvents on the configured interval
// until Stop is called or the context ends.
func (rm *RetentionManager) StartPruningScheduler(ctx context.Context) {
	if !rm.config.Enabled {
		close(rm.doneChan)
		return
	}

	go func() {
		defer close(rm.doneChan)
		ticker := time.NewTicker(rm.config.PruneInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-rm.stopChan:
				return
			case <-ticker.C:
				if _, err := rm.PruneOldEvents(ctx); err != nil {
					rm.logger.Error("scheduled pruning failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the scheduler and waits for it to exit.
func (rm *RetentionManager) Stop() {
	select {
	case <-rm.stopChan:
	default:
		close(rm.stopChan)
	}
	<-rm.doneChan
}
