package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Start restores persisted profiles (when a store is configured) and starts
// the batch consumer and the maintenance loop. Calling Start on a running
// learner returns an error.
func (l *Learner) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running {
		return fmt.Errorf("learner is already running")
	}

	if l.store != nil {
		if err := l.store.Init(ctx); err != nil {
			return fmt.Errorf("initializing profile store: %w", err)
		}
		if err := l.restore(ctx); err != nil {
			return fmt.Errorf("restoring profiles: %w", err)
		}
	}

	l.stopCh = make(chan struct{})
	l.running = true
	runCtx := context.WithoutCancel(ctx)

	l.wg.Add(2)
	go l.consume(runCtx, l.stopCh)
	go l.maintain(runCtx, l.stopCh)

	l.logger.Info("feedback learner started",
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Duration("batch_timeout", l.cfg.BatchTimeout),
		zap.Duration("maintenance_interval", l.cfg.MaintenanceInterval),
	)
	return nil
}

// Stop stops the background loops, processes whatever is still queued and
// runs a final maintenance pass. Stop on a stopped learner is a no-op.
func (l *Learner) Stop(ctx context.Context) error {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		l.logger.Debug("learner stop called but not running")
		return nil
	}
	l.running = false
	close(l.stopCh)
	l.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for learner loops: %w", ctx.Err())
	}

	err := errors.Join(l.Flush(ctx), l.RunMaintenance(ctx))
	l.logger.Info("feedback learner stopped", zap.Error(err))
	return err
}

func (l *Learner) consume(ctx context.Context, stop <-chan struct{}) {
	defer l.wg.Done()
	l.logger.Debug("consumer goroutine started")
	defer l.logger.Debug("consumer goroutine stopped")

	for {
		select {
		case <-stop:
			return
		case <-l.queue.notify:
		}
		if !l.awaitBatch(stop) {
			return
		}
		_ = l.Flush(ctx)
	}
}

// awaitBatch waits until a full batch is queued or the batch timeout
// elapses. It returns false when stopped.
func (l *Learner) awaitBatch(stop <-chan struct{}) bool {
	timer := time.NewTimer(l.cfg.BatchTimeout)
	defer timer.Stop()

	for l.queue.len() < l.cfg.BatchSize {
		select {
		case <-stop:
			return false
		case <-timer.C:
			return true
		case <-l.queue.notify:
		}
	}
	return true
}

func (l *Learner) maintain(ctx context.Context, stop <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.safeMaintenance(ctx)
		case <-stop:
			return
		}
	}
}

func (l *Learner) safeMaintenance(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("maintenance panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := l.RunMaintenance(ctx); err != nil {
		l.logger.Error("maintenance failed", zap.Error(err))
	}
}
