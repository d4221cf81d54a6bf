package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"motionstill/internal/logging"
)

// Start begins background processing. It acquires the queue lock, resets
// work a previous run abandoned, and launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}

	lock := flock.New(filepath.Join(m.cfg.Paths.LogDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	if !locked {
		m.mu.Unlock()
		return errors.New("another motionstill instance holds the queue lock")
	}
	m.lock = lock

	if reset, err := m.store.ResetStuckProcessing(ctx); err != nil {
		m.logger.Warn("reset stuck processing failed", logging.Error(err))
	} else if reset > 0 {
		m.logger.Info("reset abandoned items", logging.Int64("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	workers := m.cfg.Workflow.Workers
	if workers < 1 {
		workers = 1
	}
	m.wg.Add(workers + 1)
	m.mu.Unlock()

	go m.reclaimLoop(runCtx)
	for i := 0; i < workers; i++ {
		go m.runWorker(runCtx, false)
	}
	m.logger.Info("workflow started", logging.Int("workers", workers))
	return nil
}

// Stop terminates background processing, waits for workers to drain, and
// releases the queue lock.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	if m.lock != nil {
		_ = m.lock.Unlock()
		m.lock = nil
	}
	m.mu.Unlock()
	m.logger.Info("workflow stopped")
}

// Run processes the queue until it is empty, then returns. It is the
// one-shot counterpart to Start/Stop used by batch runs.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}

	lock := flock.New(filepath.Join(m.cfg.Paths.LogDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	if !locked {
		m.mu.Unlock()
		return errors.New("another motionstill instance holds the queue lock")
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		_ = lock.Unlock()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if _, err := m.store.ResetStuckProcessing(ctx); err != nil {
		m.logger.Warn("reset stuck processing failed", logging.Error(err))
	}

	workers := m.cfg.Workflow.Workers
	if workers < 1 {
		workers = 1
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.runWorker(ctx, true)
	}
	m.wg.Wait()
	return ctx.Err()
}

// runWorker claims and processes items. In drain mode it returns when the
// queue has no pending work; otherwise it sleeps and polls again.
func (m *Manager) runWorker(ctx context.Context, drain bool) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := m.store.NextPending(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.setLastError(err)
			m.logger.Error("failed to claim next queue item", logging.Error(err))
			if !m.sleep(ctx, m.pollInterval) {
				return
			}
			continue
		}
		if item == nil {
			if drain {
				return
			}
			if !m.sleep(ctx, m.pollInterval) {
				return
			}
			continue
		}

		if err := m.processItem(ctx, item); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}

func (m *Manager) reclaimLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.heartbeat.heartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.heartbeat.ReclaimStaleItems(ctx, m.logger); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("reclaim stale processing failed", logging.Error(err))
			}
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
