// Package scheduler decides when the reconciler runs: on the transition to
// online, periodically while online, and whenever a write or the user asks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/logging"
	syncpkg "github.com/brightpath/fieldsync/internal/sync"
	"github.com/brightpath/fieldsync/internal/sync/queue"
)

// Network is the connectivity source the scheduler follows.
type Network interface {
	IsOnline() bool
	OnChange(cb func(online bool)) (unsubscribe func())
}

// QueueStats reports queue contents for the status view.
type QueueStats interface {
	Stats() (queue.Stats, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	reconciler   syncpkg.ReconcilerInterface
	network      Network
	stats        QueueStats
	syncInterval time.Duration
	passTimeout  time.Duration

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	lastResult   *syncpkg.Result
	unsubscribe  func()
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to reconcile while online (default: 30 seconds)
	PassTimeout  time.Duration // Upper bound on one reconciliation pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. network and stats may be nil; without
// a network the scheduler treats itself as always online.
func NewScheduler(reconciler syncpkg.ReconcilerInterface, network Network, stats QueueStats, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	def := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = def.PassTimeout
	}

	return &Scheduler{
		reconciler:   reconciler,
		network:      network,
		stats:        stats,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
		triggerCh:    make(chan struct{}, 1),
	}
}

// Start starts the background loop. A pass is requested immediately when
// online so mutations left from a previous run drain on startup.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	if s.network != nil {
		s.unsubscribe = s.network.OnChange(func(online bool) {
			if online {
				logging.Info("Network online, scheduling sync", nil)
				s.TriggerSync()
			}
		})
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	if s.IsOnline() {
		s.TriggerSync()
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the background loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx, "interval")
		case <-s.triggerCh:
			s.runSync(ctx, "trigger")
		}
	}
}

// runSync executes one pass on the loop goroutine.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.reconciler.Reconcile(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
		return
	}
	s.record(result)

	if result.Skipped {
		logging.Debug("Background sync skipped", map[string]interface{}{
			"reason": reason,
			"skip":   result.Reason,
		})
	}
}

func (s *Scheduler) record(result *syncpkg.Result) {
	if result == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = result
	if !result.Skipped {
		s.lastSyncTime = result.EndTime
	}
}

// TriggerSync asks the loop to run a pass soon. Requests made while one is
// already waiting are merged. It reports whether the request was queued.
func (s *Scheduler) TriggerSync() bool {
	if !s.IsRunning() {
		return false
	}
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// SyncNow runs a pass on the caller's goroutine and returns its result.
// If a pass is already running the result is marked skipped.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.reconciler.Reconcile(syncCtx)
	if err != nil {
		return result, err
	}
	s.record(result)

	logging.Info("Manual sync finished", map[string]interface{}{
		"skipped": result.Skipped,
		"applied": result.Applied,
		"pending": result.Pending,
	})
	return result, nil
}

// SchedulerStatus is a snapshot for the status view.
type SchedulerStatus struct {
	IsRunning      bool            `json:"is_running"`
	IsOnline       bool            `json:"is_online"`
	LastSyncTime   *time.Time      `json:"last_sync_time,omitempty"`
	SyncInProgress bool            `json:"sync_in_progress"`
	PendingItems   int             `json:"pending_items"`
	QueueStats     *queue.Stats    `json:"queue_stats,omitempty"`
	LastResult     *syncpkg.Result `json:"last_result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		LastResult: s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.IsOnline()
	status.SyncInProgress = s.reconciler.Status() == syncpkg.SyncStatusSyncing
	status.PendingItems = s.reconciler.PendingChanges()
	if err := s.reconciler.LastError(); err != nil {
		status.LastError = err.Error()
	}
	if s.stats != nil {
		if st, err := s.stats.Stats(); err == nil {
			status.QueueStats = &st
			status.PendingItems = st.Total
		}
	}
	return status
}

// IsOnline returns the network's view, or true without a network.
func (s *Scheduler) IsOnline() bool {
	if s.network == nil {
		return true
	}
	return s.network.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
