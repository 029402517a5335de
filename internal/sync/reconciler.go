package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/sync/conflict"
	"github.com/brightpath/fieldsync/internal/sync/queue"
	"github.com/brightpath/fieldsync/internal/sync/remote"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Skip reasons reported in Result.Reason.
const (
	SkipInProgress = "in_progress"
	SkipOffline    = "offline"
)

// A mutation resubmitted after a conflict is delivered at most this many
// times in one pass; the rest waits for the next pass.
const maxDeliveriesPerPass = 2

// Options configures a Reconciler.
type Options struct {
	// BatchSize is the number of mutations pulled from the queue per round.
	BatchSize int
	// Parallelism bounds how many entity streams deliver concurrently.
	Parallelism int
}

// Result reports one reconciliation pass.
type Result struct {
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Skipped     bool          `json:"skipped"`
	Reason      string        `json:"reason,omitempty"`
	Attempted   int           `json:"attempted"`
	Applied     int           `json:"applied"`
	Failed      int           `json:"failed"`
	Resubmitted int           `json:"resubmitted"`
	Surfaced    int           `json:"surfaced"`
	Pending     int           `json:"pending"`
	Error       string        `json:"error,omitempty"`
}

// Reconciler drains the queue against the remote API, one entity stream at a
// time per goroutine, preserving insertion order within each stream.
type Reconciler struct {
	queue    *queue.Queue
	sender   Sender
	resolver *conflict.Resolver
	notices  NoticeSink
	net      Connectivity
	opts     Options

	mu       stdsync.Mutex
	running  bool
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
	handler  SyncEventHandler

	errMu        stdsync.Mutex
	errorHistory []SyncErrorEntry
}

// NewReconciler creates a Reconciler. net may be nil, in which case the
// reconciler always considers itself online.
func NewReconciler(q *queue.Queue, sender Sender, resolver *conflict.Resolver, notices NoticeSink, net Connectivity, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.StrategyMerge)
	}
	return &Reconciler{
		queue:    q,
		sender:   sender,
		resolver: resolver,
		notices:  notices,
		net:      net,
		opts:     opts,
		status:   SyncStatusIdle,
	}
}

// SetEventHandler sets the event handler for sync notifications.
func (r *Reconciler) SetEventHandler(handler SyncEventHandler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// Status returns the current sync status.
func (r *Reconciler) Status() SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// LastSync returns the time of the last completed pass.
func (r *Reconciler) LastSync() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync
}

// PendingChanges returns the queue length observed at the end of the last pass.
func (r *Reconciler) PendingChanges() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// LastError returns the error of the last failed pass.
func (r *Reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// GetErrorHistory returns a copy of recent delivery failures.
func (r *Reconciler) GetErrorHistory() []SyncErrorEntry {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	out := make([]SyncErrorEntry, len(r.errorHistory))
	copy(out, r.errorHistory)
	return out
}

func (r *Reconciler) recordError(mutationID, operation string, err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.errorHistory = append(r.errorHistory, SyncErrorEntry{
		MutationID: mutationID,
		Operation:  operation,
		Error:      err.Error(),
		Timestamp:  time.Now(),
	})
	if len(r.errorHistory) > maxErrorHistory {
		r.errorHistory = r.errorHistory[len(r.errorHistory)-maxErrorHistory:]
	}
}

func (r *Reconciler) emitEvent(event SyncEvent) {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	handler.OnSyncEvent(event)
}

// Reconcile runs one delivery pass. At most one pass runs at a time: a call
// made while another pass is in flight returns immediately with
// Skipped set. Cancelling ctx stops the pass before the next mutation.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	result := &Result{StartTime: time.Now()}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		result.Skipped, result.Reason = true, SkipInProgress
		return result, nil
	}
	if r.net != nil && !r.net.IsOnline() {
		r.mu.Unlock()
		result.Skipped, result.Reason = true, SkipOffline
		return result, nil
	}
	r.running = true
	r.status = SyncStatusSyncing
	r.mu.Unlock()

	logging.Info("Reconciliation started", nil)
	r.emitEvent(SyncEvent{Type: SyncEventStarted})

	err := r.run(ctx, result)

	if n, lenErr := r.queue.Len(); lenErr == nil {
		result.Pending = n
	}
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	r.mu.Lock()
	r.running = false
	r.pending = result.Pending
	if err != nil {
		r.status = SyncStatusFailed
		r.lastErr = err
		result.Error = err.Error()
	} else {
		r.status = SyncStatusIdle
		r.lastErr = nil
		end := result.EndTime
		r.lastSync = &end
	}
	r.mu.Unlock()

	r.emitEvent(SyncEvent{Type: SyncEventPendingChanged, Pending: result.Pending})
	if err != nil {
		logging.ErrorWithCode("Reconciliation failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"applied": result.Applied,
			"pending": result.Pending,
		})
		r.emitEvent(SyncEvent{Type: SyncEventFailed, Message: err.Error(), Result: result, Pending: result.Pending})
		return result, err
	}

	logging.Info("Reconciliation completed", map[string]interface{}{
		"attempted":   result.Attempted,
		"applied":     result.Applied,
		"failed":      result.Failed,
		"resubmitted": result.Resubmitted,
		"surfaced":    result.Surfaced,
		"pending":     result.Pending,
		"duration_ms": result.Duration.Milliseconds(),
	})
	r.emitEvent(SyncEvent{Type: SyncEventCompleted, Result: result, Pending: result.Pending})
	return result, nil
}

// pass holds the counters shared by the goroutines of one pass.
type pass struct {
	mu         stdsync.Mutex
	result     *Result
	deliveries map[int64]int
}

func (p *pass) add(f func(*Result)) {
	p.mu.Lock()
	f(p.result)
	p.mu.Unlock()
}

// deliverable reports whether m may be sent again in this pass and counts it.
func (p *pass) deliverable(m *models.PendingMutation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deliveries[m.Seq] >= maxDeliveriesPerPass {
		return false
	}
	p.deliveries[m.Seq]++
	p.result.Attempted++
	return true
}

func (r *Reconciler) run(ctx context.Context, result *Result) error {
	p := &pass{result: result, deliveries: make(map[int64]int)}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		batch, err := r.queue.DequeueBatch("", r.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		before := result.Attempted
		groups := groupByEntity(batch)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.Parallelism)
		for _, group := range groups {
			group := group
			g.Go(func() error {
				return r.deliverGroup(gctx, group, p)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// Nothing new was sent this round: the rest is blocked or waiting.
		if result.Attempted == before {
			return nil
		}
	}
}

// groupByEntity splits a batch into per-entity streams, keeping both the
// order of streams and the order within each stream.
func groupByEntity(batch []*models.PendingMutation) [][]*models.PendingMutation {
	index := make(map[string]int)
	var groups [][]*models.PendingMutation
	for _, m := range batch {
		key := m.EntityKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// deliverGroup sends one entity stream in order and stops at the first
// mutation that does not apply cleanly. Only storage errors are returned.
func (r *Reconciler) deliverGroup(ctx context.Context, group []*models.PendingMutation, p *pass) error {
	for _, m := range group {
		if ctx.Err() != nil {
			return nil
		}
		if !p.deliverable(m) {
			return nil
		}
		proceed, err := r.deliver(ctx, m, p)
		if err != nil {
			// Bookkeeping failed after the send; make m deliverable again.
			if rerr := r.queue.Release(m.ID); rerr != nil && !apperrors.Is(rerr, apperrors.ErrNotFound) {
				logging.Warn("Failed to release mutation", map[string]interface{}{
					"mutation_id": m.ID,
					"error":       rerr.Error(),
				})
			}
			return err
		}
		if !proceed {
			return nil
		}
	}
	return nil
}

// deliver sends m and records the outcome. It reports whether the rest of the
// stream may continue in this round.
func (r *Reconciler) deliver(ctx context.Context, m *models.PendingMutation, p *pass) (bool, error) {
	if err := r.queue.MarkInFlight(m.ID); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Discarded or resubmitted since the batch was read.
			return false, nil
		}
		return false, err
	}

	resp, sendErr := r.sender.Send(ctx, m)

	var (
		conflictErr *remote.ConflictError
		rejectErr   *remote.PermanentRejectionError
	)
	switch {
	case sendErr == nil:
		if err := r.queue.MarkApplied(m.ID); err != nil {
			return false, err
		}
		p.add(func(res *Result) { res.Applied++ })
		fields := map[string]interface{}{"mutation_id": m.ID, "entity": m.EntityKey()}
		if resp != nil {
			fields["status"] = resp.Status
			fields["replayed"] = resp.Replayed
		}
		logging.Debug("Mutation applied", fields)
		r.emitEvent(SyncEvent{Type: SyncEventMutationApplied, MutationID: m.ID, EntityKey: m.EntityKey()})
		return true, nil

	case errors.As(sendErr, &conflictErr):
		return false, r.handleConflict(m, conflictErr, p)

	case errors.As(sendErr, &rejectErr):
		r.recordError(m.ID, string(m.Operation), sendErr)
		return false, r.hold(m, models.NoticeRejected, nil, rejectErr.Error(), p)

	default:
		if ctx.Err() != nil {
			// The pass was cancelled, not the delivery's fault.
			return false, r.queue.Release(m.ID)
		}
		r.recordError(m.ID, string(m.Operation), sendErr)
		var exhausted *models.Notice
		failed, err := r.queue.MarkFailedWith(m.ID, sendErr.Error(), func(tx *sql.Tx, held *models.PendingMutation) error {
			reason := fmt.Sprintf("gave up after %d attempts: %s", held.AttemptCount, sendErr.Error())
			exhausted = newNotice(held, models.NoticeExhausted, nil, reason)
			return r.storeNotice(tx, exhausted)
		})
		if err != nil {
			return false, err
		}
		p.add(func(res *Result) { res.Failed++ })
		logging.Warn("Mutation delivery failed", map[string]interface{}{
			"mutation_id": m.ID,
			"entity":      m.EntityKey(),
			"attempt":     failed.AttemptCount,
			"error":       sendErr.Error(),
		})
		if failed.Held {
			p.add(func(res *Result) { res.Surfaced++ })
			r.announce(failed, exhausted)
		}
		return false, nil
	}
}

func (r *Reconciler) handleConflict(m *models.PendingMutation, ce *remote.ConflictError, p *pass) error {
	r.recordError(m.ID, string(m.Operation), ce)

	res, err := r.resolver.Resolve(&conflict.Conflict{
		Mutation:      m,
		ServerRecord:  ce.Record,
		ChangedFields: ce.ChangedFields,
	})
	if err != nil {
		return err
	}

	if res.Outcome == conflict.OutcomeResubmit {
		// Resubmission counts as an attempt; a record that keeps changing
		// under us is surfaced once the retry ceiling is reached.
		if attempts := m.AttemptCount + 1; attempts >= r.queue.Policy().MaxAttempts {
			reason := fmt.Sprintf("still conflicting after %d attempts: %s", attempts, ce.Error())
			return r.hold(m, models.NoticeConflict, ce.Record, reason, p)
		}
		if _, err := r.queue.Resubmit(m.ID, res.Payload, res.Base, res.BaseVersion); err != nil {
			return err
		}
		p.add(func(out *Result) { out.Resubmitted++ })
		return nil
	}

	return r.hold(m, models.NoticeConflict, ce.Record, res.Reason, p)
}

func newNotice(m *models.PendingMutation, kind models.NoticeKind, server map[string]interface{}, reason string) *models.Notice {
	return &models.Notice{
		MutationID:   m.ID,
		Kind:         kind,
		EntityType:   m.EntityType,
		RecordID:     m.RecordID,
		LocalPayload: m.Payload,
		ServerRecord: server,
		Reason:       reason,
	}
}

func (r *Reconciler) storeNotice(tx *sql.Tx, n *models.Notice) error {
	if r.notices == nil {
		return nil
	}
	return r.notices.CreateTx(tx, n)
}

// hold takes m out of automatic delivery and records its notice in the
// same transaction.
func (r *Reconciler) hold(m *models.PendingMutation, kind models.NoticeKind, server map[string]interface{}, reason string, p *pass) error {
	n := newNotice(m, kind, server, reason)
	if err := r.queue.HoldWith(m.ID, reason, func(tx *sql.Tx, _ *models.PendingMutation) error {
		return r.storeNotice(tx, n)
	}); err != nil {
		return err
	}
	p.add(func(out *Result) { out.Surfaced++ })
	r.announce(m, n)
	return nil
}

func (r *Reconciler) announce(m *models.PendingMutation, n *models.Notice) {
	r.emitEvent(SyncEvent{Type: SyncEventNoticeCreated, MutationID: m.ID, EntityKey: m.EntityKey(), Notice: n, Message: n.Reason})
}
