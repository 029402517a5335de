// Package queue provides the durable local write queue for offline mutations.
// Every write is committed to SQLite before the call returns.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/brightpath/fieldsync/internal/db"
	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/uuid"
	"github.com/brightpath/fieldsync/internal/validation"
)

// DefaultMaxSize is the queue capacity used when Options.MaxSize is zero.
const DefaultMaxSize = 10000

// StorageFullError is returned by Enqueue when the mutation cannot be persisted.
type StorageFullError struct {
	Limit int
	Err   error
}

func (e *StorageFullError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage full: %v", e.Err)
	}
	return fmt.Sprintf("storage full: queue holds %d mutations", e.Limit)
}

func (e *StorageFullError) Unwrap() error { return e.Err }

// ErrorCode implements apperrors.Coder.
func (e *StorageFullError) ErrorCode() apperrors.ErrorCode { return apperrors.ErrStorageFull }

// RetryPolicy controls backoff and the retry ceiling for failed deliveries.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy returns 8 attempts with backoff from 1s capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// Backoff returns the delay before the given attempt may be retried:
// base * 2^(attempt-1), capped at BackoffMax.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Options configures a Queue.
type Options struct {
	MaxSize int
	Retry   RetryPolicy
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats summarizes queue contents for the pending-changes indicator.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Held     int `json:"held"`
}

// Queue is a SQLite-backed FIFO of pending mutations.
type Queue struct {
	db   *sql.DB
	opts Options
	mu   sync.Mutex
}

// New creates a Queue on an opened, migrated database and recovers
// mutations left in flight by a previous process.
func New(sqlDB *sql.DB, opts Options) (*Queue, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{db: sqlDB, opts: opts}
	if _, err := q.Recover(); err != nil {
		return nil, err
	}
	return q, nil
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() RetryPolicy {
	return q.opts.Retry
}

func (q *Queue) now() int64 {
	return q.opts.Now().UnixMilli()
}

const selectColumns = `seq, id, entity_type, record_id, operation, payload, base, base_version,
	created_at, updated_at, attempt_count, next_attempt_at, status, last_error, held`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(s scanner) (*models.PendingMutation, error) {
	var (
		m       models.PendingMutation
		payload string
		base    sql.NullString
	)
	err := s.Scan(&m.Seq, &m.ID, &m.EntityType, &m.RecordID, &m.Operation, &payload, &base, &m.BaseVersion,
		&m.CreatedAt, &m.UpdatedAt, &m.AttemptCount, &m.NextAttemptAt, &m.Status, &m.LastError, &m.Held)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", m.ID, err)
	}
	if base.Valid && base.String != "" {
		if err := json.Unmarshal([]byte(base.String), &m.Base); err != nil {
			return nil, fmt.Errorf("failed to decode base of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeMap(v map[string]interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Enqueue appends a mutation and returns its id. An empty id is filled with a
// fresh idempotency key. It never touches the network.
func (q *Queue) Enqueue(m *models.PendingMutation) (string, error) {
	if m == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "mutation is nil")
	}
	mut := *m
	if mut.ID == "" {
		mut.ID = uuid.NewKey()
	}
	if mut.Payload == nil {
		mut.Payload = map[string]interface{}{}
	}
	if mut.Operation != models.OperationCreate && mut.RecordID == "" {
		if _, ok := mut.Payload["id"]; !ok {
			return "", apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("%s mutation requires a record id", mut.Operation))
		}
	}
	mut.ResolveRecordID()
	if err := validation.Struct(mut); err != nil {
		return "", err
	}

	payload, err := encodeMap(mut.Payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "payload is not serializable", err)
	}
	base, err := encodeMap(mut.Base)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "base is not serializable", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if mut.CreatedAt == 0 {
		mut.CreatedAt = now
	}

	tx, err := q.db.Begin()
	if err != nil {
		return "", q.storageErr("begin enqueue", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pending_mutations`).Scan(&count); err != nil {
		return "", q.storageErr("count queue", err)
	}
	if count >= q.opts.MaxSize {
		return "", &StorageFullError{Limit: q.opts.MaxSize}
	}

	var used int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM used_mutation_ids WHERE id = ?`, mut.ID).Scan(&used); err != nil {
		return "", q.storageErr("check mutation id", err)
	}
	if used > 0 {
		return "", apperrors.New(apperrors.ErrDuplicate, fmt.Sprintf("mutation id %s already used", mut.ID))
	}

	if _, err := tx.Exec(`INSERT INTO used_mutation_ids (id) VALUES (?)`, mut.ID); err != nil {
		return "", q.storageErr("reserve mutation id", err)
	}
	if _, err := tx.Exec(`INSERT INTO pending_mutations
		(id, entity_type, record_id, operation, payload, base, base_version, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mut.ID, mut.EntityType, mut.RecordID, mut.Operation, payload.String, base, mut.BaseVersion,
		mut.CreatedAt, now, models.MutationStatusPending,
	); err != nil {
		return "", q.storageErr("insert mutation", err)
	}
	if err := tx.Commit(); err != nil {
		return "", q.storageErr("commit enqueue", err)
	}

	logging.Debug("Mutation enqueued", map[string]interface{}{
		"mutation_id": mut.ID,
		"entity":      mut.EntityKey(),
		"operation":   string(mut.Operation),
	})
	return mut.ID, nil
}

func (q *Queue) storageErr(op string, err error) error {
	if db.IsStorageFull(err) {
		return &StorageFullError{Limit: q.opts.MaxSize, Err: err}
	}
	return apperrors.Wrap(apperrors.ErrDatabase, "failed to "+op, err)
}

// DequeueBatch returns up to limit deliverable mutations in insertion order,
// optionally scoped to one entity type. A mutation is deliverable when it is
// pending, or failed, not held and past its backoff. An entity whose oldest
// outstanding mutation is not deliverable contributes nothing to the batch.
// DequeueBatch does not change any state.
func (q *Queue) DequeueBatch(entityType string, limit int) ([]*models.PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	query := `SELECT ` + selectColumns + ` FROM pending_mutations`
	var args []interface{}
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY seq`

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query queue", err)
	}
	defer rows.Close()

	now := q.now()
	blocked := make(map[string]bool)
	var batch []*models.PendingMutation
	for rows.Next() {
		if limit > 0 && len(batch) >= limit {
			break
		}
		m, err := scanMutation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan mutation", err)
		}
		key := m.EntityKey()
		if blocked[key] {
			continue
		}
		if !deliverable(m, now) {
			blocked[key] = true
			continue
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue", err)
	}
	return batch, nil
}

func deliverable(m *models.PendingMutation, now int64) bool {
	if m.Held {
		return false
	}
	switch m.Status {
	case models.MutationStatusPending:
		return true
	case models.MutationStatusFailed:
		return m.NextAttemptAt <= now
	}
	return false
}

// MarkInFlight records that delivery of id has started.
func (q *Queue) MarkInFlight(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE pending_mutations SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND held = 0`,
		models.MutationStatusInFlight, q.now(), id, models.MutationStatusPending, models.MutationStatusFailed)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark mutation in flight", err)
	}
	return expectOne(res, id)
}

// MarkApplied removes id permanently after the server confirmed it.
func (q *Queue) MarkApplied(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`DELETE FROM pending_mutations WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove applied mutation", err)
	}
	return expectOne(res, id)
}

// HoldHook runs inside the transaction that holds a mutation, so records
// written through tx commit or roll back together with the hold.
type HoldHook func(tx *sql.Tx, m *models.PendingMutation) error

// MarkFailed increments the attempt count, records reason and schedules the
// next attempt. At the retry ceiling the mutation is held and never returned
// by DequeueBatch again until Retry. The updated mutation is returned.
func (q *Queue) MarkFailed(id, reason string) (*models.PendingMutation, error) {
	return q.MarkFailedWith(id, reason, nil)
}

// MarkFailedWith is MarkFailed with onHold run in the same transaction when
// the failure reaches the retry ceiling.
func (q *Queue) MarkFailedWith(id, reason string, onHold HoldHook) (*models.PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	m, err := getTx(tx, id)
	if err != nil {
		return nil, err
	}

	now := q.now()
	m.AttemptCount++
	m.LastError = reason
	m.Status = models.MutationStatusFailed
	m.UpdatedAt = now
	m.NextAttemptAt = now + q.opts.Retry.Backoff(m.AttemptCount).Milliseconds()
	if m.AttemptCount >= q.opts.Retry.MaxAttempts {
		m.Held = true
	}

	if _, err := tx.Exec(`UPDATE pending_mutations
		SET attempt_count = ?, last_error = ?, status = ?, updated_at = ?, next_attempt_at = ?, held = ?
		WHERE id = ?`,
		m.AttemptCount, m.LastError, m.Status, m.UpdatedAt, m.NextAttemptAt, m.Held, id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark mutation failed", err)
	}
	if m.Held && onHold != nil {
		if err := onHold(tx, m); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}

	if m.Held {
		logging.Warn("Mutation reached retry ceiling", map[string]interface{}{
			"mutation_id": id,
			"attempts":    m.AttemptCount,
			"reason":      reason,
		})
	}
	return m, nil
}

// Release returns an in-flight mutation to failed without counting an
// attempt, used when a pass is cancelled mid-delivery.
func (q *Queue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE pending_mutations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.MutationStatusFailed, q.now(), id, models.MutationStatusInFlight)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to release mutation", err)
	}
	return expectOne(res, id)
}

// Hold marks id permanently failed without counting an attempt, used for
// rejections and unresolved conflicts.
func (q *Queue) Hold(id, reason string) error {
	return q.HoldWith(id, reason, nil)
}

// HoldWith is Hold with hook run in the same transaction.
func (q *Queue) HoldWith(id, reason string, hook HoldHook) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	m, err := getTx(tx, id)
	if err != nil {
		return err
	}
	m.Status = models.MutationStatusFailed
	m.Held = true
	m.LastError = reason
	m.UpdatedAt = q.now()
	if _, err := tx.Exec(`UPDATE pending_mutations SET status = ?, held = 1, last_error = ?, updated_at = ?
		WHERE id = ?`, m.Status, m.LastError, m.UpdatedAt, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to hold mutation", err)
	}
	if hook != nil {
		if err := hook(tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// Retry releases a held mutation for automatic delivery with a fresh attempt count.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE pending_mutations
		SET status = ?, held = 0, attempt_count = 0, next_attempt_at = 0, last_error = '', updated_at = ?
		WHERE id = ? AND status != ?`,
		models.MutationStatusPending, q.now(), id, models.MutationStatusInFlight)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to retry mutation", err)
	}
	return expectOne(res, id)
}

// Discard removes id without delivery. Callers must only do this after the
// user dismissed the mutation's notice.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`DELETE FROM pending_mutations WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to discard mutation", err)
	}
	if err := expectOne(res, id); err != nil {
		return err
	}
	logging.Info("Mutation discarded", map[string]interface{}{"mutation_id": id})
	return nil
}

// Resubmit replaces the payload of id in place after a conflict merge. The
// mutation keeps its position but gets a fresh idempotency key, which is
// returned. Each resubmission counts as an attempt, so a record that keeps
// conflicting reaches the retry ceiling like any other failure.
func (q *Queue) Resubmit(id string, payload, base map[string]interface{}, baseVersion int) (string, error) {
	p, err := encodeMap(payload)
	if err != nil || !p.Valid {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "merged payload is not serializable", err)
	}
	b, err := encodeMap(base)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "base is not serializable", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := getTx(tx, id); err != nil {
		return "", err
	}
	newID := uuid.NewKey()
	if _, err := tx.Exec(`INSERT INTO used_mutation_ids (id) VALUES (?)`, newID); err != nil {
		return "", q.storageErr("reserve mutation id", err)
	}
	if _, err := tx.Exec(`UPDATE pending_mutations
		SET id = ?, payload = ?, base = ?, base_version = ?, status = ?, held = 0,
			attempt_count = attempt_count + 1, next_attempt_at = 0, last_error = '', updated_at = ?
		WHERE id = ?`,
		newID, p.String, b, baseVersion, models.MutationStatusPending, q.now(), id); err != nil {
		return "", q.storageErr("resubmit mutation", err)
	}
	if err := tx.Commit(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}

	logging.Info("Mutation resubmitted", map[string]interface{}{
		"mutation_id":  newID,
		"previous_id":  id,
		"base_version": baseVersion,
	})
	return newID, nil
}

// Get returns the mutation with the given id.
func (q *Queue) Get(id string) (*models.PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := scanMutation(q.db.QueryRow(`SELECT `+selectColumns+` FROM pending_mutations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get mutation", err)
	}
	return m, nil
}

func getTx(tx *sql.Tx, id string) (*models.PendingMutation, error) {
	m, err := scanMutation(tx.QueryRow(`SELECT `+selectColumns+` FROM pending_mutations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get mutation", err)
	}
	return m, nil
}

// All returns every queued mutation in insertion order.
func (q *Queue) All() ([]*models.PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT ` + selectColumns + ` FROM pending_mutations ORDER BY seq`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list mutations", err)
	}
	defer rows.Close()

	var out []*models.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan mutation", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Len returns the number of queued mutations.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count mutations", err)
	}
	return n, nil
}

// Stats returns counts by delivery state. Held mutations count only as held.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	rows, err := q.db.Query(`SELECT status, held, COUNT(*) FROM pending_mutations GROUP BY status, held`)
	if err != nil {
		return s, apperrors.Wrap(apperrors.ErrDatabase, "failed to query stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.MutationStatus
			held   bool
			n      int
		)
		if err := rows.Scan(&status, &held, &n); err != nil {
			return s, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan stats", err)
		}
		s.Total += n
		switch {
		case held:
			s.Held += n
		case status == models.MutationStatusPending:
			s.Pending += n
		case status == models.MutationStatusInFlight:
			s.InFlight += n
		case status == models.MutationStatusFailed:
			s.Failed += n
		}
	}
	return s, rows.Err()
}

// Recover returns mutations left in flight by a crash to failed so they are
// redelivered with the same idempotency key. The attempt count is unchanged.
func (q *Queue) Recover() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE pending_mutations SET status = ?, next_attempt_at = 0, updated_at = ?
		WHERE status = ?`, models.MutationStatusFailed, q.now(), models.MutationStatusInFlight)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to recover in-flight mutations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Recovered in-flight mutations", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// ExportJSON writes the queue as an ordered JSON array of mutations.
func (q *Queue) ExportJSON(w io.Writer) error {
	all, err := q.All()
	if err != nil {
		return err
	}
	if all == nil {
		all = []*models.PendingMutation{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(all)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read affected rows", err)
	}
	if n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not found", id))
	}
	return nil
}
