// Package notices stores user-visible records of mutations that need manual
// attention: unresolved conflicts, rejections and exhausted retries.
package notices

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/uuid"
)

// MutationQueue is the part of the queue a dismissal or retry acts on.
type MutationQueue interface {
	Discard(id string) error
	Retry(id string) error
}

// Store persists notices in SQLite.
type Store struct {
	db    *sql.DB
	queue MutationQueue
	now   func() time.Time
}

// New creates a Store. queue may be nil when dismissals are not needed.
func New(db *sql.DB, queue MutationQueue) *Store {
	return &Store{db: db, queue: queue, now: time.Now}
}

const noticeColumns = `id, mutation_id, kind, entity_type, record_id, local_payload, server_record,
	reason, created_at, acknowledged_at`

func scanNotice(s interface{ Scan(...interface{}) error }) (*models.Notice, error) {
	var (
		n      models.Notice
		local  string
		server sql.NullString
	)
	if err := s.Scan(&n.ID, &n.MutationID, &n.Kind, &n.EntityType, &n.RecordID, &local, &server,
		&n.Reason, &n.CreatedAt, &n.AcknowledgedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(local), &n.LocalPayload); err != nil {
		return nil, fmt.Errorf("decode local payload: %w", err)
	}
	if server.Valid && server.String != "" {
		if err := json.Unmarshal([]byte(server.String), &n.ServerRecord); err != nil {
			return nil, fmt.Errorf("decode server record: %w", err)
		}
	}
	return &n, nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Create stores n, filling ID and CreatedAt when empty.
func (s *Store) Create(n *models.Notice) error {
	return s.create(s.db, n)
}

// CreateTx stores n inside tx, so the notice commits together with the
// hold of its mutation.
func (s *Store) CreateTx(tx *sql.Tx, n *models.Notice) error {
	return s.create(tx, n)
}

func (s *Store) create(db execer, n *models.Notice) error {
	if n.ID == "" {
		n.ID = uuid.New()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = s.now().UnixMilli()
	}
	local := n.LocalPayload
	if local == nil {
		local = map[string]interface{}{}
	}
	localJSON, err := json.Marshal(local)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "local payload is not serializable", err)
	}
	var server sql.NullString
	if n.ServerRecord != nil {
		data, err := json.Marshal(n.ServerRecord)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "server record is not serializable", err)
		}
		server = sql.NullString{String: string(data), Valid: true}
	}

	_, err = db.Exec(`INSERT INTO sync_notices (`+noticeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.MutationID, n.Kind, n.EntityType, n.RecordID, string(localJSON), server,
		n.Reason, n.CreatedAt, n.AcknowledgedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create notice", err)
	}

	logging.Warn("Sync notice created", map[string]interface{}{
		"notice_id":   n.ID,
		"mutation_id": n.MutationID,
		"kind":        string(n.Kind),
		"reason":      n.Reason,
	})
	return nil
}

// Get returns a notice by id.
func (s *Store) Get(id string) (*models.Notice, error) {
	n, err := scanNotice(s.db.QueryRow(`SELECT `+noticeColumns+` FROM sync_notices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("notice %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get notice", err)
	}
	return n, nil
}

// List returns notices oldest first. With openOnly, acknowledged notices are skipped.
func (s *Store) List(openOnly bool) ([]*models.Notice, error) {
	query := `SELECT ` + noticeColumns + ` FROM sync_notices`
	if openOnly {
		query += ` WHERE acknowledged_at = 0`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list notices", err)
	}
	defer rows.Close()

	var out []*models.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan notice", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// OpenCount returns the number of unacknowledged notices.
func (s *Store) OpenCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_notices WHERE acknowledged_at = 0`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count notices", err)
	}
	return n, nil
}

func (s *Store) acknowledge(id string) (*models.Notice, error) {
	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if n.Acknowledged() {
		return n, nil
	}
	n.AcknowledgedAt = s.now().UnixMilli()
	if _, err := s.db.Exec(`UPDATE sync_notices SET acknowledged_at = ? WHERE id = ?`, n.AcknowledgedAt, id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to acknowledge notice", err)
	}
	return n, nil
}

// Dismiss discards the notice's mutation from the queue and then
// acknowledges the notice. This is the only path by which an undelivered
// mutation leaves the queue. A notice stays open until its mutation is gone.
func (s *Store) Dismiss(id string) (*models.Notice, error) {
	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if n.Acknowledged() {
		return n, nil
	}
	if s.queue != nil {
		if err := s.queue.Discard(n.MutationID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}
	if n, err = s.acknowledge(id); err != nil {
		return nil, err
	}
	logging.Info("Sync notice dismissed", map[string]interface{}{
		"notice_id":   id,
		"mutation_id": n.MutationID,
	})
	return n, nil
}

// Retry acknowledges the notice and releases its mutation for delivery again.
func (s *Store) Retry(id string) (*models.Notice, error) {
	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if n.Acknowledged() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("notice %s is already closed", id))
	}
	if s.queue == nil {
		return nil, apperrors.New(apperrors.ErrInternal, "notice store has no queue")
	}
	if err := s.queue.Retry(n.MutationID); err != nil {
		return nil, err
	}
	return s.acknowledge(id)
}
