package notices

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/fieldsync/internal/db"
	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/sync/queue"
)

func setup(t *testing.T) (*Store, *queue.Queue) {
	t.Helper()
	d, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	q, err := queue.New(d.DB, queue.Options{})
	require.NoError(t, err)
	return New(d.DB, q), q
}

func heldMutation(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	_, err := q.Enqueue(&models.PendingMutation{
		ID:         id,
		EntityType: models.EntityChildren,
		RecordID:   "c1",
		Operation:  models.OperationUpdate,
		Payload:    map[string]interface{}{"last_name": "Boateng"},
	})
	require.NoError(t, err)
	require.NoError(t, q.Hold(id, "conflict"))
}

func TestCreateAndGet(t *testing.T) {
	s, _ := setup(t)

	n := &models.Notice{
		MutationID:   "m1",
		Kind:         models.NoticeConflict,
		EntityType:   models.EntityChildren,
		RecordID:     "c1",
		LocalPayload: map[string]interface{}{"last_name": "Boateng"},
		ServerRecord: map[string]interface{}{"last_name": "Mensah", "version": float64(3)},
		Reason:       "both you and the server changed: [last_name]",
	}
	require.NoError(t, s.Create(n))
	assert.NotEmpty(t, n.ID)
	assert.NotZero(t, n.CreatedAt)

	got, err := s.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Kind, got.Kind)
	assert.Equal(t, "Mensah", got.ServerRecord["last_name"])
	assert.Equal(t, "Boateng", got.LocalPayload["last_name"])
	assert.False(t, got.Acknowledged())

	_, err = s.Get("missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestList(t *testing.T) {
	s, q := setup(t)
	heldMutation(t, q, "m1")
	heldMutation(t, q, "m2")

	first := &models.Notice{MutationID: "m1", Kind: models.NoticeRejected, EntityType: "children", RecordID: "c1", CreatedAt: 1}
	second := &models.Notice{MutationID: "m2", Kind: models.NoticeExhausted, EntityType: "children", RecordID: "c1", CreatedAt: 2}
	require.NoError(t, s.Create(first))
	require.NoError(t, s.Create(second))

	all, err := s.List(true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Nil(t, all[0].ServerRecord)

	_, err = s.Dismiss(first.ID)
	require.NoError(t, err)

	open, err := s.List(true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	all, err = s.List(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	count, err := s.OpenCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDismiss_discardsMutation(t *testing.T) {
	s, q := setup(t)
	heldMutation(t, q, "m1")

	n := &models.Notice{MutationID: "m1", Kind: models.NoticeConflict, EntityType: "children", RecordID: "c1"}
	require.NoError(t, s.Create(n))

	// Still queued until the user dismisses.
	count, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	dismissed, err := s.Dismiss(n.ID)
	require.NoError(t, err)
	assert.True(t, dismissed.Acknowledged())

	count, err = q.Len()
	require.NoError(t, err)
	assert.Zero(t, count)

	// Dismissing twice is harmless.
	_, err = s.Dismiss(n.ID)
	assert.NoError(t, err)
}

func TestRetry_releasesMutation(t *testing.T) {
	s, q := setup(t)
	heldMutation(t, q, "m1")

	n := &models.Notice{MutationID: "m1", Kind: models.NoticeExhausted, EntityType: "children", RecordID: "c1"}
	require.NoError(t, s.Create(n))

	_, err := s.Retry(n.ID)
	require.NoError(t, err)

	m, err := q.Get("m1")
	require.NoError(t, err)
	assert.False(t, m.Held)
	assert.Equal(t, models.MutationStatusPending, m.Status)

	_, err = s.Retry(n.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

type failingQueue struct {
	discardErr error
	discarded  []string
}

func (f *failingQueue) Discard(id string) error {
	f.discarded = append(f.discarded, id)
	return f.discardErr
}

func (f *failingQueue) Retry(string) error { return nil }

func TestDismiss_discardFailureLeavesNoticeOpen(t *testing.T) {
	base, _ := setup(t)
	fq := &failingQueue{discardErr: apperrors.New(apperrors.ErrDatabase, "database is locked")}
	s := New(base.db, fq)

	n := &models.Notice{MutationID: "m1", Kind: models.NoticeRejected, EntityType: "children", RecordID: "c1"}
	require.NoError(t, s.Create(n))

	_, err := s.Dismiss(n.ID)
	require.Error(t, err)
	assert.Equal(t, []string{"m1"}, fq.discarded)

	got, err := s.Get(n.ID)
	require.NoError(t, err)
	assert.False(t, got.Acknowledged(), "notice stays open while its mutation is queued")

	// A mutation already gone still lets the notice close.
	fq.discardErr = apperrors.New(apperrors.ErrNotFound, "mutation m1 not found")
	dismissed, err := s.Dismiss(n.ID)
	require.NoError(t, err)
	assert.True(t, dismissed.Acknowledged())
}

func TestCreateTx_commitsWithHold(t *testing.T) {
	s, q := setup(t)
	_, err := q.Enqueue(&models.PendingMutation{
		ID: "m1", EntityType: models.EntityChildren, RecordID: "c1", Operation: models.OperationUpdate,
		Payload: map[string]interface{}{"last_name": "Boateng"},
	})
	require.NoError(t, err)

	boom := errors.New("crash after notice")
	err = q.HoldWith("m1", "conflict", func(tx *sql.Tx, m *models.PendingMutation) error {
		n := &models.Notice{MutationID: m.ID, Kind: models.NoticeConflict, EntityType: m.EntityType, RecordID: m.RecordID}
		if err := s.CreateTx(tx, n); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := s.OpenCount()
	require.NoError(t, err)
	assert.Zero(t, count, "notice rolls back with the hold")
	m, err := q.Get("m1")
	require.NoError(t, err)
	assert.False(t, m.Held)

	require.NoError(t, q.HoldWith("m1", "conflict", func(tx *sql.Tx, m *models.PendingMutation) error {
		return s.CreateTx(tx, &models.Notice{MutationID: m.ID, Kind: models.NoticeConflict, EntityType: m.EntityType, RecordID: m.RecordID})
	}))
	count, err = s.OpenCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	m, err = q.Get("m1")
	require.NoError(t, err)
	assert.True(t, m.Held)
}
