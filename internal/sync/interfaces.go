// Package sync drains the local mutation queue against the remote API.
package sync

import (
	"context"
	"database/sql"
	"time"

	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/sync/remote"
)

// ReconcilerInterface defines the reconciler operations used by the
// scheduler and the status API. It allows for mocking in tests.
type ReconcilerInterface interface {
	// Reconcile runs one delivery pass. A call while a pass is running,
	// or while offline, returns a skipped result.
	Reconcile(ctx context.Context) (*Result, error)

	// SetEventHandler sets the handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the time of the last completed pass.
	LastSync() *time.Time

	// PendingChanges returns the queue length after the last pass.
	PendingChanges() int

	// LastError returns the error of the last failed pass.
	LastError() error
}

// Sender delivers one mutation to the remote API.
type Sender interface {
	Send(ctx context.Context, m *models.PendingMutation) (*remote.Response, error)
}

// Connectivity reports the best-known network state.
type Connectivity interface {
	IsOnline() bool
}

// NoticeSink records mutations surfaced to the user. Notices are written
// in the transaction that holds their mutation.
type NoticeSink interface {
	CreateTx(tx *sql.Tx, n *models.Notice) error
}
