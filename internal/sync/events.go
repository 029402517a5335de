package sync

import (
	"time"

	"github.com/brightpath/fieldsync/internal/models"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted         SyncEventType = "sync.started"
	SyncEventCompleted       SyncEventType = "sync.completed"
	SyncEventFailed          SyncEventType = "sync.failed"
	SyncEventMutationApplied SyncEventType = "mutation.applied"
	SyncEventNoticeCreated   SyncEventType = "notice.created"
	SyncEventPendingChanged  SyncEventType = "pending.changed"
)

// SyncEvent is delivered to the SyncEventHandler.
type SyncEvent struct {
	Type       SyncEventType  `json:"type"`
	Message    string         `json:"message,omitempty"`
	MutationID string         `json:"mutation_id,omitempty"`
	EntityKey  string         `json:"entity,omitempty"`
	Notice     *models.Notice `json:"notice,omitempty"`
	Pending    int            `json:"pending"`
	Result     *Result        `json:"result,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// SyncEventHandler receives sync notifications. Calls are made synchronously
// from the reconciler and may come from several goroutines.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SyncErrorEntry is one delivery failure kept for diagnostics.
type SyncErrorEntry struct {
	MutationID string    `json:"mutation_id"`
	Operation  string    `json:"operation"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// maxErrorHistory caps the in-memory error history.
const maxErrorHistory = 100
