// Package repository is the offline-first data-access layer. Every write is
// validated, checked against the caller's role and appended to the durable
// queue; delivery happens later in the reconciler.
package repository

import (
	"github.com/brightpath/fieldsync/internal/access"
	"github.com/brightpath/fieldsync/internal/models"
)

// Actor is the signed-in user performing a write.
type Actor struct {
	UserID string
	Role   access.Role
}

// DataAccess defines the writes available to call sites.
// This interface allows mocking for testing.
type DataAccess interface {
	// RegisterChild queues the creation of a child record.
	RegisterChild(actor Actor, child *models.Child) (string, error)

	// UpdateChild queues the fields of updated that differ from base.
	// baseVersion is the server version base was read at, or 0.
	UpdateChild(actor Actor, updated, base *models.Child, baseVersion int) (string, error)

	// RecordAttendance queues an attendance mark.
	RecordAttendance(actor Actor, record *models.AttendanceRecord) (string, error)

	// RecordAssessment queues an assessment result.
	RecordAssessment(actor Actor, assessment *models.Assessment) (string, error)

	// EnrollChild queues an enrollment.
	EnrollChild(actor Actor, enrollment *models.Enrollment) (string, error)

	// DeleteRecord queues the deletion of any record.
	DeleteRecord(actor Actor, entityType, id string, baseVersion int) (string, error)

	// PendingChanges returns the number of queued, undelivered writes.
	PendingChanges() (int, error)
}

// Ensure *Store implements the interface at compile time.
var _ DataAccess = (*Store)(nil)
