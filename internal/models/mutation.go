// Package models provides data model definitions for the BrightPath sync agent.
package models

import (
	"fmt"
	"time"
)

// Operation is the kind of write a PendingMutation carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// MutationStatus is the delivery state of a PendingMutation.
type MutationStatus string

const (
	MutationStatusPending  MutationStatus = "pending"
	MutationStatusInFlight MutationStatus = "in_flight"
	MutationStatusFailed   MutationStatus = "failed"
	MutationStatusApplied  MutationStatus = "applied"
)

// Entity types accepted by the remote API.
const (
	EntityChildren    = "children"
	EntityAttendance  = "attendance"
	EntityAssessments = "assessments"
	EntityEnrollments = "enrollments"
	EntitySchools     = "schools"
)

// EntityTypes lists every entity type the remote API exposes.
var EntityTypes = []string{EntityChildren, EntityAttendance, EntityAssessments, EntityEnrollments, EntitySchools}

// PendingMutation is a locally queued write awaiting delivery to the remote store.
// Timestamps are unix milliseconds.
type PendingMutation struct {
	ID            string                 `db:"id" json:"id" validate:"required,max=128"`
	Seq           int64                  `db:"seq" json:"seq"`
	EntityType    string                 `db:"entity_type" json:"entity_type" validate:"required,entity_type"`
	RecordID      string                 `db:"record_id" json:"record_id"`
	Operation     Operation              `db:"operation" json:"operation" validate:"required,oneof=create update delete"`
	Payload       map[string]interface{} `db:"payload" json:"payload"`
	Base          map[string]interface{} `db:"base" json:"base,omitempty"`
	BaseVersion   int                    `db:"base_version" json:"base_version,omitempty" validate:"min=0"`
	CreatedAt     int64                  `db:"created_at" json:"created_at"`
	UpdatedAt     int64                  `db:"updated_at" json:"updated_at"`
	AttemptCount  int                    `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt int64                  `db:"next_attempt_at" json:"next_attempt_at"`
	Status        MutationStatus         `db:"status" json:"status"`
	LastError     string                 `db:"last_error" json:"last_error,omitempty"`
	Held          bool                   `db:"held" json:"held"`
}

// TableName returns the table name for PendingMutation.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// ResolveRecordID fills RecordID from the payload "id" field, falling back to
// the mutation id so a create without a client record id forms its own stream.
func (m *PendingMutation) ResolveRecordID() {
	if m.RecordID != "" {
		return
	}
	if id, ok := m.Payload["id"]; ok {
		if s := fmt.Sprint(id); s != "" && s != "<nil>" {
			m.RecordID = s
			return
		}
	}
	m.RecordID = m.ID
}

// EntityKey identifies the ordered stream this mutation belongs to.
func (m *PendingMutation) EntityKey() string {
	return m.EntityType + "/" + m.RecordID
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (m *PendingMutation) CreatedAtTime() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// NextAttemptTime returns the NextAttemptAt as time.Time.
func (m *PendingMutation) NextAttemptTime() time.Time {
	return time.UnixMilli(m.NextAttemptAt)
}
