package repository

import (
	"fmt"
	"reflect"

	"github.com/brightpath/fieldsync/internal/access"
	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/uuid"
	"github.com/brightpath/fieldsync/internal/validation"
)

// Queue is the part of the durable queue the store writes to.
type Queue interface {
	Enqueue(m *models.PendingMutation) (string, error)
	Len() (int, error)
}

// Nudger starts delivery soon after a write.
type Nudger interface {
	TriggerSync() bool
}

// Store implements DataAccess on top of the durable queue.
type Store struct {
	queue  Queue
	nudger Nudger
}

// NewStore creates a Store. nudger may be nil.
func NewStore(q Queue, nudger Nudger) *Store {
	return &Store{queue: q, nudger: nudger}
}

// RegisterChild queues a new child. An empty ID is generated and an empty
// CreatedBy is filled from the actor.
func (s *Store) RegisterChild(actor Actor, child *models.Child) (string, error) {
	if child == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "child is nil")
	}
	if err := access.Check(actor.Role, access.ActionRegisterChild); err != nil {
		return "", err
	}
	if child.ID == "" {
		child.ID = uuid.New()
	}
	if child.CreatedBy == "" {
		child.CreatedBy = actor.UserID
	}
	return s.create(models.EntityChildren, child.ID, child)
}

// UpdateChild queues the fields of updated that differ from base. Without a
// base every field is sent.
func (s *Store) UpdateChild(actor Actor, updated, base *models.Child, baseVersion int) (string, error) {
	if updated == nil || updated.ID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "child id is required")
	}
	if err := access.Check(actor.Role, access.ActionEditChild); err != nil {
		return "", err
	}
	if base != nil && base.ID != updated.ID {
		return "", apperrors.New(apperrors.ErrInvalid, "base belongs to a different child")
	}
	if err := validation.Struct(updated); err != nil {
		return "", err
	}

	payload, err := models.ToPayload(updated)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "child is not serializable", err)
	}
	var basePayload map[string]interface{}
	if base != nil {
		if basePayload, err = models.ToPayload(base); err != nil {
			return "", apperrors.Wrap(apperrors.ErrInvalid, "base is not serializable", err)
		}
		payload = changedFields(payload, basePayload)
		if len(payload) == 0 {
			return "", apperrors.New(apperrors.ErrInvalid, "no changes to save")
		}
	}

	return s.enqueue(&models.PendingMutation{
		EntityType:  models.EntityChildren,
		RecordID:    updated.ID,
		Operation:   models.OperationUpdate,
		Payload:     payload,
		Base:        basePayload,
		BaseVersion: baseVersion,
	})
}

// RecordAttendance queues an attendance mark.
func (s *Store) RecordAttendance(actor Actor, record *models.AttendanceRecord) (string, error) {
	if record == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "attendance record is nil")
	}
	if err := access.Check(actor.Role, access.ActionRecordAttendance); err != nil {
		return "", err
	}
	if record.ID == "" {
		record.ID = uuid.New()
	}
	if record.RecordedBy == "" {
		record.RecordedBy = actor.UserID
	}
	return s.create(models.EntityAttendance, record.ID, record)
}

// RecordAssessment queues an assessment result.
func (s *Store) RecordAssessment(actor Actor, assessment *models.Assessment) (string, error) {
	if assessment == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "assessment is nil")
	}
	if err := access.Check(actor.Role, access.ActionRecordAssessment); err != nil {
		return "", err
	}
	if assessment.ID == "" {
		assessment.ID = uuid.New()
	}
	if assessment.AssessedBy == "" {
		assessment.AssessedBy = actor.UserID
	}
	return s.create(models.EntityAssessments, assessment.ID, assessment)
}

// EnrollChild queues an enrollment.
func (s *Store) EnrollChild(actor Actor, enrollment *models.Enrollment) (string, error) {
	if enrollment == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "enrollment is nil")
	}
	if err := access.Check(actor.Role, access.ActionEnrollChild); err != nil {
		return "", err
	}
	if enrollment.ID == "" {
		enrollment.ID = uuid.New()
	}
	if enrollment.Status == "" {
		enrollment.Status = "active"
	}
	return s.create(models.EntityEnrollments, enrollment.ID, enrollment)
}

// DeleteRecord queues the deletion of entityType/id.
func (s *Store) DeleteRecord(actor Actor, entityType, id string, baseVersion int) (string, error) {
	if err := access.Check(actor.Role, access.ActionDeleteRecord); err != nil {
		return "", err
	}
	if !knownEntity(entityType) {
		return "", apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if id == "" {
		return "", apperrors.New(apperrors.ErrValidation, "record id is required")
	}
	return s.enqueue(&models.PendingMutation{
		EntityType:  entityType,
		RecordID:    id,
		Operation:   models.OperationDelete,
		Payload:     map[string]interface{}{"id": id},
		BaseVersion: baseVersion,
	})
}

// PendingChanges returns the queue length.
func (s *Store) PendingChanges() (int, error) {
	return s.queue.Len()
}

func (s *Store) create(entityType, id string, entity interface{}) (string, error) {
	if err := validation.Struct(entity); err != nil {
		return "", err
	}
	payload, err := models.ToPayload(entity)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "entity is not serializable", err)
	}
	return s.enqueue(&models.PendingMutation{
		EntityType: entityType,
		RecordID:   id,
		Operation:  models.OperationCreate,
		Payload:    payload,
	})
}

func (s *Store) enqueue(m *models.PendingMutation) (string, error) {
	id, err := s.queue.Enqueue(m)
	if err != nil {
		logging.ErrorWithCode("Failed to queue write", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"entity":    m.EntityType,
			"record_id": m.RecordID,
			"operation": string(m.Operation),
		})
		return "", err
	}
	logging.Info("Write queued", map[string]interface{}{
		"mutation_id": id,
		"entity":      m.EntityType,
		"record_id":   m.RecordID,
		"operation":   string(m.Operation),
	})
	if s.nudger != nil {
		s.nudger.TriggerSync()
	}
	return id, nil
}

// changedFields returns the entries of payload that differ from base. The id
// is always kept.
func changedFields(payload, base map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range payload {
		if k == "id" {
			continue
		}
		if old, ok := base[k]; !ok || !reflect.DeepEqual(old, v) {
			out[k] = v
		}
	}
	// Fields cleared in updated are sent as null.
	for k := range base {
		if _, ok := payload[k]; !ok && k != "id" {
			out[k] = nil
		}
	}
	if len(out) > 0 {
		out["id"] = payload["id"]
	}
	return out
}

func knownEntity(entityType string) bool {
	for _, e := range models.EntityTypes {
		if e == entityType {
			return true
		}
	}
	return false
}
