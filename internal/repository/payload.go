package repository

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/models"
)

// Create decodes a generic record into the entity for entityType and queues
// it through the matching DataAccess write.
func Create(store DataAccess, actor Actor, entityType string, record map[string]interface{}) (string, error) {
	switch entityType {
	case models.EntityChildren:
		var c models.Child
		if err := decode(record, &c); err != nil {
			return "", err
		}
		return store.RegisterChild(actor, &c)
	case models.EntityAttendance:
		var r models.AttendanceRecord
		if err := decode(record, &r); err != nil {
			return "", err
		}
		return store.RecordAttendance(actor, &r)
	case models.EntityAssessments:
		var a models.Assessment
		if err := decode(record, &a); err != nil {
			return "", err
		}
		return store.RecordAssessment(actor, &a)
	case models.EntityEnrollments:
		var e models.Enrollment
		if err := decode(record, &e); err != nil {
			return "", err
		}
		return store.EnrollChild(actor, &e)
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("cannot create %q from this device", entityType))
}

// UpdateChildFromPayload decodes updated and base and queues the difference.
func UpdateChildFromPayload(store DataAccess, actor Actor, updated, base map[string]interface{}, baseVersion int) (string, error) {
	var next, prior models.Child
	if err := decode(updated, &next); err != nil {
		return "", err
	}
	if base == nil {
		return store.UpdateChild(actor, &next, nil, baseVersion)
	}
	if err := decode(base, &prior); err != nil {
		return "", err
	}
	return store.UpdateChild(actor, &next, &prior, baseVersion)
}

func decode(record map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "record is not serializable", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "record does not match the entity", err)
	}
	return nil
}
