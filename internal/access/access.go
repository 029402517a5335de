// Package access decides which user roles may perform which actions.
package access

import (
	"fmt"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
)

// Role is a BrightPath user role.
type Role string

const (
	RoleFieldWorker      Role = "field_worker"
	RoleSchoolAdmin      Role = "school_admin"
	RoleEducationOfficer Role = "education_officer"
	RoleCoordinator      Role = "coordinator"
)

// Roles lists every known role.
var Roles = []Role{RoleFieldWorker, RoleSchoolAdmin, RoleEducationOfficer, RoleCoordinator}

// Action is something a user asks the agent to do.
type Action string

const (
	ActionRegisterChild    Action = "register_child"
	ActionEditChild        Action = "edit_child"
	ActionRecordAttendance Action = "record_attendance"
	ActionRecordAssessment Action = "record_assessment"
	ActionEnrollChild      Action = "enroll_child"
	ActionDeleteRecord     Action = "delete_record"
	ActionManageSchools    Action = "manage_schools"
	ActionViewReports      Action = "view_reports"
	ActionResolveNotices   Action = "resolve_notices"
)

var allActions = []Action{
	ActionRegisterChild, ActionEditChild, ActionRecordAttendance, ActionRecordAssessment,
	ActionEnrollChild, ActionDeleteRecord, ActionManageSchools, ActionViewReports, ActionResolveNotices,
}

var matrix = map[Role]map[Action]bool{
	RoleFieldWorker: set(
		ActionRegisterChild,
		ActionEditChild,
		ActionRecordAttendance,
		ActionRecordAssessment,
		ActionResolveNotices,
	),
	RoleSchoolAdmin: set(
		ActionRecordAttendance,
		ActionEnrollChild,
		ActionResolveNotices,
	),
	RoleEducationOfficer: set(allActions...),
	RoleCoordinator:      set(allActions...),
}

func set(actions ...Action) map[Action]bool {
	m := make(map[Action]bool, len(actions))
	for _, a := range actions {
		m[a] = true
	}
	return m
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := matrix[r]
	return ok
}

// ParseRole converts s into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown role %q", s))
	}
	return r, nil
}

// Can reports whether role may perform action. Unknown roles may do nothing.
func Can(role Role, action Action) bool {
	return matrix[role][action]
}

// Check is Can as an error.
func Check(role Role, action Action) error {
	if Can(role, action) {
		return nil
	}
	return apperrors.New(apperrors.ErrPermission, fmt.Sprintf("role %q may not %s", role, action))
}

// Allowed lists the actions role may perform, in declaration order.
func Allowed(role Role) []Action {
	var out []Action
	for _, a := range allActions {
		if Can(role, a) {
			out = append(out, a)
		}
	}
	return out
}
