package access

import (
	"testing"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
)

func TestCan(t *testing.T) {
	tests := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleFieldWorker, ActionRegisterChild, true},
		{RoleFieldWorker, ActionEditChild, true},
		{RoleFieldWorker, ActionRecordAttendance, true},
		{RoleFieldWorker, ActionRecordAssessment, true},
		{RoleFieldWorker, ActionEnrollChild, false},
		{RoleFieldWorker, ActionViewReports, false},
		{RoleFieldWorker, ActionDeleteRecord, false},
		{RoleSchoolAdmin, ActionRecordAttendance, true},
		{RoleSchoolAdmin, ActionEnrollChild, true},
		{RoleSchoolAdmin, ActionRegisterChild, false},
		{RoleSchoolAdmin, ActionRecordAssessment, false},
		{RoleEducationOfficer, ActionViewReports, true},
		{RoleEducationOfficer, ActionDeleteRecord, true},
		{RoleCoordinator, ActionManageSchools, true},
		{RoleCoordinator, ActionRegisterChild, true},
		{Role("parent"), ActionRecordAttendance, false},
		{Role(""), ActionViewReports, false},
	}
	for _, tt := range tests {
		if got := Can(tt.role, tt.action); got != tt.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	if err := Check(RoleCoordinator, ActionDeleteRecord); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	err := Check(RoleSchoolAdmin, ActionDeleteRecord)
	if !apperrors.Is(err, apperrors.ErrPermission) {
		t.Errorf("Check() error = %v, want PERMISSION_DENIED", err)
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range Roles {
		got, err := ParseRole(string(r))
		if err != nil || got != r {
			t.Errorf("ParseRole(%q) = %q, %v", r, got, err)
		}
	}
	if _, err := ParseRole("admin"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("ParseRole(admin) error = %v", err)
	}
}

func TestAllowed(t *testing.T) {
	if got := len(Allowed(RoleCoordinator)); got != len(allActions) {
		t.Errorf("coordinator allowed %d actions, want %d", got, len(allActions))
	}
	for _, a := range Allowed(RoleSchoolAdmin) {
		if a == ActionRegisterChild {
			t.Error("school admin should not register children")
		}
	}
	if Allowed(Role("nobody")) != nil {
		t.Error("unknown role should have no actions")
	}
}
