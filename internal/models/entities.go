// Package models provides data model definitions for the BrightPath sync agent.
package models

import (
	"encoding/json"
	"fmt"
)

// Coordinates is a GPS fix captured by the field worker's device.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// Location places a child or school within the administrative hierarchy.
type Location struct {
	Region      string       `json:"region" validate:"required"`
	District    string       `json:"district" validate:"required"`
	Community   string       `json:"community" validate:"required"`
	Coordinates *Coordinates `json:"coordinates,omitempty" validate:"omitempty"`
}

// Child is an out-of-school child registered by a field worker.
type Child struct {
	ID                        string   `json:"id" validate:"required"`
	FirstName                 string   `json:"first_name" validate:"required,max=100"`
	LastName                  string   `json:"last_name" validate:"required,max=100"`
	DateOfBirth               string   `json:"date_of_birth,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Gender                    string   `json:"gender" validate:"required,oneof=male female other"`
	Location                  Location `json:"location"`
	DisabilityStatus          bool     `json:"disability_status"`
	DisabilityDetails         string   `json:"disability_details,omitempty"`
	HouseholdPovertyIndicator string   `json:"household_poverty_indicator,omitempty" validate:"omitempty,oneof=poorest poor middle rich richest"`
	BarriersToEducation       []string `json:"barriers_to_education,omitempty"`
	EnrollmentStatus          string   `json:"enrollment_status,omitempty" validate:"omitempty,oneof=not_enrolled enrolled at_risk dropped_out"`
	EnrolledSchoolID          string   `json:"enrolled_school_id,omitempty"`
	CreatedBy                 string   `json:"created_by" validate:"required"`
}

// AttendanceRecord marks a child present or absent on a school day.
type AttendanceRecord struct {
	ID               string `json:"id" validate:"required"`
	ChildID          string `json:"child_id" validate:"required"`
	SchoolID         string `json:"school_id,omitempty"`
	Date             string `json:"date" validate:"required,datetime=2006-01-02"`
	Present          bool   `json:"present"`
	ReasonForAbsence string `json:"reason_for_absence,omitempty"`
	RecordedBy       string `json:"recorded_by" validate:"required"`
}

// Assessment is a literacy/numeracy assessment result.
type Assessment struct {
	ID             string   `json:"id" validate:"required"`
	ChildID        string   `json:"child_id" validate:"required"`
	AssessmentType string   `json:"assessment_type" validate:"required,oneof=literacy numeracy baseline quarterly"`
	AssessmentDate string   `json:"assessment_date" validate:"required,datetime=2006-01-02"`
	LiteracyScore  *float64 `json:"literacy_score,omitempty" validate:"omitempty,min=0,max=100"`
	NumeracyScore  *float64 `json:"numeracy_score,omitempty" validate:"omitempty,min=0,max=100"`
	AssessedBy     string   `json:"assessed_by" validate:"required"`
}

// Enrollment links a child to a school.
type Enrollment struct {
	ID               string `json:"id" validate:"required"`
	ChildID          string `json:"child_id" validate:"required"`
	SchoolID         string `json:"school_id" validate:"required"`
	EnrollmentDate   string `json:"enrollment_date" validate:"required,datetime=2006-01-02"`
	Status           string `json:"status" validate:"required,oneof=active completed withdrawn"`
	WithdrawalReason string `json:"withdrawal_reason,omitempty"`
}

// School is a school children can be enrolled in.
type School struct {
	ID         string   `json:"id" validate:"required"`
	Name       string   `json:"name" validate:"required,max=200"`
	Location   Location `json:"location"`
	SchoolType string   `json:"school_type" validate:"required,oneof=primary lower_secondary upper_secondary mixed"`
}

// ToPayload converts an entity into the generic field map carried by a mutation.
func ToPayload(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity payload: %w", err)
	}
	return payload, nil
}
