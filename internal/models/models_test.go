// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"
)

// TestOperation_Valid verifies the operation set.
func TestOperation_Valid(t *testing.T) {
	for _, op := range []Operation{OperationCreate, OperationUpdate, OperationDelete} {
		if !op.Valid() {
			t.Errorf("%q should be valid", op)
		}
	}
	if Operation("upsert").Valid() {
		t.Error("upsert should not be valid")
	}
}

// TestPendingMutation_ResolveRecordID verifies record id derivation.
func TestPendingMutation_ResolveRecordID(t *testing.T) {
	tests := []struct {
		name string
		m    PendingMutation
		want string
	}{
		{"explicit", PendingMutation{ID: "m1", RecordID: "c9", Payload: map[string]interface{}{"id": "c1"}}, "c9"},
		{"payload id", PendingMutation{ID: "m1", Payload: map[string]interface{}{"id": "c1"}}, "c1"},
		{"no id", PendingMutation{ID: "m1", Payload: map[string]interface{}{"childId": "c1"}}, "m1"},
		{"nil id", PendingMutation{ID: "m1", Payload: map[string]interface{}{"id": nil}}, "m1"},
		{"nil payload", PendingMutation{ID: "m1"}, "m1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.m
			m.ResolveRecordID()
			if m.RecordID != tt.want {
				t.Errorf("RecordID = %q, want %q", m.RecordID, tt.want)
			}
		})
	}
}

// TestPendingMutation_EntityKey verifies the stream key.
func TestPendingMutation_EntityKey(t *testing.T) {
	m := PendingMutation{EntityType: EntityChildren, RecordID: "c1"}
	if got := m.EntityKey(); got != "children/c1" {
		t.Errorf("EntityKey() = %q", got)
	}
}

// TestPendingMutation_Times verifies millisecond timestamp helpers.
func TestPendingMutation_Times(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	m := PendingMutation{CreatedAt: now.UnixMilli(), NextAttemptAt: now.Add(time.Second).UnixMilli()}

	if !m.CreatedAtTime().Equal(now) {
		t.Errorf("CreatedAtTime() = %v, want %v", m.CreatedAtTime(), now)
	}
	if m.NextAttemptTime().Sub(now) != time.Second {
		t.Errorf("NextAttemptTime() offset = %v", m.NextAttemptTime().Sub(now))
	}
	if (PendingMutation{}).TableName() != "pending_mutations" {
		t.Error("unexpected table name")
	}
}

// TestNotice_Acknowledged verifies the acknowledgment flag.
func TestNotice_Acknowledged(t *testing.T) {
	n := Notice{}
	if n.Acknowledged() {
		t.Error("new notice should not be acknowledged")
	}
	n.AcknowledgedAt = time.Now().UnixMilli()
	if !n.Acknowledged() {
		t.Error("notice with AcknowledgedAt should be acknowledged")
	}
}

// TestToPayload verifies entity to payload conversion.
func TestToPayload(t *testing.T) {
	rec := AttendanceRecord{ID: "a1", ChildID: "c1", Date: "2024-01-10", Present: true, RecordedBy: "fw1"}

	payload, err := ToPayload(rec)
	if err != nil {
		t.Fatalf("ToPayload() error = %v", err)
	}
	if payload["child_id"] != "c1" || payload["present"] != true || payload["date"] != "2024-01-10" {
		t.Errorf("payload = %v", payload)
	}
	if _, ok := payload["reason_for_absence"]; ok {
		t.Error("empty optional field should be omitted")
	}
}
