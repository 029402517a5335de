// Package models provides data model definitions for the BrightPath sync agent.
package models

import "time"

// NoticeKind classifies why a mutation was surfaced to the user.
type NoticeKind string

const (
	// NoticeConflict: the server diverged and the local change could not be merged.
	NoticeConflict NoticeKind = "conflict"
	// NoticeRejected: the server refused the payload (validation, 4xx other than 409).
	NoticeRejected NoticeKind = "rejected"
	// NoticeExhausted: transient failures hit the retry ceiling.
	NoticeExhausted NoticeKind = "exhausted"
)

// Notice is a user-visible record of a mutation that needs manual attention.
// The mutation stays queued until the notice is acknowledged.
type Notice struct {
	ID             string                 `db:"id" json:"id"`
	MutationID     string                 `db:"mutation_id" json:"mutation_id"`
	Kind           NoticeKind             `db:"kind" json:"kind"`
	EntityType     string                 `db:"entity_type" json:"entity_type"`
	RecordID       string                 `db:"record_id" json:"record_id"`
	LocalPayload   map[string]interface{} `db:"local_payload" json:"local_payload"`
	ServerRecord   map[string]interface{} `db:"server_record" json:"server_record,omitempty"`
	Reason         string                 `db:"reason" json:"reason"`
	CreatedAt      int64                  `db:"created_at" json:"created_at"`
	AcknowledgedAt int64                  `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
}

// TableName returns the table name for Notice.
func (Notice) TableName() string {
	return "sync_notices"
}

// Acknowledged reports whether the user dismissed the notice.
func (n *Notice) Acknowledged() bool {
	return n.AcknowledgedAt > 0
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (n *Notice) CreatedAtTime() time.Time {
	return time.UnixMilli(n.CreatedAt)
}
