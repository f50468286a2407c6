package types

import "time"

// SyncTrigger records whether a sync run was started by the scheduler or a
// user.
type SyncTrigger string

const (
	SyncTriggerAuto   SyncTrigger = "auto"
	SyncTriggerManual SyncTrigger = "manual"
)

// SyncOutcome is the terminal state of a sync run.
type SyncOutcome string

const (
	SyncOutcomeSuccess SyncOutcome = "success"
	SyncOutcomePartial SyncOutcome = "partial"
	SyncOutcomeFailed  SyncOutcome = "failed"
)

// SyncRun is one synchronization attempt for a plant. It is created when the
// run starts and finalized exactly once; the stored history is append-only.
type SyncRun struct {
	ID          string      `json:"id"`
	PlantID     string      `json:"plantID"`
	Vendor      VendorTag   `json:"vendor"`
	Trigger     SyncTrigger `json:"trigger"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end,omitempty"`
	Outcome     SyncOutcome `json:"outcome,omitempty"`
	ErrorClass  string      `json:"errorClass,omitempty"`
	ErrorDetail string      `json:"errorDetail,omitempty"`
	Attempts    int         `json:"attempts"`
	Readings    int         `json:"readings"`
}

// AuditEvent is one append-only security audit record. Emission is
// fire-and-forget: a failed write must never fail the primary operation.
type AuditEvent struct {
	Action    string            `json:"action"`
	UserID    string            `json:"userID"`
	Success   bool              `json:"success"`
	CreatedAt time.Time         `json:"createdAt"`
	Details   map[string]string `json:"details,omitempty"`
}
