package models

import (
	"time"

	"gorm.io/datatypes"
)

// ActionType enumerates the mutation kinds recorded while offline.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// Valid reports whether t is a known mutation kind.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// OfflineAction is a mutation that could not reach the remote service and waits for replay.
type OfflineAction struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	Type       ActionType     `gorm:"size:16;not null" json:"type"`
	Table      string         `gorm:"column:table_name;size:64;not null;index" json:"table"`
	RecordID   string         `gorm:"size:256" json:"record_id,omitempty"`
	HospitalID string         `gorm:"size:64;index" json:"hospital_id,omitempty"`
	Data       datatypes.JSON `json:"data"`
	Timestamp  time.Time      `gorm:"not null;index" json:"timestamp"`
	RetryCount int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries int            `gorm:"not null" json:"max_retries"`
	LastError  string         `gorm:"size:1024" json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Exhausted reports whether the action used up its retry budget.
func (a *OfflineAction) Exhausted() bool {
	return a != nil && a.MaxRetries > 0 && a.RetryCount >= a.MaxRetries
}

// FailureReason explains why an offline action left the queue without applying.
type FailureReason string

const (
	FailureExhausted FailureReason = "exhausted"
	FailureExpired   FailureReason = "expired"
)

// FailedAction is the durable record of an offline mutation that will never apply.
type FailedAction struct {
	Record
	ActionID    string         `gorm:"size:64;uniqueIndex" json:"action_id"`
	Type        ActionType     `gorm:"size:16" json:"type"`
	Table       string         `gorm:"column:table_name;size:64" json:"table"`
	RecordID    string         `gorm:"size:256" json:"record_id,omitempty"`
	HospitalID  string         `gorm:"size:64;index" json:"hospital_id,omitempty"`
	Data        datatypes.JSON `json:"data"`
	Reason      FailureReason  `gorm:"size:16" json:"reason"`
	LastError   string         `gorm:"size:1024" json:"last_error,omitempty"`
	Attempts    int            `json:"attempts"`
	QueuedAt    time.Time      `json:"queued_at"`
	FailedAt    time.Time      `gorm:"index" json:"failed_at"`
	DismissedAt *time.Time     `json:"dismissed_at,omitempty"`
}

// ReplayLease is an advisory lock row held by the process running a replay pass.
type ReplayLease struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Owner     string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"index"`
}
