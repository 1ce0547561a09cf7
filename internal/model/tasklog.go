package model

import "time"

// Task outcome constants recorded in the task journal.
const (
	TaskOutcomeOK        = "ok"
	TaskOutcomeFailed    = "failed"
	TaskOutcomeCancelled = "cancelled"
)

// TaskLog is one journal row describing a finished task.
type TaskLog struct {
	ID         string     `json:"id" db:"id"`
	TaskID     uint64     `json:"task_id" db:"task_id"`
	Label      string     `json:"label" db:"label"`
	Operation  string     `json:"operation" db:"operation"`
	Outcome    string     `json:"outcome" db:"outcome"`
	Error      string     `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	FreedAt    time.Time  `json:"freed_at" db:"freed_at"`
}
