package cron

import (
	"time"

	"github.com/google/uuid"
)

// Schedule describes when a job fires. Kind is one of:
//   - "cron":  Expr holds a 6-field cron expression (with seconds)
//   - "every": EveryMs is the repeat interval
//   - "at":    AtMs is a one-shot unix-millisecond deadline
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is what a fired job delivers to the OnJob callback. Kind
// distinguishes user reminders from internal maintenance work.
type Payload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Job is one persisted scheduled task.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	State          JobState `json:"state"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:             uuid.NewString(),
		Name:           name,
		Schedule:       schedule,
		Payload:        payload,
		Enabled:        true,
		DeleteAfterRun: schedule.Kind == "at",
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}
