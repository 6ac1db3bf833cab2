package cron

import (
	"time"
)

// Entry is a recurring schedule that fires a registered task.
type Entry struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Task      string     `json:"task"`
	Payload   []byte     `json:"payload,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
