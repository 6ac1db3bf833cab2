package dlq

import (
	"time"

	"github.com/xraph/tally/id"
)

// Entry is a dead letter: a task run that exhausted its attempt budget,
// kept for inspection and manual replay.
type Entry struct {
	ID         id.DLQID   `json:"id"`
	TenantID   string     `json:"tenant_id,omitempty"`
	JobName    string     `json:"job_name"`
	Payload    []byte     `json:"payload"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error"`
	FailedAt   time.Time  `json:"failed_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
