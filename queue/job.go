package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of work stored in the queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Priority    float64         `json:"priority"`
	CreatedAt   int64           `json:"createdAt"`           // unix millis
	NotBefore   int64           `json:"notBefore,omitempty"` // unix millis, 0 = immediately
}

// DeadLetter is the record appended to the dead-letter list when a job
// exhausts its retry budget.
type DeadLetter struct {
	Job      Job    `json:"job"`
	Reason   string `json:"reason"`
	FailedAt int64  `json:"failedAt"` // unix millis
}

// EnqueueOptions control job placement.
type EnqueueOptions struct {
	// MaxAttempts bounds retries; zero uses the queue default.
	MaxAttempts int
	// Delay postpones first eligibility.
	Delay time.Duration
	// Priority is a numeric score; higher dequeues first.
	Priority float64
}

// Stats reports queue depth by state.
type Stats struct {
	Pending      int64 `json:"pending"`
	InFlight     int64 `json:"inFlight"`
	DeadLettered int64 `json:"deadLettered"`
}

// newJobID builds a job id whose zero-padded sequence prefix makes equal
// priority jobs dequeue in arrival order.
func newJobID(seq int64) string {
	return fmt.Sprintf("%016d:%s", seq, uuid.NewString())
}

func (j *Job) marshal() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job %s: %w", j.ID, err)
	}
	return string(data), nil
}

func unmarshalJob(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &j, nil
}
