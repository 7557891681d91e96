package queue

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// State is the lifecycle state of a job.
//
//	waiting → active → completed
//	waiting → active → delayed (retry backoff) → active → ...
//	waiting → active → failed (attempts exhausted, retained)
//
// Jobs enqueued with a delay start in delayed instead of waiting.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a durable unit of queued work with retry semantics.
type Job struct {
	ID           string        `json:"id"`
	Queue        string        `json:"queue"`
	Name         string        `json:"name"`
	Payload      []byte        `json:"payload"`
	State        State         `json:"state"`
	UniqueKey    string        `json:"unique_key,omitempty"`
	AttemptsMade int           `json:"attempts_made"`
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      time.Duration `json:"backoff_ms"`
	AvailableAt  time.Time     `json:"available_at"`
	Progress     int           `json:"progress"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Options controls delivery of an enqueued job.
type Options struct {
	// Delay keeps the job invisible to consumers until it elapses.
	Delay time.Duration
	// UniqueID dedupes enqueues: while a job with the same id for the same
	// queue is waiting, delayed, or active, a second enqueue is a no-op.
	UniqueID string
	// Attempts is the total attempt ceiling, defaulting to 3.
	Attempts int
	// Backoff is the base delay of the exponential retry backoff,
	// defaulting to 5s (5s, 10s, 20s, ...).
	Backoff time.Duration
}

// Counts summarises a queue for the inspection API.
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

const (
	defaultAttempts = 3
	defaultBackoff  = 5 * time.Second

	// defaultLease bounds how long a claimed job may sit in active before it
	// is presumed orphaned by a dead worker and redelivered.
	defaultLease = 5 * time.Minute

	// Terminal jobs are retained in bounded numbers for inspection.
	keepCompleted = 100
	keepFailed    = 500
)
