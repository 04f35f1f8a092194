// Package task implements durable asynchronous execution of extraction
// jobs: a Redis-list queue with at-least-once delivery, a TTL'd result
// store, and a fixed pool of workers consuming the queue.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/relialabs/doctext/internal/extract"
)

// ErrNotFound indicates no record exists for a task id. Records expire
// from the store after their TTL, so old ids resolve to this too.
var ErrNotFound = errors.New("task not found")

// ErrQueueEmpty indicates a dequeue timed out with nothing to deliver.
var ErrQueueEmpty = errors.New("queue empty")

// State is the lifecycle state of a task.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Record is the persisted view of one task. Serialized as JSON into the
// result store with a TTL.
type Record struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Filename  string          `json:"filename"`
	Result    *extract.Result `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Message is the queue payload. The document itself stays on disk in the
// temp directory; only its path travels through the broker.
type Message struct {
	TaskID     string    `json:"task_id"`
	FilePath   string    `json:"file_path"`
	Filename   string    `json:"filename"`
	OCR        bool      `json:"ocr"`
	Languages  []string  `json:"languages,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the durable delivery channel between producers and workers.
// Delivery is at-least-once: a message may be handed to a worker more
// than once, so execution must be idempotent.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message) error
	// Dequeue blocks up to timeout and returns ErrQueueEmpty when nothing
	// arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)
	Len(ctx context.Context) (int64, error)
}

// Store persists task records for status lookups.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
}
