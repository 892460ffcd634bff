// Package delivery paces outbound chat messages through a single FIFO worker.
package delivery

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Kind selects which Sender method delivers a task.
type Kind string

const (
	// KindPlain is a plain text message.
	KindPlain Kind = "plain"
	// KindAIResponse is a model answer that may carry Markdown formatting.
	KindAIResponse Kind = "ai-response"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPlain || k == KindAIResponse
}

// Task is one pending outbound message. Tasks are immutable once queued.
type Task struct {
	ID          string        `json:"id"`
	Destination int64         `json:"destination"`
	Text        string        `json:"text"`
	Delay       time.Duration `json:"delay"`
	Kind        Kind          `json:"kind"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

func newTask(destination int64, text string, delay time.Duration, kind Kind, now time.Time) *Task {
	return &Task{
		ID:          shortuuid.New(),
		Destination: destination,
		Text:        text,
		Delay:       delay,
		Kind:        kind,
		EnqueuedAt:  now,
	}
}
