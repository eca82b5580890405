// Package queue hands pipeline tasks from the request path to the worker.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskRunAnalysis TaskType = "run_analysis"
	TaskDeleteFiles TaskType = "delete_files"
)

var ErrClosed = errors.New("queue closed")

type Task struct {
	ID             string    `json:"id"`
	Type           TaskType  `json:"type"`
	TriggerID      string    `json:"triggerId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	FileAnalysisID string    `json:"fileAnalysisId,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

func RunAnalysis(triggerID string) Task {
	return Task{Type: TaskRunAnalysis, TriggerID: triggerID}
}

func DeleteFiles(userID, fileAnalysisID string) Task {
	return Task{Type: TaskDeleteFiles, UserID: userID, FileAnalysisID: fileAnalysisID}
}

// Delivery is a dequeued task that stays owned by the consumer until Ack.
type Delivery struct {
	Task Task
	raw  string
}

// Queue delivers every task at least once. A task that was dequeued but
// never acknowledged is redelivered after a restart.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}

func stamp(task *Task) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
}
