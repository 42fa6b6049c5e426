package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// DeriveImageTask is scheduled each time an image original is stored.
	DeriveImageTask = "image:derive"
)

// DerivePayload tells the worker which original to render. The path is
// relative to the shared upload root.
type DerivePayload struct {
	ImageID string `json:"image_id"`
	Path    string `json:"path"`
}

// NewDeriveTask builds the task. The image id doubles as the task id so an
// image is never queued twice.
func NewDeriveTask(payload DerivePayload) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(3), asynq.TaskID(payload.ImageID)}
	return asynq.NewTask(DeriveImageTask, data), opts, nil
}

// ParseDerivePayload decodes a task produced by NewDeriveTask.
func ParseDerivePayload(task *asynq.Task) (DerivePayload, error) {
	var payload DerivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.ImageID == "" || payload.Path == "" {
		return payload, fmt.Errorf("decode payload: missing image id or path")
	}
	return payload, nil
}

// Enqueuer schedules derive tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueueDerive enqueues a derivative job. A job already queued for the same
// image is not an error.
func EnqueueDerive(ctx context.Context, client Enqueuer, payload DerivePayload) error {
	task, opts, err := NewDeriveTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue derive task: %w", err)
	}
	return nil
}
