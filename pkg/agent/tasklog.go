package agent

import (
	"context"

	"github.com/rs/zerolog"
)

// TaskLog is the optional external task record collaborator. All
// operations are best-effort; failures are swallowed and never
// propagated into the run.
type TaskLog interface {
	CreateTask(ctx context.Context, sessionKey, task string) (string, error)
	UpdateStatus(ctx context.Context, taskID, status string) error
	AppendProgress(ctx context.Context, taskID, note string) error
	AppendToolUsed(ctx context.Context, taskID, tool string) error
}

// Task statuses written to the task log.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// bestEffortTaskLog wraps a TaskLog, absorbing every error.
type bestEffortTaskLog struct {
	inner  TaskLog
	logger zerolog.Logger
}

func newBestEffortTaskLog(inner TaskLog, logger zerolog.Logger) *bestEffortTaskLog {
	return &bestEffortTaskLog{inner: inner, logger: logger}
}

func (t *bestEffortTaskLog) createTask(ctx context.Context, sessionKey, task string) string {
	if t.inner == nil {
		return ""
	}
	id, err := t.inner.CreateTask(ctx, sessionKey, task)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Task log create failed")
		return ""
	}
	return id
}

func (t *bestEffortTaskLog) updateStatus(ctx context.Context, taskID, status string) {
	if t.inner == nil || taskID == "" {
		return
	}
	if err := t.inner.UpdateStatus(ctx, taskID, status); err != nil {
		t.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task log status update failed")
	}
}

func (t *bestEffortTaskLog) appendProgress(ctx context.Context, taskID, note string) {
	if t.inner == nil || taskID == "" {
		return
	}
	if err := t.inner.AppendProgress(ctx, taskID, note); err != nil {
		t.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task log progress append failed")
	}
}

func (t *bestEffortTaskLog) appendToolUsed(ctx context.Context, taskID, tool string) {
	if t.inner == nil || taskID == "" {
		return
	}
	if err := t.inner.AppendToolUsed(ctx, taskID, tool); err != nil {
		t.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task log tool append failed")
	}
}
