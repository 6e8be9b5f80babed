// Package asynqadp adapts the asynq task queue to the generation
// pipeline: one weighted queue per job kind, a companion dead letter
// queue each, and per-kind retry schedules.
package asynqadp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// Task type names. Dead letters are never consumed by the worker mux;
// they sit in the "-dlq" queues until the ops surface drains them.
const (
	TaskGenerate   = "generation:process"
	TaskDeadLetter = "generation:dead_letter"
)

// Queue implements domain.Queue on an asynq client. The task ID always
// equals the job ID, so the queue and the store share one identifier.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	retention time.Duration
}

// New builds a Queue from a redis URI. Completed tasks are retained for
// the given duration so recently finished jobs stay inspectable.
func New(redisURL string, retention time.Duration) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: redis: %w", err)
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		retention: retention,
	}, nil
}

// Enqueue places a generation task on its kind's queue with the kind's
// attempt budget.
func (q *Queue) Enqueue(ctx domain.Context, task domain.GenerationTask) error {
	if task.JobID == "" || task.OwnerID == "" {
		return fmt.Errorf("op=queue.enqueue: %w: job id and owner are required", domain.ErrInvalidArgument)
	}
	policy := domain.PolicyFor(task.Kind)
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: marshal task: %w", err)
	}

	t := asynq.NewTask(TaskGenerate, b)
	_, err = q.client.EnqueueContext(ctx, t,
		asynq.TaskID(task.JobID),
		asynq.Queue(policy.Queue),
		asynq.MaxRetry(policy.MaxAttempts-1),
		asynq.Retention(q.retention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("op=queue.enqueue job_id=%s: %w", task.JobID, domain.ErrConflict)
		}
		return fmt.Errorf("op=queue.enqueue queue=%s: %w: %v", policy.Queue, domain.ErrQueueUnavailable, err)
	}

	observability.EnqueueJob(string(task.Kind))
	return nil
}

// Cancel removes a waiting task or signals cancellation to a running one.
// A task the queue no longer holds is not an error; the store stays the
// source of truth for job state.
func (q *Queue) Cancel(ctx domain.Context, jobID string, kind domain.JobKind) error {
	policy := domain.PolicyFor(kind)
	delErr := q.inspector.DeleteTask(policy.Queue, jobID)
	if delErr == nil {
		return nil
	}
	if errors.Is(delErr, asynq.ErrTaskNotFound) || errors.Is(delErr, asynq.ErrQueueNotFound) {
		return nil
	}
	// Deletion is refused for active tasks; ask the worker to stop instead.
	if err := q.inspector.CancelProcessing(jobID); err != nil {
		return fmt.Errorf("op=queue.cancel job_id=%s: %w: %v", jobID, domain.ErrQueueUnavailable, err)
	}
	return nil
}

// PushDeadLetter records a terminal failure on the kind's dead letter
// queue. Idempotent per job: a duplicate push for the same job is
// absorbed, so a failed job carries exactly one entry.
func (q *Queue) PushDeadLetter(ctx domain.Context, entry domain.DeadLetter) error {
	if entry.JobID == "" {
		return fmt.Errorf("op=queue.dead_letter: %w: job id is required", domain.ErrInvalidArgument)
	}
	policy := domain.PolicyFor(entry.Kind)
	if entry.QueueName == "" {
		entry.QueueName = policy.Queue
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=queue.dead_letter: marshal entry: %w", err)
	}

	t := asynq.NewTask(TaskDeadLetter, b)
	_, err = q.client.EnqueueContext(ctx, t,
		asynq.TaskID(entry.JobID),
		asynq.Queue(policy.DLQName()),
		asynq.MaxRetry(0),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("op=queue.dead_letter job_id=%s: %w: %v", entry.JobID, domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Close releases the client connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
