package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// QueueStats is one queue's depth snapshot for the ops surface.
type QueueStats struct {
	Queue     string `json:"queue"`
	Priority  int    `json:"priority"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Scheduled int    `json:"scheduled"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	DLQ       int    `json:"dlq_depth"`
}

// Stats snapshots every generation queue and refreshes the depth gauges.
// Queues that have not seen an enqueue yet report zeroes.
func (q *Queue) Stats() ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(domain.QueueNames()))
	for _, name := range domain.QueueNames() {
		policy := domain.PolicyFor(domain.JobKind(name))
		st := QueueStats{Queue: name, Priority: policy.Priority}

		info, err := q.inspector.GetQueueInfo(name)
		switch {
		case err == nil:
			st.Pending = info.Pending
			st.Active = info.Active
			st.Retry = info.Retry
			st.Scheduled = info.Scheduled
			st.Archived = info.Archived
			st.Completed = info.Completed
		case errors.Is(err, asynq.ErrQueueNotFound):
		default:
			return nil, fmt.Errorf("op=queue.stats queue=%s: %w", name, err)
		}

		dlqInfo, err := q.inspector.GetQueueInfo(policy.DLQName())
		switch {
		case err == nil:
			st.DLQ = dlqInfo.Pending
		case errors.Is(err, asynq.ErrQueueNotFound):
		default:
			return nil, fmt.Errorf("op=queue.stats queue=%s: %w", policy.DLQName(), err)
		}

		observability.QueueDepth.WithLabelValues(name, "pending").Set(float64(st.Pending))
		observability.QueueDepth.WithLabelValues(name, "active").Set(float64(st.Active))
		observability.QueueDepth.WithLabelValues(name, "retry").Set(float64(st.Retry))
		observability.QueueDepth.WithLabelValues(name, "scheduled").Set(float64(st.Scheduled))
		observability.DLQDepth.WithLabelValues(name).Set(float64(st.DLQ))
		out = append(out, st)
	}
	return out, nil
}

// ReportDepths refreshes the depth gauges on an interval until the
// context ends.
func (q *Queue) ReportDepths(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := q.Stats(); err != nil {
				slog.Warn("queue depth snapshot failed", slog.Any("error", err))
			}
		}
	}
}

// DeadLetters lists up to limit entries from a kind's dead letter queue,
// newest enqueued last. Entries that fail to decode are skipped.
func (q *Queue) DeadLetters(kind domain.JobKind, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	name := domain.PolicyFor(kind).DLQName()
	tasks, err := q.inspector.ListPendingTasks(name, asynq.PageSize(limit))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.dead_letters queue=%s: %w", name, err)
	}
	out := make([]domain.DeadLetter, 0, len(tasks))
	for _, t := range tasks {
		var entry domain.DeadLetter
		if err := json.Unmarshal(t.Payload, &entry); err != nil {
			slog.Warn("undecodable dead letter skipped",
				slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Hold reports where the queue currently holds a job's task. Jobs the
// queue has let go of report HoldNone with no error.
func (q *Queue) Hold(_ domain.Context, jobID string, kind domain.JobKind) (domain.QueueHold, error) {
	info, err := q.inspector.GetTaskInfo(domain.PolicyFor(kind).Queue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return domain.HoldNone, nil
		}
		return domain.HoldNone, fmt.Errorf("op=queue.hold job_id=%s: %w", jobID, err)
	}
	return holdFromTaskState(info.State), nil
}

func holdFromTaskState(s asynq.TaskState) domain.QueueHold {
	switch s {
	case asynq.TaskStatePending, asynq.TaskStateAggregating:
		return domain.HoldWaiting
	case asynq.TaskStateActive:
		return domain.HoldActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return domain.HoldDelayed
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return domain.HoldFinished
	default:
		return domain.HoldNone
	}
}
