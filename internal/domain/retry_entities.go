// Package domain defines retry and dead-letter policy for job processing.
package domain

import (
	"time"
)

// QueuePolicy fixes a queue's dispatch weight, attempt budget, and backoff
// schedule. Policies are static per kind; overrides apply per enqueue only
// for the attempt budget.
type QueuePolicy struct {
	// Queue is the queue name; the companion dead-letter queue is
	// Queue + "-dlq".
	Queue string
	// Priority is the dispatch weight; higher dispatches first.
	Priority int
	// MaxAttempts is the total pickup budget including the first delivery.
	MaxAttempts int
	// BackoffBase is the first retry delay. Exponential queues double it
	// per attempt; fixed queues reuse it as-is.
	BackoffBase time.Duration
	// BackoffFixed disables the exponential schedule.
	BackoffFixed bool
	// BackoffMax caps the exponential schedule.
	BackoffMax time.Duration
}

// DLQName returns the companion dead-letter queue name.
func (p QueuePolicy) DLQName() string { return p.Queue + "-dlq" }

// Delay returns the backoff before retry attempt n (0-based count of
// completed attempts).
func (p QueuePolicy) Delay(n int) time.Duration {
	if p.BackoffFixed {
		return p.BackoffBase
	}
	d := p.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return d
}

// Queue priorities: image and video dispatch ahead of training.
const (
	priorityMedium = 6
	priorityLow    = 3
)

var queuePolicies = map[JobKind]QueuePolicy{
	KindImage: {
		Queue:       string(KindImage),
		Priority:    priorityMedium,
		MaxAttempts: 3,
		BackoffBase: 3 * time.Second,
		BackoffMax:  2 * time.Minute,
	},
	KindVideo: {
		Queue:       string(KindVideo),
		Priority:    priorityMedium,
		MaxAttempts: 5,
		BackoffBase: 5 * time.Second,
		BackoffMax:  5 * time.Minute,
	},
	KindTraining: {
		Queue:        string(KindTraining),
		Priority:     priorityLow,
		MaxAttempts:  3,
		BackoffBase:  10 * time.Second,
		BackoffFixed: true,
	},
}

// PolicyFor returns the queue policy for a kind. Unknown kinds map to the
// image policy; admission validates kinds before anything reaches a queue.
func PolicyFor(kind JobKind) QueuePolicy {
	if p, ok := queuePolicies[kind]; ok {
		return p
	}
	return queuePolicies[KindImage]
}

// QueueNames lists the consumable queues in dispatch-priority order.
func QueueNames() []string {
	return []string{string(KindImage), string(KindVideo), string(KindTraining)}
}

// TrainingProgressLadder is the fixed progress pacing for training jobs.
var TrainingProgressLadder = []int{10, 20, 35, 50, 65, 80, 95, 100}

// Worker failure classification. Transient failures are retried by the
// queue within the attempt budget; terminal failures go straight to the
// dead letter path.
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailureTerminal
)

// Job error codes surfaced in JobError and dead letters.
const (
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodeProviderDown   = "ALL_PROVIDERS_FAILED"
	ErrCodeQueueError     = "QUEUE_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeStuck          = "STUCK_TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeInvalidOutput  = "INVALID_OUTPUT"
)

// TaskFailure carries a classified failure out of the worker. The queue
// adapter retries transient failures within the attempt budget and stops
// retrying terminal ones.
type TaskFailure struct {
	Class FailureClass
	Code  string
	Err   error
}

func (f *TaskFailure) Error() string {
	if f.Err != nil {
		return f.Code + ": " + f.Err.Error()
	}
	return f.Code
}

func (f *TaskFailure) Unwrap() error { return f.Err }

// TransientFailure wraps err as a retryable task failure.
func TransientFailure(code string, err error) *TaskFailure {
	return &TaskFailure{Class: FailureTransient, Code: code, Err: err}
}

// TerminalFailure wraps err as a no-retry task failure.
func TerminalFailure(code string, err error) *TaskFailure {
	return &TaskFailure{Class: FailureTerminal, Code: code, Err: err}
}

// Attempt identifies one delivery out of a task's attempt budget.
type Attempt struct {
	Number int // 1-based
	Max    int
}

// Final reports whether the budget is exhausted after this delivery.
func (a Attempt) Final() bool { return a.Number >= a.Max }

// QueueHold describes where the queue currently holds a job's task. The
// job store remains authoritative for job state; the hold only refines
// non-terminal presentation (waiting vs retry backoff).
type QueueHold string

const (
	HoldNone     QueueHold = ""
	HoldWaiting  QueueHold = "waiting"
	HoldActive   QueueHold = "active"
	HoldDelayed  QueueHold = "delayed"
	HoldFinished QueueHold = "finished"
)
