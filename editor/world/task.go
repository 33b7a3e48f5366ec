package world

import (
	"encoding/json"
	"time"
)

// TaskID uniquely identifies a scheduled task across all pools.
type TaskID string

// Task is a long-running unit of work held by the attention scheduler and
// persisted by the store. Cost and Duration are independent: Cost is the
// share of the attention budget the task occupies while active, Duration is
// how long it must run to complete. Payload is opaque to both the scheduler
// and the store; it is interpreted by the code that reacts to completion.
type Task struct {
	ID       TaskID
	Kind     string
	Cost     int
	Duration time.Duration
	Elapsed  time.Duration
	Payload  json.RawMessage
}

// Done reports if the task has accumulated enough progress to complete.
func (t Task) Done() bool {
	return t.Elapsed >= t.Duration
}

// TaskProgress carries a progress update for one active task.
type TaskProgress struct {
	ID      TaskID
	Elapsed time.Duration
}

// PoolKind is the lifecycle pool a task belongs to. A task is in exactly one
// pool at a time.
type PoolKind uint8

const (
	// PoolActive holds the tasks currently progressing and counted against
	// the attention budget.
	PoolActive PoolKind = iota
	// PoolPaused holds tasks frozen by the user. Neither progress nor budget
	// contribution advances.
	PoolPaused
	// PoolResumed holds tasks that were paused and unpaused, waiting to be
	// admitted again. They take priority over PoolPending.
	PoolResumed
	// PoolPending holds newly created tasks waiting for first admission.
	PoolPending
)

// pools lists every pool kind in persistence order.
var pools = [...]PoolKind{PoolActive, PoolPaused, PoolResumed, PoolPending}

// String returns the name of the pool as used in persisted keys.
func (k PoolKind) String() string {
	switch k {
	case PoolActive:
		return "active"
	case PoolPaused:
		return "paused"
	case PoolResumed:
		return "resumed"
	case PoolPending:
		return "pending"
	}
	return "unknown"
}
