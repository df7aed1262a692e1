package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskExpirySweep marks lots past their expiration date as EXPIRED.
	TaskExpirySweep = "inventory:expiry_sweep"
	// TaskLowStockScan emits alerts for positions below their product minimum.
	TaskLowStockScan = "inventory:lowstock_scan"
	// TaskStaleApprovalSweep cancels movements whose approval window elapsed.
	TaskStaleApprovalSweep = "inventory:stale_approvals"
	// TaskNotifyEvent carries a serialized domain event to the notification
	// channel.
	TaskNotifyEvent = "inventory:notify"
)

// SweepPayload carries scheduling metadata for periodic sweeps.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpirySweepTask constructs the expiry sweep task.
func NewExpirySweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// NewLowStockScanTask constructs the low stock scan task.
func NewLowStockScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, body, asynq.Queue(QueueDefault)), nil
}

// NewStaleApprovalSweepTask constructs the stale approval sweep task.
func NewStaleApprovalSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStaleApprovalSweep, body, asynq.Queue(QueueDefault)), nil
}

// EventPayload wraps a domain event for queue transport.
type EventPayload struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// NewNotifyEventTask constructs a notification task from an event kind and
// its JSON body.
func NewNotifyEventTask(kind string, body json.RawMessage) (*asynq.Task, error) {
	data, err := json.Marshal(EventPayload{Kind: kind, Body: body})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyEvent, data, asynq.Queue(QueueDefault)), nil
}
