// Package storage defines the persistence seam of the flow engine. The
// coordination logic only talks to these interfaces; the backing technology
// is an external concern.
package storage

import (
	"context"
	"errors"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an atomic mutation lost a race, e.g. a
// compare-and-swap on gateway state. The caller may retry.
var ErrConflict = errors.New("storage conflict")

type ProcessInstanceStorage interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type ExecutionTokenStorage interface {
	FindExecutionTokenByKey(ctx context.Context, tokenKey int64) (runtime.ExecutionToken, error)

	// FindProcessInstanceTokens returns all tokens of the instance,
	// optionally filtered by state.
	FindProcessInstanceTokens(ctx context.Context, processInstanceKey int64, states ...runtime.TokenState) ([]runtime.ExecutionToken, error)

	SaveExecutionToken(ctx context.Context, token runtime.ExecutionToken) error
}

type GatewayStateStorage interface {
	FindInclusiveGatewayState(ctx context.Context, processInstanceKey int64, gatewayId string) (runtime.InclusiveGatewayState, error)
	SaveInclusiveGatewayState(ctx context.Context, state runtime.InclusiveGatewayState) error

	// CompleteInclusiveBranch atomically increments the completed-branch
	// count of the fork state identified by gatewayId. It returns the
	// post-increment state and fired=true for exactly the call that observed
	// completed == active; the state record goes terminal in the same
	// mutation. Arrivals after the record went terminal return discarded=true
	// and mutate nothing.
	CompleteInclusiveBranch(ctx context.Context, processInstanceKey int64, gatewayId string) (state runtime.InclusiveGatewayState, fired bool, discarded bool, err error)

	// DeleteInclusiveGatewayStates purges all gateway bookkeeping of an
	// instance, called when the instance ends.
	DeleteInclusiveGatewayStates(ctx context.Context, processInstanceKey int64) error
}

type CompensationStorage interface {
	FindCompensationRecordByKey(ctx context.Context, recordKey int64) (runtime.CompensationRecord, error)

	// FindCompensationRecords returns the instance's records, optionally
	// filtered by state, ordered by completion time ascending.
	FindCompensationRecords(ctx context.Context, processInstanceKey int64, states ...runtime.CompensationState) ([]runtime.CompensationRecord, error)

	SaveCompensationRecord(ctx context.Context, record runtime.CompensationRecord) error

	FindCompensationScope(ctx context.Context, scopeId string) (runtime.CompensationScope, error)
	FindProcessInstanceScopes(ctx context.Context, processInstanceKey int64) ([]runtime.CompensationScope, error)
	SaveCompensationScope(ctx context.Context, scope runtime.CompensationScope) error
	DeleteCompensationScopes(ctx context.Context, processInstanceKey int64) error
}

type TaskStorage interface {
	FindTaskByKey(ctx context.Context, taskKey int64) (runtime.Task, error)
	FindGroupTasks(ctx context.Context, groupKey int64) ([]runtime.Task, error)
	FindProcessInstanceTasks(ctx context.Context, processInstanceKey int64, states ...runtime.TaskState) ([]runtime.Task, error)
	SaveTask(ctx context.Context, task runtime.Task) error

	FindMultiInstanceGroup(ctx context.Context, groupKey int64) (runtime.MultiInstanceGroup, error)
	SaveMultiInstanceGroup(ctx context.Context, group runtime.MultiInstanceGroup) error
}

type RejectStorage interface {
	FindTaskRejectRecords(ctx context.Context, processInstanceKey int64) ([]runtime.TaskRejectRecord, error)
	SaveTaskRejectRecord(ctx context.Context, record runtime.TaskRejectRecord) error
}

type EventSubscriptionStorage interface {
	FindEventSubscriptionByKey(ctx context.Context, subscriptionKey int64) (runtime.EventSubscription, error)
	FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64, states ...runtime.ActivityState) ([]runtime.EventSubscription, error)
	SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error
}

// Storage aggregates the persistence surface the engine requires.
type Storage interface {
	ProcessInstanceStorage
	ExecutionTokenStorage
	GatewayStateStorage
	CompensationStorage
	TaskStorage
	RejectStorage
	EventSubscriptionStorage

	// NewBatch opens a transactional unit of work. Writes queued on the
	// batch become visible only on Flush; discarding the batch without
	// flushing rolls everything back.
	NewBatch() Batch
}

// Batch is the transactional unit of work used for multi-row mutations that
// must be all-or-nothing (sibling cancellation, reject execution).
type Batch interface {
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
	SaveExecutionToken(ctx context.Context, token runtime.ExecutionToken) error
	SaveTask(ctx context.Context, task runtime.Task) error
	SaveMultiInstanceGroup(ctx context.Context, group runtime.MultiInstanceGroup) error
	SaveTaskRejectRecord(ctx context.Context, record runtime.TaskRejectRecord) error
	SaveCompensationRecord(ctx context.Context, record runtime.CompensationRecord) error
	SaveInclusiveGatewayState(ctx context.Context, state runtime.InclusiveGatewayState) error
	SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error

	// Flush applies all queued writes atomically.
	Flush(ctx context.Context) error
}
