// Package inmemory keeps engine state in process-local maps. It is the
// reference implementation of the storage interfaces, used by tests and
// embedded deployments.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// Storage keeps process state in memory, please use NewStorage to create a
// new object of this type. All access goes through one RWMutex; the inclusive
// branch counter relies on that for its increment-and-compare.
type Storage struct {
	mu sync.RWMutex

	ProcessInstances   map[int64]runtime.ProcessInstance
	ExecutionTokens    map[int64]runtime.ExecutionToken
	GatewayStates      map[int64]runtime.InclusiveGatewayState
	CompensationRecs   map[int64]runtime.CompensationRecord
	CompensationScopes map[string]runtime.CompensationScope
	Tasks              map[int64]runtime.Task
	Groups             map[int64]runtime.MultiInstanceGroup
	RejectRecords      map[string]runtime.TaskRejectRecord
	EventSubscriptions map[int64]runtime.EventSubscription
}

func NewStorage() *Storage {
	return &Storage{
		ProcessInstances:   make(map[int64]runtime.ProcessInstance),
		ExecutionTokens:    make(map[int64]runtime.ExecutionToken),
		GatewayStates:      make(map[int64]runtime.InclusiveGatewayState),
		CompensationRecs:   make(map[int64]runtime.CompensationRecord),
		CompensationScopes: make(map[string]runtime.CompensationScope),
		Tasks:              make(map[int64]runtime.Task),
		Groups:             make(map[int64]runtime.MultiInstanceGroup),
		RejectRecords:      make(map[string]runtime.TaskRejectRecord),
		EventSubscriptions: make(map[int64]runtime.EventSubscription),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	pi, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return pi, storage.ErrNotFound
	}
	return pi, nil
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

func (mem *Storage) FindExecutionTokenByKey(ctx context.Context, tokenKey int64) (runtime.ExecutionToken, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	token, ok := mem.ExecutionTokens[tokenKey]
	if !ok {
		return token, storage.ErrNotFound
	}
	return token, nil
}

func (mem *Storage) FindProcessInstanceTokens(ctx context.Context, processInstanceKey int64, states ...runtime.TokenState) ([]runtime.ExecutionToken, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var result []runtime.ExecutionToken
	for _, token := range mem.ExecutionTokens {
		if token.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !containsTokenState(states, token.State) {
			continue
		}
		result = append(result, token)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (mem *Storage) SaveExecutionToken(ctx context.Context, token runtime.ExecutionToken) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ExecutionTokens[token.Key] = token
	return nil
}

func (mem *Storage) FindInclusiveGatewayState(ctx context.Context, processInstanceKey int64, gatewayId string) (runtime.InclusiveGatewayState, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return mem.findGatewayStateLocked(processInstanceKey, gatewayId)
}

func (mem *Storage) findGatewayStateLocked(processInstanceKey int64, gatewayId string) (runtime.InclusiveGatewayState, error) {
	for _, state := range mem.GatewayStates {
		if state.ProcessInstanceKey == processInstanceKey && state.GatewayId == gatewayId {
			return state, nil
		}
	}
	return runtime.InclusiveGatewayState{}, storage.ErrNotFound
}

func (mem *Storage) SaveInclusiveGatewayState(ctx context.Context, state runtime.InclusiveGatewayState) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.GatewayStates[state.Key] = state
	return nil
}

func (mem *Storage) CompleteInclusiveBranch(ctx context.Context, processInstanceKey int64, gatewayId string) (runtime.InclusiveGatewayState, bool, bool, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	state, err := mem.findGatewayStateLocked(processInstanceKey, gatewayId)
	if err != nil {
		return state, false, false, err
	}
	if !state.Active {
		// the join already fired; the arriving execution is a no-op
		return state, false, true, nil
	}
	state.CompletedBranches++
	fired := state.CompletedBranches == state.ActiveBranches
	if fired {
		state.Active = false
	}
	mem.GatewayStates[state.Key] = state
	return state, fired, false, nil
}

func (mem *Storage) DeleteInclusiveGatewayStates(ctx context.Context, processInstanceKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for key, state := range mem.GatewayStates {
		if state.ProcessInstanceKey == processInstanceKey {
			delete(mem.GatewayStates, key)
		}
	}
	return nil
}

func (mem *Storage) FindCompensationRecordByKey(ctx context.Context, recordKey int64) (runtime.CompensationRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	rec, ok := mem.CompensationRecs[recordKey]
	if !ok {
		return rec, storage.ErrNotFound
	}
	return rec, nil
}

func (mem *Storage) FindCompensationRecords(ctx context.Context, processInstanceKey int64, states ...runtime.CompensationState) ([]runtime.CompensationRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var result []runtime.CompensationRecord
	for _, rec := range mem.CompensationRecs {
		if rec.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !containsCompensationState(states, rec.State) {
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CompletedAt.Equal(result[j].CompletedAt) {
			return result[i].Key < result[j].Key
		}
		return result[i].CompletedAt.Before(result[j].CompletedAt)
	})
	return result, nil
}

func (mem *Storage) SaveCompensationRecord(ctx context.Context, record runtime.CompensationRecord) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.CompensationRecs[record.Key] = record
	return nil
}

func (mem *Storage) FindCompensationScope(ctx context.Context, scopeId string) (runtime.CompensationScope, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	scope, ok := mem.CompensationScopes[scopeId]
	if !ok {
		return scope, storage.ErrNotFound
	}
	return scope, nil
}

func (mem *Storage) FindProcessInstanceScopes(ctx context.Context, processInstanceKey int64) ([]runtime.CompensationScope, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var result []runtime.CompensationScope
	for _, scope := range mem.CompensationScopes {
		if scope.ProcessInstanceKey == processInstanceKey {
			result = append(result, scope)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (mem *Storage) SaveCompensationScope(ctx context.Context, scope runtime.CompensationScope) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.CompensationScopes[scope.Id] = scope
	return nil
}

func (mem *Storage) DeleteCompensationScopes(ctx context.Context, processInstanceKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for id, scope := range mem.CompensationScopes {
		if scope.ProcessInstanceKey == processInstanceKey {
			delete(mem.CompensationScopes, id)
		}
	}
	return nil
}

func (mem *Storage) FindTaskByKey(ctx context.Context, taskKey int64) (runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	task, ok := mem.Tasks[taskKey]
	if !ok {
		return task, storage.ErrNotFound
	}
	return task, nil
}

func (mem *Storage) FindGroupTasks(ctx context.Context, groupKey int64) ([]runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var result []runtime.Task
	for _, task := range mem.Tasks {
		if task.GroupKey == groupKey {
			result = append(result, task)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (mem *Storage) FindProcessInstanceTasks(ctx context.Context, processInstanceKey int64, states ...runtime.TaskState) ([]runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var result []runtime.Task
	for _, task := range mem.Tasks {
		if task.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !containsTaskState(states, task.State) {
			continue
		}
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (mem *Storage) SaveTask(ctx context.Context, task runtime.Task) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Tasks[task.Key] = task
	return nil
}

func (mem *Storage) FindMultiInstanceGroup(ctx context.Context, groupKey int64) (runtime.MultiInstanceGroup, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	group, ok := mem.Groups[groupKey]
	if !ok {
		return group, storage.ErrNotFound
	}
	return group, nil
}

func (mem *Storage) SaveMultiInstanceGroup(ctx context.Context, group runtime.MultiInstanceGroup) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Groups[group.Key] = group
	return nil
}

func (mem *Storage) FindTaskRejectRecords(ctx context.Context, processInstanceKey int64) ([]runtime.TaskRejectRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var result []runtime.TaskRejectRecord
	for _, rec := range mem.RejectRecords {
		if rec.ProcessInstanceKey == processInstanceKey {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (mem *Storage) SaveTaskRejectRecord(ctx context.Context, record runtime.TaskRejectRecord) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.RejectRecords[record.Id] = record
	return nil
}

func (mem *Storage) FindEventSubscriptionByKey(ctx context.Context, subscriptionKey int64) (runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	sub, ok := mem.EventSubscriptions[subscriptionKey]
	if !ok {
		return sub, storage.ErrNotFound
	}
	return sub, nil
}

func (mem *Storage) FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64, states ...runtime.ActivityState) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var result []runtime.EventSubscription
	for _, sub := range mem.EventSubscriptions {
		if sub.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !containsActivityState(states, sub.State) {
			continue
		}
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (mem *Storage) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.EventSubscriptions[subscription.Key] = subscription
	return nil
}

func containsTokenState(states []runtime.TokenState, s runtime.TokenState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

func containsCompensationState(states []runtime.CompensationState, s runtime.CompensationState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

func containsTaskState(states []runtime.TaskState, s runtime.TaskState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

func containsActivityState(states []runtime.ActivityState, s runtime.ActivityState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}
