package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
)

// RejectRequest carries one task rejection.
type RejectRequest struct {
	TaskKey int64
	Type    model.RejectType
	// TargetActivityId names the send-back destination for TO_SPECIFIC and
	// TO_ANY_HISTORY; ignored for the other types.
	TargetActivityId string
	Reason           string
	UserId           string
	Variables        map[string]interface{}
}

// TaskRejectEngine validates reject requests against the activity's policy
// and sends process control back to the resolved target: the current task and
// its token are cancelled and a fresh token starts at the target activity.
type TaskRejectEngine struct {
	engine *Engine
	log    hclog.Logger
}

func newTaskRejectEngine(engine *Engine) *TaskRejectEngine {
	return &TaskRejectEngine{
		engine: engine,
		log:    engine.log.Named("task-reject"),
	}
}

// Reject executes one rejection. Every policy violation surfaces as a
// ValidationError before any record is written or task is touched.
func (t *TaskRejectEngine) Reject(ctx context.Context, request RejectRequest) (runtime.TaskRejectRecord, error) {
	task, err := t.engine.persistence.FindTaskByKey(ctx, request.TaskKey)
	if err != nil {
		return runtime.TaskRejectRecord{}, errors.Join(newEngineErrorf("failed to find task %d", request.TaskKey), err)
	}
	if task.State != runtime.TaskStatePending {
		return runtime.TaskRejectRecord{}, &ConflictError{Msg: fmt.Sprintf("task %d is not pending (state=%s)", task.Key, task.State)}
	}
	instance, err := t.engine.persistence.FindProcessInstanceByKey(ctx, task.ProcessInstanceKey)
	if err != nil {
		return runtime.TaskRejectRecord{}, err
	}
	graph, err := t.engine.graphs.ProcessGraph(ctx, instance.DefinitionId, instance.Version)
	if err != nil {
		return runtime.TaskRejectRecord{}, err
	}
	element := graph.FindElement(task.ElementId)
	if element == nil {
		return runtime.TaskRejectRecord{}, newEngineErrorf("task %d references unknown element %s", task.Key, task.ElementId)
	}

	if err := t.validate(element, &instance, request); err != nil {
		return runtime.TaskRejectRecord{}, err
	}
	target, err := t.resolveTarget(graph, &instance, task, request)
	if err != nil {
		return runtime.TaskRejectRecord{}, err
	}

	record := runtime.TaskRejectRecord{
		Id:                 uuid.NewString(),
		TaskKey:            task.Key,
		ProcessInstanceKey: task.ProcessInstanceKey,
		TokenKey:           task.TokenKey,
		Type:               request.Type,
		SourceActivityId:   task.ElementId,
		TargetActivityId:   target,
		RequestedBy:        request.UserId,
		Reason:             request.Reason,
		Status:             runtime.RejectStatusPending,
		CreatedAt:          time.Now(),
	}

	batch := t.engine.persistence.NewBatch()
	now := time.Now()
	task.State = runtime.TaskStateCancelled
	task.CompletedAt = &now
	if err := batch.SaveTask(ctx, task); err != nil {
		return runtime.TaskRejectRecord{}, err
	}
	token, err := t.engine.persistence.FindExecutionTokenByKey(ctx, task.TokenKey)
	if err != nil {
		return runtime.TaskRejectRecord{}, err
	}
	token.State = runtime.TokenStateCancelled
	if err := batch.SaveExecutionToken(ctx, token); err != nil {
		return runtime.TaskRejectRecord{}, err
	}
	record.Status = runtime.RejectStatusExecuted
	if err := batch.SaveTaskRejectRecord(ctx, record); err != nil {
		return runtime.TaskRejectRecord{}, err
	}
	if err := batch.Flush(ctx); err != nil {
		record.Status = runtime.RejectStatusFailed
		if saveErr := t.engine.persistence.SaveTaskRejectRecord(ctx, record); saveErr != nil {
			t.log.Error("failed to persist failed reject record", "record", record.Id, "error", saveErr)
		}
		return runtime.TaskRejectRecord{}, &FailedError{Op: "task reject", Err: err}
	}

	t.engine.bus.Publish(EventTaskRejected, EventPayload{
		ProcessInstanceKey: task.ProcessInstanceKey,
		TokenKey:           task.TokenKey,
		ElementId:          task.ElementId,
		TaskKey:            task.Key,
		Detail:             map[string]interface{}{"type": string(request.Type), "target": target},
	})
	t.log.Info("task rejected", "task", task.Key, "source", task.ElementId, "target", target, "type", request.Type)

	// the rejected task's snapshot travels back with the flow, overridden by
	// whatever the rejecting user supplied
	variables := map[string]interface{}{}
	for k, v := range task.Variables {
		variables[k] = v
	}
	for k, v := range request.Variables {
		variables[k] = v
	}
	if err := t.engine.activateElement(ctx, &instance, target, variables); err != nil {
		return record, err
	}
	return record, nil
}

// RejectBatch executes each request independently and aggregates the
// failures; one bad request does not abort the rest.
func (t *TaskRejectEngine) RejectBatch(ctx context.Context, requests []RejectRequest) ([]runtime.TaskRejectRecord, error) {
	var result *multierror.Error
	records := make([]runtime.TaskRejectRecord, 0, len(requests))
	for _, request := range requests {
		record, err := t.Reject(ctx, request)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("task %d: %w", request.TaskKey, err))
			continue
		}
		records = append(records, record)
	}
	return records, result.ErrorOrNil()
}

func (t *TaskRejectEngine) validate(element *model.Element, instance *runtime.ProcessInstance, request RejectRequest) error {
	cfg := element.RejectConfig
	if cfg == nil || !cfg.AllowReject {
		return newValidationErrorf("activity %s does not allow rejection", element.Id)
	}
	if request.Type == model.RejectNotAllowed {
		return newValidationErrorf("reject type %s is not executable", request.Type)
	}
	if !cfg.AllowsType(request.Type) {
		return newValidationErrorf("activity %s does not allow reject type %s", element.Id, request.Type)
	}
	if cfg.RequireReason && request.Reason == "" {
		return newValidationErrorf("activity %s requires a reject reason", element.Id)
	}
	switch request.Type {
	case model.RejectToSpecific:
		if request.TargetActivityId == "" {
			return newValidationErrorf("reject type %s requires a target activity", request.Type)
		}
		if !cfg.AllowsTarget(request.TargetActivityId) {
			return newValidationErrorf("activity %s is not an allowed reject target of %s", request.TargetActivityId, element.Id)
		}
	case model.RejectToAnyHistory:
		if request.TargetActivityId == "" {
			return newValidationErrorf("reject type %s requires a target activity", request.Type)
		}
		if !instance.HasVisited(request.TargetActivityId) {
			return newValidationErrorf("activity %s was never visited by instance %d", request.TargetActivityId, instance.Key)
		}
	}
	return nil
}

// resolveTarget maps the reject type to a concrete element id.
func (t *TaskRejectEngine) resolveTarget(graph *model.ProcessGraph, instance *runtime.ProcessInstance, task runtime.Task, request RejectRequest) (string, error) {
	switch request.Type {
	case model.RejectToPrevious:
		previous, ok := instance.PreviousActivity(task.ElementId)
		if !ok {
			return "", newValidationErrorf("no previous activity to send task %d back to", task.Key)
		}
		return previous.ElementId, nil
	case model.RejectToStarter:
		// the first activity the instance visited after its start event
		for _, visited := range instance.History {
			element := graph.FindElement(visited.ElementId)
			if element != nil && element.Type != model.ElementTypeStartEvent && !element.Type.IsGateway() {
				return visited.ElementId, nil
			}
		}
		return "", newValidationErrorf("instance %d has no starter activity in its history", instance.Key)
	case model.RejectToSpecific, model.RejectToAnyHistory:
		if graph.FindElement(request.TargetActivityId) == nil {
			return "", newValidationErrorf("reject target %s does not exist in the process", request.TargetActivityId)
		}
		return request.TargetActivityId, nil
	}
	return "", newValidationErrorf("unknown reject type %q", request.Type)
}
