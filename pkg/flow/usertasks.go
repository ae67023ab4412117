package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/expr"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// createUserTasks materializes the user task(s) behind an activity. A plain
// activity gets one pending task; a multi-instance activity gets a group
// record plus one sibling task per collection item or cardinality slot.
func (engine *Engine) createUserTasks(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) error {
	if element.MultiInstance == nil {
		task := runtime.Task{
			Key:                engine.generateKey(),
			ProcessInstanceKey: instance.Key,
			TokenKey:           token.Key,
			ElementId:          element.Id,
			State:              runtime.TaskStatePending,
			Variables:          instance.VariableHolder.Snapshot(),
			CreatedAt:          time.Now(),
		}
		if err := batch.SaveTask(ctx, task); err != nil {
			return err
		}
		engine.bus.Publish(EventTaskCreated, EventPayload{
			ProcessInstanceKey: instance.Key,
			TokenKey:           token.Key,
			ElementId:          element.Id,
			TaskKey:            task.Key,
		})
		return nil
	}
	return engine.createMultiInstanceTasks(ctx, batch, instance, element, token)
}

func (engine *Engine) createMultiInstanceTasks(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) error {
	mi := element.MultiInstance
	items, assignees, err := engine.resolveMultiInstanceFanOut(instance, element)
	if err != nil {
		return err
	}
	total := len(items)
	if total == 0 {
		return newValidationErrorf("multi-instance activity %s resolved to zero instances", element.Id)
	}

	group := runtime.MultiInstanceGroup{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		TokenKey:           token.Key,
		ActivityId:         element.Id,
		Sequential:         mi.Sequential,
		Total:              int32(total),
		CreatedAt:          time.Now(),
	}
	if cfg := element.RejectConfig; cfg != nil {
		group.Strategy = cfg.DefaultStrategy
		group.RejectPercentage = cfg.RejectPercentage
	}
	if err := batch.SaveMultiInstanceGroup(ctx, group); err != nil {
		return err
	}

	for i := 0; i < total; i++ {
		variables := instance.VariableHolder.Snapshot()
		variables["item"] = items[i]
		variables["loopCounter"] = i
		task := runtime.Task{
			Key:                engine.generateKey(),
			ProcessInstanceKey: instance.Key,
			TokenKey:           token.Key,
			ElementId:          element.Id,
			State:              runtime.TaskStatePending,
			GroupKey:           group.Key,
			Variables:          variables,
			CreatedAt:          time.Now(),
		}
		if i < len(assignees) {
			task.Assignee = assignees[i]
		}
		if err := batch.SaveTask(ctx, task); err != nil {
			return err
		}
		engine.bus.Publish(EventTaskCreated, EventPayload{
			ProcessInstanceKey: instance.Key,
			TokenKey:           token.Key,
			ElementId:          element.Id,
			TaskKey:            task.Key,
		})
	}
	engine.log.Debug("multi-instance group created", "activity", element.Id, "total", total, "sequential", mi.Sequential)
	return nil
}

// resolveMultiInstanceFanOut determines the sibling count and per-sibling
// inputs from the collection expression or fixed cardinality.
func (engine *Engine) resolveMultiInstanceFanOut(instance *runtime.ProcessInstance, element *model.Element) ([]interface{}, []string, error) {
	mi := element.MultiInstance
	var items []interface{}
	if mi.CollectionExpression != "" {
		value, err := engine.evaluator.Evaluate(mi.CollectionExpression, instance.VariableHolder.Variables())
		if err != nil {
			return nil, nil, errors.Join(newEngineErrorf("failed to evaluate input collection for %s", element.Id), err)
		}
		collection, ok := value.([]interface{})
		if !ok {
			return nil, nil, newValidationErrorf("input collection of %s is not a collection", element.Id)
		}
		items = collection
	} else {
		for i := 0; i < mi.Cardinality; i++ {
			items = append(items, i)
		}
	}

	var assignees []string
	if mi.AssigneesExpression != "" {
		value, err := engine.evaluator.Evaluate(mi.AssigneesExpression, instance.VariableHolder.Variables())
		if err != nil {
			return nil, nil, errors.Join(newEngineErrorf("failed to evaluate assignees for %s", element.Id), err)
		}
		if list, ok := value.([]interface{}); ok {
			for _, a := range list {
				assignees = append(assignees, fmt.Sprintf("%v", a))
			}
		}
	}
	return items, assignees, nil
}

// CompleteTask marks a pending task completed, merges its result variables
// into the instance scope, and advances the owning execution once the task
// (or its whole multi-instance group) no longer blocks it.
func (engine *Engine) CompleteTask(ctx context.Context, taskKey int64, variables map[string]interface{}) error {
	task, err := engine.persistence.FindTaskByKey(ctx, taskKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find task %d", taskKey), err)
	}
	if task.State != runtime.TaskStatePending {
		return &ConflictError{Msg: fmt.Sprintf("task %d is not pending (state=%s)", taskKey, task.State)}
	}
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, task.ProcessInstanceKey)
	if err != nil {
		return err
	}

	now := time.Now()
	task.State = runtime.TaskStateCompleted
	task.CompletedAt = &now
	if err := engine.persistence.SaveTask(ctx, task); err != nil {
		return err
	}
	instance.VariableHolder.SetVariables(variables)
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return err
	}
	engine.bus.Publish(EventTaskCompleted, EventPayload{
		ProcessInstanceKey: instance.Key,
		TokenKey:           task.TokenKey,
		ElementId:          task.ElementId,
		TaskKey:            task.Key,
	})

	if task.GroupKey != 0 {
		done, err := engine.multiInstanceGroupDone(ctx, task.GroupKey)
		if err != nil {
			return err
		}
		if !done {
			early, err := engine.earlyGroupCompletion(ctx, &instance, task)
			if err != nil {
				return err
			}
			if !early {
				return nil
			}
		} else {
			// check whether a deferred reject resolution is now due
			if resolved, err := engine.miReject.resolveDeferred(ctx, &instance, task.GroupKey); err != nil {
				return err
			} else if resolved {
				return nil
			}
		}
	}
	return engine.AdvanceProcess(ctx, task.TokenKey)
}

// multiInstanceGroupDone reports whether every sibling of the group has left
// the pending state.
func (engine *Engine) multiInstanceGroupDone(ctx context.Context, groupKey int64) (bool, error) {
	siblings, err := engine.persistence.FindGroupTasks(ctx, groupKey)
	if err != nil {
		return false, errors.Join(newEngineErrorf("failed to load group %d tasks", groupKey), err)
	}
	for _, sibling := range siblings {
		if sibling.State == runtime.TaskStatePending {
			return false, nil
		}
	}
	return true, nil
}

// earlyGroupCompletion cancels the remaining siblings once the group's
// completion condition holds, letting the flow move on before every sibling
// finished.
func (engine *Engine) earlyGroupCompletion(ctx context.Context, instance *runtime.ProcessInstance, task runtime.Task) (bool, error) {
	graph, err := engine.graphs.ProcessGraph(ctx, instance.DefinitionId, instance.Version)
	if err != nil {
		return false, err
	}
	element := graph.FindElement(task.ElementId)
	if element == nil {
		return false, nil
	}
	met, err := engine.completionConditionMet(instance, element)
	if err != nil || !met {
		return false, err
	}
	siblings, err := engine.persistence.FindGroupTasks(ctx, task.GroupKey)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, sibling := range siblings {
		if sibling.State != runtime.TaskStatePending {
			continue
		}
		sibling.State = runtime.TaskStateCancelled
		sibling.CompletedAt = &now
		if err := engine.persistence.SaveTask(ctx, sibling); err != nil {
			return false, err
		}
	}
	engine.log.Debug("completion condition met, cancelling remaining siblings", "activity", task.ElementId, "group", task.GroupKey)
	return true, nil
}

// completionConditionMet evaluates the optional multi-instance completion
// condition against the instance scope.
func (engine *Engine) completionConditionMet(instance *runtime.ProcessInstance, element *model.Element) (bool, error) {
	mi := element.MultiInstance
	if mi == nil || mi.CompletionCondition == "" {
		return false, nil
	}
	value, err := engine.evaluator.Evaluate(mi.CompletionCondition, instance.VariableHolder.Variables())
	if err != nil {
		if expr.IsUnresolvedReference(err) {
			// no sibling has set the deciding variable yet, so the condition
			// is simply not met
			return false, nil
		}
		return false, errors.Join(newEngineErrorf("failed to evaluate completion condition for %s", element.Id), err)
	}
	return expr.Truthy(value), nil
}
