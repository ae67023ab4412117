package flow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// RejectResult is the outcome of one multi-instance reject resolution.
type RejectResult struct {
	Success        bool
	ShouldReject   bool
	CancelledTasks []int64
	Message        string
}

// Progress summarizes a multi-instance group's sibling states.
type Progress struct {
	Total      int
	Pending    int
	Completed  int
	Cancelled  int
	Percentage int
}

// MultiInstanceRejectEngine resolves a single participant's reject signal
// against the whole sibling set of a multi-instance activity. All sibling
// mutations of one resolution are flushed in a single batch: either every
// targeted sibling transitions and the record reaches executed, or nothing
// is applied and the record is marked failed.
type MultiInstanceRejectEngine struct {
	engine *Engine
	log    hclog.Logger
}

func newMultiInstanceRejectEngine(engine *Engine) *MultiInstanceRejectEngine {
	return &MultiInstanceRejectEngine{
		engine: engine,
		log:    engine.log.Named("mi-reject"),
	}
}

// HandleReject resolves the requesting task's reject decision using the
// given strategy, falling back to the group's configured default. A task
// outside any multi-instance group yields a failure result without side
// effects; an unknown strategy fails fast without mutation.
func (m *MultiInstanceRejectEngine) HandleReject(ctx context.Context, taskKey int64, userId string, strategy model.MultiInstanceStrategy, reason string) (RejectResult, error) {
	task, err := m.engine.persistence.FindTaskByKey(ctx, taskKey)
	if err != nil {
		return RejectResult{}, errors.Join(newEngineErrorf("failed to find task %d", taskKey), err)
	}
	if task.GroupKey == 0 {
		return RejectResult{Success: false, Message: "task is not part of a multi-instance group"}, nil
	}
	if task.State != runtime.TaskStatePending {
		return RejectResult{}, &ConflictError{Msg: fmt.Sprintf("task %d is not pending (state=%s)", taskKey, task.State)}
	}
	group, err := m.engine.persistence.FindMultiInstanceGroup(ctx, task.GroupKey)
	if err != nil {
		return RejectResult{}, errors.Join(newEngineErrorf("failed to find multi-instance group %d", task.GroupKey), err)
	}
	if strategy == "" {
		strategy = group.Strategy
	}
	if strategy == "" {
		return RejectResult{}, newValidationErrorf("no reject strategy supplied and none configured for activity %s", group.ActivityId)
	}
	if !model.KnownStrategy(strategy) {
		return RejectResult{}, &ConflictError{Msg: fmt.Sprintf("unknown multi-instance reject strategy %q", strategy)}
	}

	instance, err := m.engine.persistence.FindProcessInstanceByKey(ctx, task.ProcessInstanceKey)
	if err != nil {
		return RejectResult{}, err
	}
	siblings, err := m.engine.persistence.FindGroupTasks(ctx, task.GroupKey)
	if err != nil {
		return RejectResult{}, err
	}

	record := runtime.TaskRejectRecord{
		Id:                 uuid.NewString(),
		TaskKey:            task.Key,
		ProcessInstanceKey: task.ProcessInstanceKey,
		TokenKey:           task.TokenKey,
		Type:               model.RejectToPrevious,
		SourceActivityId:   task.ElementId,
		RequestedBy:        userId,
		Reason:             reason,
		Status:             runtime.RejectStatusPending,
		Strategy:           strategy,
		CreatedAt:          time.Now(),
	}

	batch := m.engine.persistence.NewBatch()
	result, deferred, err := m.dispatch(ctx, batch, strategy, group, task, siblings)
	if err != nil {
		record.Status = runtime.RejectStatusFailed
		if saveErr := m.engine.persistence.SaveTaskRejectRecord(ctx, record); saveErr != nil {
			m.log.Error("failed to persist failed reject record", "record", record.Id, "error", saveErr)
		}
		return RejectResult{}, &FailedError{Op: "multi-instance reject", Err: err}
	}

	if deferred {
		// resolution waits for the remaining siblings; the record stays
		// pending until resolveDeferred picks it up
		record.Status = runtime.RejectStatusPending
	} else {
		record.Status = runtime.RejectStatusExecuted
	}
	if err := batch.SaveTaskRejectRecord(ctx, record); err != nil {
		return RejectResult{}, err
	}
	if err := batch.Flush(ctx); err != nil {
		record.Status = runtime.RejectStatusFailed
		if saveErr := m.engine.persistence.SaveTaskRejectRecord(ctx, record); saveErr != nil {
			m.log.Error("failed to persist failed reject record", "record", record.Id, "error", saveErr)
		}
		return RejectResult{}, &FailedError{Op: "multi-instance reject", Err: err}
	}
	result.Success = true

	if m.engine.metrics != nil {
		m.engine.metrics.RejectsByStrategy.WithLabelValues(string(strategy)).Inc()
	}
	m.engine.bus.Publish(EventTaskRejected, EventPayload{
		ProcessInstanceKey: task.ProcessInstanceKey,
		TokenKey:           task.TokenKey,
		ElementId:          task.ElementId,
		TaskKey:            task.Key,
		Detail:             map[string]interface{}{"strategy": string(strategy), "shouldReject": result.ShouldReject},
	})

	if result.ShouldReject {
		if err := m.settleDeferred(ctx, &instance, group); err != nil {
			return result, err
		}
		if err := m.fireReject(ctx, &instance, group); err != nil {
			return result, err
		}
		return result, nil
	}
	// a cancellation can drain the group just like a completion, so a parked
	// WAIT_COMPLETION reject must get its chance to resolve here too
	done, err := m.engine.multiInstanceGroupDone(ctx, group.Key)
	if err != nil {
		return result, err
	}
	if done {
		if _, err := m.resolveDeferred(ctx, &instance, group.Key); err != nil {
			return result, err
		}
	}
	return result, nil
}

// settleDeferred marks parked WAIT_COMPLETION records of the group executed
// without firing them again, used when another strategy already sends the
// whole group back.
func (m *MultiInstanceRejectEngine) settleDeferred(ctx context.Context, instance *runtime.ProcessInstance, group runtime.MultiInstanceGroup) error {
	records, err := m.engine.persistence.FindTaskRejectRecords(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Status != runtime.RejectStatusPending ||
			record.Strategy != model.StrategyWaitCompletion ||
			record.SourceActivityId != group.ActivityId {
			continue
		}
		record.Status = runtime.RejectStatusExecuted
		if err := m.engine.persistence.SaveTaskRejectRecord(ctx, record); err != nil {
			return err
		}
		m.log.Debug("deferred reject settled by group send-back", "record", record.Id, "activity", group.ActivityId)
	}
	return nil
}

// dispatch applies one strategy's sibling mutations onto the batch and
// reports the outcome. deferred=true means the decision is parked until the
// remaining siblings finish (WAIT_COMPLETION).
func (m *MultiInstanceRejectEngine) dispatch(ctx context.Context, batch storage.Batch, strategy model.MultiInstanceStrategy, group runtime.MultiInstanceGroup, task runtime.Task, siblings []runtime.Task) (RejectResult, bool, error) {
	switch strategy {
	case model.StrategyAllBack:
		cancelled, err := m.cancelPending(ctx, batch, siblings)
		return RejectResult{ShouldReject: true, CancelledTasks: cancelled, Message: "all sibling tasks sent back"}, false, err
	case model.StrategyImmediate:
		cancelled, err := m.cancelPending(ctx, batch, siblings)
		return RejectResult{ShouldReject: true, CancelledTasks: cancelled, Message: "immediate reject, all sibling tasks cancelled"}, false, err
	case model.StrategyOnlyCurrent:
		if err := m.cancelTask(ctx, batch, task); err != nil {
			return RejectResult{}, false, err
		}
		remaining := countPendingExcept(siblings, task.Key)
		return RejectResult{
			ShouldReject:   remaining == 0,
			CancelledTasks: []int64{task.Key},
			Message:        fmt.Sprintf("only current task cancelled, %d sibling(s) still pending", remaining),
		}, false, nil
	case model.StrategyMajorityBack:
		return m.majorityBack(ctx, batch, group, task, siblings)
	case model.StrategyKeepCompleted:
		cancelled, err := m.cancelPending(ctx, batch, siblings)
		return RejectResult{ShouldReject: true, CancelledTasks: cancelled, Message: "pending siblings cancelled, completed work preserved"}, false, err
	case model.StrategyResetAll:
		cancelled, err := m.cancelAll(ctx, batch, siblings)
		return RejectResult{ShouldReject: true, CancelledTasks: cancelled, Message: "all siblings cancelled for full restart"}, false, err
	case model.StrategyWaitCompletion:
		if err := m.cancelTask(ctx, batch, task); err != nil {
			return RejectResult{}, false, err
		}
		remaining := countPendingExcept(siblings, task.Key)
		if remaining == 0 {
			return RejectResult{ShouldReject: true, CancelledTasks: []int64{task.Key}, Message: "last sibling rejected, sending back"}, false, nil
		}
		return RejectResult{
			CancelledTasks: []int64{task.Key},
			Message:        fmt.Sprintf("reject deferred until %d remaining sibling(s) finish", remaining),
		}, true, nil
	}
	return RejectResult{}, false, fmt.Errorf("unhandled strategy %q", strategy)
}

// majorityBack counts rejecting siblings: the requester plus siblings already
// cancelled (their cancellation is the recorded reject vote). Completed
// siblings do not count. The threshold is strictly greater than 50% of the
// group total, unless the group configures an explicit percentage.
func (m *MultiInstanceRejectEngine) majorityBack(ctx context.Context, batch storage.Batch, group runtime.MultiInstanceGroup, task runtime.Task, siblings []runtime.Task) (RejectResult, bool, error) {
	rejecting := 1
	for _, sibling := range siblings {
		if sibling.Key != task.Key && sibling.State == runtime.TaskStateCancelled {
			rejecting++
		}
	}
	total := int(group.Total)
	if total == 0 {
		total = len(siblings)
	}

	majority := rejecting*2 > total
	if group.RejectPercentage > 0 {
		majority = float64(rejecting)/float64(total)*100 > group.RejectPercentage
	}

	if !majority {
		if err := m.cancelTask(ctx, batch, task); err != nil {
			return RejectResult{}, false, err
		}
		return RejectResult{
			CancelledTasks: []int64{task.Key},
			Message:        fmt.Sprintf("%d of %d rejecting, majority not reached", rejecting, total),
		}, false, nil
	}
	cancelled, err := m.cancelPending(ctx, batch, siblings)
	return RejectResult{
		ShouldReject:   true,
		CancelledTasks: cancelled,
		Message:        fmt.Sprintf("%d of %d rejecting, majority reached", rejecting, total),
	}, false, err
}

func (m *MultiInstanceRejectEngine) cancelTask(ctx context.Context, batch storage.Batch, task runtime.Task) error {
	task.State = runtime.TaskStateCancelled
	now := time.Now()
	task.CompletedAt = &now
	return batch.SaveTask(ctx, task)
}

// cancelPending cancels every sibling still pending.
func (m *MultiInstanceRejectEngine) cancelPending(ctx context.Context, batch storage.Batch, siblings []runtime.Task) ([]int64, error) {
	var cancelled []int64
	for _, sibling := range siblings {
		if sibling.State != runtime.TaskStatePending {
			continue
		}
		if err := m.cancelTask(ctx, batch, sibling); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, sibling.Key)
	}
	return cancelled, nil
}

// cancelAll cancels every sibling, completed ones included.
func (m *MultiInstanceRejectEngine) cancelAll(ctx context.Context, batch storage.Batch, siblings []runtime.Task) ([]int64, error) {
	var cancelled []int64
	for _, sibling := range siblings {
		if sibling.State == runtime.TaskStateCancelled {
			continue
		}
		if err := m.cancelTask(ctx, batch, sibling); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, sibling.Key)
	}
	return cancelled, nil
}

func countPendingExcept(siblings []runtime.Task, exceptKey int64) int {
	count := 0
	for _, sibling := range siblings {
		if sibling.Key != exceptKey && sibling.State == runtime.TaskStatePending {
			count++
		}
	}
	return count
}

// fireReject sends the flow back: the group's token is cancelled and the
// previous activity from the instance history is re-activated with the
// instance's current variables.
func (m *MultiInstanceRejectEngine) fireReject(ctx context.Context, instance *runtime.ProcessInstance, group runtime.MultiInstanceGroup) error {
	token, err := m.engine.persistence.FindExecutionTokenByKey(ctx, group.TokenKey)
	if err != nil {
		return err
	}
	token.State = runtime.TokenStateCancelled
	if err := m.engine.persistence.SaveExecutionToken(ctx, token); err != nil {
		return err
	}
	previous, ok := instance.PreviousActivity(group.ActivityId)
	if !ok {
		return newEngineErrorf("no previous activity to send back to from %s", group.ActivityId)
	}
	return m.engine.activateElement(ctx, instance, previous.ElementId, nil)
}

// resolveDeferred fires a parked WAIT_COMPLETION reject once the group's
// remaining siblings have all finished. Returns true when a deferred reject
// took over the continuation.
func (m *MultiInstanceRejectEngine) resolveDeferred(ctx context.Context, instance *runtime.ProcessInstance, groupKey int64) (bool, error) {
	group, err := m.engine.persistence.FindMultiInstanceGroup(ctx, groupKey)
	if err != nil {
		return false, err
	}
	records, err := m.engine.persistence.FindTaskRejectRecords(ctx, instance.Key)
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if record.Status != runtime.RejectStatusPending ||
			record.Strategy != model.StrategyWaitCompletion ||
			record.SourceActivityId != group.ActivityId {
			continue
		}
		record.Status = runtime.RejectStatusExecuted
		if err := m.engine.persistence.SaveTaskRejectRecord(ctx, record); err != nil {
			return false, err
		}
		m.log.Debug("deferred reject resolved", "record", record.Id, "activity", group.ActivityId)
		if err := m.fireReject(ctx, instance, group); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// GetProgress reports the sibling-state tally of the task's group.
// Percentage is completed/total rounded, and 0 for an empty group.
func (m *MultiInstanceRejectEngine) GetProgress(ctx context.Context, taskKey int64) (Progress, error) {
	task, err := m.engine.persistence.FindTaskByKey(ctx, taskKey)
	if err != nil {
		return Progress{}, errors.Join(newEngineErrorf("failed to find task %d", taskKey), err)
	}
	if task.GroupKey == 0 {
		return Progress{}, newValidationErrorf("task %d is not part of a multi-instance group", taskKey)
	}
	siblings, err := m.engine.persistence.FindGroupTasks(ctx, task.GroupKey)
	if err != nil {
		return Progress{}, err
	}
	progress := Progress{Total: len(siblings)}
	for _, sibling := range siblings {
		switch sibling.State {
		case runtime.TaskStatePending:
			progress.Pending++
		case runtime.TaskStateCompleted:
			progress.Completed++
		case runtime.TaskStateCancelled:
			progress.Cancelled++
		}
	}
	if progress.Total > 0 {
		progress.Percentage = int(math.Round(float64(progress.Completed) / float64(progress.Total) * 100))
	}
	return progress, nil
}
