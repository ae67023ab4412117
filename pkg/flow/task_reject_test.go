package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage/inmemory"
)

// draft feeds a review task whose policy allows sending work back to draft
func reviewGraph(t *testing.T, cfg *model.RejectConfig) *model.ProcessGraph {
	b := newGraph("review-flow")
	b.element("start", model.ElementTypeStartEvent)
	b.element("draft", model.ElementTypeServiceTask)
	review := b.element("review", model.ElementTypeUserTask)
	review.RejectConfig = cfg
	b.element("archive", model.ElementTypeServiceTask) // reachable in later versions, never visited here
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "draft", "")
	b.flow("f2", "draft", "review", "")
	b.flow("f3", "review", "end", "")
	return b.build(t)
}

func permissiveRejectConfig() *model.RejectConfig {
	return &model.RejectConfig{
		AllowReject:             true,
		AllowedTypes:            []model.RejectType{model.RejectToPrevious, model.RejectToStarter, model.RejectToSpecific, model.RejectToAnyHistory},
		RequireReason:           true,
		AllowedTargetActivities: []string{"draft"},
	}
}

func startReview(t *testing.T, cfg *model.RejectConfig) (*Engine, *inmemory.Storage, *runtime.ProcessInstance, runtime.Task, *CallPath) {
	t.Helper()
	cp := &CallPath{}
	engine, store := newTestEngine(reviewGraph(t, cfg))
	engine.RegisterTaskHandler("draft", cp.TaskHandler)
	instance, err := engine.CreateAndRunInstance(context.Background(), "review-flow", 1, nil)
	require.NoError(t, err)
	tasks, err := store.FindProcessInstanceTasks(context.Background(), instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return engine, store, instance, tasks[0], cp
}

func TestRejectToPreviousSendsFlowBack(t *testing.T) {
	// given
	engine, store, instance, task, cp := startReview(t, permissiveRejectConfig())
	ctx := context.Background()

	// when
	record, err := engine.TaskReject().Reject(ctx, RejectRequest{
		TaskKey: task.Key,
		Type:    model.RejectToPrevious,
		Reason:  "needs rework",
		UserId:  "reviewer-1",
	})
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.RejectStatusExecuted, record.Status)
	assert.Equal(t, "review", record.SourceActivityId)
	assert.Equal(t, "draft", record.TargetActivityId)
	assert.Equal(t, "reviewer-1", record.RequestedBy)

	cancelled, err := store.FindTaskByKey(ctx, task.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskStateCancelled, cancelled.State)
	token, err := store.FindExecutionTokenByKey(ctx, task.TokenKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.TokenStateCancelled, token.State)

	// then - draft ran again and produced a fresh review task
	assert.Equal(t, "draft,draft", cp.CallPath)
	fresh, err := store.FindProcessInstanceTasks(ctx, instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "review", fresh[0].ElementId)
	assert.NotEqual(t, task.Key, fresh[0].Key)
}

func TestRejectWithoutRequiredReasonTouchesNothing(t *testing.T) {
	// given
	engine, store, instance, task, _ := startReview(t, permissiveRejectConfig())
	ctx := context.Background()

	// when
	_, err := engine.TaskReject().Reject(ctx, RejectRequest{
		TaskKey: task.Key,
		Type:    model.RejectToPrevious,
		UserId:  "reviewer-1",
	})

	// then - the validation fails before any mutation
	assert.True(t, IsValidation(err))
	reloaded, err := store.FindTaskByKey(ctx, task.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskStatePending, reloaded.State)
	token, err := store.FindExecutionTokenByKey(ctx, task.TokenKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.TokenStateWaiting, token.State)
	records, err := store.FindTaskRejectRecords(ctx, instance.Key)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRejectOnActivityWithoutPolicyIsDenied(t *testing.T) {
	// given - no reject policy on the review task
	engine, _, _, task, _ := startReview(t, nil)

	// when
	_, err := engine.TaskReject().Reject(context.Background(), RejectRequest{
		TaskKey: task.Key,
		Type:    model.RejectToPrevious,
		Reason:  "no",
	})

	// then
	assert.True(t, IsValidation(err))
}

func TestRejectTypeOutsideAllowedListIsDenied(t *testing.T) {
	// given - only TO_PREVIOUS is permitted
	cfg := permissiveRejectConfig()
	cfg.AllowedTypes = []model.RejectType{model.RejectToPrevious}
	engine, _, _, task, _ := startReview(t, cfg)

	// when
	_, err := engine.TaskReject().Reject(context.Background(), RejectRequest{
		TaskKey: task.Key,
		Type:    model.RejectToStarter,
		Reason:  "no",
	})

	// then
	assert.True(t, IsValidation(err))
}

func TestRejectToSpecificValidatesTargetWhitelist(t *testing.T) {
	// given
	engine, _, _, task, cp := startReview(t, permissiveRejectConfig())
	ctx := context.Background()

	// when - a target outside the whitelist
	_, err := engine.TaskReject().Reject(ctx, RejectRequest{
		TaskKey:          task.Key,
		Type:             model.RejectToSpecific,
		TargetActivityId: "archive",
		Reason:           "wrong lane",
	})

	// then
	assert.True(t, IsValidation(err))

	// when - the whitelisted target
	record, err := engine.TaskReject().Reject(ctx, RejectRequest{
		TaskKey:          task.Key,
		Type:             model.RejectToSpecific,
		TargetActivityId: "draft",
		Reason:           "wrong lane",
	})
	require.NoError(t, err)

	// then
	assert.Equal(t, "draft", record.TargetActivityId)
	assert.Equal(t, "draft,draft", cp.CallPath)
}

func TestRejectToAnyHistoryRequiresVisitedTarget(t *testing.T) {
	// given
	engine, _, _, task, _ := startReview(t, permissiveRejectConfig())

	// when - archive exists in the process but was never visited
	_, err := engine.TaskReject().Reject(context.Background(), RejectRequest{
		TaskKey:          task.Key,
		Type:             model.RejectToAnyHistory,
		TargetActivityId: "archive",
		Reason:           "back",
	})

	// then
	assert.True(t, IsValidation(err))

	// when - a visited target
	record, err := engine.TaskReject().Reject(context.Background(), RejectRequest{
		TaskKey:          task.Key,
		Type:             model.RejectToAnyHistory,
		TargetActivityId: "draft",
		Reason:           "back",
	})
	require.NoError(t, err)

	// then
	assert.Equal(t, "draft", record.TargetActivityId)
}

func TestRejectToStarterResolvesFirstActivity(t *testing.T) {
	// given
	engine, _, _, task, cp := startReview(t, permissiveRejectConfig())

	// when
	record, err := engine.TaskReject().Reject(context.Background(), RejectRequest{
		TaskKey: task.Key,
		Type:    model.RejectToStarter,
		Reason:  "start over",
	})
	require.NoError(t, err)

	// then
	assert.Equal(t, "draft", record.TargetActivityId)
	assert.Equal(t, "draft,draft", cp.CallPath)
}

func TestRejectCarriesTaskVariablesBack(t *testing.T) {
	// given
	engine, store, instance, task, _ := startReview(t, permissiveRejectConfig())
	ctx := context.Background()

	// when - the reviewer attaches a note with the rejection
	_, err := engine.TaskReject().Reject(ctx, RejectRequest{
		TaskKey:   task.Key,
		Type:      model.RejectToPrevious,
		Reason:    "typo in clause 3",
		Variables: map[string]interface{}{"reviewNote": "fix clause 3"},
	})
	require.NoError(t, err)

	// then
	reloaded, err := store.FindProcessInstanceByKey(ctx, instance.Key)
	require.NoError(t, err)
	assert.Equal(t, "fix clause 3", reloaded.VariableHolder.GetVariable("reviewNote"))
}

func TestRejectPublishesTaskRejectedEvent(t *testing.T) {
	// given
	engine, _, _, task, _ := startReview(t, permissiveRejectConfig())
	var events []EventPayload
	engine.Bus().Subscribe(EventTaskRejected, func(name string, payload EventPayload) {
		events = append(events, payload)
	})

	// when
	_, err := engine.TaskReject().Reject(context.Background(), RejectRequest{
		TaskKey: task.Key,
		Type:    model.RejectToPrevious,
		Reason:  "no",
	})
	require.NoError(t, err)

	// then
	require.Len(t, events, 1)
	assert.Equal(t, task.Key, events[0].TaskKey)
	assert.Equal(t, "review", events[0].ElementId)
}

func TestRejectBatchAggregatesFailuresWithoutAborting(t *testing.T) {
	// given
	engine, _, _, task, _ := startReview(t, permissiveRejectConfig())

	// when - a bad request rides along with a good one
	records, err := engine.TaskReject().RejectBatch(context.Background(), []RejectRequest{
		{TaskKey: 424242, Type: model.RejectToPrevious, Reason: "no"},
		{TaskKey: task.Key, Type: model.RejectToPrevious, Reason: "no"},
	})

	// then - the good request executed, the bad one is reported
	require.Len(t, records, 1)
	assert.Equal(t, runtime.RejectStatusExecuted, records[0].Status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "424242")
}

func TestRejectCompletedTaskConflicts(t *testing.T) {
	// given
	engine, _, _, task, _ := startReview(t, permissiveRejectConfig())
	ctx := context.Background()
	require.NoError(t, engine.CompleteTask(ctx, task.Key, nil))

	// when
	_, err := engine.TaskReject().Reject(ctx, RejectRequest{
		TaskKey: task.Key,
		Type:    model.RejectToPrevious,
		Reason:  "too late",
	})

	// then
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}
