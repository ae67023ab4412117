package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// three conditional branches over user tasks, merged by an inclusive join
func inclusiveGraph(t *testing.T) *model.ProcessGraph {
	b := newGraph("inclusive")
	b.element("start", model.ElementTypeStartEvent)
	b.element("fork", model.ElementTypeInclusiveGateway)
	b.element("review-a", model.ElementTypeUserTask)
	b.element("review-b", model.ElementTypeUserTask)
	b.element("review-c", model.ElementTypeUserTask)
	b.element("join", model.ElementTypeInclusiveGateway)
	b.element("publish", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "fork", "")
	b.flow("f2", "fork", "review-a", "=needsA")
	b.flow("f3", "fork", "review-b", "=needsB")
	b.flow("f4", "fork", "review-c", "=needsC")
	b.flow("f5", "review-a", "join", "")
	b.flow("f6", "review-b", "join", "")
	b.flow("f7", "review-c", "join", "")
	b.flow("f8", "join", "publish", "")
	b.flow("f9", "publish", "end", "")
	return b.build(t)
}

func TestInclusiveForkActivatesOnlySatisfiedBranches(t *testing.T) {
	// setup
	engine, store := newTestEngine(inclusiveGraph(t))
	ctx := context.Background()

	// when - two of three conditions hold
	instance, err := engine.CreateAndRunInstance(ctx, "inclusive", 1, map[string]interface{}{
		"needsA": true, "needsB": true, "needsC": false,
	})
	require.NoError(t, err)

	// then - one pending task per satisfied branch
	tasks, err := store.FindProcessInstanceTasks(ctx, instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "review-a", tasks[0].ElementId)
	assert.Equal(t, "review-b", tasks[1].ElementId)

	// then - the fork seeded the join state with the satisfied-branch count
	state, err := store.FindInclusiveGatewayState(ctx, instance.Key, "fork")
	require.NoError(t, err)
	assert.Equal(t, int32(2), state.ActiveBranches)
	assert.Equal(t, int32(0), state.CompletedBranches)
	assert.True(t, state.Active)

	// then - branch tokens carry the fork identity for the join to find
	tokens, err := store.FindProcessInstanceTokens(ctx, instance.Key, runtime.TokenStateWaiting)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	for _, token := range tokens {
		assert.Equal(t, "fork", token.ForkGatewayId)
		assert.Equal(t, state.Key, token.ForkKey)
	}
}

func TestInclusiveJoinFiresExactlyOnce(t *testing.T) {
	// setup
	cp := CallPath{}
	engine, store := newTestEngine(inclusiveGraph(t))
	engine.RegisterTaskHandler("publish", cp.TaskHandler)
	satisfied := 0
	engine.Bus().Subscribe(EventGatewaySatisfied, func(name string, payload EventPayload) {
		if payload.ElementId == "join" {
			satisfied++
		}
	})
	ctx := context.Background()

	instance, err := engine.CreateAndRunInstance(ctx, "inclusive", 1, map[string]interface{}{
		"needsA": true, "needsB": true, "needsC": false,
	})
	require.NoError(t, err)
	tasks, err := store.FindProcessInstanceTasks(ctx, instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// when - the first branch finishes
	require.NoError(t, engine.CompleteTask(ctx, tasks[0].Key, nil))

	// then - the join waits for the remaining branch
	state, err := store.FindInclusiveGatewayState(ctx, instance.Key, "fork")
	require.NoError(t, err)
	assert.Equal(t, int32(1), state.CompletedBranches)
	assert.True(t, state.Active)
	assert.Equal(t, 0, satisfied)
	assert.Equal(t, "", cp.CallPath)

	// when - the last branch finishes
	require.NoError(t, engine.CompleteTask(ctx, tasks[1].Key, nil))

	// then - the join fired once and the flow continued past it once
	assert.Equal(t, 1, satisfied)
	assert.Equal(t, "publish", cp.CallPath)
	done, err := engine.FindProcessInstance(ctx, instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, done.State)

	// then - the join bookkeeping did not outlive the instance
	_, err = store.FindInclusiveGatewayState(ctx, instance.Key, "fork")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNestedInclusiveForkRestoresEnclosingScope(t *testing.T) {
	// setup - the second branch of the outer fork opens a fork of its own
	b := newGraph("nested")
	b.element("start", model.ElementTypeStartEvent)
	b.element("outer", model.ElementTypeInclusiveGateway)
	b.element("plain", model.ElementTypeUserTask)
	b.element("inner", model.ElementTypeInclusiveGateway)
	b.element("inner-a", model.ElementTypeUserTask)
	b.element("inner-b", model.ElementTypeUserTask)
	b.element("inner-join", model.ElementTypeInclusiveGateway)
	b.element("outer-join", model.ElementTypeInclusiveGateway)
	b.element("finish", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "outer", "")
	b.flow("f2", "outer", "plain", "")
	b.flow("f3", "outer", "inner", "")
	b.flow("f4", "inner", "inner-a", "")
	b.flow("f5", "inner", "inner-b", "")
	b.flow("f6", "inner-a", "inner-join", "")
	b.flow("f7", "inner-b", "inner-join", "")
	b.flow("f8", "inner-join", "outer-join", "")
	b.flow("f9", "plain", "outer-join", "")
	b.flow("f10", "outer-join", "finish", "")
	b.flow("f11", "finish", "end", "")
	cp := CallPath{}
	engine, store := newTestEngine(b.build(t))
	engine.RegisterTaskHandler("finish", cp.TaskHandler)
	ctx := context.Background()

	// given
	instance, err := engine.CreateAndRunInstance(ctx, "nested", 1, nil)
	require.NoError(t, err)
	tasks, err := store.FindProcessInstanceTasks(ctx, instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	byElement := map[string]runtime.Task{}
	for _, task := range tasks {
		byElement[task.ElementId] = task
	}

	// then - the inner fork records the enclosing fork it opened under
	outerState, err := store.FindInclusiveGatewayState(ctx, instance.Key, "outer")
	require.NoError(t, err)
	innerState, err := store.FindInclusiveGatewayState(ctx, instance.Key, "inner")
	require.NoError(t, err)
	assert.Equal(t, "outer", innerState.ParentForkGatewayId)
	assert.Equal(t, outerState.Key, innerState.ParentForkKey)

	// when - only the nested branch finishes
	require.NoError(t, engine.CompleteTask(ctx, byElement["inner-a"].Key, nil))
	require.NoError(t, engine.CompleteTask(ctx, byElement["inner-b"].Key, nil))

	// then - the merged token waits at the outer join, finish has not run
	assert.Equal(t, "", cp.CallPath)
	outerState, err = store.FindInclusiveGatewayState(ctx, instance.Key, "outer")
	require.NoError(t, err)
	assert.Equal(t, int32(1), outerState.CompletedBranches)
	assert.True(t, outerState.Active)
	mid, err := engine.FindProcessInstance(ctx, instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, mid.State)

	// when - the outer fork's other branch finishes
	require.NoError(t, engine.CompleteTask(ctx, byElement["plain"].Key, nil))

	// then - the outer join fires once and the flow runs to the end
	assert.Equal(t, "finish", cp.CallPath)
	done, err := engine.FindProcessInstance(ctx, instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, done.State)
}

func TestInclusiveForkWithSingleSatisfiedBranch(t *testing.T) {
	// setup
	cp := CallPath{}
	engine, store := newTestEngine(inclusiveGraph(t))
	engine.RegisterTaskHandler("publish", cp.TaskHandler)
	ctx := context.Background()

	// given
	instance, err := engine.CreateAndRunInstance(ctx, "inclusive", 1, map[string]interface{}{
		"needsA": true, "needsB": false, "needsC": false,
	})
	require.NoError(t, err)
	tasks, err := store.FindProcessInstanceTasks(ctx, instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// when
	require.NoError(t, engine.CompleteTask(ctx, tasks[0].Key, nil))

	// then - a single branch merges through immediately
	assert.Equal(t, "publish", cp.CallPath)
	done, err := engine.FindProcessInstance(ctx, instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, done.State)
}

func TestInclusiveForkFallsBackToDefaultFlow(t *testing.T) {
	// setup
	b := newGraph("inclusive-default")
	b.element("start", model.ElementTypeStartEvent)
	b.element("fork", model.ElementTypeInclusiveGateway)
	b.element("special", model.ElementTypeServiceTask)
	b.element("fallback", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "fork", "")
	b.flow("f2", "fork", "special", "=special")
	b.flow("f3", "fork", "fallback", "")
	b.graph.Elements["fork"].DefaultFlow = "f3"
	b.flow("f4", "special", "end", "")
	b.flow("f5", "fallback", "end", "")
	cp := CallPath{}
	engine, _ := newTestEngine(b.build(t))
	engine.RegisterTaskHandler("special", cp.TaskHandler)
	engine.RegisterTaskHandler("fallback", cp.TaskHandler)

	// when - no condition is satisfied
	instance, err := engine.CreateAndRunInstance(context.Background(), "inclusive-default", 1, map[string]interface{}{"special": false})
	require.NoError(t, err)

	// then
	assert.Equal(t, "fallback", cp.CallPath)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}
