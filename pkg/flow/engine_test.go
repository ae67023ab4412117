package flow

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage/inmemory"
)

type CallPath struct {
	CallPath string
}

func (cp *CallPath) TaskHandler(ctx TaskContext) error {
	if len(cp.CallPath) > 0 {
		cp.CallPath += ","
	}
	cp.CallPath += ctx.ElementId
	return nil
}

func newTestEngine(graphs ...*model.ProcessGraph) (*Engine, *inmemory.Storage) {
	store := inmemory.NewStorage()
	engine := NewEngine(
		EngineWithStorage(store),
		EngineWithGraphProvider(model.NewStaticProvider(graphs...)),
		EngineWithLogger(hclog.NewNullLogger()),
	)
	return engine, store
}

// graphBuilder assembles process graphs for tests without a deployment layer.
type graphBuilder struct {
	graph *model.ProcessGraph
}

func newGraph(definitionId string) *graphBuilder {
	return &graphBuilder{graph: &model.ProcessGraph{
		DefinitionId: definitionId,
		Version:      1,
		Elements:     map[string]*model.Element{},
		Flows:        map[string]*model.SequenceFlow{},
	}}
}

func (b *graphBuilder) element(id string, t model.ElementType) *model.Element {
	e := &model.Element{Id: id, Type: t}
	b.graph.Elements[id] = e
	return e
}

func (b *graphBuilder) flow(id, source, target, condition string) *graphBuilder {
	b.graph.Flows[id] = &model.SequenceFlow{Id: id, SourceRef: source, TargetRef: target, ConditionExpression: condition}
	b.graph.Elements[source].Outgoing = append(b.graph.Elements[source].Outgoing, id)
	b.graph.Elements[target].Incoming = append(b.graph.Elements[target].Incoming, id)
	return b
}

func (b *graphBuilder) build(t *testing.T) *model.ProcessGraph {
	t.Helper()
	require.NoError(t, b.graph.Validate())
	return b.graph
}

func simpleServiceGraph(t *testing.T) *model.ProcessGraph {
	b := newGraph("simple")
	b.element("start", model.ElementTypeStartEvent)
	b.element("task-a", model.ElementTypeServiceTask)
	b.element("task-b", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "task-a", "")
	b.flow("f2", "task-a", "task-b", "")
	b.flow("f3", "task-b", "end", "")
	return b.build(t)
}

func TestServiceTasksRunInSequence(t *testing.T) {
	// setup
	cp := CallPath{}
	engine, _ := newTestEngine(simpleServiceGraph(t))

	// given
	engine.RegisterTaskHandler("task-a", cp.TaskHandler)
	engine.RegisterTaskHandler("task-b", cp.TaskHandler)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "simple", 1, nil)
	require.NoError(t, err)

	// then
	assert.Equal(t, "task-a,task-b", cp.CallPath)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}

func TestServiceTaskWithoutHandlerParksToken(t *testing.T) {
	// setup
	engine, store := newTestEngine(simpleServiceGraph(t))

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "simple", 1, nil)
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.ActivityStateActive, instance.State)
	tokens, err := store.FindProcessInstanceTokens(context.Background(), instance.Key, runtime.TokenStateWaiting)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "task-a", tokens[0].ElementId)

	// when - resuming the active instance
	require.NoError(t, engine.Run(context.Background(), instance.Key))

	// then - the parked token stays parked, the task is not re-executed
	tokens, err = store.FindProcessInstanceTokens(context.Background(), instance.Key, runtime.TokenStateWaiting)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "task-a", tokens[0].ElementId)
}

func TestFailingHandlerFailsInstance(t *testing.T) {
	// setup
	engine, _ := newTestEngine(simpleServiceGraph(t))
	engine.RegisterTaskHandler("task-a", func(ctx TaskContext) error {
		return newEngineErrorf("boom")
	})
	failures := 0
	engine.Bus().Subscribe(EventInstanceFailed, func(name string, payload EventPayload) {
		failures++
	})

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "simple", 1, nil)
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.ActivityStateFailed, instance.State)
	assert.Equal(t, 1, failures)
}

func TestExclusiveGatewayTakesFirstSatisfiedFlow(t *testing.T) {
	// setup
	cp := CallPath{}
	b := newGraph("exclusive")
	b.element("start", model.ElementTypeStartEvent)
	b.element("gw", model.ElementTypeExclusiveGateway)
	b.element("approved-task", model.ElementTypeServiceTask)
	b.element("rejected-task", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "gw", "")
	b.flow("f2", "gw", "approved-task", "=approved")
	b.flow("f3", "gw", "rejected-task", "")
	b.graph.Elements["gw"].DefaultFlow = "f3"
	b.flow("f4", "approved-task", "end", "")
	b.flow("f5", "rejected-task", "end", "")
	engine, _ := newTestEngine(b.build(t))
	engine.RegisterTaskHandler("approved-task", cp.TaskHandler)
	engine.RegisterTaskHandler("rejected-task", cp.TaskHandler)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "exclusive", 1, map[string]interface{}{"approved": true})
	require.NoError(t, err)

	// then
	assert.Equal(t, "approved-task", cp.CallPath)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)

	// when - condition not satisfied, default flow wins
	cp.CallPath = ""
	instance, err = engine.CreateAndRunInstance(context.Background(), "exclusive", 1, map[string]interface{}{"approved": false})
	require.NoError(t, err)

	// then
	assert.Equal(t, "rejected-task", cp.CallPath)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}

func TestExclusiveGatewayWithoutSatisfiedFlowFailsInstance(t *testing.T) {
	// setup
	b := newGraph("exclusive-no-default")
	b.element("start", model.ElementTypeStartEvent)
	b.element("gw", model.ElementTypeExclusiveGateway)
	b.element("task", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "gw", "")
	b.flow("f2", "gw", "task", "=approved")
	b.flow("f3", "task", "end", "")
	engine, _ := newTestEngine(b.build(t))

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "exclusive-no-default", 1, map[string]interface{}{"approved": false})
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.ActivityStateFailed, instance.State)
}

func parallelGraph(t *testing.T) *model.ProcessGraph {
	b := newGraph("parallel")
	b.element("start", model.ElementTypeStartEvent)
	b.element("fork", model.ElementTypeParallelGateway)
	b.element("task-a1", model.ElementTypeServiceTask)
	b.element("task-a2", model.ElementTypeServiceTask)
	b.element("join", model.ElementTypeParallelGateway)
	b.element("task-b1", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "fork", "")
	b.flow("f2", "fork", "task-a1", "")
	b.flow("f3", "fork", "task-a2", "")
	b.flow("f4", "task-a1", "join", "")
	b.flow("f5", "task-a2", "join", "")
	b.flow("f6", "join", "task-b1", "")
	b.flow("f7", "task-b1", "end", "")
	return b.build(t)
}

func TestParallelForkControlledJoin(t *testing.T) {
	// setup
	cp := CallPath{}
	engine, _ := newTestEngine(parallelGraph(t))
	engine.RegisterTaskHandler("task-a1", cp.TaskHandler)
	engine.RegisterTaskHandler("task-a2", cp.TaskHandler)
	engine.RegisterTaskHandler("task-b1", cp.TaskHandler)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "parallel", 1, nil)
	require.NoError(t, err)

	// then - the join merges: the post-join task runs exactly once
	assert.Equal(t, "task-a1,task-a2,task-b1", cp.CallPath)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}

func TestUserTaskParksUntilCompleted(t *testing.T) {
	// setup
	b := newGraph("user")
	b.element("start", model.ElementTypeStartEvent)
	b.element("approve", model.ElementTypeUserTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "approve", "")
	b.flow("f2", "approve", "end", "")
	engine, store := newTestEngine(b.build(t))

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "user", 1, nil)
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.ActivityStateActive, instance.State)
	tasks, err := store.FindProcessInstanceTasks(context.Background(), instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// when - the task is completed with result variables
	err = engine.CompleteTask(context.Background(), tasks[0].Key, map[string]interface{}{"approved": true})
	require.NoError(t, err)

	// then
	done, err := engine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, done.State)
	assert.Equal(t, true, done.VariableHolder.GetVariable("approved"))

	// when - completing the same task again
	err = engine.CompleteTask(context.Background(), tasks[0].Key, nil)

	// then - a task leaves pending exactly once
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestUncontrolledForkBranchOutlivesEndEvent(t *testing.T) {
	// setup - one flow runs straight to the end, the other parks at a task
	b := newGraph("branching")
	b.element("start", model.ElementTypeStartEvent)
	b.element("approve", model.ElementTypeUserTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "end", "")
	b.flow("f2", "start", "approve", "")
	b.flow("f3", "approve", "end", "")
	engine, store := newTestEngine(b.build(t))
	ctx := context.Background()

	// when
	instance, err := engine.CreateAndRunInstance(ctx, "branching", 1, nil)
	require.NoError(t, err)

	// then - the instance stays active while the sibling branch waits
	assert.Equal(t, runtime.ActivityStateActive, instance.State)
	tasks, err := store.FindProcessInstanceTasks(ctx, instance.Key, runtime.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// when - the waiting branch finishes
	require.NoError(t, engine.CompleteTask(ctx, tasks[0].Key, nil))

	// then
	done, err := engine.FindProcessInstance(ctx, instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, done.State)
}

func TestEndEventDoesNotOverrideBranchFailure(t *testing.T) {
	// setup - one branch fails while the other still reaches the end event
	b := newGraph("partial-failure")
	b.element("start", model.ElementTypeStartEvent)
	b.element("doom", model.ElementTypeServiceTask)
	b.element("step", model.ElementTypeServiceTask)
	b.element("end", model.ElementTypeEndEvent)
	b.flow("f1", "start", "doom", "")
	b.flow("f2", "start", "step", "")
	b.flow("f3", "step", "end", "")
	engine, _ := newTestEngine(b.build(t))
	engine.RegisterTaskHandler("doom", func(ctx TaskContext) error {
		return newEngineErrorf("boom")
	})
	cp := CallPath{}
	engine.RegisterTaskHandler("step", cp.TaskHandler)
	completions := 0
	engine.Bus().Subscribe(EventInstanceCompleted, func(name string, payload EventPayload) {
		completions++
	})

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "partial-failure", 1, nil)
	require.NoError(t, err)

	// then - failed stays failed, the sibling end event does not complete it
	assert.Equal(t, "step", cp.CallPath)
	assert.Equal(t, runtime.ActivityStateFailed, instance.State)
	assert.Equal(t, 0, completions)
}

func TestInstanceHistoryTracksVisitedActivities(t *testing.T) {
	// setup
	cp := CallPath{}
	engine, _ := newTestEngine(simpleServiceGraph(t))
	engine.RegisterTaskHandler("task-a", cp.TaskHandler)
	engine.RegisterTaskHandler("task-b", cp.TaskHandler)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), "simple", 1, nil)
	require.NoError(t, err)

	// then
	assert.True(t, instance.HasVisited("task-a"))
	assert.True(t, instance.HasVisited("task-b"))
	previous, ok := instance.PreviousActivity("task-b")
	require.True(t, ok)
	assert.Equal(t, "task-a", previous.ElementId)

	// then - entries appended after the visit do not shift the answer
	previous, ok = instance.PreviousActivity("task-a")
	require.True(t, ok)
	assert.Equal(t, "start", previous.ElementId)
	_, ok = instance.PreviousActivity("start")
	assert.False(t, ok)
}

func TestCreateInstanceUnknownDefinition(t *testing.T) {
	// setup
	engine, _ := newTestEngine()

	// when
	_, err := engine.CreateInstance(context.Background(), "missing", 1, nil)

	// then
	assert.Error(t, err)
}
