// Package flow implements the execution-coordination core of the process
// engine: the token walker that advances process instances through a typed
// process graph, the gateway fork/join state machines, the compensation
// engine, and the reject engines that resolve mid-flight rework.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"

	"github.com/yangzhouQS/flow-node-engine-sub002/internal/metrics"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/expr"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// TaskContext is handed to service task handlers.
type TaskContext struct {
	ProcessInstanceKey int64
	ElementId          string
	variables          *runtime.VariableHolder
}

func (c TaskContext) Variables() map[string]interface{} {
	return c.variables.Variables()
}

func (c TaskContext) GetVariable(key string) interface{} {
	return c.variables.GetVariable(key)
}

func (c TaskContext) SetVariable(key string, value interface{}) {
	c.variables.SetVariable(key, value)
}

// TaskHandler executes a service task. A returned error fails the owning
// execution token.
type TaskHandler func(ctx TaskContext) error

type Engine struct {
	name        string
	log         hclog.Logger
	snowflake   *snowflake.Node
	persistence storage.Storage
	graphs      model.GraphProvider
	evaluator   expr.Evaluator
	bus         *EventBus
	metrics     *metrics.Registry

	handlersMu   sync.RWMutex
	taskHandlers map[string]TaskHandler

	compRetryAttempts int
	compRetryDelay    time.Duration

	compensation *CompensationEngine
	miReject     *MultiInstanceRejectEngine
	taskReject   *TaskRejectEngine
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the flow engine.
func NewEngine(options ...EngineOption) *Engine {
	engine := &Engine{
		name:         fmt.Sprintf("flow-engine-%d", defaultKeyGenerator().Generate().Int64()),
		log:          hclog.New(&hclog.LoggerOptions{Name: "flow-engine"}),
		snowflake:    defaultKeyGenerator(),
		evaluator:    expr.NewEvaluator(),
		taskHandlers: map[string]TaskHandler{},
	}
	for _, option := range options {
		option(engine)
	}
	if engine.bus == nil {
		engine.bus = NewEventBus(engine.log.Named("bus"))
	}
	engine.compensation = newCompensationEngine(engine)
	engine.miReject = newMultiInstanceRejectEngine(engine)
	engine.taskReject = newTaskRejectEngine(engine)
	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) { engine.persistence = persistence }
}

func EngineWithGraphProvider(provider model.GraphProvider) EngineOption {
	return func(engine *Engine) { engine.graphs = provider }
}

func EngineWithEvaluator(evaluator expr.Evaluator) EngineOption {
	return func(engine *Engine) { engine.evaluator = evaluator }
}

func EngineWithLogger(log hclog.Logger) EngineOption {
	return func(engine *Engine) { engine.log = log }
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) { engine.name = name }
}

func EngineWithMetrics(registry *metrics.Registry) EngineOption {
	return func(engine *Engine) { engine.metrics = registry }
}

// EngineWithCompensationRetry overrides how often and how patiently a failing
// compensation handler is retried.
func EngineWithCompensationRetry(attempts int, delay time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.compRetryAttempts = attempts
		engine.compRetryDelay = delay
	}
}

// Name returns the name of the engine, only useful in case you control
// multiple ones.
func (engine *Engine) Name() string {
	return engine.name
}

// Bus exposes the engine event bus for subscribers.
func (engine *Engine) Bus() *EventBus {
	return engine.bus
}

// Compensation exposes the compensation engine.
func (engine *Engine) Compensation() *CompensationEngine {
	return engine.compensation
}

// MultiInstanceReject exposes the multi-instance reject engine.
func (engine *Engine) MultiInstanceReject() *MultiInstanceRejectEngine {
	return engine.miReject
}

// TaskReject exposes the task reject engine.
func (engine *Engine) TaskReject() *TaskRejectEngine {
	return engine.taskReject
}

// RegisterTaskHandler binds a handler to a service task element id.
func (engine *Engine) RegisterTaskHandler(elementId string, handler TaskHandler) {
	engine.handlersMu.Lock()
	defer engine.handlersMu.Unlock()
	engine.taskHandlers[elementId] = handler
}

func (engine *Engine) taskHandler(elementId string) TaskHandler {
	engine.handlersMu.RLock()
	defer engine.handlersMu.RUnlock()
	return engine.taskHandlers[elementId]
}

// CreateInstance creates a new instance for the given process definition.
func (engine *Engine) CreateInstance(ctx context.Context, definitionId string, version int32, variables map[string]interface{}) (*runtime.ProcessInstance, error) {
	if _, err := engine.graphs.ProcessGraph(ctx, definitionId, version); err != nil {
		return nil, errors.Join(newEngineErrorf("no process graph for definition %s version %d", definitionId, version), err)
	}
	instance := runtime.ProcessInstance{
		Key:            engine.generateKey(),
		DefinitionId:   definitionId,
		Version:        version,
		VariableHolder: runtime.NewVariableHolder(nil, variables),
		CreatedAt:      time.Now(),
		State:          runtime.ActivityStateReady,
	}
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to save process instance %d", instance.Key), err)
	}
	if engine.metrics != nil {
		engine.metrics.InstancesStarted.Inc()
	}
	return &instance, nil
}

// CreateAndRunInstance creates a new instance and executes it until every
// token is parked at a wait state or the instance completed.
func (engine *Engine) CreateAndRunInstance(ctx context.Context, definitionId string, version int32, variables map[string]interface{}) (*runtime.ProcessInstance, error) {
	instance, err := engine.CreateInstance(ctx, definitionId, version, variables)
	if err != nil {
		return nil, err
	}
	if err := engine.Run(ctx, instance.Key); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to run process instance %d", instance.Key), err)
	}
	pi, err := engine.persistence.FindProcessInstanceByKey(ctx, instance.Key)
	if err != nil {
		return nil, err
	}
	return &pi, nil
}

// Run starts a ready instance or resumes an active one. Completed and failed
// instances are left untouched.
func (engine *Engine) Run(ctx context.Context, processInstanceKey int64) error {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find process instance %d", processInstanceKey), err)
	}
	graph, err := engine.graphs.ProcessGraph(ctx, instance.DefinitionId, instance.Version)
	if err != nil {
		return err
	}

	var queue []command
	switch instance.State {
	case runtime.ActivityStateReady:
		for _, startElement := range graph.StartElements() {
			token := runtime.ExecutionToken{
				Key:                engine.generateKey(),
				ProcessInstanceKey: instance.Key,
				ElementId:          startElement.Id,
				State:              runtime.TokenStateRunning,
				CreatedAt:          time.Now(),
			}
			queue = append(queue, activityCommand{element: startElement, token: token})
		}
		instance.State = runtime.ActivityStateActive
	case runtime.ActivityStateActive:
		tokens, err := engine.persistence.FindProcessInstanceTokens(ctx, instance.Key, runtime.TokenStateRunning)
		if err != nil {
			return errors.Join(newEngineErrorf("failed to find running tokens for instance %d", instance.Key), err)
		}
		for _, token := range tokens {
			element := graph.FindElement(token.ElementId)
			if element == nil {
				return newEngineErrorf("token %d references unknown element %s", token.Key, token.ElementId)
			}
			queue = append(queue, continueActivityCommand{element: element, token: token})
		}
	default:
		return nil
	}
	return engine.run(ctx, graph, &instance, queue)
}

// AdvanceProcess resumes a single parked execution token, e.g. after an
// external trigger.
func (engine *Engine) AdvanceProcess(ctx context.Context, tokenKey int64) error {
	token, err := engine.persistence.FindExecutionTokenByKey(ctx, tokenKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find execution token %d", tokenKey), err)
	}
	if !token.Active() {
		return &ConflictError{Msg: fmt.Sprintf("token %d is not active", tokenKey)}
	}
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, token.ProcessInstanceKey)
	if err != nil {
		return err
	}
	graph, err := engine.graphs.ProcessGraph(ctx, instance.DefinitionId, instance.Version)
	if err != nil {
		return err
	}
	element := graph.FindElement(token.ElementId)
	if element == nil {
		return newEngineErrorf("token %d references unknown element %s", token.Key, token.ElementId)
	}
	token.State = runtime.TokenStateRunning
	return engine.run(ctx, graph, &instance, []command{continueActivityCommand{element: element, token: token}})
}

// activateElement spawns a fresh token at the named element and executes it.
// Used by the reject engines to send the flow back to an earlier activity.
func (engine *Engine) activateElement(ctx context.Context, instance *runtime.ProcessInstance, elementId string, variables map[string]interface{}) error {
	graph, err := engine.graphs.ProcessGraph(ctx, instance.DefinitionId, instance.Version)
	if err != nil {
		return err
	}
	element := graph.FindElement(elementId)
	if element == nil {
		return newEngineErrorf("cannot activate unknown element %s", elementId)
	}
	instance.VariableHolder.SetVariables(variables)
	token := runtime.ExecutionToken{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		ElementId:          elementId,
		State:              runtime.TokenStateRunning,
		CreatedAt:          time.Now(),
	}
	return engine.run(ctx, graph, instance, []command{activityCommand{element: element, token: token}})
}

// FindProcessInstance searches for a given processInstanceKey and returns the
// corresponding instance record.
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	return engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
}

// run is the main loop: it drains the command queue, advancing each token
// activity by activity until everything is parked or retired.
func (engine *Engine) run(ctx context.Context, graph *model.ProcessGraph, instance *runtime.ProcessInstance, queue []command) error {
	batch := engine.persistence.NewBatch()
	endReached := false
	var endToken runtime.ExecutionToken

	for len(queue) > 0 {
		cmd := queue[0]
		queue = queue[1:]

		switch tCmd := cmd.(type) {
		case flowTransitionCommand:
			flow, ok := graph.Flows[tCmd.sequenceFlowId]
			if !ok {
				return newEngineErrorf("unknown sequence flow %s", tCmd.sequenceFlowId)
			}
			target := graph.FindElement(flow.TargetRef)
			if target == nil {
				return newEngineErrorf("sequence flow %s targets unknown element %s", flow.Id, flow.TargetRef)
			}
			queue = append(queue, activityCommand{
				sourceId: flow.Id,
				element:  target,
				token:    tCmd.token,
			})
		case activityCommand:
			nextCommands, err := engine.handleElement(ctx, batch, graph, instance, tCmd.element, tCmd.token)
			if err != nil {
				return errors.Join(newEngineErrorf("failed to handle element %s", tCmd.element.Id), err)
			}
			if tCmd.element.Type == model.ElementTypeEndEvent {
				endReached = true
				endToken = tCmd.token
				endToken.ElementId = tCmd.element.Id
			}
			queue = append(queue, nextCommands...)
		case continueActivityCommand:
			nextCommands, err := engine.continueElement(ctx, batch, graph, instance, tCmd.element, tCmd.token)
			if err != nil {
				return errors.Join(newEngineErrorf("failed to continue element %s", tCmd.element.Id), err)
			}
			queue = append(queue, nextCommands...)
		case errorCommand:
			engine.log.Error("execution failed", "processInstance", instance.Key, "element", tCmd.elementId, "error", tCmd.err)
			failedToken := tCmd.token
			failedToken.State = runtime.TokenStateFailed
			if err := batch.SaveExecutionToken(ctx, failedToken); err != nil {
				return err
			}
			instance.State = runtime.ActivityStateFailed
			if engine.metrics != nil {
				engine.metrics.InstancesFailed.Inc()
			}
			engine.bus.Publish(EventInstanceFailed, EventPayload{
				ProcessInstanceKey: instance.Key,
				TokenKey:           failedToken.Key,
				ElementId:          tCmd.elementId,
			})
		default:
			panic("[invariant check] command type check not fully implemented")
		}
	}

	if err := batch.SaveProcessInstance(ctx, *instance); err != nil {
		return errors.Join(newEngineErrorf("failed to add process instance %d to batch", instance.Key), err)
	}
	if err := batch.Flush(ctx); err != nil {
		return errors.Join(newEngineErrorf("failed to flush batch for instance %d", instance.Key), err)
	}
	// the completion decision runs after the flush: only then are tokens
	// parked during this run visible, and a failed instance stays failed even
	// when a sibling branch reached an end event later in the queue
	if endReached && instance.State == runtime.ActivityStateActive {
		return engine.tryCompleteInstance(ctx, instance, endToken)
	}
	return nil
}

// handleElement applies one element's entry/exit behavior to the arriving
// token and decides whether flow transitions continue past it.
func (engine *Engine) handleElement(ctx context.Context, batch storage.Batch, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token runtime.ExecutionToken) ([]command, error) {
	token.ElementId = element.Id
	token.State = runtime.TokenStateRunning

	engine.bus.Publish(EventActivityStarted, EventPayload{
		ProcessInstanceKey: instance.Key,
		TokenKey:           token.Key,
		ElementId:          element.Id,
	})

	createFlowTransitions := false
	var nextCommands []command
	var err error

	switch element.Type {
	case model.ElementTypeStartEvent:
		instance.AppendHistory(element.Id, token.Key)
		createFlowTransitions = true
	case model.ElementTypeEndEvent:
		instance.AppendHistory(element.Id, token.Key)
		// whether the instance completes is decided after the run's flush,
		// in tryCompleteInstance
		token.State = runtime.TokenStateCompleted
	case model.ElementTypeServiceTask:
		instance.AppendHistory(element.Id, token.Key)
		createFlowTransitions, nextCommands, err = engine.handleServiceTask(ctx, instance, element, &token)
		if err != nil {
			return nil, err
		}
	case model.ElementTypeUserTask:
		instance.AppendHistory(element.Id, token.Key)
		if err := engine.createUserTasks(ctx, batch, instance, element, &token); err != nil {
			return nil, err
		}
		token.State = runtime.TokenStateWaiting
	case model.ElementTypeIntermediateCatch:
		if err := engine.createEventSubscription(ctx, instance, element, &token, ""); err != nil {
			return nil, err
		}
		token.State = runtime.TokenStateWaiting
	case model.ElementTypeExclusiveGateway, model.ElementTypeParallelGateway,
		model.ElementTypeInclusiveGateway, model.ElementTypeEventBasedGateway:
		executor := gatewayExecutorFor(element.Type)
		createFlowTransitions, nextCommands, err = executor.execute(ctx, batch, engine, graph, instance, element, &token)
		if err != nil {
			return nil, err
		}
	default:
		panic(fmt.Sprintf("[invariant check] unsupported element: id=%s, type=%s", element.Id, element.Type))
	}

	if err := batch.SaveExecutionToken(ctx, token); err != nil {
		return nil, err
	}

	if createFlowTransitions {
		engine.bus.Publish(EventActivityCompleted, EventPayload{
			ProcessInstanceKey: instance.Key,
			TokenKey:           token.Key,
			ElementId:          element.Id,
		})
		transitions, err := engine.createNextCommands(graph, instance, element, token)
		if err != nil {
			nextCommands = append(nextCommands, errorCommand{err: err, elementId: element.Id, token: token})
		} else {
			nextCommands = append(nextCommands, transitions...)
		}
	}
	return nextCommands, nil
}

// continueElement resumes a token that was parked at a wait state, taking the
// element's outgoing transitions without re-running its entry behavior.
func (engine *Engine) continueElement(ctx context.Context, batch storage.Batch, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token runtime.ExecutionToken) ([]command, error) {
	token.State = runtime.TokenStateRunning
	if err := batch.SaveExecutionToken(ctx, token); err != nil {
		return nil, err
	}
	engine.bus.Publish(EventActivityCompleted, EventPayload{
		ProcessInstanceKey: instance.Key,
		TokenKey:           token.Key,
		ElementId:          element.Id,
	})
	return engine.createNextCommands(graph, instance, element, token)
}

// createNextCommands resolves the element's outgoing sequence flows into
// transition commands, forking child tokens for every flow beyond the first.
// Gateway condition filtering happens in the gateway executors; a plain
// activity with several outgoing flows is an uncontrolled fork and takes all
// of them.
func (engine *Engine) createNextCommands(graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token runtime.ExecutionToken) ([]command, error) {
	flows := graph.OutgoingFlows(element)
	return engine.transitionsFor(instance, element, token, flows), nil
}

// transitionsFor fans the token out over the given flows. The first flow
// reuses the arriving token, additional flows get child tokens owned by it.
func (engine *Engine) transitionsFor(instance *runtime.ProcessInstance, element *model.Element, token runtime.ExecutionToken, flows []*model.SequenceFlow) []command {
	cmds := make([]command, 0, len(flows))
	for i, flow := range flows {
		branchToken := token
		if i > 0 {
			branchToken = runtime.ExecutionToken{
				Key:                engine.generateKey(),
				ProcessInstanceKey: instance.Key,
				ParentKey:          token.Key,
				ElementId:          element.Id,
				State:              runtime.TokenStateRunning,
				CreatedAt:          time.Now(),
				ForkKey:            token.ForkKey,
				ForkGatewayId:      token.ForkGatewayId,
			}
		}
		cmds = append(cmds, flowTransitionCommand{
			sourceId:       element.Id,
			sequenceFlowId: flow.Id,
			token:          branchToken,
		})
	}
	return cmds
}

// tryCompleteInstance completes the instance once a run reached an end event
// and nothing else is in flight. It runs after the batch flush, so every
// token parked and task created during the run is visible in persistence.
func (engine *Engine) tryCompleteInstance(ctx context.Context, instance *runtime.ProcessInstance, endToken runtime.ExecutionToken) error {
	tokens, err := engine.persistence.FindProcessInstanceTokens(ctx, instance.Key, runtime.TokenStateRunning, runtime.TokenStateWaiting)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load active tokens for instance %d", instance.Key), err)
	}
	if len(tokens) > 0 {
		return nil
	}
	pendingTasks, err := engine.persistence.FindProcessInstanceTasks(ctx, instance.Key, runtime.TaskStatePending)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load pending tasks for instance %d", instance.Key), err)
	}
	if len(pendingTasks) > 0 {
		return nil
	}

	instance.State = runtime.ActivityStateCompleted
	if err := engine.persistence.SaveProcessInstance(ctx, *instance); err != nil {
		return errors.Join(newEngineErrorf("failed to complete process instance %d", instance.Key), err)
	}
	if err := engine.cleanupInstance(ctx, instance.Key); err != nil {
		return err
	}
	if engine.metrics != nil {
		engine.metrics.InstancesCompleted.Inc()
	}
	engine.bus.Publish(EventInstanceCompleted, EventPayload{
		ProcessInstanceKey: instance.Key,
		TokenKey:           endToken.Key,
		ElementId:          endToken.ElementId,
	})
	return nil
}

// cleanupInstance purges keyed per-instance state that must not outlive the
// instance: gateway join records, compensation scopes, and registered
// compensation handlers. Compensation records stay for audit.
func (engine *Engine) cleanupInstance(ctx context.Context, processInstanceKey int64) error {
	if err := engine.persistence.DeleteInclusiveGatewayStates(ctx, processInstanceKey); err != nil {
		return errors.Join(newEngineErrorf("failed to purge gateway state for instance %d", processInstanceKey), err)
	}
	if err := engine.persistence.DeleteCompensationScopes(ctx, processInstanceKey); err != nil {
		return errors.Join(newEngineErrorf("failed to purge compensation scopes for instance %d", processInstanceKey), err)
	}
	engine.compensation.purgeInstanceHandlers(processInstanceKey)
	return nil
}

// handleServiceTask invokes the registered handler synchronously. A task
// without a handler parks its token for an external worker. A successful,
// compensable task is recorded for compensation before the token moves on.
func (engine *Engine) handleServiceTask(ctx context.Context, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (bool, []command, error) {
	handler := engine.taskHandler(element.Id)
	if handler == nil {
		engine.log.Debug("no handler for service task, parking token", "element", element.Id, "token", token.Key)
		// state set on the caller's token so handleElement persists the parked
		// state, not a stale running one
		token.State = runtime.TokenStateWaiting
		return false, nil, nil
	}

	startedAt := time.Now()
	taskCtx := TaskContext{
		ProcessInstanceKey: instance.Key,
		ElementId:          element.Id,
		variables:          &instance.VariableHolder,
	}
	if err := handler(taskCtx); err != nil {
		// exit behavior threw: this execution fails, siblings are untouched
		return false, []command{errorCommand{err: err, elementId: element.Id, token: *token}}, nil
	}

	if element.Compensable {
		if err := engine.compensation.RecordExecution(ctx, instance, *token, element, startedAt); err != nil {
			return false, nil, errors.Join(newEngineErrorf("failed to record compensation for %s", element.Id), err)
		}
	}
	return true, nil, nil
}
