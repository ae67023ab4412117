package flow

import (
	"context"
	"errors"
	"time"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// gatewayExecutor is the closed dispatch over the four gateway kinds. Each
// implementation owns its fork/join semantics; handleElement never branches
// on gateway type beyond selecting the executor.
type gatewayExecutor interface {
	execute(ctx context.Context, batch storage.Batch, engine *Engine, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (createFlowTransitions bool, nextCommands []command, err error)
}

func gatewayExecutorFor(t model.ElementType) gatewayExecutor {
	switch t {
	case model.ElementTypeExclusiveGateway:
		return exclusiveGatewayExecutor{}
	case model.ElementTypeParallelGateway:
		return parallelGatewayExecutor{}
	case model.ElementTypeInclusiveGateway:
		return inclusiveGatewayExecutor{}
	case model.ElementTypeEventBasedGateway:
		return eventBasedGatewayExecutor{}
	}
	panic("[invariant check] gateway executor dispatch not fully implemented: " + string(t))
}

// EXCLUSIVE_GATEWAY_EXECUTOR ==============================================

type exclusiveGatewayExecutor struct{}

// execute takes the first outgoing flow whose condition is satisfied, in
// declaration order, falling back to the default flow. A converging exclusive
// gateway routes every incoming token onward without synchronization.
func (e exclusiveGatewayExecutor) execute(ctx context.Context, batch storage.Batch, engine *Engine, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (bool, []command, error) {
	flows, err := exclusivelyFilterByConditionExpression(element.Id, graph.OutgoingFlows(element), graph.DefaultFlow(element), engine.evaluator, instance.VariableHolder.Variables())
	if err != nil {
		return false, []command{errorCommand{err: err, elementId: element.Id, token: *token}}, nil
	}
	return false, engine.transitionsFor(instance, element, *token, flows), nil
}

// PARALLEL_GATEWAY_EXECUTOR ==============================================

type parallelGatewayExecutor struct{}

// execute forks over all outgoing flows unconditionally. The join side waits
// for as many arrivals as the gateway declares incoming flows; no state
// beyond the parked tokens is needed since the count is static.
func (e parallelGatewayExecutor) execute(ctx context.Context, batch storage.Batch, engine *Engine, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (bool, []command, error) {
	if len(element.Incoming) > 1 {
		fired, err := e.join(ctx, batch, engine, instance, element, token)
		if err != nil {
			return false, nil, err
		}
		if !fired {
			return false, nil, nil
		}
	}
	engine.bus.Publish(EventGatewaySatisfied, EventPayload{
		ProcessInstanceKey: instance.Key,
		TokenKey:           token.Key,
		ElementId:          element.Id,
	})
	return false, engine.transitionsFor(instance, element, *token, graph.OutgoingFlows(element)), nil
}

// join parks the arriving token unless it is the last expected arrival, in
// which case all parked siblings are retired and the arriving token merges
// through.
func (e parallelGatewayExecutor) join(ctx context.Context, batch storage.Batch, engine *Engine, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (bool, error) {
	tokens, err := engine.persistence.FindProcessInstanceTokens(ctx, instance.Key, runtime.TokenStateWaiting)
	if err != nil {
		return false, errors.Join(newEngineErrorf("failed to load waiting tokens for instance %d", instance.Key), err)
	}
	var parked []runtime.ExecutionToken
	for _, t := range tokens {
		if t.ElementId == element.Id && t.Key != token.Key {
			parked = append(parked, t)
		}
	}
	if len(parked)+1 < len(element.Incoming) {
		waiting := *token
		waiting.State = runtime.TokenStateWaiting
		// saved outside the batch so parallel sibling arrivals observe it
		if err := engine.persistence.SaveExecutionToken(ctx, waiting); err != nil {
			return false, err
		}
		token.State = runtime.TokenStateWaiting
		return false, nil
	}
	for _, t := range parked {
		t.State = runtime.TokenStateCompleted
		if err := engine.persistence.SaveExecutionToken(ctx, t); err != nil {
			return false, err
		}
		// queued again so the flush replays the retirement after the parked
		// token's earlier queued waiting-state write
		if err := batch.SaveExecutionToken(ctx, t); err != nil {
			return false, err
		}
	}
	return true, nil
}

// INCLUSIVE_GATEWAY_EXECUTOR ==============================================

type inclusiveGatewayExecutor struct{}

// execute handles both roles of the inclusive fork/join pair. Because the
// fork's branch count depends on runtime conditions, the join cannot count
// static incoming flows like the parallel gateway; it consults the fork's
// persisted join-state record, identified by the fork gateway id the branch
// tokens carry.
func (e inclusiveGatewayExecutor) execute(ctx context.Context, batch storage.Batch, engine *Engine, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (bool, []command, error) {
	if len(element.Incoming) > 1 && token.ForkGatewayId != "" {
		state, fired, err := e.join(ctx, engine, instance, element, token)
		if err != nil {
			return false, nil, err
		}
		if !fired {
			return false, nil, nil
		}
		// merged: the continuing token returns to the enclosing fork's scope
		// (zero when the fork was not nested)
		token.ForkKey = state.ParentForkKey
		token.ForkGatewayId = state.ParentForkGatewayId
	}

	if len(element.Outgoing) > 1 {
		return e.fork(ctx, engine, graph, instance, element, token)
	}
	return false, engine.transitionsFor(instance, element, *token, graph.OutgoingFlows(element)), nil
}

// fork evaluates every outgoing flow and takes all satisfied ones, seeding
// the join-state record with the satisfied-branch count before any branch
// token moves.
func (e inclusiveGatewayExecutor) fork(ctx context.Context, engine *Engine, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (bool, []command, error) {
	flows, err := inclusivelyFilterByConditionExpression(element.Id, graph.OutgoingFlows(element), graph.DefaultFlow(element), engine.evaluator, instance.VariableHolder.Variables())
	if err != nil {
		return false, []command{errorCommand{err: err, elementId: element.Id, token: *token}}, nil
	}

	targets := make([]string, 0, len(flows))
	for _, flow := range flows {
		targets = append(targets, flow.TargetRef)
	}
	state := runtime.InclusiveGatewayState{
		Key:                 engine.generateKey(),
		ProcessInstanceKey:  instance.Key,
		GatewayId:           element.Id,
		Role:                runtime.GatewayRoleFork,
		ActiveBranches:      int32(len(flows)),
		CompletedBranches:   0,
		BranchTargets:       targets,
		Active:              true,
		CreatedAt:           time.Now(),
		ParentForkKey:       token.ForkKey,
		ParentForkGatewayId: token.ForkGatewayId,
	}
	// saved outside the batch: branches may reach the join within this same
	// run and must see the fork record
	if err := engine.persistence.SaveInclusiveGatewayState(ctx, state); err != nil {
		return false, nil, errors.Join(newEngineErrorf("failed to save inclusive gateway state for %s", element.Id), err)
	}
	engine.log.Debug("inclusive fork opened", "gateway", element.Id, "branches", len(flows), "processInstance", instance.Key)

	branchToken := *token
	branchToken.ForkKey = state.Key
	branchToken.ForkGatewayId = element.Id
	return false, engine.transitionsFor(instance, element, branchToken, flows), nil
}

// join atomically increments the fork's completed-branch count. Exactly one
// arrival observes completed == active and fires; earlier arrivals retire
// their token; arrivals after the record went terminal are discarded no-ops.
func (e inclusiveGatewayExecutor) join(ctx context.Context, engine *Engine, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (runtime.InclusiveGatewayState, bool, error) {
	state, fired, discarded, err := engine.persistence.CompleteInclusiveBranch(ctx, instance.Key, token.ForkGatewayId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return state, false, &ConflictError{Msg: "no fork state for gateway " + token.ForkGatewayId}
		}
		return state, false, err
	}
	payload := EventPayload{
		ProcessInstanceKey: instance.Key,
		TokenKey:           token.Key,
		ElementId:          element.Id,
	}
	switch {
	case discarded:
		engine.log.Warn("discarding branch arrival at terminal join state", "gateway", element.Id, "token", token.Key)
		token.State = runtime.TokenStateCompleted
		engine.bus.Publish(EventGatewayDiscarded, payload)
		return state, false, nil
	case fired:
		engine.log.Debug("inclusive join fired", "gateway", element.Id, "branches", state.ActiveBranches, "processInstance", instance.Key)
		if engine.metrics != nil {
			engine.metrics.InclusiveJoinsFired.Inc()
		}
		engine.bus.Publish(EventGatewaySatisfied, payload)
		return state, true, nil
	default:
		token.State = runtime.TokenStateCompleted
		return state, false, nil
	}
}

// EVENT_BASED_GATEWAY_EXECUTOR ==============================================

type eventBasedGatewayExecutor struct{}

// execute creates one waiting subscription per outgoing event trigger. The
// first trigger to fire continues; the others are withdrawn (first-wins).
func (e eventBasedGatewayExecutor) execute(ctx context.Context, batch storage.Batch, engine *Engine, graph *model.ProcessGraph, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken) (bool, []command, error) {
	flows := graph.OutgoingFlows(element)
	for _, flow := range flows {
		target := graph.FindElement(flow.TargetRef)
		if target == nil {
			return false, nil, newEngineErrorf("event gateway %s flow %s targets unknown element", element.Id, flow.Id)
		}
		triggerToken := runtime.ExecutionToken{
			Key:                engine.generateKey(),
			ProcessInstanceKey: instance.Key,
			ParentKey:          token.Key,
			ElementId:          target.Id,
			State:              runtime.TokenStateWaiting,
			CreatedAt:          time.Now(),
		}
		if err := engine.persistence.SaveExecutionToken(ctx, triggerToken); err != nil {
			return false, nil, err
		}
		if err := engine.createEventSubscription(ctx, instance, target, &triggerToken, element.Id); err != nil {
			return false, nil, err
		}
	}
	// the gateway token is replaced by one waiting token per trigger
	token.State = runtime.TokenStateCompleted
	return false, nil, nil
}
