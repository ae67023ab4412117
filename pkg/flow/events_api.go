package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
)

// createEventSubscription registers a waiting trigger for a catch element.
// gatewayId is set when the trigger belongs to an event-based gateway and is
// what first-wins withdrawal groups on.
func (engine *Engine) createEventSubscription(ctx context.Context, instance *runtime.ProcessInstance, element *model.Element, token *runtime.ExecutionToken, gatewayId string) error {
	sub := runtime.EventSubscription{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		TokenKey:           token.Key,
		ElementId:          element.Id,
		GatewayId:          gatewayId,
		MessageName:        element.MessageName,
		State:              runtime.ActivityStateActive,
		CreatedAt:          time.Now(),
	}
	if element.TimerDuration != "" {
		d, err := model.ParseTimerDuration(element.TimerDuration)
		if err != nil {
			return errors.Join(newEngineErrorf("invalid timer duration on %s", element.Id), err)
		}
		dueAt := sub.CreatedAt.Add(d)
		sub.DueAt = &dueAt
	}
	// saved outside the run batch so triggers arriving before the run ends
	// can already see the subscription
	return engine.persistence.SaveEventSubscription(ctx, sub)
}

// PublishMessage correlates a message with the instance's waiting
// subscriptions and fires the first match.
func (engine *Engine) PublishMessage(ctx context.Context, processInstanceKey int64, messageName string, variables map[string]interface{}) error {
	subs, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, processInstanceKey, runtime.ActivityStateActive)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load subscriptions for instance %d", processInstanceKey), err)
	}
	for _, sub := range subs {
		if sub.MessageName == messageName {
			return engine.FireSubscription(ctx, sub.Key, variables)
		}
	}
	return &ConflictError{Msg: fmt.Sprintf("no active subscription for message %s on instance %d", messageName, processInstanceKey)}
}

// TriggerDueTimers fires every timer subscription of the instance whose due
// time has passed. Returns the number of fired timers.
func (engine *Engine) TriggerDueTimers(ctx context.Context, processInstanceKey int64, now time.Time) (int, error) {
	subs, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, processInstanceKey, runtime.ActivityStateActive)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, sub := range subs {
		if sub.DueAt == nil || sub.DueAt.After(now) {
			continue
		}
		if err := engine.FireSubscription(ctx, sub.Key, nil); err != nil {
			// the subscription may have been withdrawn by a sibling firing
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return fired, err
		}
		fired++
	}
	return fired, nil
}

// FireSubscription completes one waiting trigger. If the trigger sits behind
// an event-based gateway, its sibling triggers are withdrawn and their tokens
// cancelled (first-wins); then the fired token continues past the catch
// element.
func (engine *Engine) FireSubscription(ctx context.Context, subscriptionKey int64, variables map[string]interface{}) error {
	sub, err := engine.persistence.FindEventSubscriptionByKey(ctx, subscriptionKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find subscription %d", subscriptionKey), err)
	}
	if sub.State != runtime.ActivityStateActive {
		return &ConflictError{Msg: fmt.Sprintf("subscription %d is not active (state=%s)", subscriptionKey, sub.State)}
	}
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, sub.ProcessInstanceKey)
	if err != nil {
		return err
	}
	graph, err := engine.graphs.ProcessGraph(ctx, instance.DefinitionId, instance.Version)
	if err != nil {
		return err
	}
	element := graph.FindElement(sub.ElementId)
	if element == nil {
		return newEngineErrorf("subscription %d references unknown element %s", sub.Key, sub.ElementId)
	}

	sub.State = runtime.ActivityStateCompleted
	if err := engine.persistence.SaveEventSubscription(ctx, sub); err != nil {
		return err
	}
	if sub.GatewayId != "" {
		if err := engine.withdrawGatewaySiblings(ctx, instance.Key, sub); err != nil {
			return err
		}
	}

	token, err := engine.persistence.FindExecutionTokenByKey(ctx, sub.TokenKey)
	if err != nil {
		return err
	}
	token.State = runtime.TokenStateRunning
	instance.VariableHolder.SetVariables(variables)
	instance.AppendHistory(element.Id, token.Key)
	return engine.run(ctx, graph, &instance, []command{continueActivityCommand{element: element, token: token}})
}

// withdrawGatewaySiblings unregisters the remaining triggers of the same
// event-based gateway and cancels their waiting tokens.
func (engine *Engine) withdrawGatewaySiblings(ctx context.Context, processInstanceKey int64, fired runtime.EventSubscription) error {
	subs, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, processInstanceKey, runtime.ActivityStateActive)
	if err != nil {
		return err
	}
	for _, sibling := range subs {
		if sibling.GatewayId != fired.GatewayId || sibling.Key == fired.Key {
			continue
		}
		sibling.State = runtime.ActivityStateWithdrawn
		if err := engine.persistence.SaveEventSubscription(ctx, sibling); err != nil {
			return err
		}
		token, err := engine.persistence.FindExecutionTokenByKey(ctx, sibling.TokenKey)
		if err != nil {
			return err
		}
		token.State = runtime.TokenStateCancelled
		if err := engine.persistence.SaveExecutionToken(ctx, token); err != nil {
			return err
		}
		engine.log.Debug("withdrew gateway sibling trigger", "gateway", fired.GatewayId, "element", sibling.ElementId)
	}
	return nil
}
