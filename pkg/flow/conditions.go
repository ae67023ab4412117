package flow

import (
	"fmt"
	"strings"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/expr"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
)

// exclusivelyFilterByConditionExpression evaluates outgoing flows in
// declaration order and keeps the first satisfied one. When none is
// satisfied the default flow is taken; with neither, the gateway fails.
func exclusivelyFilterByConditionExpression(gatewayId string, flows []*model.SequenceFlow, defaultFlow *model.SequenceFlow, evaluator expr.Evaluator, variables map[string]interface{}) ([]*model.SequenceFlow, error) {
	var ret []*model.SequenceFlow
	flowIds := strings.Builder{}
	for _, flow := range flows {
		if defaultFlow != nil && flow.Id == defaultFlow.Id {
			continue
		}
		expression := flow.GetConditionExpression()
		if expression != "" {
			flowIds.WriteString(fmt.Sprintf("[id='%s',name='%s']", flow.Id, flow.Name))
			out, err := evaluator.Evaluate(expression, variables)
			if err != nil {
				return nil, &ExpressionEvaluationError{
					Msg: fmt.Sprintf("error evaluating expression in flow element id='%s' name='%s'", flow.Id, flow.Name),
					Err: err,
				}
			}
			if expr.Truthy(out) {
				ret = append(ret, flow)
				break
			}
		} else if len(flows) == 1 {
			// one unconditional flow is enough to proceed further
			ret = append(ret, flow)
		}
	}
	if len(ret) == 0 {
		if defaultFlow == nil {
			return nil, &NoSatisfiedFlowError{GatewayId: gatewayId, Flows: flowIds.String()}
		}
		ret = append(ret, defaultFlow)
	}
	return ret, nil
}

// inclusivelyFilterByConditionExpression evaluates every outgoing flow's
// condition and keeps all satisfied ones. A true evaluation of one condition
// does not exclude the others; zero satisfied flows fall back to the default.
func inclusivelyFilterByConditionExpression(gatewayId string, flows []*model.SequenceFlow, defaultFlow *model.SequenceFlow, evaluator expr.Evaluator, variables map[string]interface{}) ([]*model.SequenceFlow, error) {
	var ret []*model.SequenceFlow
	for _, flow := range flows {
		if defaultFlow != nil && flow.Id == defaultFlow.Id {
			continue
		}
		expression := flow.GetConditionExpression()
		if expression != "" {
			out, err := evaluator.Evaluate(expression, variables)
			if err != nil {
				return nil, &ExpressionEvaluationError{
					Msg: fmt.Sprintf("error evaluating expression in flow element id='%s' name='%s'", flow.Id, flow.Name),
					Err: err,
				}
			}
			if expr.Truthy(out) {
				ret = append(ret, flow)
			}
		} else {
			// an unconditional flow is always taken
			ret = append(ret, flow)
		}
	}
	if len(ret) == 0 {
		if defaultFlow == nil {
			return nil, &NoSatisfiedFlowError{GatewayId: gatewayId}
		}
		ret = append(ret, defaultFlow)
	}
	return ret, nil
}
