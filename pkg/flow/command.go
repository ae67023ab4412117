package flow

import (
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
)

type command interface {
}

// ---------------------------------------------------------------------

// flowTransitionCommand moves a token over one sequence flow.
type flowTransitionCommand struct {
	sourceId       string
	sequenceFlowId string
	token          runtime.ExecutionToken
}

// ---------------------------------------------------------------------

// activityCommand executes the element the token just arrived at.
type activityCommand struct {
	sourceId string
	element  *model.Element
	token    runtime.ExecutionToken
}

// ---------------------------------------------------------------------

// continueActivityCommand resumes a parked token, e.g. after a task
// completion or a fired trigger.
type continueActivityCommand struct {
	element *model.Element
	token   runtime.ExecutionToken
}

// ---------------------------------------------------------------------

type errorCommand struct {
	err       error
	elementId string
	token     runtime.ExecutionToken
}
