package model

// ElementType enumerates the node kinds the engine can execute. The set is
// closed: gateway dispatch switches over it exhaustively.
type ElementType string

const (
	ElementTypeStartEvent        ElementType = "START_EVENT"
	ElementTypeEndEvent          ElementType = "END_EVENT"
	ElementTypeServiceTask       ElementType = "SERVICE_TASK"
	ElementTypeUserTask          ElementType = "USER_TASK"
	ElementTypeExclusiveGateway  ElementType = "EXCLUSIVE_GATEWAY"
	ElementTypeParallelGateway   ElementType = "PARALLEL_GATEWAY"
	ElementTypeInclusiveGateway  ElementType = "INCLUSIVE_GATEWAY"
	ElementTypeEventBasedGateway ElementType = "EVENT_BASED_GATEWAY"
	ElementTypeIntermediateCatch ElementType = "INTERMEDIATE_CATCH_EVENT"
)

func (t ElementType) IsGateway() bool {
	switch t {
	case ElementTypeExclusiveGateway, ElementTypeParallelGateway,
		ElementTypeInclusiveGateway, ElementTypeEventBasedGateway:
		return true
	}
	return false
}

// SequenceFlow is one directed edge of the process graph.
type SequenceFlow struct {
	Id                  string
	Name                string
	SourceRef           string
	TargetRef           string
	ConditionExpression string
}

func (f *SequenceFlow) GetConditionExpression() string {
	return f.ConditionExpression
}

// MultiInstance describes the fan-out characteristics of an activity that is
// instantiated as N sibling tasks.
type MultiInstance struct {
	Sequential bool
	// Cardinality is the fixed sibling count; ignored when
	// CollectionExpression yields a collection.
	Cardinality          int
	CollectionExpression string
	AssigneesExpression  string
	CompletionCondition  string
}

// Element is one node of the process graph. Gateways use DefaultFlow; catch
// events use TimerDuration/MessageName; user tasks may carry MultiInstance
// and RejectConfig.
type Element struct {
	Id       string
	Name     string
	Type     ElementType
	Incoming []string // sequence flow ids
	Outgoing []string // sequence flow ids

	// DefaultFlow is the flow taken by exclusive/inclusive gateways when no
	// condition is satisfied.
	DefaultFlow string

	// Compensable marks an activity whose completion is recorded for
	// compensation. CompensationScope optionally names the owning scope
	// activity (e.g. an enclosing sub-process).
	Compensable       bool
	CompensationScope string

	// TimerDuration is an ISO-8601 duration for timer catch events.
	TimerDuration string
	MessageName   string

	MultiInstance *MultiInstance
	RejectConfig  *RejectConfig
}

func (e *Element) GetId() string   { return e.Id }
func (e *Element) GetName() string { return e.Name }
