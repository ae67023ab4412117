package runtime

import (
	"time"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
)

// TokenState is the lifecycle of one execution token.
type TokenState string

const (
	TokenStateRunning   TokenState = "RUNNING"
	TokenStateWaiting   TokenState = "WAITING"
	TokenStateCompleted TokenState = "COMPLETED"
	TokenStateFailed    TokenState = "FAILED"
	TokenStateCancelled TokenState = "CANCELLED"
)

// ExecutionToken is one concurrently-active path through a process instance.
// A token is at exactly one element at a time; the instance is live while it
// has at least one active token.
type ExecutionToken struct {
	Key                int64      `json:"k"`
	ProcessInstanceKey int64      `json:"pik"`
	ParentKey          int64      `json:"pk,omitempty"`
	ElementId          string     `json:"eid"`
	State              TokenState `json:"s"`
	CreatedAt          time.Time  `json:"c"`

	// ForkKey/ForkGatewayId identify the inclusive fork that spawned this
	// token, so the paired join can find the fork's branch bookkeeping.
	ForkKey       int64  `json:"fk,omitempty"`
	ForkGatewayId string `json:"fgid,omitempty"`
}

func (t ExecutionToken) Active() bool {
	return t.State == TokenStateRunning || t.State == TokenStateWaiting
}

// ActivityState mirrors the BPMN activity lifecycle subset the engine uses.
type ActivityState string

const (
	ActivityStateReady        ActivityState = "READY"
	ActivityStateActive       ActivityState = "ACTIVE"
	ActivityStateCompleted    ActivityState = "COMPLETED"
	ActivityStateFailed       ActivityState = "FAILED"
	ActivityStateWithdrawn    ActivityState = "WITHDRAWN"
	ActivityStateCompensating ActivityState = "COMPENSATING"
	ActivityStateCompensated  ActivityState = "COMPENSATED"
	ActivityStateTerminated   ActivityState = "TERMINATED"
)

// VisitedActivity is one entry of the instance's activity history, consulted
// by reject target resolution.
type VisitedActivity struct {
	ElementId string    `json:"eid"`
	TokenKey  int64     `json:"tk"`
	VisitedAt time.Time `json:"v"`
}

// ProcessInstance is the root runtime record of one running process.
type ProcessInstance struct {
	Key            int64             `json:"k"`
	DefinitionId   string            `json:"did"`
	Version        int32             `json:"v"`
	VariableHolder VariableHolder    `json:"vh,omitempty"`
	CreatedAt      time.Time         `json:"c"`
	StartedBy      string            `json:"sb,omitempty"`
	State          ActivityState     `json:"s"`
	History        []VisitedActivity `json:"h,omitempty"`
}

func (pi *ProcessInstance) GetState() ActivityState {
	return pi.State
}

func (pi *ProcessInstance) AppendHistory(elementId string, tokenKey int64) {
	pi.History = append(pi.History, VisitedActivity{
		ElementId: elementId,
		TokenKey:  tokenKey,
		VisitedAt: time.Now(),
	})
}

// PreviousActivity returns the activity visited immediately before the last
// visit of the given one, skipping repeated visits of the element itself.
// Entries appended after that visit (sibling branches, end events) do not
// count.
func (pi *ProcessInstance) PreviousActivity(elementId string) (VisitedActivity, bool) {
	for i := len(pi.History) - 1; i >= 0; i-- {
		if pi.History[i].ElementId != elementId {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if pi.History[j].ElementId != elementId {
				return pi.History[j], true
			}
		}
		return VisitedActivity{}, false
	}
	return VisitedActivity{}, false
}

// HasVisited reports whether the instance history contains the element.
func (pi *ProcessInstance) HasVisited(elementId string) bool {
	for _, v := range pi.History {
		if v.ElementId == elementId {
			return true
		}
	}
	return false
}

// GatewayRole distinguishes the two records of an inclusive fork/join pair.
type GatewayRole string

const (
	GatewayRoleFork GatewayRole = "FORK"
	GatewayRoleJoin GatewayRole = "JOIN"
)

// InclusiveGatewayState is the join bookkeeping for one inclusive fork
// instance. The fork seeds ActiveBranches with the number of satisfied
// outgoing flows; every sibling branch reaching the paired join increments
// CompletedBranches. The join fires exactly once, when
// CompletedBranches == ActiveBranches while Active still holds, after which
// Active goes false and stays false.
type InclusiveGatewayState struct {
	Key                int64       `json:"k"`
	ProcessInstanceKey int64       `json:"pik"`
	GatewayId          string      `json:"gid"`
	Role               GatewayRole `json:"r"`
	ActiveBranches     int32       `json:"ab"`
	CompletedBranches  int32       `json:"cb"`
	BranchTargets      []string    `json:"bt"`
	Active             bool        `json:"a"`
	CreatedAt          time.Time   `json:"c"`

	// ParentForkKey/ParentForkGatewayId carry the enclosing fork's identity
	// when this fork opened inside another fork's branch. The paired join
	// restores them on the merged token so it still synchronizes at the
	// enclosing join.
	ParentForkKey       int64  `json:"pfk,omitempty"`
	ParentForkGatewayId string `json:"pfgid,omitempty"`
}

// CompensationState is the lifecycle of one compensation record.
type CompensationState string

const (
	CompensationStatePending      CompensationState = "PENDING"
	CompensationStateCompensating CompensationState = "COMPENSATING"
	CompensationStateCompensated  CompensationState = "COMPENSATED"
	CompensationStateFailed       CompensationState = "FAILED"
	CompensationStateSkipped      CompensationState = "SKIPPED"
)

// CompensationRecord is the audit row for one successfully completed,
// compensable activity. Retained after compensation completes.
type CompensationRecord struct {
	Key                int64                  `json:"k"`
	Id                 string                 `json:"id"`
	ProcessInstanceKey int64                  `json:"pik"`
	TokenKey           int64                  `json:"tk"`
	ActivityId         string                 `json:"aid"`
	ActivityType       string                 `json:"at"`
	ActivityName       string                 `json:"an,omitempty"`
	StartedAt          time.Time              `json:"st"`
	CompletedAt        time.Time              `json:"ct"`
	Variables          map[string]interface{} `json:"v,omitempty"`
	State              CompensationState      `json:"s"`
	ScopeId            string                 `json:"sid,omitempty"`
	ParentScopeId      string                 `json:"psid,omitempty"`
	Depth              int32                  `json:"d"`
}

// CompensationScope groups compensation records hierarchically, e.g. per
// sub-process. depth(child) = depth(parent)+1.
type CompensationScope struct {
	Id                 string    `json:"id"`
	ParentId           string    `json:"pid,omitempty"`
	ProcessInstanceKey int64     `json:"pik"`
	ActivityId         string    `json:"aid"`
	ChildIds           []string  `json:"cids,omitempty"`
	Depth              int32     `json:"d"`
	CreatedAt          time.Time `json:"c"`
}

// TaskState is the lifecycle of one user task; a task leaves Pending exactly
// once.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// Task is one user task instance. GroupKey links multi-instance siblings;
// zero means the task is a plain single-assignee task.
type Task struct {
	Key                int64                  `json:"k"`
	ProcessInstanceKey int64                  `json:"pik"`
	TokenKey           int64                  `json:"tk"`
	ElementId          string                 `json:"eid"`
	Assignee           string                 `json:"a,omitempty"`
	State              TaskState              `json:"s"`
	GroupKey           int64                  `json:"gk,omitempty"`
	Variables          map[string]interface{} `json:"v,omitempty"`
	CreatedAt          time.Time              `json:"c"`
	CompletedAt        *time.Time             `json:"ct,omitempty"`
}

// MultiInstanceGroup is the parent record of N sibling tasks spawned from one
// multi-instance activity.
type MultiInstanceGroup struct {
	Key                int64                       `json:"k"`
	ProcessInstanceKey int64                       `json:"pik"`
	TokenKey           int64                       `json:"tk"`
	ActivityId         string                      `json:"aid"`
	Sequential         bool                        `json:"seq,omitempty"`
	Strategy           model.MultiInstanceStrategy `json:"st,omitempty"`
	RejectPercentage   float64                     `json:"rp,omitempty"`
	Total              int32                       `json:"t"`
	CreatedAt          time.Time                   `json:"c"`
}

// RejectStatus is the lifecycle of one reject record; terminal once executed
// or failed.
type RejectStatus string

const (
	RejectStatusPending  RejectStatus = "PENDING"
	RejectStatusExecuted RejectStatus = "EXECUTED"
	RejectStatusFailed   RejectStatus = "FAILED"
)

// TaskRejectRecord is the audit row for one rejection decision.
type TaskRejectRecord struct {
	Id                 string                      `json:"id"`
	TaskKey            int64                       `json:"tk"`
	ProcessInstanceKey int64                       `json:"pik"`
	TokenKey           int64                       `json:"tok"`
	Type               model.RejectType            `json:"t"`
	SourceActivityId   string                      `json:"said"`
	TargetActivityId   string                      `json:"taid,omitempty"`
	RequestedBy        string                      `json:"u"`
	Reason             string                      `json:"r,omitempty"`
	Status             RejectStatus                `json:"s"`
	Strategy           model.MultiInstanceStrategy `json:"mi,omitempty"`
	CreatedAt          time.Time                   `json:"c"`
}

// EventSubscription is one waiting trigger behind an event-based gateway, or
// a standalone catch event. First trigger to fire withdraws its gateway
// siblings.
type EventSubscription struct {
	Key                int64         `json:"k"`
	ProcessInstanceKey int64         `json:"pik"`
	TokenKey           int64         `json:"tk"`
	ElementId          string        `json:"eid"`
	GatewayId          string        `json:"gid,omitempty"`
	MessageName        string        `json:"mn,omitempty"`
	State              ActivityState `json:"s"`
	CreatedAt          time.Time     `json:"c"`
	DueAt              *time.Time    `json:"da,omitempty"`
}
