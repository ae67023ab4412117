package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
)

const (
	defaultCompensationRetries    = 3
	defaultCompensationRetryDelay = 100 * time.Millisecond
)

// CompensationContext is handed to a compensation handler: the record being
// reversed plus the variable snapshot taken when the activity completed.
type CompensationContext struct {
	Record    runtime.CompensationRecord
	Variables map[string]interface{}
}

// CompensationHandler reverses one completed activity. A nil error means
// success; retry=false stops further attempts for this record.
type CompensationHandler interface {
	Compensate(ctx context.Context, c CompensationContext) (retry bool, err error)
}

// CompensationHandlerFunc adapts a function to the handler interface.
type CompensationHandlerFunc func(ctx context.Context, c CompensationContext) (bool, error)

func (f CompensationHandlerFunc) Compensate(ctx context.Context, c CompensationContext) (bool, error) {
	return f(ctx, c)
}

// CompensationResult is the per-record outcome of a compensation run.
type CompensationResult struct {
	RecordId   string
	RecordKey  int64
	ActivityId string
	State      runtime.CompensationState
	Attempts   int
	Duration   time.Duration
	Err        error
}

// CompensationPlan is a precomputed reverse-ordered record list, usable for
// preview before execution.
type CompensationPlan struct {
	Id                 string
	ProcessInstanceKey int64
	RecordKeys         []int64 // reverse completion order
	Parallel           bool
	CreatedAt          time.Time
}

// ActivityTypeStatistics aggregates compensation outcomes per activity type.
type ActivityTypeStatistics struct {
	Total       int64
	Succeeded   int64
	Failed      int64
	AvgDuration time.Duration
}

// CompensationStatistics is a point-in-time copy of the engine counters.
type CompensationStatistics struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Skipped   int64
	PerType   map[string]ActivityTypeStatistics
}

// CompensationEngine records reversible activity completions and replays them
// in reverse on demand. Handler registrations live per process instance and
// are purged when the instance ends.
type CompensationEngine struct {
	engine *Engine
	log    hclog.Logger

	retryAttempts int
	retryDelay    time.Duration

	handlersMu sync.RWMutex
	handlers   map[int64]map[string]CompensationHandler
	// activeScopes tracks the currently open scope per instance
	activeScopes map[int64]string

	statsMu sync.Mutex
	stats   CompensationStatistics
}

func newCompensationEngine(engine *Engine) *CompensationEngine {
	attempts := engine.compRetryAttempts
	if attempts <= 0 {
		attempts = defaultCompensationRetries
	}
	delay := engine.compRetryDelay
	if delay <= 0 {
		delay = defaultCompensationRetryDelay
	}
	return &CompensationEngine{
		engine:        engine,
		log:           engine.log.Named("compensation"),
		retryAttempts: attempts,
		retryDelay:    delay,
		handlers:      make(map[int64]map[string]CompensationHandler),
		activeScopes:  make(map[int64]string),
		stats:         CompensationStatistics{PerType: make(map[string]ActivityTypeStatistics)},
	}
}

// RegisterHandler binds a compensation handler to (process instance,
// activity). The registration lives until the instance ends.
func (c *CompensationEngine) RegisterHandler(processInstanceKey int64, activityId string, handler CompensationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	byActivity, ok := c.handlers[processInstanceKey]
	if !ok {
		byActivity = make(map[string]CompensationHandler)
		c.handlers[processInstanceKey] = byActivity
	}
	byActivity[activityId] = handler
}

func (c *CompensationEngine) handler(processInstanceKey int64, activityId string) CompensationHandler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers[processInstanceKey][activityId]
}

func (c *CompensationEngine) purgeInstanceHandlers(processInstanceKey int64) {
	c.handlersMu.Lock()
	delete(c.handlers, processInstanceKey)
	delete(c.activeScopes, processInstanceKey)
	c.handlersMu.Unlock()
}

// CreateScope opens a compensation scope for the instance, nested under
// parentScopeId when given. Completions recorded while the scope is open
// belong to it.
func (c *CompensationEngine) CreateScope(ctx context.Context, processInstanceKey int64, activityId string, parentScopeId string) (runtime.CompensationScope, error) {
	scope := runtime.CompensationScope{
		Id:                 uuid.NewString(),
		ParentId:           parentScopeId,
		ProcessInstanceKey: processInstanceKey,
		ActivityId:         activityId,
		CreatedAt:          time.Now(),
	}
	if parentScopeId != "" {
		parent, err := c.engine.persistence.FindCompensationScope(ctx, parentScopeId)
		if err != nil {
			return scope, errors.Join(newEngineErrorf("parent scope %s not found", parentScopeId), err)
		}
		scope.Depth = parent.Depth + 1
		parent.ChildIds = append(parent.ChildIds, scope.Id)
		if err := c.engine.persistence.SaveCompensationScope(ctx, parent); err != nil {
			return scope, err
		}
	}
	if err := c.engine.persistence.SaveCompensationScope(ctx, scope); err != nil {
		return scope, err
	}
	c.handlersMu.Lock()
	c.activeScopes[processInstanceKey] = scope.Id
	c.handlersMu.Unlock()
	return scope, nil
}

// GetScope loads a scope by id.
func (c *CompensationEngine) GetScope(ctx context.Context, scopeId string) (runtime.CompensationScope, error) {
	return c.engine.persistence.FindCompensationScope(ctx, scopeId)
}

// CloseScope re-activates the parent scope of the given scope.
func (c *CompensationEngine) CloseScope(ctx context.Context, processInstanceKey int64, scopeId string) error {
	scope, err := c.engine.persistence.FindCompensationScope(ctx, scopeId)
	if err != nil {
		return err
	}
	c.handlersMu.Lock()
	if scope.ParentId != "" {
		c.activeScopes[processInstanceKey] = scope.ParentId
	} else {
		delete(c.activeScopes, processInstanceKey)
	}
	c.handlersMu.Unlock()
	return nil
}

func (c *CompensationEngine) activeScope(ctx context.Context, processInstanceKey int64) (string, int32) {
	c.handlersMu.RLock()
	scopeId := c.activeScopes[processInstanceKey]
	c.handlersMu.RUnlock()
	if scopeId == "" {
		return "", 0
	}
	scope, err := c.engine.persistence.FindCompensationScope(ctx, scopeId)
	if err != nil {
		return scopeId, 0
	}
	return scopeId, scope.Depth + 1
}

// RecordExecution appends a pending compensation record for a successfully
// completed, compensable activity. Called by the process executor on
// completion; the variable snapshot is taken at that moment.
func (c *CompensationEngine) RecordExecution(ctx context.Context, instance *runtime.ProcessInstance, token runtime.ExecutionToken, element *model.Element, startedAt time.Time) error {
	scopeId, depth := c.activeScope(ctx, instance.Key)
	parentScopeId := ""
	if scopeId != "" {
		if scope, err := c.engine.persistence.FindCompensationScope(ctx, scopeId); err == nil {
			parentScopeId = scope.ParentId
		}
	}
	record := runtime.CompensationRecord{
		Key:                c.engine.generateKey(),
		Id:                 uuid.NewString(),
		ProcessInstanceKey: instance.Key,
		TokenKey:           token.Key,
		ActivityId:         element.Id,
		ActivityType:       string(element.Type),
		ActivityName:       element.Name,
		StartedAt:          startedAt,
		CompletedAt:        time.Now(),
		Variables:          instance.VariableHolder.Snapshot(),
		State:              runtime.CompensationStatePending,
		ScopeId:            scopeId,
		ParentScopeId:      parentScopeId,
		Depth:              depth,
	}
	if err := c.engine.persistence.SaveCompensationRecord(ctx, record); err != nil {
		return errors.Join(newEngineErrorf("failed to save compensation record for %s", element.Id), err)
	}
	c.log.Debug("recorded compensable completion", "activity", element.Id, "processInstance", instance.Key, "scope", scopeId)
	return nil
}

// Compensate replays the instance's pending records in strict reverse
// completion order. With triggerActivityId set, only records completed
// strictly after that activity's completion are replayed; with scopeId set,
// only that scope's records. A failed record does not stop the remaining
// (older) ones. Re-invoking with nothing pending returns an empty list.
func (c *CompensationEngine) Compensate(ctx context.Context, processInstanceKey int64, triggerActivityId string, scopeId string) ([]CompensationResult, error) {
	if _, err := c.engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey); err != nil {
		return nil, errors.Join(newEngineErrorf("process instance %d not found", processInstanceKey), err)
	}
	records, err := c.pendingRecords(ctx, processInstanceKey, triggerActivityId, scopeId)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []CompensationResult{}, nil
	}

	c.engine.bus.Publish(EventCompensationStart, EventPayload{
		ProcessInstanceKey: processInstanceKey,
		Detail:             map[string]interface{}{"records": len(records)},
	})
	results := make([]CompensationResult, 0, len(records))
	// last completed first
	for i := len(records) - 1; i >= 0; i-- {
		results = append(results, c.executeRecord(ctx, records[i]))
	}
	c.engine.bus.Publish(EventCompensationDone, EventPayload{
		ProcessInstanceKey: processInstanceKey,
		Detail:             map[string]interface{}{"records": len(results)},
	})
	return results, nil
}

// pendingRecords returns the pending records in completion order, applying
// the optional scope and trigger-activity filters.
func (c *CompensationEngine) pendingRecords(ctx context.Context, processInstanceKey int64, triggerActivityId string, scopeId string) ([]runtime.CompensationRecord, error) {
	records, err := c.engine.persistence.FindCompensationRecords(ctx, processInstanceKey, runtime.CompensationStatePending)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load compensation records for instance %d", processInstanceKey), err)
	}
	if scopeId != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.ScopeId == scopeId {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if triggerActivityId != "" {
		cutoff, found := time.Time{}, false
		// latest completion of the trigger activity wins
		for _, rec := range records {
			if rec.ActivityId == triggerActivityId {
				cutoff, found = rec.CompletedAt, true
			}
		}
		if !found {
			// the trigger may already be compensated; look across all states
			all, err := c.engine.persistence.FindCompensationRecords(ctx, processInstanceKey)
			if err != nil {
				return nil, err
			}
			for _, rec := range all {
				if rec.ActivityId == triggerActivityId {
					cutoff, found = rec.CompletedAt, true
				}
			}
		}
		if !found {
			return nil, newValidationErrorf("no compensation record for trigger activity %s", triggerActivityId)
		}
		filtered := make([]runtime.CompensationRecord, 0, len(records))
		for _, rec := range records {
			if rec.CompletedAt.After(cutoff) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	return records, nil
}

// executeRecord runs one record's handler with retry. A missing handler is a
// benign skip, not an error.
func (c *CompensationEngine) executeRecord(ctx context.Context, record runtime.CompensationRecord) CompensationResult {
	result := CompensationResult{
		RecordId:   record.Id,
		RecordKey:  record.Key,
		ActivityId: record.ActivityId,
	}
	handler := c.handler(record.ProcessInstanceKey, record.ActivityId)
	if handler == nil {
		record.State = runtime.CompensationStateSkipped
		if err := c.engine.persistence.SaveCompensationRecord(ctx, record); err != nil {
			c.log.Error("failed to persist skipped record", "record", record.Id, "error", err)
		}
		result.State = runtime.CompensationStateSkipped
		c.recordStats(record.ActivityType, result.State, 0)
		c.log.Debug("no handler registered, skipping", "activity", record.ActivityId, "record", record.Id)
		return result
	}

	record.State = runtime.CompensationStateCompensating
	if err := c.engine.persistence.SaveCompensationRecord(ctx, record); err != nil {
		result.State = runtime.CompensationStateFailed
		result.Err = err
		return result
	}

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		result.Attempts = attempt
		retry, err := handler.Compensate(ctx, CompensationContext{Record: record, Variables: record.Variables})
		if err == nil {
			record.State = runtime.CompensationStateCompensated
			lastErr = nil
			break
		}
		lastErr = err
		c.log.Warn("compensation handler failed", "activity", record.ActivityId, "attempt", attempt, "error", err)
		if !retry {
			break
		}
		if attempt < c.retryAttempts {
			time.Sleep(c.retryDelay)
		}
	}
	result.Duration = time.Since(started)
	if lastErr != nil {
		record.State = runtime.CompensationStateFailed
		result.Err = &HandlerError{ActivityId: record.ActivityId, Attempts: result.Attempts, Err: lastErr}
	}
	result.State = record.State
	if err := c.engine.persistence.SaveCompensationRecord(ctx, record); err != nil {
		c.log.Error("failed to persist compensation record", "record", record.Id, "error", err)
	}
	c.recordStats(record.ActivityType, result.State, result.Duration)
	if c.engine.metrics != nil {
		c.engine.metrics.ObserveCompensation(record.ActivityType, result.State == runtime.CompensationStateCompensated, result.Duration)
	}
	return result
}

// CreatePlan precomputes the reverse-ordered record list once, so callers can
// preview what a compensation run would touch before executing it.
func (c *CompensationEngine) CreatePlan(ctx context.Context, processInstanceKey int64, scopeId string, parallel bool) (*CompensationPlan, error) {
	records, err := c.pendingRecords(ctx, processInstanceKey, "", scopeId)
	if err != nil {
		return nil, err
	}
	keys := make([]int64, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		keys = append(keys, records[i].Key)
	}
	return &CompensationPlan{
		Id:                 uuid.NewString(),
		ProcessInstanceKey: processInstanceKey,
		RecordKeys:         keys,
		Parallel:           parallel,
		CreatedAt:          time.Now(),
	}, nil
}

// ExecutePlan runs a precomputed plan. In sequential mode (parallel=false)
// the first failed record halts the rest of the plan; otherwise execution
// continues like an ad-hoc Compensate call. Execution stays serialized per
// instance either way.
func (c *CompensationEngine) ExecutePlan(ctx context.Context, plan *CompensationPlan) ([]CompensationResult, error) {
	if plan == nil {
		return nil, newValidationErrorf("nil compensation plan")
	}
	results := make([]CompensationResult, 0, len(plan.RecordKeys))
	for _, key := range plan.RecordKeys {
		record, err := c.engine.persistence.FindCompensationRecordByKey(ctx, key)
		if err != nil {
			return results, errors.Join(newEngineErrorf("plan %s references missing record %d", plan.Id, key), err)
		}
		if record.State != runtime.CompensationStatePending {
			// the record was handled since the plan was computed
			continue
		}
		result := c.executeRecord(ctx, record)
		results = append(results, result)
		if !plan.Parallel && result.State == runtime.CompensationStateFailed {
			c.log.Warn("halting sequential plan on failed record", "plan", plan.Id, "record", result.RecordId)
			break
		}
	}
	return results, nil
}

func (c *CompensationEngine) recordStats(activityType string, state runtime.CompensationState, duration time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Total++
	switch state {
	case runtime.CompensationStateCompensated:
		c.stats.Succeeded++
	case runtime.CompensationStateFailed:
		c.stats.Failed++
	case runtime.CompensationStateSkipped:
		c.stats.Skipped++
		return
	}
	typeStats := c.stats.PerType[activityType]
	// running average over executed (non-skipped) compensations
	executed := typeStats.Total
	typeStats.AvgDuration = time.Duration((int64(typeStats.AvgDuration)*executed + int64(duration)) / (executed + 1))
	typeStats.Total++
	if state == runtime.CompensationStateCompensated {
		typeStats.Succeeded++
	} else {
		typeStats.Failed++
	}
	c.stats.PerType[activityType] = typeStats
}

// Statistics returns a copy of the current counters.
func (c *CompensationEngine) Statistics() CompensationStatistics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	copied := c.stats
	copied.PerType = make(map[string]ActivityTypeStatistics, len(c.stats.PerType))
	for k, v := range c.stats.PerType {
		copied.PerType[k] = v
	}
	return copied
}
