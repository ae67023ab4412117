package model

import (
	"fmt"
	"time"

	"github.com/senseyeio/duration"
)

// ProcessGraph is the immutable typed representation of one process
// definition version. It is produced by an external deployment collaborator;
// the engine never mutates it.
type ProcessGraph struct {
	DefinitionId string
	Version      int32
	Elements     map[string]*Element
	Flows        map[string]*SequenceFlow
}

func (g *ProcessGraph) CacheKey() string {
	return CacheKey(g.DefinitionId, g.Version)
}

func CacheKey(definitionId string, version int32) string {
	return fmt.Sprintf("%s:%d", definitionId, version)
}

// FindElement returns the element with the given id, or nil.
func (g *ProcessGraph) FindElement(id string) *Element {
	return g.Elements[id]
}

// StartElements returns all start events of the graph.
func (g *ProcessGraph) StartElements() []*Element {
	var starts []*Element
	for _, e := range g.Elements {
		if e.Type == ElementTypeStartEvent {
			starts = append(starts, e)
		}
	}
	return starts
}

// OutgoingFlows resolves the outgoing sequence flows of an element in
// declaration order.
func (g *ProcessGraph) OutgoingFlows(e *Element) []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(e.Outgoing))
	for _, id := range e.Outgoing {
		if f, ok := g.Flows[id]; ok {
			flows = append(flows, f)
		}
	}
	return flows
}

// IncomingFlows resolves the incoming sequence flows of an element.
func (g *ProcessGraph) IncomingFlows(e *Element) []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(e.Incoming))
	for _, id := range e.Incoming {
		if f, ok := g.Flows[id]; ok {
			flows = append(flows, f)
		}
	}
	return flows
}

// DefaultFlow returns the element's default sequence flow, or nil.
func (g *ProcessGraph) DefaultFlow(e *Element) *SequenceFlow {
	if e.DefaultFlow == "" {
		return nil
	}
	return g.Flows[e.DefaultFlow]
}

// Validate checks referential integrity of the graph: every flow endpoint and
// every element association must resolve.
func (g *ProcessGraph) Validate() error {
	if g.DefinitionId == "" {
		return fmt.Errorf("process graph has no definition id")
	}
	for id, f := range g.Flows {
		if g.Elements[f.SourceRef] == nil {
			return fmt.Errorf("flow %s references unknown source %s", id, f.SourceRef)
		}
		if g.Elements[f.TargetRef] == nil {
			return fmt.Errorf("flow %s references unknown target %s", id, f.TargetRef)
		}
	}
	for id, e := range g.Elements {
		for _, fid := range append(append([]string{}, e.Incoming...), e.Outgoing...) {
			if g.Flows[fid] == nil {
				return fmt.Errorf("element %s references unknown flow %s", id, fid)
			}
		}
		if e.DefaultFlow != "" && g.Flows[e.DefaultFlow] == nil {
			return fmt.Errorf("element %s references unknown default flow %s", id, e.DefaultFlow)
		}
	}
	if len(g.StartElements()) == 0 {
		return fmt.Errorf("process graph %s has no start event", g.DefinitionId)
	}
	return nil
}

// ParseTimerDuration converts an ISO-8601 duration (e.g. PT15M) into a
// time.Duration relative to now.
func ParseTimerDuration(iso string) (time.Duration, error) {
	d, err := duration.ParseISO8601(iso)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %s: %w", iso, err)
	}
	now := time.Now()
	return d.Shift(now).Sub(now), nil
}
