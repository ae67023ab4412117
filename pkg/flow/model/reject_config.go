package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RejectType classifies where a "send back" returns process control to.
type RejectType string

const (
	RejectToPrevious   RejectType = "TO_PREVIOUS"
	RejectToStarter    RejectType = "TO_STARTER"
	RejectToSpecific   RejectType = "TO_SPECIFIC"
	RejectToAnyHistory RejectType = "TO_ANY_HISTORY"
	RejectNotAllowed   RejectType = "NOT_ALLOWED"
)

// MultiInstanceStrategy resolves conflicting reject decisions from parallel
// siblings of one multi-instance activity into a single outcome.
type MultiInstanceStrategy string

const (
	StrategyAllBack        MultiInstanceStrategy = "ALL_BACK"
	StrategyOnlyCurrent    MultiInstanceStrategy = "ONLY_CURRENT"
	StrategyMajorityBack   MultiInstanceStrategy = "MAJORITY_BACK"
	StrategyKeepCompleted  MultiInstanceStrategy = "KEEP_COMPLETED"
	StrategyResetAll       MultiInstanceStrategy = "RESET_ALL"
	StrategyWaitCompletion MultiInstanceStrategy = "WAIT_COMPLETION"
	StrategyImmediate      MultiInstanceStrategy = "IMMEDIATE"
)

// KnownStrategy reports whether s is one of the supported strategies.
func KnownStrategy(s MultiInstanceStrategy) bool {
	switch s {
	case StrategyAllBack, StrategyOnlyCurrent, StrategyMajorityBack,
		StrategyKeepCompleted, StrategyResetAll, StrategyWaitCompletion,
		StrategyImmediate:
		return true
	}
	return false
}

// RejectConfig is the per (process definition, activity) reject policy.
// Owned by deployment, read-only at execution time.
type RejectConfig struct {
	AllowReject             bool                  `yaml:"allowReject"`
	AllowedTypes            []RejectType          `yaml:"allowedTypes"`
	DefaultStrategy         MultiInstanceStrategy `yaml:"defaultStrategy"`
	RequireReason           bool                  `yaml:"requireReason"`
	AllowedTargetActivities []string              `yaml:"allowedTargetActivities"`
	// RejectPercentage overrides the majority threshold, expressed 0-100.
	// Zero means the default strict majority.
	RejectPercentage float64 `yaml:"rejectPercentage"`
}

func (c *RejectConfig) AllowsType(t RejectType) bool {
	if len(c.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range c.AllowedTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

func (c *RejectConfig) AllowsTarget(activityId string) bool {
	for _, id := range c.AllowedTargetActivities {
		if id == activityId {
			return true
		}
	}
	return false
}

type rejectConfigFile struct {
	DefinitionId string                   `yaml:"definitionId"`
	Activities   map[string]*RejectConfig `yaml:"activities"`
}

// ParseRejectConfig parses a deployment descriptor mapping activity ids to
// reject policies and applies it onto the graph's elements.
func ParseRejectConfig(data []byte, graph *ProcessGraph) error {
	var file rejectConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse reject config: %w", err)
	}
	if file.DefinitionId != "" && file.DefinitionId != graph.DefinitionId {
		return fmt.Errorf("reject config is for definition %s, graph is %s", file.DefinitionId, graph.DefinitionId)
	}
	for activityId, cfg := range file.Activities {
		element := graph.FindElement(activityId)
		if element == nil {
			return fmt.Errorf("reject config references unknown activity %s", activityId)
		}
		if cfg.DefaultStrategy != "" && !KnownStrategy(cfg.DefaultStrategy) {
			return fmt.Errorf("reject config for %s has unknown strategy %s", activityId, cfg.DefaultStrategy)
		}
		element.RejectConfig = cfg
	}
	return nil
}
