package runtime

import (
	"github.com/mohae/deepcopy"
)

// VariableHolder scopes process variables. A child holder sees its parent's
// variables; writes stay local unless explicitly propagated.
type VariableHolder struct {
	parent    *VariableHolder
	variables map[string]interface{}
}

func NewVariableHolder(parent *VariableHolder, variables map[string]interface{}) VariableHolder {
	if variables == nil {
		variables = make(map[string]interface{})
	}
	return VariableHolder{
		parent:    parent,
		variables: variables,
	}
}

// Variables returns the merged view of the holder and its ancestors. Local
// values shadow parent values.
func (vh *VariableHolder) Variables() map[string]interface{} {
	merged := make(map[string]interface{})
	if vh.parent != nil {
		for k, v := range vh.parent.Variables() {
			merged[k] = v
		}
	}
	for k, v := range vh.variables {
		merged[k] = v
	}
	return merged
}

func (vh *VariableHolder) GetVariable(key string) interface{} {
	if v, ok := vh.variables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, value interface{}) {
	if vh.variables == nil {
		vh.variables = make(map[string]interface{})
	}
	vh.variables[key] = value
}

func (vh *VariableHolder) SetVariables(variables map[string]interface{}) {
	for k, v := range variables {
		vh.SetVariable(k, v)
	}
}

// PropagateVariable sets a value on the parent holder, if any.
func (vh *VariableHolder) PropagateVariable(key string, value interface{}) {
	if vh.parent != nil {
		vh.parent.SetVariable(key, value)
	}
}

// Snapshot deep-copies the merged variable view, so later mutation of the
// live scope cannot leak into persisted records.
func (vh *VariableHolder) Snapshot() map[string]interface{} {
	return deepcopy.Copy(vh.Variables()).(map[string]interface{})
}

// MarshalJSON/UnmarshalJSON persist only the local variables; parents are
// re-linked by the engine on load.
func (vh VariableHolder) MarshalJSON() ([]byte, error) {
	return marshalVariables(vh.variables)
}

func (vh *VariableHolder) UnmarshalJSON(data []byte) error {
	variables, err := unmarshalVariables(data)
	if err != nil {
		return err
	}
	vh.variables = variables
	return nil
}
