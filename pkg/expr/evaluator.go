// Package expr evaluates sequence-flow conditions and completion conditions
// against a variable scope. Evaluation is deterministic and side-effect free:
// every call runs against a fresh global scope.
package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Evaluator is the expression-evaluation seam of the engine.
type Evaluator interface {
	Evaluate(expression string, variables map[string]interface{}) (interface{}, error)
}

// max amount of pooled VMs
const maxVmPoolSize = 10

// GojaEvaluator evaluates expressions on a pool of goja VMs. Expressions are
// prefixed with "="; anything else is returned as a literal.
type GojaEvaluator struct {
	pool chan *goja.Runtime
}

func NewEvaluator() *GojaEvaluator {
	e := &GojaEvaluator{
		pool: make(chan *goja.Runtime, maxVmPoolSize),
	}
	return e
}

func (e *GojaEvaluator) acquire() *goja.Runtime {
	select {
	case vm := <-e.pool:
		return vm
	default:
		return goja.New()
	}
}

func (e *GojaEvaluator) release(vm *goja.Runtime) {
	select {
	case e.pool <- vm:
	default:
		// pool full, drop the VM
	}
}

func (e *GojaEvaluator) Evaluate(expression string, variables map[string]interface{}) (interface{}, error) {
	expression = strings.TrimSpace(expression)
	// not an expression, treat as constant
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}
	expression = strings.TrimPrefix(expression, "=")

	vm := e.acquire()
	defer e.release(vm)

	for k, v := range variables {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("failed to bind variable %s: %w", k, err)
		}
	}
	defer func() {
		// unbind so a pooled VM never leaks scope into the next call
		for k := range variables {
			_ = vm.GlobalObject().Delete(k)
		}
	}()

	value, err := vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return value.Export(), nil
}

// IsUnresolvedReference reports whether evaluation failed because the
// expression read a variable that is not bound in the scope, as opposed to a
// malformed expression.
func IsUnresolvedReference(err error) bool {
	var exception *goja.Exception
	if !errors.As(err, &exception) {
		return false
	}
	return strings.HasPrefix(exception.Value().String(), "ReferenceError")
}

// Truthy interprets an evaluation result as a flow-condition outcome.
func Truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case nil:
		return false
	case string:
		return v == "true"
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}
