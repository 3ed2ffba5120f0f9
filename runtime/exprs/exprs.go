// Package exprs evaluates the expression strings embedded in workflow
// definitions: transition guards, foreach collections, input/output mappings,
// and merge sources. Expressions use the expr-lang dialect and evaluate
// against the token environment {input, state, output, _branch}.
package exprs

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"goa.design/weave/runtime/fault"
)

// Evaluator compiles and caches expression programs. Compilation happens once
// per distinct source string; evaluation is side-effect free and safe for
// concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New constructs an empty Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Compile validates source without evaluating it. Definitions are compiled at
// load time so malformed expressions fail at Put rather than mid-run.
func (e *Evaluator) Compile(source string) error {
	_, err := e.program(source)
	return err
}

// Eval evaluates source against env and returns the result.
func (e *Evaluator) Eval(source string, env map[string]any) (any, error) {
	program, err := e.program(source)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fault.Wrap(fault.KindExpression, "evaluating "+quote(source), err)
	}
	return out, nil
}

// EvalBool evaluates source and requires a boolean result. Guards use this;
// a non-boolean result is an expression fault, not a silent falsy.
func (e *Evaluator) EvalBool(source string, env map[string]any) (bool, error) {
	out, err := e.Eval(source, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fault.Newf(fault.KindExpression, "expression %s yielded %T, want bool", quote(source), out)
	}
	return b, nil
}

// EvalList evaluates source and requires a list result. Foreach fan-outs use
// this to enumerate branch elements.
func (e *Evaluator) EvalList(source string, env map[string]any) ([]any, error) {
	out, err := e.Eval(source, env)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case []any:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fault.Newf(fault.KindExpression, "expression %s yielded %T, want list", quote(source), out)
	}
}

// program returns the cached compiled form of source, compiling on first use.
func (e *Evaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}
	compiled, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fault.Wrap(fault.KindExpression, "compiling "+quote(source), err)
	}
	e.mu.Lock()
	e.cache[source] = compiled
	e.mu.Unlock()
	return compiled, nil
}

func quote(s string) string {
	const max = 60
	if len(s) > max {
		s = s[:max] + "..."
	}
	return "\"" + s + "\""
}
