package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates a boolean predicate against a submission context.
// Policy-auto gates use it to approve or reject without an external decider.
type Evaluator interface {
	Evaluate(predicate string, context map[string]interface{}) (bool, error)
}

// Submission builds the canonical predicate environment for a gate
// submission. Predicates address these names directly, e.g.
// `result.score >= 0.8 && attempts < 3`.
func Submission(moleculeID uint64, stepID string, result interface{}, attempts int) map[string]interface{} {
	return map[string]interface{}{
		"molecule": moleculeID,
		"step":     stepID,
		"result":   result,
		"attempts": attempts,
	}
}

// ExprEvaluator implements Evaluator with expr-lang/expr, caching compiled
// programs per predicate string.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	helpers map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates an ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		helpers: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddHelper registers a derived value that is injected into every evaluation
// context under the given name. Useful for exposing computed quality metrics
// to gate predicates.
func (e *ExprEvaluator) AddHelper(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.helpers[name] = f
}

// Evaluate compiles (or reuses) the predicate and runs it against the context.
// The predicate must evaluate to a boolean; anything else is an error.
func (e *ExprEvaluator) Evaluate(predicate string, context map[string]interface{}) (bool, error) {
	if context == nil {
		context = make(map[string]interface{})
	}

	e.mu.RLock()
	for k, f := range e.helpers {
		context[k] = f(context)
	}
	program, ok := e.cache[predicate]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[predicate]; !ok {
			var err error
			program, err = expr.Compile(predicate, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[predicate] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("predicate '%s' did not evaluate to a boolean, got %T", predicate, result)
}
