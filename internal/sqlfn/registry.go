// Package sqlfn implements the client-side scalar function evaluator: a
// name-indexed registry of ~60 T-SQL functions with arity checking, SQL
// NULL propagation, CAST/CONVERT with style codes, and @@ERROR_* reads
// against the ambient variable scope.
package sqlfn

import (
	"strconv"
	"strings"
	"time"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/scope"
	"github.com/dvtools/dvq/internal/types"
)

// Variadic marks a function with no upper argument bound.
const Variadic = -1

// Handler evaluates a function call. Arguments arrive already evaluated;
// unless the function is registered null-tolerant, the registry has already
// short-circuited Null arguments to a Null result before the handler runs.
type Handler func(ev *Evaluator, args []types.Value) (types.Value, error)

// Entry is one registered function.
type Entry struct {
	Name         string
	MinArgs      int
	MaxArgs      int // Variadic for no upper bound
	NullTolerant bool
	Fn           Handler
}

// Registry maps upper-cased function names to entries.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry returns a registry pre-populated with every built-in.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Entry)}
	registerStringFuncs(r)
	registerDateFuncs(r)
	registerMathFuncs(r)
	registerJSONFuncs(r)
	registerNullFuncs(r)
	registerErrorFuncs(r)
	registerConvertFuncs(r)
	registerPlatformFuncs(r)
	return r
}

// Register adds or replaces an entry. Name matching is ASCII
// case-insensitive.
func (r *Registry) Register(e Entry) {
	r.entries[strings.ToUpper(e.Name)] = e
}

// Lookup finds an entry by name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[strings.ToUpper(name)]
	return e, ok
}

// Evaluator binds a registry to one script invocation: its variable scope
// and a reference clock fixed at construction so GETDATE/SYSUTCDATETIME are
// deterministic across a single script.
type Evaluator struct {
	reg   *Registry
	scope *scope.Scope
	now   time.Time
}

// NewEvaluator creates an evaluator over the given scope with the reference
// time fixed to the current instant.
func NewEvaluator(reg *Registry, sc *scope.Scope) *Evaluator {
	return NewEvaluatorAt(reg, sc, time.Now().UTC())
}

// NewEvaluatorAt creates an evaluator with an explicit reference time.
func NewEvaluatorAt(reg *Registry, sc *scope.Scope, now time.Time) *Evaluator {
	if sc == nil {
		sc = scope.New()
	}
	return &Evaluator{reg: reg, scope: sc, now: now}
}

// Scope exposes the ambient variable scope (used by ERROR_* functions and
// the TRY/CATCH machinery).
func (ev *Evaluator) Scope() *scope.Scope { return ev.scope }

// Now returns the script's fixed reference time.
func (ev *Evaluator) Now() time.Time { return ev.now }

// Invoke evaluates a named function over already-evaluated arguments.
//
// Unknown names fault with UnknownFunction; argument counts outside
// [MinArgs, MaxArgs] fault with ArgArity. For functions not registered
// null-tolerant, any Null argument yields a Null result without running
// the handler.
func (ev *Evaluator) Invoke(name string, args []types.Value) (types.Value, error) {
	e, ok := ev.reg.Lookup(name)
	if !ok {
		return types.Null, dverr.Newf(dverr.CodeUnknownFunction, "unknown function %s", strings.ToUpper(name)).WithTarget(name)
	}
	if len(args) < e.MinArgs || (e.MaxArgs != Variadic && len(args) > e.MaxArgs) {
		return types.Null, dverr.Newf(dverr.CodeArgArity,
			"%s expects %s arguments, got %d", e.Name, arityRange(e), len(args)).WithTarget(e.Name)
	}
	if !e.NullTolerant {
		for _, a := range args {
			if a.IsNull() {
				return types.Null, nil
			}
		}
	}
	return e.Fn(ev, args)
}

func arityRange(e Entry) string {
	switch {
	case e.MaxArgs == Variadic:
		return "at least " + strconv.Itoa(e.MinArgs)
	case e.MinArgs == e.MaxArgs:
		return strconv.Itoa(e.MinArgs)
	default:
		return strconv.Itoa(e.MinArgs) + " to " + strconv.Itoa(e.MaxArgs)
	}
}
