package sqlfn

import (
	"strings"

	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/scope"
	"github.com/dvtools/dvq/internal/types"
)

func registerNullFuncs(r *Registry) {
	r.Register(Entry{Name: "ISNULL", MinArgs: 2, MaxArgs: 2, NullTolerant: true, Fn: fnFirstNonNull})
	r.Register(Entry{Name: "COALESCE", MinArgs: 2, MaxArgs: Variadic, NullTolerant: true, Fn: fnFirstNonNull})
}

// fnFirstNonNull serves both ISNULL and COALESCE. Arguments arrive already
// evaluated (strict evaluation; the function set is side-effect free, so
// short-circuiting would be unobservable).
func fnFirstNonNull(_ *Evaluator, args []types.Value) (types.Value, error) {
	for _, a := range args {
		if !a.IsNull() {
			return a, nil
		}
	}
	return types.Null, nil
}

func registerErrorFuncs(r *Registry) {
	for name, variable := range map[string]string{
		"ERROR_MESSAGE":  scope.VarErrorMessage,
		"ERROR_NUMBER":   scope.VarErrorNumber,
		"ERROR_SEVERITY": scope.VarErrorSeverity,
		"ERROR_STATE":    scope.VarErrorState,
	} {
		v := variable
		r.Register(Entry{Name: name, MinArgs: 0, MaxArgs: 0, NullTolerant: true, Fn: errorVarFn(v)})
	}
}

// errorVarFn reads the like-named @@ERROR_* variable from the ambient scope.
// Outside any handler the variable is undeclared and the read is Null.
func errorVarFn(variable string) Handler {
	return func(ev *Evaluator, _ []types.Value) (types.Value, error) {
		v, err := ev.Scope().Get(variable)
		if err != nil {
			return types.Null, nil
		}
		return v, nil
	}
}

func registerPlatformFuncs(r *Registry) {
	r.Register(Entry{Name: "CREATEELASTICLOOKUP", MinArgs: 4, MaxArgs: 4, Fn: fnCreateElasticLookup})
}

// fnCreateElasticLookup encodes an elastic-table reference as
// "entity:logicalName:id:partitionId". Null propagation is the registry
// default: any Null argument short-circuits to Null.
func fnCreateElasticLookup(_ *Evaluator, args []types.Value) (types.Value, error) {
	parts := make([]string, 4)
	for i, a := range args {
		if id, ok := a.Raw().(uuid.UUID); ok {
			// Elastic keys use the canonical lowercase form.
			parts[i] = id.String()
			continue
		}
		parts[i] = argString(a)
	}
	return strValue(strings.Join(parts, ":")), nil
}
