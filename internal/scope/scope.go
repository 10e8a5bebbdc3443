// Package scope implements the variable environment for one compiled
// script: declared variables in a stack of frames, with the @@ERROR_*
// pseudo-variables maintained by the error-handling machinery.
package scope

import (
	"strings"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

// Names of the error-state pseudo-variables. Reads of these when undeclared
// return Null rather than faulting.
const (
	VarErrorMessage  = "@@ERROR_MESSAGE"
	VarErrorNumber   = "@@ERROR_NUMBER"
	VarErrorSeverity = "@@ERROR_SEVERITY"
	VarErrorState    = "@@ERROR_STATE"
)

type frame struct {
	vars map[string]types.Value
}

// Scope is an ordered sequence of frames. Lookup walks from innermost to
// outermost. A Scope lives for one script and is not safe for concurrent use.
type Scope struct {
	frames []frame
}

// New creates a scope with a single root frame.
func New() *Scope {
	return &Scope{frames: []frame{{vars: make(map[string]types.Value)}}}
}

func normalize(name string) string { return strings.ToUpper(name) }

// PushFrame opens a nested frame (TRY/CATCH block, sub-batch).
func (s *Scope) PushFrame() {
	s.frames = append(s.frames, frame{vars: make(map[string]types.Value)})
}

// PopFrame discards the innermost frame. The root frame is never popped.
func (s *Scope) PopFrame() {
	if len(s.frames) > 1 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// Declare introduces a variable in the innermost frame. Re-declaring in the
// same frame overwrites, matching DECLARE-after-DECLARE batch behavior.
func (s *Scope) Declare(name string, initial types.Value) {
	s.frames[len(s.frames)-1].vars[normalize(name)] = initial
}

// Set assigns a declared variable, walking frames innermost-first.
func (s *Scope) Set(name string, value types.Value) error {
	key := normalize(name)
	for i := len(s.frames) - 1; i >= 0; i-- {
		if _, ok := s.frames[i].vars[key]; ok {
			s.frames[i].vars[key] = value
			return nil
		}
	}
	return dverr.Newf(dverr.CodeUndeclaredVariable, "variable %s is not declared", name).WithTarget(name)
}

// Get reads a variable. Undeclared @@ERROR_* variables read as Null; any
// other undeclared name faults.
func (s *Scope) Get(name string) (types.Value, error) {
	key := normalize(name)
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i].vars[key]; ok {
			return v, nil
		}
	}
	if strings.HasPrefix(key, "@@ERROR_") {
		return types.Null, nil
	}
	return types.Null, dverr.Newf(dverr.CodeUndeclaredVariable, "variable %s is not declared", name).WithTarget(name)
}

// IsDeclared reports whether an explicit declare for name is in effect.
func (s *Scope) IsDeclared(name string) bool {
	key := normalize(name)
	for i := len(s.frames) - 1; i >= 0; i-- {
		if _, ok := s.frames[i].vars[key]; ok {
			return true
		}
	}
	return false
}

// SetErrorState declares and assigns all four @@ERROR_* variables in the
// innermost frame atomically. Only the error-handling machinery calls this.
func (s *Scope) SetErrorState(message string, number, severity, state int) {
	top := s.frames[len(s.frames)-1].vars
	top[VarErrorMessage] = types.NewSimple(message)
	top[VarErrorNumber] = types.NewSimple(int64(number))
	top[VarErrorSeverity] = types.NewSimple(int64(severity))
	top[VarErrorState] = types.NewSimple(int64(state))
}

// ClearErrorState removes the @@ERROR_* variables from the innermost frame,
// used when a handler completes.
func (s *Scope) ClearErrorState() {
	top := s.frames[len(s.frames)-1].vars
	delete(top, VarErrorMessage)
	delete(top, VarErrorNumber)
	delete(top, VarErrorSeverity)
	delete(top, VarErrorState)
}
