// Package types holds the value and column model shared by every executor:
// typed cell values, column metadata, records, query results, and the
// entity schemas consumed by the transfer planner.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValueKind discriminates the payload variants a cell can carry.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindSimple
	KindLookup
	KindOptionSet
	KindOptionSetSet
	KindMoney
	KindFormatted
)

// String returns the kind name used in errors and serialized values.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindSimple:
		return "simple"
	case KindLookup:
		return "lookup"
	case KindOptionSet:
		return "optionset"
	case KindOptionSetSet:
		return "optionsetset"
	case KindMoney:
		return "money"
	case KindFormatted:
		return "formatted"
	default:
		return "unknown"
	}
}

// Lookup is a reference to a row in another entity.
type Lookup struct {
	ID          uuid.UUID `json:"id"`
	EntityName  string    `json:"entityName"`
	DisplayName string    `json:"displayName,omitempty"`
}

// OptionSet is a single choice value with its optional server label.
type OptionSet struct {
	Code      int    `json:"code"`
	Formatted string `json:"formatted,omitempty"`
}

// OptionSetSet is a multi-choice value.
type OptionSetSet struct {
	Codes     []int  `json:"codes"`
	Formatted string `json:"formatted,omitempty"`
}

// Money is a currency amount. The raw amount is a decimal serialized as a
// string to avoid float drift; Formatted is the server's display rendering.
type Money struct {
	Amount    string `json:"amount"`
	Formatted string `json:"formatted,omitempty"`
}

// Value is an immutable discriminated cell. A non-null Value carries exactly
// one payload variant. Comparisons between variants use the raw payload.
type Value struct {
	kind ValueKind

	simple    interface{}
	lookup    Lookup
	optset    OptionSet
	optsetset OptionSetSet
	money     Money
	raw       interface{} // Formatted: the underlying raw value
	formatted string      // Formatted: never empty when kind == KindFormatted
}

// Null is the singleton null cell.
var Null = Value{kind: KindNull}

// NewSimple wraps a primitive payload (string, int64, float64, bool,
// time.Time, uuid.UUID, []byte).
func NewSimple(v interface{}) Value {
	if v == nil {
		return Null
	}
	return Value{kind: KindSimple, simple: v}
}

// NewLookup builds a lookup cell.
func NewLookup(id uuid.UUID, entityName, displayName string) Value {
	return Value{kind: KindLookup, lookup: Lookup{ID: id, EntityName: entityName, DisplayName: displayName}}
}

// NewOptionSet builds a single-choice cell.
func NewOptionSet(code int, formatted string) Value {
	return Value{kind: KindOptionSet, optset: OptionSet{Code: code, Formatted: formatted}}
}

// NewOptionSetSet builds a multi-choice cell. The code slice is copied.
func NewOptionSetSet(codes []int, formatted string) Value {
	cp := make([]int, len(codes))
	copy(cp, codes)
	return Value{kind: KindOptionSetSet, optsetset: OptionSetSet{Codes: cp, Formatted: formatted}}
}

// NewMoney builds a money cell from its canonical decimal string.
func NewMoney(amount, formatted string) Value {
	return Value{kind: KindMoney, money: Money{Amount: amount, Formatted: formatted}}
}

// NewFormatted pairs a raw payload with the server's display string.
// An empty formatted string degrades to a plain simple value: the invariant
// is that Formatted.formatted is never empty.
func NewFormatted(raw interface{}, formatted string) Value {
	if formatted == "" {
		return NewSimple(raw)
	}
	return Value{kind: KindFormatted, raw: raw, formatted: formatted}
}

// Kind returns the payload variant.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the cell is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Simple returns the primitive payload, or nil for other kinds.
func (v Value) Simple() interface{} {
	if v.kind == KindSimple {
		return v.simple
	}
	return nil
}

// Lookup returns the lookup payload; ok is false for other kinds.
func (v Value) Lookup() (Lookup, bool) {
	return v.lookup, v.kind == KindLookup
}

// OptionSet returns the single-choice payload; ok is false for other kinds.
func (v Value) OptionSet() (OptionSet, bool) {
	return v.optset, v.kind == KindOptionSet
}

// OptionSetSet returns the multi-choice payload; ok is false for other kinds.
func (v Value) OptionSetSet() (OptionSetSet, bool) {
	return v.optsetset, v.kind == KindOptionSetSet
}

// Money returns the money payload; ok is false for other kinds.
func (v Value) Money() (Money, bool) {
	return v.money, v.kind == KindMoney
}

// Formatted returns the display string the server supplied, if any.
func (v Value) Formatted() (string, bool) {
	switch v.kind {
	case KindFormatted:
		return v.formatted, true
	case KindOptionSet:
		return v.optset.Formatted, v.optset.Formatted != ""
	case KindOptionSetSet:
		return v.optsetset.Formatted, v.optsetset.Formatted != ""
	case KindMoney:
		return v.money.Formatted, v.money.Formatted != ""
	case KindLookup:
		return v.lookup.DisplayName, v.lookup.DisplayName != ""
	}
	return "", false
}

// Raw returns the comparison payload: the underlying primitive for Simple
// and Formatted, the id for lookups, the code(s) for option sets, and the
// decimal string for money. Null returns nil.
func (v Value) Raw() interface{} {
	switch v.kind {
	case KindSimple:
		return v.simple
	case KindFormatted:
		return v.raw
	case KindLookup:
		return v.lookup.ID
	case KindOptionSet:
		return v.optset.Code
	case KindOptionSetSet:
		return v.optsetset.Codes
	case KindMoney:
		return v.money.Amount
	}
	return nil
}

// Equal compares two values by raw payload, per the model invariant that
// comparisons between variants use the raw payload.
func (v Value) Equal(other Value) bool {
	if v.kind == KindNull || other.kind == KindNull {
		return v.kind == other.kind
	}
	a, b := v.Raw(), other.Raw()
	if ac, ok := a.([]int); ok {
		bc, ok := b.([]int)
		if !ok || len(ac) != len(bc) {
			return false
		}
		for i := range ac {
			if ac[i] != bc[i] {
				return false
			}
		}
		return true
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a == b
}

// String renders the cell for display: the formatted string when present,
// otherwise the raw payload.
func (v Value) String() string {
	if v.kind == KindNull {
		return "NULL"
	}
	if f, ok := v.Formatted(); ok {
		return f
	}
	switch raw := v.Raw().(type) {
	case string:
		return raw
	case time.Time:
		return raw.UTC().Format("2006-01-02T15:04:05.000")
	default:
		return fmt.Sprint(raw)
	}
}

// Text returns the payload as a string when it is string-typed, with ok
// reporting whether the conversion was direct.
func (v Value) Text() (string, bool) {
	s, ok := v.Raw().(string)
	return s, ok
}

// NormalizeKey lowercases a record key for case-insensitive lookup.
func NormalizeKey(key string) string { return strings.ToLower(key) }
