package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// valueEnvelope is the wire form of a Value in data files. The kind tag
// discriminates; exactly one payload field is populated.
type valueEnvelope struct {
	Kind      string          `json:"k"`
	Simple    json.RawMessage `json:"v,omitempty"`
	SimpleTyp string          `json:"t,omitempty"`
	Lookup    *Lookup         `json:"lk,omitempty"`
	OptSet    *OptionSet      `json:"os,omitempty"`
	OptSetSet *OptionSetSet   `json:"oss,omitempty"`
	Money     *Money          `json:"m,omitempty"`
	Formatted string          `json:"f,omitempty"`
}

// MarshalJSON serializes the value in the deterministic envelope form used
// by data files. Field order is fixed by the struct definition.
func (v Value) MarshalJSON() ([]byte, error) {
	env := valueEnvelope{Kind: v.kind.String()}
	switch v.kind {
	case KindNull:
	case KindSimple, KindFormatted:
		raw := v.simple
		if v.kind == KindFormatted {
			raw = v.raw
			env.Formatted = v.formatted
		}
		b, typ, err := marshalSimple(raw)
		if err != nil {
			return nil, err
		}
		env.Simple, env.SimpleTyp = b, typ
	case KindLookup:
		lk := v.lookup
		env.Lookup = &lk
	case KindOptionSet:
		os := v.optset
		env.OptSet = &os
	case KindOptionSetSet:
		oss := v.optsetset
		env.OptSetSet = &oss
	case KindMoney:
		m := v.money
		env.Money = &m
	}
	return json.Marshal(env)
}

// UnmarshalJSON restores a value from its envelope form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var env valueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Kind {
	case "null", "":
		*v = Null
	case "simple", "formatted":
		raw, err := unmarshalSimple(env.Simple, env.SimpleTyp)
		if err != nil {
			return err
		}
		if env.Kind == "formatted" {
			*v = NewFormatted(raw, env.Formatted)
		} else {
			*v = NewSimple(raw)
		}
	case "lookup":
		if env.Lookup == nil {
			return fmt.Errorf("lookup value missing payload")
		}
		*v = Value{kind: KindLookup, lookup: *env.Lookup}
	case "optionset":
		if env.OptSet == nil {
			return fmt.Errorf("optionset value missing payload")
		}
		*v = Value{kind: KindOptionSet, optset: *env.OptSet}
	case "optionsetset":
		if env.OptSetSet == nil {
			return fmt.Errorf("optionsetset value missing payload")
		}
		*v = Value{kind: KindOptionSetSet, optsetset: *env.OptSetSet}
	case "money":
		if env.Money == nil {
			return fmt.Errorf("money value missing payload")
		}
		*v = Value{kind: KindMoney, money: *env.Money}
	default:
		return fmt.Errorf("unknown value kind %q", env.Kind)
	}
	return nil
}

func marshalSimple(raw interface{}) (json.RawMessage, string, error) {
	switch x := raw.(type) {
	case string:
		b, err := json.Marshal(x)
		return b, "s", err
	case bool:
		b, err := json.Marshal(x)
		return b, "b", err
	case int:
		b, err := json.Marshal(int64(x))
		return b, "i", err
	case int32:
		b, err := json.Marshal(int64(x))
		return b, "i", err
	case int64:
		b, err := json.Marshal(x)
		return b, "i", err
	case float64:
		b, err := json.Marshal(x)
		return b, "f", err
	case time.Time:
		b, err := json.Marshal(x.UTC().Format(time.RFC3339Nano))
		return b, "d", err
	case uuid.UUID:
		b, err := json.Marshal(x.String())
		return b, "g", err
	case []byte:
		b, err := json.Marshal(x) // base64 per encoding/json
		return b, "x", err
	default:
		return nil, "", fmt.Errorf("unsupported simple payload %T", raw)
	}
}

func unmarshalSimple(data json.RawMessage, typ string) (interface{}, error) {
	switch typ {
	case "s":
		var s string
		return s, json.Unmarshal(data, &s)
	case "b":
		var b bool
		return b, json.Unmarshal(data, &b)
	case "i":
		var i int64
		return i, json.Unmarshal(data, &i)
	case "f":
		var f float64
		return f, json.Unmarshal(data, &f)
	case "d":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case "g":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return uuid.Parse(s)
	case "x":
		var b []byte
		return b, json.Unmarshal(data, &b)
	default:
		return nil, fmt.Errorf("unknown simple payload tag %q", typ)
	}
}
