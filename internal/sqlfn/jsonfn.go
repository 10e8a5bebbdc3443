package sqlfn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

func registerJSONFuncs(r *Registry) {
	r.Register(Entry{Name: "JSON_VALUE", MinArgs: 2, MaxArgs: 2, Fn: fnJSONValue})
	r.Register(Entry{Name: "JSON_QUERY", MinArgs: 2, MaxArgs: 2, Fn: fnJSONQuery})
	r.Register(Entry{Name: "ISJSON", MinArgs: 1, MaxArgs: 1, Fn: fnIsJSON})
	r.Register(Entry{Name: "JSON_MODIFY", MinArgs: 3, MaxArgs: 3, NullTolerant: true, Fn: fnJSONModify})
}

// pathStep is one segment of a JSON path: a member name or an array index.
type pathStep struct {
	member string
	index  int
	isIdx  bool
}

// parseJSONPath parses the supported subset: `$`, `.member`, `[index]`.
// Member names may be quoted with double quotes.
func parseJSONPath(path string) ([]pathStep, error) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("path must start with $")
	}
	rest := path[1:]
	var steps []pathStep
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			if len(rest) > 0 && rest[0] == '"' {
				end := strings.IndexByte(rest[1:], '"')
				if end < 0 {
					return nil, fmt.Errorf("unterminated quoted member")
				}
				steps = append(steps, pathStep{member: rest[1 : 1+end]})
				rest = rest[end+2:]
				continue
			}
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			if end == 0 {
				return nil, fmt.Errorf("empty member name")
			}
			steps = append(steps, pathStep{member: rest[:end]})
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated index")
			}
			idx, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index %q", rest[1:end])
			}
			steps = append(steps, pathStep{index: idx, isIdx: true})
			rest = rest[end+1:]
		default:
			return nil, fmt.Errorf("unexpected character %q in path", rest[0])
		}
	}
	return steps, nil
}

// walkJSON follows steps through doc. Missing paths and type mismatches
// return (nil, false); they never fault.
func walkJSON(doc json.RawMessage, steps []pathStep) (json.RawMessage, bool) {
	current := doc
	for _, s := range steps {
		if s.isIdx {
			var arr []json.RawMessage
			if err := json.Unmarshal(current, &arr); err != nil {
				return nil, false
			}
			if s.index >= len(arr) {
				return nil, false
			}
			current = arr[s.index]
		} else {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(current, &obj); err != nil {
				return nil, false
			}
			next, ok := obj[s.member]
			if !ok {
				return nil, false
			}
			current = next
		}
	}
	return current, true
}

// fnJSONValue extracts a scalar as text. Objects and arrays at the path
// yield Null (JSON_QUERY is the fragment form).
func fnJSONValue(_ *Evaluator, args []types.Value) (types.Value, error) {
	doc := argString(args[0])
	steps, err := parseJSONPath(argString(args[1]))
	if err != nil {
		return types.Null, dverr.Wrap(dverr.CodeInvalidArguments, "JSON_VALUE: invalid path", err).WithTarget("JSON_VALUE")
	}
	frag, ok := walkJSON(json.RawMessage(doc), steps)
	if !ok {
		return types.Null, nil
	}
	var scalar interface{}
	if err := json.Unmarshal(frag, &scalar); err != nil {
		return types.Null, nil
	}
	switch s := scalar.(type) {
	case nil:
		return types.Null, nil
	case string:
		return strValue(s), nil
	case bool:
		if s {
			return strValue("true"), nil
		}
		return strValue("false"), nil
	case float64:
		return strValue(strconv.FormatFloat(s, 'f', -1, 64)), nil
	default:
		// Object or array: scalar extraction yields Null.
		return types.Null, nil
	}
}

// fnJSONQuery extracts an object or array fragment. Scalars yield Null.
func fnJSONQuery(_ *Evaluator, args []types.Value) (types.Value, error) {
	doc := argString(args[0])
	steps, err := parseJSONPath(argString(args[1]))
	if err != nil {
		return types.Null, dverr.Wrap(dverr.CodeInvalidArguments, "JSON_QUERY: invalid path", err).WithTarget("JSON_QUERY")
	}
	frag, ok := walkJSON(json.RawMessage(doc), steps)
	if !ok {
		return types.Null, nil
	}
	trimmed := strings.TrimSpace(string(frag))
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return types.Null, nil
	}
	return strValue(trimmed), nil
}

func fnIsJSON(_ *Evaluator, args []types.Value) (types.Value, error) {
	if json.Valid([]byte(argString(args[0]))) {
		return intValue(1), nil
	}
	return intValue(0), nil
}

// fnJSONModify rewrites the value at path and returns the new document.
// A Null new value deletes the member, per T-SQL. The document and path are
// still required (the entry is null-tolerant only for the third argument).
func fnJSONModify(_ *Evaluator, args []types.Value) (types.Value, error) {
	if args[0].IsNull() || args[1].IsNull() {
		return types.Null, nil
	}
	doc := argString(args[0])
	steps, err := parseJSONPath(argString(args[1]))
	if err != nil {
		return types.Null, dverr.Wrap(dverr.CodeInvalidArguments, "JSON_MODIFY: invalid path", err).WithTarget("JSON_MODIFY")
	}
	if len(steps) == 0 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "JSON_MODIFY: path must address a member").WithTarget("JSON_MODIFY")
	}
	var newVal json.RawMessage
	if !args[2].IsNull() {
		b, err := json.Marshal(args[2].Raw())
		if err != nil {
			return types.Null, dverr.Wrap(dverr.CodeInvalidArguments, "JSON_MODIFY: unsupported new value", err).WithTarget("JSON_MODIFY")
		}
		newVal = b
	}
	modified, ok := modifyJSON(json.RawMessage(doc), steps, newVal)
	if !ok {
		return types.Null, nil
	}
	return strValue(string(modified)), nil
}

func modifyJSON(doc json.RawMessage, steps []pathStep, newVal json.RawMessage) (json.RawMessage, bool) {
	head, rest := steps[0], steps[1:]
	if head.isIdx {
		var arr []json.RawMessage
		if err := json.Unmarshal(doc, &arr); err != nil || head.index >= len(arr) {
			return nil, false
		}
		if len(rest) == 0 {
			if newVal == nil {
				arr = append(arr[:head.index], arr[head.index+1:]...)
			} else {
				arr[head.index] = newVal
			}
		} else {
			mod, ok := modifyJSON(arr[head.index], rest, newVal)
			if !ok {
				return nil, false
			}
			arr[head.index] = mod
		}
		out, err := json.Marshal(arr)
		return out, err == nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, false
	}
	if len(rest) == 0 {
		if newVal == nil {
			delete(obj, head.member)
		} else {
			obj[head.member] = newVal
		}
	} else {
		child, ok := obj[head.member]
		if !ok {
			return nil, false
		}
		mod, ok := modifyJSON(child, rest, newVal)
		if !ok {
			return nil, false
		}
		obj[head.member] = mod
	}
	out, err := json.Marshal(obj)
	return out, err == nil
}
