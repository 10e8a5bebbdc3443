package sqlfn

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

// Implicit coercions applied to function arguments. These are looser than
// CAST: display-oriented functions accept any payload, numeric functions
// accept numeric strings.

func argString(v types.Value) string {
	switch raw := v.Raw().(type) {
	case string:
		return raw
	case time.Time:
		return raw.UTC().Format("2006-01-02T15:04:05.000")
	case uuid.UUID:
		return strings.ToUpper(raw.String())
	case bool:
		if raw {
			return "1"
		}
		return "0"
	case nil:
		return ""
	default:
		return fmt.Sprint(raw)
	}
}

func argInt(name string, v types.Value) (int64, error) {
	switch raw := v.Raw().(type) {
	case int:
		return int64(raw), nil
	case int32:
		return int64(raw), nil
	case int64:
		return raw, nil
	case float64:
		return int64(raw), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return 0, dverr.Newf(dverr.CodeInvalidArguments, "%s: integer argument expected, got %q", name, raw).WithTarget(name)
		}
		return n, nil
	default:
		return 0, dverr.Newf(dverr.CodeInvalidArguments, "%s: integer argument expected, got %T", name, raw).WithTarget(name)
	}
}

// argIntStrict succeeds only when the payload is integer-typed, used by
// functions whose result type follows the input type.
func argIntStrict(v types.Value) (int64, error) {
	switch raw := v.Raw().(type) {
	case int:
		return int64(raw), nil
	case int32:
		return int64(raw), nil
	case int64:
		return raw, nil
	default:
		return 0, fmt.Errorf("not an integer payload: %T", raw)
	}
}

func argFloat(name string, v types.Value) (float64, error) {
	switch raw := v.Raw().(type) {
	case int:
		return float64(raw), nil
	case int32:
		return float64(raw), nil
	case int64:
		return float64(raw), nil
	case float64:
		return raw, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return 0, dverr.Newf(dverr.CodeInvalidArguments, "%s: numeric argument expected, got %q", name, raw).WithTarget(name)
		}
		return f, nil
	default:
		return 0, dverr.Newf(dverr.CodeInvalidArguments, "%s: numeric argument expected, got %T", name, raw).WithTarget(name)
	}
}

func argDecimal(name string, v types.Value) (decimal.Decimal, error) {
	switch raw := v.Raw().(type) {
	case int:
		return decimal.NewFromInt(int64(raw)), nil
	case int32:
		return decimal.NewFromInt32(raw), nil
	case int64:
		return decimal.NewFromInt(raw), nil
	case float64:
		return decimal.NewFromFloat(raw), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return decimal.Decimal{}, dverr.Newf(dverr.CodeInvalidArguments, "%s: numeric argument expected, got %q", name, raw).WithTarget(name)
		}
		return d, nil
	default:
		return decimal.Decimal{}, dverr.Newf(dverr.CodeInvalidArguments, "%s: numeric argument expected, got %T", name, raw).WithTarget(name)
	}
}

// dateLayouts are the accepted textual datetime forms, most specific first.
var dateLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func argTime(name string, v types.Value) (time.Time, error) {
	switch raw := v.Raw().(type) {
	case time.Time:
		return raw.UTC(), nil
	case string:
		if t, ok := parseDateTime(raw); ok {
			return t, nil
		}
		return time.Time{}, dverr.Newf(dverr.CodeInvalidArguments, "%s: datetime argument expected, got %q", name, raw).WithTarget(name)
	default:
		return time.Time{}, dverr.Newf(dverr.CodeInvalidArguments, "%s: datetime argument expected, got %T", name, raw).WithTarget(name)
	}
}

func strValue(s string) types.Value     { return types.NewSimple(s) }
func intValue(n int64) types.Value      { return types.NewSimple(n) }
func floatValue(f float64) types.Value  { return types.NewSimple(f) }
func timeValue(t time.Time) types.Value { return types.NewSimple(t.UTC()) }
func boolValue(b bool) types.Value      { return types.NewSimple(b) }
