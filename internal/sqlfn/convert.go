package sqlfn

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

func registerConvertFuncs(r *Registry) {
	// CAST(value, 'type'); the parser supplies the target as a string arg.
	r.Register(Entry{Name: "CAST", MinArgs: 2, MaxArgs: 2, Fn: fnCast})
	// CONVERT('type', value[, style])
	r.Register(Entry{Name: "CONVERT", MinArgs: 2, MaxArgs: 3, Fn: fnConvert})
}

// castTarget is a parsed T-SQL type expression.
type castTarget struct {
	base      string
	maxLength int // nvarchar(n)/varchar(n)/char(n); 0 = unbounded ("max")
	precision int // decimal(p,s)
	scale     int
	hasScale  bool
}

// parseCastTarget parses e.g. "nvarchar(20)", "decimal(18,4)", "int".
func parseCastTarget(spec string) (castTarget, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	base := spec
	args := ""
	if i := strings.IndexByte(spec, '('); i >= 0 {
		if !strings.HasSuffix(spec, ")") {
			return castTarget{}, fmt.Errorf("malformed type %q", spec)
		}
		base = strings.TrimSpace(spec[:i])
		args = strings.TrimSpace(spec[i+1 : len(spec)-1])
	}
	t := castTarget{base: base}
	switch base {
	case "int", "bigint", "smallint", "tinyint", "float", "real", "datetime",
		"datetime2", "date", "bit", "uniqueidentifier", "money", "smallmoney":
		if args != "" && base != "datetime2" && base != "float" {
			return castTarget{}, fmt.Errorf("type %s takes no arguments", base)
		}
	case "decimal", "numeric":
		t.precision, t.scale = 18, 0
		if args != "" {
			parts := strings.Split(args, ",")
			p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
			if err != nil || p < 1 || p > 38 {
				return castTarget{}, fmt.Errorf("invalid precision %q", parts[0])
			}
			t.precision = p
			if len(parts) == 2 {
				s, err := strconv.Atoi(strings.TrimSpace(parts[1]))
				if err != nil || s < 0 || s > p {
					return castTarget{}, fmt.Errorf("invalid scale %q", parts[1])
				}
				t.scale = s
				t.hasScale = true
			}
		}
	case "nvarchar", "varchar", "nchar", "char":
		if args != "" && args != "max" {
			n, err := strconv.Atoi(args)
			if err != nil || n < 1 {
				return castTarget{}, fmt.Errorf("invalid length %q", args)
			}
			t.maxLength = n
		}
	default:
		return castTarget{}, fmt.Errorf("unsupported type %q", base)
	}
	return t, nil
}

func fnCast(ev *Evaluator, args []types.Value) (types.Value, error) {
	spec, ok := args[1].Text()
	if !ok {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "CAST: target type must be a string").WithTarget("CAST")
	}
	return Convert(args[0], spec, -1)
}

func fnConvert(ev *Evaluator, args []types.Value) (types.Value, error) {
	spec, ok := args[0].Text()
	if !ok {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "CONVERT: target type must be a string").WithTarget("CONVERT")
	}
	style := -1
	if len(args) == 3 {
		n, err := argInt("CONVERT", args[2])
		if err != nil {
			return types.Null, err
		}
		style = int(n)
	}
	return Convert(args[1], spec, style)
}

// Convert applies CAST/CONVERT semantics: parse the target type, convert the
// payload, then apply string truncation after formatting. style is -1 when
// no style code was supplied.
func Convert(v types.Value, spec string, style int) (types.Value, error) {
	target, err := parseCastTarget(spec)
	if err != nil {
		return types.Null, dverr.Wrap(dverr.CodeInvalidCast, "invalid cast target", err).WithTarget(spec)
	}
	if v.IsNull() {
		return types.Null, nil
	}
	switch target.base {
	case "int", "smallint", "tinyint":
		return convertInt(v, 32)
	case "bigint":
		return convertInt(v, 64)
	case "float", "real":
		return convertFloat(v)
	case "decimal", "numeric":
		return convertDecimal(v, target)
	case "money":
		return convertMoney(v, 4)
	case "smallmoney":
		return convertMoney(v, 4)
	case "bit":
		return convertBit(v)
	case "uniqueidentifier":
		return convertGuid(v)
	case "datetime", "datetime2":
		return convertDateTime(v, style, false)
	case "date":
		return convertDateTime(v, style, true)
	default: // nvarchar, varchar, nchar, char
		return convertString(v, target, style)
	}
}

func invalidCast(v types.Value, target string) error {
	return dverr.Newf(dverr.CodeInvalidCast, "cannot convert %s to %s", v.Kind(), target).WithTarget(target)
}

// convertInt applies checked truncation toward zero.
func convertInt(v types.Value, bits int) (types.Value, error) {
	var n int64
	switch raw := v.Raw().(type) {
	case int:
		n = int64(raw)
	case int32:
		n = int64(raw)
	case int64:
		n = raw
	case float64:
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			return types.Null, invalidCast(v, "int")
		}
		n = int64(math.Trunc(raw))
	case bool:
		if raw {
			n = 1
		}
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return types.Null, invalidCast(v, "int")
		}
		n = d.Truncate(0).IntPart()
	case time.Time:
		return types.Null, invalidCast(v, "int")
	default:
		return types.Null, invalidCast(v, "int")
	}
	if bits == 32 && (n > math.MaxInt32 || n < math.MinInt32) {
		return types.Null, dverr.Newf(dverr.CodeInvalidCast, "value %d overflows int", n).WithTarget("int")
	}
	return intValue(n), nil
}

func convertFloat(v types.Value) (types.Value, error) {
	switch raw := v.Raw().(type) {
	case int:
		return floatValue(float64(raw)), nil
	case int32:
		return floatValue(float64(raw)), nil
	case int64:
		return floatValue(float64(raw)), nil
	case float64:
		return floatValue(raw), nil
	case bool:
		if raw {
			return floatValue(1), nil
		}
		return floatValue(0), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return types.Null, invalidCast(v, "float")
		}
		return floatValue(f), nil
	default:
		return types.Null, invalidCast(v, "float")
	}
}

// convertDecimal rounds to the target scale with half-away-from-zero.
func convertDecimal(v types.Value, target castTarget) (types.Value, error) {
	d, err := valueDecimal(v)
	if err != nil {
		return types.Null, invalidCast(v, "decimal")
	}
	d = d.Round(int32(target.scale))
	if intDigits(d) > target.precision-target.scale {
		return types.Null, dverr.Newf(dverr.CodeInvalidCast,
			"value %s overflows decimal(%d,%d)", d.String(), target.precision, target.scale).WithTarget("decimal")
	}
	return strValue(d.StringFixed(int32(target.scale))), nil
}

// convertMoney rounds to 4 fractional digits and yields a Money value.
func convertMoney(v types.Value, scale int32) (types.Value, error) {
	d, err := valueDecimal(v)
	if err != nil {
		return types.Null, invalidCast(v, "money")
	}
	return types.NewMoney(d.Round(scale).StringFixed(scale), ""), nil
}

func valueDecimal(v types.Value) (decimal.Decimal, error) {
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
		return decimal.NewFromString(strings.TrimSpace(raw))
	case bool:
		if raw {
			return decimal.NewFromInt(1), nil
		}
		return decimal.NewFromInt(0), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("not numeric: %T", raw)
	}
}

func intDigits(d decimal.Decimal) int {
	s := d.Abs().Truncate(0).String()
	if s == "0" {
		return 0
	}
	return len(s)
}

// convertBit accepts "1"/"true" and "0"/"false" (case-insensitive) plus
// numeric payloads; any other string faults.
func convertBit(v types.Value) (types.Value, error) {
	switch raw := v.Raw().(type) {
	case bool:
		return boolValue(raw), nil
	case int:
		return boolValue(raw != 0), nil
	case int32:
		return boolValue(raw != 0), nil
	case int64:
		return boolValue(raw != 0), nil
	case float64:
		return boolValue(raw != 0), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true":
			return boolValue(true), nil
		case "0", "false":
			return boolValue(false), nil
		default:
			return types.Null, dverr.Newf(dverr.CodeInvalidCast, "cannot convert %q to bit", raw).WithTarget("bit")
		}
	default:
		return types.Null, invalidCast(v, "bit")
	}
}

func convertGuid(v types.Value) (types.Value, error) {
	switch raw := v.Raw().(type) {
	case uuid.UUID:
		return types.NewSimple(raw), nil
	case string:
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return types.Null, dverr.Newf(dverr.CodeInvalidCast, "cannot convert %q to uniqueidentifier", raw).WithTarget("uniqueidentifier")
		}
		return types.NewSimple(id), nil
	default:
		return types.Null, invalidCast(v, "uniqueidentifier")
	}
}

// convertDateTime parses a textual datetime, optionally guided by a style
// code for string sources. Numeric sources fault.
func convertDateTime(v types.Value, style int, dateOnly bool) (types.Value, error) {
	var t time.Time
	switch raw := v.Raw().(type) {
	case time.Time:
		t = raw.UTC()
	case string:
		var ok bool
		if style >= 0 {
			if layout, has := styleLayouts[style]; has {
				if parsed, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
					t, ok = parsed.UTC(), true
				}
			}
		}
		if !ok {
			t, ok = parseDateTime(raw)
		}
		if !ok {
			return types.Null, dverr.Newf(dverr.CodeInvalidCast, "cannot convert %q to datetime", raw).WithTarget("datetime")
		}
	case int, int32, int64, float64:
		return types.Null, invalidCast(v, "datetime")
	default:
		return types.Null, invalidCast(v, "datetime")
	}
	if dateOnly {
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return timeValue(t), nil
}

// styleLayouts maps T-SQL CONVERT style codes to Go layouts. Two-digit-year
// styles (1..5 etc.) share the layout of their 100-series counterpart with
// "06" in place of "2006".
var styleLayouts = map[int]string{
	1:   "01/02/06",
	2:   "06.01.02",
	3:   "02/01/06",
	4:   "02.01.06",
	5:   "02-01-06",
	100: "Jan  2 2006  3:04PM",
	101: "01/02/2006",
	102: "2006.01.02",
	103: "02/01/2006",
	104: "02.01.2006",
	105: "02-01-2006",
	106: "02 Jan 2006",
	107: "Jan 02, 2006",
	108: "15:04:05",
	120: "2006-01-02 15:04:05",
	121: "2006-01-02 15:04:05.000",
	126: "2006-01-02T15:04:05.000",
	127: "2006-01-02T15:04:05.000Z",
}

// defaultDateTimeLayout is the ISO form used when no style is supplied.
const defaultDateTimeLayout = "2006-01-02T15:04:05.000"

// convertString formats any payload as text, applies the style code when
// the source is a datetime, then truncates to the target length last.
func convertString(v types.Value, target castTarget, style int) (types.Value, error) {
	var s string
	switch raw := v.Raw().(type) {
	case time.Time:
		layout := defaultDateTimeLayout
		if style >= 0 {
			if l, ok := styleLayouts[style]; ok {
				layout = l
			}
			// Unknown style falls back to the default ISO form.
		}
		s = raw.UTC().Format(layout)
	case uuid.UUID:
		s = strings.ToUpper(raw.String())
	case bool:
		if raw {
			s = "1"
		} else {
			s = "0"
		}
	case string:
		s = raw
	case float64:
		s = strconv.FormatFloat(raw, 'f', -1, 64)
	case int:
		s = strconv.FormatInt(int64(raw), 10)
	case int32:
		s = strconv.FormatInt(int64(raw), 10)
	case int64:
		s = strconv.FormatInt(raw, 10)
	case []int:
		parts := make([]string, len(raw))
		for i, c := range raw {
			parts[i] = strconv.Itoa(c)
		}
		s = strings.Join(parts, ";")
	default:
		s = fmt.Sprint(raw)
	}
	if target.maxLength > 0 {
		runes := []rune(s)
		if len(runes) > target.maxLength {
			s = string(runes[:target.maxLength])
		}
	}
	return strValue(s), nil
}
