package sqlfn

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

func registerStringFuncs(r *Registry) {
	r.Register(Entry{Name: "LEN", MinArgs: 1, MaxArgs: 1, Fn: fnLen})
	r.Register(Entry{Name: "UPPER", MinArgs: 1, MaxArgs: 1, Fn: fnUpper})
	r.Register(Entry{Name: "LOWER", MinArgs: 1, MaxArgs: 1, Fn: fnLower})
	r.Register(Entry{Name: "LTRIM", MinArgs: 1, MaxArgs: 1, Fn: fnLTrim})
	r.Register(Entry{Name: "RTRIM", MinArgs: 1, MaxArgs: 1, Fn: fnRTrim})
	r.Register(Entry{Name: "TRIM", MinArgs: 1, MaxArgs: 1, Fn: fnTrim})
	r.Register(Entry{Name: "LEFT", MinArgs: 2, MaxArgs: 2, Fn: fnLeft})
	r.Register(Entry{Name: "RIGHT", MinArgs: 2, MaxArgs: 2, Fn: fnRight})
	r.Register(Entry{Name: "SUBSTRING", MinArgs: 3, MaxArgs: 3, Fn: fnSubstring})
	r.Register(Entry{Name: "REPLACE", MinArgs: 3, MaxArgs: 3, Fn: fnReplace})
	r.Register(Entry{Name: "CHARINDEX", MinArgs: 2, MaxArgs: 3, Fn: fnCharIndex})
	r.Register(Entry{Name: "PATINDEX", MinArgs: 2, MaxArgs: 2, Fn: fnPatIndex})
	r.Register(Entry{Name: "CONCAT", MinArgs: 2, MaxArgs: Variadic, NullTolerant: true, Fn: fnConcat})
	r.Register(Entry{Name: "CONCAT_WS", MinArgs: 3, MaxArgs: Variadic, NullTolerant: true, Fn: fnConcatWS})
	r.Register(Entry{Name: "STRING_SPLIT", MinArgs: 2, MaxArgs: 2, Fn: fnStringSplit})
	r.Register(Entry{Name: "REVERSE", MinArgs: 1, MaxArgs: 1, Fn: fnReverse})
	r.Register(Entry{Name: "REPLICATE", MinArgs: 2, MaxArgs: 2, Fn: fnReplicate})
	r.Register(Entry{Name: "SPACE", MinArgs: 1, MaxArgs: 1, Fn: fnSpace})
	r.Register(Entry{Name: "FORMAT", MinArgs: 2, MaxArgs: 2, Fn: fnFormat})
	r.Register(Entry{Name: "STR", MinArgs: 1, MaxArgs: 3, Fn: fnStr})
}

func fnLen(_ *Evaluator, args []types.Value) (types.Value, error) {
	// LEN ignores trailing spaces, per T-SQL.
	s := strings.TrimRight(argString(args[0]), " ")
	return intValue(int64(len([]rune(s)))), nil
}

func fnUpper(_ *Evaluator, args []types.Value) (types.Value, error) {
	return strValue(strings.ToUpper(argString(args[0]))), nil
}

func fnLower(_ *Evaluator, args []types.Value) (types.Value, error) {
	return strValue(strings.ToLower(argString(args[0]))), nil
}

func fnLTrim(_ *Evaluator, args []types.Value) (types.Value, error) {
	return strValue(strings.TrimLeft(argString(args[0]), " ")), nil
}

func fnRTrim(_ *Evaluator, args []types.Value) (types.Value, error) {
	return strValue(strings.TrimRight(argString(args[0]), " ")), nil
}

func fnTrim(_ *Evaluator, args []types.Value) (types.Value, error) {
	return strValue(strings.Trim(argString(args[0]), " ")), nil
}

func fnLeft(_ *Evaluator, args []types.Value) (types.Value, error) {
	n, err := argInt("LEFT", args[1])
	if err != nil {
		return types.Null, err
	}
	if n < 0 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "LEFT: length must be non-negative").WithTarget("LEFT")
	}
	runes := []rune(argString(args[0]))
	if n > int64(len(runes)) {
		n = int64(len(runes))
	}
	return strValue(string(runes[:n])), nil
}

func fnRight(_ *Evaluator, args []types.Value) (types.Value, error) {
	n, err := argInt("RIGHT", args[1])
	if err != nil {
		return types.Null, err
	}
	if n < 0 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "RIGHT: length must be non-negative").WithTarget("RIGHT")
	}
	runes := []rune(argString(args[0]))
	if n > int64(len(runes)) {
		n = int64(len(runes))
	}
	return strValue(string(runes[int64(len(runes))-n:])), nil
}

// fnSubstring implements 1-based SUBSTRING with clipped bounds: a start
// before 1 is clipped to 1 with length preserved, a start past the end
// yields the empty string.
func fnSubstring(_ *Evaluator, args []types.Value) (types.Value, error) {
	start, err := argInt("SUBSTRING", args[1])
	if err != nil {
		return types.Null, err
	}
	length, err := argInt("SUBSTRING", args[2])
	if err != nil {
		return types.Null, err
	}
	if length < 0 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "SUBSTRING: length must be non-negative").WithTarget("SUBSTRING")
	}
	runes := []rune(argString(args[0]))
	if start < 1 {
		start = 1
	}
	end := start + length // exclusive, 1-based
	if end > int64(len(runes))+1 {
		end = int64(len(runes)) + 1
	}
	if start >= end {
		return strValue(""), nil
	}
	return strValue(string(runes[start-1 : end-1])), nil
}

func fnReplace(_ *Evaluator, args []types.Value) (types.Value, error) {
	return strValue(strings.ReplaceAll(argString(args[0]), argString(args[1]), argString(args[2]))), nil
}

func fnCharIndex(_ *Evaluator, args []types.Value) (types.Value, error) {
	needle := strings.ToLower(argString(args[0]))
	hay := strings.ToLower(argString(args[1]))
	start := int64(1)
	if len(args) == 3 {
		var err error
		start, err = argInt("CHARINDEX", args[2])
		if err != nil {
			return types.Null, err
		}
		if start < 1 {
			start = 1
		}
	}
	if start > int64(len(hay)) {
		return intValue(0), nil
	}
	idx := strings.Index(hay[start-1:], needle)
	if idx < 0 {
		return intValue(0), nil
	}
	return intValue(start + int64(idx)), nil
}

// fnPatIndex supports the %...% contains form plus _ single-char wildcards,
// which covers the patterns the platform accepts client-side.
func fnPatIndex(_ *Evaluator, args []types.Value) (types.Value, error) {
	pattern := strings.ToLower(argString(args[0]))
	hay := strings.ToLower(argString(args[1]))

	anchoredStart := !strings.HasPrefix(pattern, "%")
	anchoredEnd := !strings.HasSuffix(pattern, "%")
	core := strings.Trim(pattern, "%")
	if core == "" {
		if pattern == "" {
			return intValue(0), nil
		}
		return intValue(1), nil
	}

	for i := 0; i+len(core) <= len(hay); i++ {
		if anchoredStart && i != 0 {
			break
		}
		if patMatchAt(hay, i, core) {
			if anchoredEnd && i+len(core) != len(hay) {
				continue
			}
			return intValue(int64(i + 1)), nil
		}
	}
	return intValue(0), nil
}

func patMatchAt(hay string, at int, core string) bool {
	for j := 0; j < len(core); j++ {
		if core[j] == '_' {
			continue
		}
		if hay[at+j] != core[j] {
			return false
		}
	}
	return true
}

// fnConcat joins all arguments, rendering Null as the empty string.
func fnConcat(_ *Evaluator, args []types.Value) (types.Value, error) {
	var b strings.Builder
	for _, a := range args {
		if a.IsNull() {
			continue
		}
		b.WriteString(argString(a))
	}
	return strValue(b.String()), nil
}

// fnConcatWS joins with a separator, skipping Null arguments entirely.
// A Null separator yields Null.
func fnConcatWS(_ *Evaluator, args []types.Value) (types.Value, error) {
	if args[0].IsNull() {
		return types.Null, nil
	}
	sep := argString(args[0])
	parts := make([]string, 0, len(args)-1)
	for _, a := range args[1:] {
		if a.IsNull() {
			continue
		}
		parts = append(parts, argString(a))
	}
	return strValue(strings.Join(parts, sep)), nil
}

// fnStringSplit returns the split parts as a JSON array string, the closest
// scalar rendering of the T-SQL table function for client-side evaluation.
func fnStringSplit(_ *Evaluator, args []types.Value) (types.Value, error) {
	sep := argString(args[1])
	if len([]rune(sep)) != 1 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "STRING_SPLIT: separator must be a single character").WithTarget("STRING_SPLIT")
	}
	parts := strings.Split(argString(args[0]), sep)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = strconv.Quote(p)
	}
	return strValue("[" + strings.Join(quoted, ",") + "]"), nil
}

func fnReverse(_ *Evaluator, args []types.Value) (types.Value, error) {
	runes := []rune(argString(args[0]))
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return strValue(string(runes)), nil
}

func fnReplicate(_ *Evaluator, args []types.Value) (types.Value, error) {
	n, err := argInt("REPLICATE", args[1])
	if err != nil {
		return types.Null, err
	}
	if n < 0 {
		return types.Null, nil
	}
	return strValue(strings.Repeat(argString(args[0]), int(n))), nil
}

func fnSpace(_ *Evaluator, args []types.Value) (types.Value, error) {
	n, err := argInt("SPACE", args[0])
	if err != nil {
		return types.Null, err
	}
	if n < 0 {
		return types.Null, nil
	}
	return strValue(strings.Repeat(" ", int(n))), nil
}

// fnFormat supports the numeric and date format strings the platform's own
// client renders: standard numeric ("N2", "C", "P0"), .NET custom date
// patterns are mapped through the CONVERT style machinery.
func fnFormat(_ *Evaluator, args []types.Value) (types.Value, error) {
	format := argString(args[1])
	switch raw := args[0].Raw().(type) {
	case int, int32, int64, float64:
		f, err := argFloat("FORMAT", args[0])
		if err != nil {
			return types.Null, err
		}
		return formatNumeric(f, format)
	default:
		t, err := argTime("FORMAT", args[0])
		if err != nil {
			return types.Null, dverr.Newf(dverr.CodeInvalidArguments, "FORMAT: unsupported value %T", raw).WithTarget("FORMAT")
		}
		return strValue(formatDotNetDate(t, format)), nil
	}
}

func formatNumeric(f float64, format string) (types.Value, error) {
	if format == "" {
		return strValue(strconv.FormatFloat(f, 'f', -1, 64)), nil
	}
	kind := format[0]
	digits := 2
	if len(format) > 1 {
		d, err := strconv.Atoi(format[1:])
		if err != nil {
			return types.Null, dverr.Newf(dverr.CodeInvalidArguments, "FORMAT: unsupported format %q", format).WithTarget("FORMAT")
		}
		digits = d
	}
	switch kind {
	case 'N', 'n':
		return strValue(groupThousands(strconv.FormatFloat(f, 'f', digits, 64))), nil
	case 'F', 'f':
		return strValue(strconv.FormatFloat(f, 'f', digits, 64)), nil
	case 'P', 'p':
		return strValue(groupThousands(strconv.FormatFloat(f*100, 'f', digits, 64)) + "%"), nil
	case 'C', 'c':
		return strValue("$" + groupThousands(strconv.FormatFloat(f, 'f', digits, 64))), nil
	default:
		return types.Null, dverr.Newf(dverr.CodeInvalidArguments, "FORMAT: unsupported format %q", format).WithTarget("FORMAT")
	}
}

func groupThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}

// formatDotNetDate maps the .NET custom date tokens FORMAT accepts onto a
// Go layout and renders t with it.
func formatDotNetDate(t time.Time, format string) string {
	replacer := strings.NewReplacer(
		"yyyy", "2006", "yy", "06",
		"MM", "01", "dd", "02",
		"HH", "15", "hh", "03",
		"mm", "04", "ss", "05",
		"fff", "000", "tt", "PM",
	)
	return t.Format(replacer.Replace(format))
}

// fnStr renders a float right-aligned in a field of the given width with the
// given number of decimals, per T-SQL STR.
func fnStr(_ *Evaluator, args []types.Value) (types.Value, error) {
	f, err := argFloat("STR", args[0])
	if err != nil {
		return types.Null, err
	}
	width := int64(10)
	decimals := int64(0)
	if len(args) >= 2 {
		if width, err = argInt("STR", args[1]); err != nil {
			return types.Null, err
		}
	}
	if len(args) == 3 {
		if decimals, err = argInt("STR", args[2]); err != nil {
			return types.Null, err
		}
	}
	s := strconv.FormatFloat(f, 'f', int(decimals), 64)
	if int64(len(s)) > width {
		return strValue(strings.Repeat("*", int(width))), nil
	}
	return strValue(fmt.Sprintf("%*s", int(width), s)), nil
}
