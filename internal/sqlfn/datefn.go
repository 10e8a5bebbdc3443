package sqlfn

import (
	"strings"
	"time"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

func registerDateFuncs(r *Registry) {
	r.Register(Entry{Name: "GETDATE", MinArgs: 0, MaxArgs: 0, Fn: fnGetDate})
	r.Register(Entry{Name: "GETUTCDATE", MinArgs: 0, MaxArgs: 0, Fn: fnGetDate})
	r.Register(Entry{Name: "SYSUTCDATETIME", MinArgs: 0, MaxArgs: 0, Fn: fnGetDate})
	r.Register(Entry{Name: "SYSDATETIME", MinArgs: 0, MaxArgs: 0, Fn: fnGetDate})
	r.Register(Entry{Name: "DATEADD", MinArgs: 3, MaxArgs: 3, Fn: fnDateAdd})
	r.Register(Entry{Name: "DATEDIFF", MinArgs: 3, MaxArgs: 3, Fn: fnDateDiff})
	r.Register(Entry{Name: "DATEPART", MinArgs: 2, MaxArgs: 2, Fn: fnDatePart})
	r.Register(Entry{Name: "YEAR", MinArgs: 1, MaxArgs: 1, Fn: partFn("year")})
	r.Register(Entry{Name: "MONTH", MinArgs: 1, MaxArgs: 1, Fn: partFn("month")})
	r.Register(Entry{Name: "DAY", MinArgs: 1, MaxArgs: 1, Fn: partFn("day")})
	r.Register(Entry{Name: "EOMONTH", MinArgs: 1, MaxArgs: 2, Fn: fnEOMonth})
	r.Register(Entry{Name: "DATEFROMPARTS", MinArgs: 3, MaxArgs: 3, Fn: fnDateFromParts})
	r.Register(Entry{Name: "DATETIMEFROMPARTS", MinArgs: 7, MaxArgs: 7, Fn: fnDateTimeFromParts})
}

// fnGetDate returns the evaluator's fixed reference time so repeated calls
// within one script observe the same instant.
func fnGetDate(ev *Evaluator, _ []types.Value) (types.Value, error) {
	return timeValue(ev.Now()), nil
}

// datePart normalizes a part name (and its T-SQL abbreviations) to the
// canonical lowercase form.
func datePart(name, raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "year", "yy", "yyyy":
		return "year", nil
	case "quarter", "qq", "q":
		return "quarter", nil
	case "month", "mm", "m":
		return "month", nil
	case "week", "wk", "ww":
		return "week", nil
	case "day", "dd", "d":
		return "day", nil
	case "hour", "hh":
		return "hour", nil
	case "minute", "mi", "n":
		return "minute", nil
	case "second", "ss", "s":
		return "second", nil
	case "millisecond", "ms":
		return "millisecond", nil
	default:
		return "", dverr.Newf(dverr.CodeInvalidArguments, "%s: unknown date part %q", name, raw).WithTarget(name)
	}
}

func fnDateAdd(_ *Evaluator, args []types.Value) (types.Value, error) {
	part, err := datePart("DATEADD", argString(args[0]))
	if err != nil {
		return types.Null, err
	}
	n, err := argInt("DATEADD", args[1])
	if err != nil {
		return types.Null, err
	}
	t, err := argTime("DATEADD", args[2])
	if err != nil {
		return types.Null, err
	}
	switch part {
	case "year":
		return timeValue(t.AddDate(int(n), 0, 0)), nil
	case "quarter":
		return timeValue(t.AddDate(0, int(n)*3, 0)), nil
	case "month":
		return timeValue(t.AddDate(0, int(n), 0)), nil
	case "week":
		return timeValue(t.AddDate(0, 0, int(n)*7)), nil
	case "day":
		return timeValue(t.AddDate(0, 0, int(n))), nil
	case "hour":
		return timeValue(t.Add(time.Duration(n) * time.Hour)), nil
	case "minute":
		return timeValue(t.Add(time.Duration(n) * time.Minute)), nil
	case "second":
		return timeValue(t.Add(time.Duration(n) * time.Second)), nil
	default: // millisecond
		return timeValue(t.Add(time.Duration(n) * time.Millisecond)), nil
	}
}

// fnDateDiff counts boundary crossings between d1 and d2, per T-SQL
// semantics (not elapsed duration).
func fnDateDiff(_ *Evaluator, args []types.Value) (types.Value, error) {
	part, err := datePart("DATEDIFF", argString(args[0]))
	if err != nil {
		return types.Null, err
	}
	t1, err := argTime("DATEDIFF", args[1])
	if err != nil {
		return types.Null, err
	}
	t2, err := argTime("DATEDIFF", args[2])
	if err != nil {
		return types.Null, err
	}
	switch part {
	case "year":
		return intValue(int64(t2.Year() - t1.Year())), nil
	case "quarter":
		q1 := t1.Year()*4 + (int(t1.Month())-1)/3
		q2 := t2.Year()*4 + (int(t2.Month())-1)/3
		return intValue(int64(q2 - q1)), nil
	case "month":
		m1 := t1.Year()*12 + int(t1.Month())
		m2 := t2.Year()*12 + int(t2.Month())
		return intValue(int64(m2 - m1)), nil
	case "week":
		return intValue(dayNumber(t2)/7 - dayNumber(t1)/7), nil
	case "day":
		return intValue(dayNumber(t2) - dayNumber(t1)), nil
	case "hour":
		return intValue(t2.Truncate(time.Hour).Unix()/3600 - t1.Truncate(time.Hour).Unix()/3600), nil
	case "minute":
		return intValue(t2.Truncate(time.Minute).Unix()/60 - t1.Truncate(time.Minute).Unix()/60), nil
	case "second":
		return intValue(t2.Unix() - t1.Unix()), nil
	default: // millisecond
		return intValue(t2.UnixMilli() - t1.UnixMilli()), nil
	}
}

// dayNumber returns days since the Unix epoch in UTC.
func dayNumber(t time.Time) int64 {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Unix() / 86400
}

func fnDatePart(_ *Evaluator, args []types.Value) (types.Value, error) {
	part, err := datePart("DATEPART", argString(args[0]))
	if err != nil {
		return types.Null, err
	}
	t, err := argTime("DATEPART", args[1])
	if err != nil {
		return types.Null, err
	}
	return intValue(extractPart(t, part)), nil
}

func extractPart(t time.Time, part string) int64 {
	switch part {
	case "year":
		return int64(t.Year())
	case "quarter":
		return int64((int(t.Month())-1)/3 + 1)
	case "month":
		return int64(t.Month())
	case "week":
		_, wk := t.ISOWeek()
		return int64(wk)
	case "day":
		return int64(t.Day())
	case "hour":
		return int64(t.Hour())
	case "minute":
		return int64(t.Minute())
	case "second":
		return int64(t.Second())
	default: // millisecond
		return int64(t.Nanosecond() / 1e6)
	}
}

func partFn(part string) Handler {
	return func(_ *Evaluator, args []types.Value) (types.Value, error) {
		t, err := argTime(strings.ToUpper(part), args[0])
		if err != nil {
			return types.Null, err
		}
		return intValue(extractPart(t, part)), nil
	}
}

func fnEOMonth(_ *Evaluator, args []types.Value) (types.Value, error) {
	t, err := argTime("EOMONTH", args[0])
	if err != nil {
		return types.Null, err
	}
	offset := int64(0)
	if len(args) == 2 {
		if offset, err = argInt("EOMONTH", args[1]); err != nil {
			return types.Null, err
		}
	}
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := firstOfMonth.AddDate(0, int(offset)+1, -1)
	return timeValue(end), nil
}

func fnDateFromParts(_ *Evaluator, args []types.Value) (types.Value, error) {
	parts, err := intParts("DATEFROMPARTS", args)
	if err != nil {
		return types.Null, err
	}
	if parts[1] < 1 || parts[1] > 12 || parts[2] < 1 || parts[2] > 31 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "DATEFROMPARTS: month or day out of range").WithTarget("DATEFROMPARTS")
	}
	return timeValue(time.Date(int(parts[0]), time.Month(parts[1]), int(parts[2]), 0, 0, 0, 0, time.UTC)), nil
}

func fnDateTimeFromParts(_ *Evaluator, args []types.Value) (types.Value, error) {
	parts, err := intParts("DATETIMEFROMPARTS", args)
	if err != nil {
		return types.Null, err
	}
	if parts[1] < 1 || parts[1] > 12 || parts[2] < 1 || parts[2] > 31 ||
		parts[3] < 0 || parts[3] > 23 || parts[4] < 0 || parts[4] > 59 ||
		parts[5] < 0 || parts[5] > 59 || parts[6] < 0 || parts[6] > 999 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "DATETIMEFROMPARTS: part out of range").WithTarget("DATETIMEFROMPARTS")
	}
	return timeValue(time.Date(int(parts[0]), time.Month(parts[1]), int(parts[2]),
		int(parts[3]), int(parts[4]), int(parts[5]), int(parts[6])*1e6, time.UTC)), nil
}

func intParts(name string, args []types.Value) ([]int64, error) {
	parts := make([]int64, len(args))
	for i, a := range args {
		n, err := argInt(name, a)
		if err != nil {
			return nil, err
		}
		parts[i] = n
	}
	return parts, nil
}
