package sqlfn

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

func registerMathFuncs(r *Registry) {
	r.Register(Entry{Name: "ABS", MinArgs: 1, MaxArgs: 1, Fn: fnAbs})
	r.Register(Entry{Name: "CEILING", MinArgs: 1, MaxArgs: 1, Fn: fnCeiling})
	r.Register(Entry{Name: "FLOOR", MinArgs: 1, MaxArgs: 1, Fn: fnFloor})
	r.Register(Entry{Name: "ROUND", MinArgs: 2, MaxArgs: 3, Fn: fnRound})
	r.Register(Entry{Name: "POWER", MinArgs: 2, MaxArgs: 2, Fn: fnPower})
	r.Register(Entry{Name: "SQRT", MinArgs: 1, MaxArgs: 1, Fn: fnSqrt})
	r.Register(Entry{Name: "EXP", MinArgs: 1, MaxArgs: 1, Fn: floatFn("EXP", math.Exp)})
	r.Register(Entry{Name: "LOG", MinArgs: 1, MaxArgs: 2, Fn: fnLog})
	r.Register(Entry{Name: "LOG10", MinArgs: 1, MaxArgs: 1, Fn: fnLog10})
	r.Register(Entry{Name: "PI", MinArgs: 0, MaxArgs: 0, Fn: fnPi})
	r.Register(Entry{Name: "RAND", MinArgs: 0, MaxArgs: 1, Fn: fnRand})
	r.Register(Entry{Name: "SIGN", MinArgs: 1, MaxArgs: 1, Fn: fnSign})
	r.Register(Entry{Name: "SIN", MinArgs: 1, MaxArgs: 1, Fn: floatFn("SIN", math.Sin)})
	r.Register(Entry{Name: "COS", MinArgs: 1, MaxArgs: 1, Fn: floatFn("COS", math.Cos)})
	r.Register(Entry{Name: "TAN", MinArgs: 1, MaxArgs: 1, Fn: floatFn("TAN", math.Tan)})
	r.Register(Entry{Name: "ATN2", MinArgs: 2, MaxArgs: 2, Fn: fnAtn2})
}

func floatFn(name string, f func(float64) float64) Handler {
	return func(_ *Evaluator, args []types.Value) (types.Value, error) {
		x, err := argFloat(name, args[0])
		if err != nil {
			return types.Null, err
		}
		return floatValue(f(x)), nil
	}
}

// fnAbs keeps the input's integer-ness: an integer payload stays integer.
func fnAbs(_ *Evaluator, args []types.Value) (types.Value, error) {
	if n, err := argIntStrict(args[0]); err == nil {
		if n < 0 {
			n = -n
		}
		return intValue(n), nil
	}
	x, err := argFloat("ABS", args[0])
	if err != nil {
		return types.Null, err
	}
	return floatValue(math.Abs(x)), nil
}

func fnCeiling(_ *Evaluator, args []types.Value) (types.Value, error) {
	if n, err := argIntStrict(args[0]); err == nil {
		return intValue(n), nil
	}
	x, err := argFloat("CEILING", args[0])
	if err != nil {
		return types.Null, err
	}
	return intValue(int64(math.Ceil(x))), nil
}

func fnFloor(_ *Evaluator, args []types.Value) (types.Value, error) {
	if n, err := argIntStrict(args[0]); err == nil {
		return intValue(n), nil
	}
	x, err := argFloat("FLOOR", args[0])
	if err != nil {
		return types.Null, err
	}
	return intValue(int64(math.Floor(x))), nil
}

// fnRound implements ROUND(x, n[, mode]): mode 0 (or absent) rounds to n
// decimal places with banker's rounding (half to even); non-zero mode
// truncates toward zero at n decimal places.
func fnRound(_ *Evaluator, args []types.Value) (types.Value, error) {
	d, err := argDecimal("ROUND", args[0])
	if err != nil {
		return types.Null, err
	}
	n, err := argInt("ROUND", args[1])
	if err != nil {
		return types.Null, err
	}
	mode := int64(0)
	if len(args) == 3 {
		if mode, err = argInt("ROUND", args[2]); err != nil {
			return types.Null, err
		}
	}
	var out decimal.Decimal
	if mode != 0 {
		out = d.Truncate(int32(n))
	} else {
		out = d.RoundBank(int32(n))
	}
	if _, err := argIntStrict(args[0]); err == nil {
		return intValue(out.IntPart()), nil
	}
	f, _ := out.Float64()
	return floatValue(f), nil
}

func fnPower(_ *Evaluator, args []types.Value) (types.Value, error) {
	x, err := argFloat("POWER", args[0])
	if err != nil {
		return types.Null, err
	}
	y, err := argFloat("POWER", args[1])
	if err != nil {
		return types.Null, err
	}
	return floatValue(math.Pow(x, y)), nil
}

func fnSqrt(_ *Evaluator, args []types.Value) (types.Value, error) {
	x, err := argFloat("SQRT", args[0])
	if err != nil {
		return types.Null, err
	}
	if x < 0 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "SQRT: negative argument").WithTarget("SQRT")
	}
	return floatValue(math.Sqrt(x)), nil
}

// fnLog is natural log with one argument, arbitrary base with two.
func fnLog(_ *Evaluator, args []types.Value) (types.Value, error) {
	x, err := argFloat("LOG", args[0])
	if err != nil {
		return types.Null, err
	}
	if x <= 0 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "LOG: argument must be positive").WithTarget("LOG")
	}
	if len(args) == 2 {
		base, err := argFloat("LOG", args[1])
		if err != nil {
			return types.Null, err
		}
		if base <= 0 || base == 1 {
			return types.Null, dverr.New(dverr.CodeInvalidArguments, "LOG: invalid base").WithTarget("LOG")
		}
		return floatValue(math.Log(x) / math.Log(base)), nil
	}
	return floatValue(math.Log(x)), nil
}

func fnLog10(_ *Evaluator, args []types.Value) (types.Value, error) {
	x, err := argFloat("LOG10", args[0])
	if err != nil {
		return types.Null, err
	}
	if x <= 0 {
		return types.Null, dverr.New(dverr.CodeInvalidArguments, "LOG10: argument must be positive").WithTarget("LOG10")
	}
	return floatValue(math.Log10(x)), nil
}

func fnPi(_ *Evaluator, _ []types.Value) (types.Value, error) {
	return floatValue(math.Pi), nil
}

func fnRand(_ *Evaluator, args []types.Value) (types.Value, error) {
	if len(args) == 1 {
		seed, err := argInt("RAND", args[0])
		if err != nil {
			return types.Null, err
		}
		return floatValue(rand.New(rand.NewSource(seed)).Float64()), nil
	}
	return floatValue(rand.Float64()), nil
}

func fnSign(_ *Evaluator, args []types.Value) (types.Value, error) {
	x, err := argFloat("SIGN", args[0])
	if err != nil {
		return types.Null, err
	}
	switch {
	case x > 0:
		return intValue(1), nil
	case x < 0:
		return intValue(-1), nil
	default:
		return intValue(0), nil
	}
}

func fnAtn2(_ *Evaluator, args []types.Value) (types.Value, error) {
	y, err := argFloat("ATN2", args[0])
	if err != nil {
		return types.Null, err
	}
	x, err := argFloat("ATN2", args[1])
	if err != nil {
		return types.Null, err
	}
	return floatValue(math.Atan2(y, x)), nil
}
