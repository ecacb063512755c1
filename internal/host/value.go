package host

import (
	"encoding/json"
	"math"
)

// Value is any value passed across the host boundary.
type Value = any

// Callable is a host function value.
type Callable interface {
	Call(args ...Value) error
}

// Function adapts an ordinary Go function to Callable.
type Function func(args ...Value) error

// Call invokes f.
func (f Function) Call(args ...Value) error {
	return f(args...)
}

// AsCallable reports whether v can be invoked as a host function and returns it
// as a Callable. Nil functions are not invocable.
func AsCallable(v Value) (Callable, bool) {
	switch fn := v.(type) {
	case nil:
		return nil, false
	case Function:
		if fn == nil {
			return nil, false
		}
		return fn, true
	case func(args ...Value) error:
		if fn == nil {
			return nil, false
		}
		return Function(fn), true
	case Callable:
		return fn, true
	default:
		return nil, false
	}
}

// ToInt64 converts an integral host value. Floating point values are accepted
// only when they hold an exact integer, matching how a dynamically typed host
// represents numbers.
func ToInt64(v Value) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
