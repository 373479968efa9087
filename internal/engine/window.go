package engine

import (
	"math"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
)

// SelectWindow picks the [start, end) range a step touches, in priority order:
//  1. "start" / "end" parameters
//  2. an operation implementing catalog.RangeSelector
//  3. a rotating window of max(1, n/8) bits keyed by step number
//
// The result is always clamped to 0 <= start <= end <= n.
func SelectWindow(op catalog.Operation, params map[string]any, step, n int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	start, hasStart := intParam(params, "start")
	end, hasEnd := intParam(params, "end")
	if hasStart || hasEnd {
		if !hasStart {
			start = 0
		}
		if !hasEnd {
			end = n
		}
		return clampWindow(start, end, n)
	}
	if rs, ok := op.(catalog.RangeSelector); ok {
		start, end := rs.SelectRange(step, n)
		return clampWindow(start, end, n)
	}
	return RotatingWindow(step, n)
}

// RotatingWindow walks the bit string in windows of max(1, n/8), one per step.
func RotatingWindow(step, n int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	size := n / 8
	if size < 1 {
		size = 1
	}
	windows := (n + size - 1) / size
	if step < 1 {
		step = 1
	}
	start := ((step - 1) % windows) * size
	end := start + size
	if end > n {
		end = n
	}
	return start, end
}

func clampWindow(start, end, n int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	if end < start {
		end = start
	}
	return start, end
}

// intParam accepts the integer shapes YAML, JSON and protobuf structs decode to.
func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int(x), true
	}
	return 0, false
}
