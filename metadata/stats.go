package metadata

import "math"

// Stats summarizes the elements of one write.
type Stats struct {
	Count      uint64
	Min        Value
	Max        Value
	Sum        float64
	SumSquares float64
	// HasMinMax is false when no element can bound the range.
	HasMinMax bool
}

type ordered interface {
	int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64
}

// ComputeStats returns min, max, count, sum and sum of squares of values.
// Complex data records the count only.
func ComputeStats[T Element](values []T) Stats {
	switch vs := any(values).(type) {
	case []int8:
		return orderedStats(vs)
	case []int16:
		return orderedStats(vs)
	case []int32:
		return orderedStats(vs)
	case []int64:
		return orderedStats(vs)
	case []uint8:
		return orderedStats(vs)
	case []uint16:
		return orderedStats(vs)
	case []uint32:
		return orderedStats(vs)
	case []uint64:
		return orderedStats(vs)
	case []float32:
		return orderedStats(vs)
	case []float64:
		return orderedStats(vs)
	default:
		return Stats{Count: uint64(len(values))}
	}
}

func orderedStats[T ordered](values []T) Stats {
	s := Stats{Count: uint64(len(values))}
	if len(values) == 0 {
		return s
	}

	var lo, hi T
	for _, v := range values {
		f := float64(v)
		s.Sum += f
		s.SumSquares += f * f

		// NaN compares false both ways and never becomes a bound
		if math.IsNaN(f) {
			continue
		}
		if !s.HasMinMax {
			lo, hi = v, v
			s.HasMinMax = true

			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	if s.HasMinMax {
		s.Min = valueOfOrdered(lo)
		s.Max = valueOfOrdered(hi)
	}

	return s
}

func valueOfOrdered[T ordered](v T) Value {
	switch x := any(v).(type) {
	case int8:
		return ValueOf(x)
	case int16:
		return ValueOf(x)
	case int32:
		return ValueOf(x)
	case int64:
		return ValueOf(x)
	case uint8:
		return ValueOf(x)
	case uint16:
		return ValueOf(x)
	case uint32:
		return ValueOf(x)
	case uint64:
		return ValueOf(x)
	case float32:
		return ValueOf(x)
	case float64:
		return ValueOf(x)
	default:
		return Value{}
	}
}
