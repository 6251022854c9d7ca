package quality

import "math"

// Statistics summarizes a measurement series against a pair of limits.
type Statistics struct {
	Count          int     `json:"count"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	Mean           float64 `json:"mean"`
	StdDev         float64 `json:"std_dev"`
	OutOfSpecCount int     `json:"out_of_spec_count"`
}

// CoerceSeries returns the numeric values of series in order, silently
// dropping entries that do not coerce to a finite number.
func CoerceSeries(series []any) []float64 {
	out := make([]float64, 0, len(series))
	for _, v := range series {
		if f, ok := ToFloat(v); ok {
			out = append(out, f)
		}
	}
	return out
}

// ComputeStatistics returns nil when no entry of series is numeric.
//
// StdDev is the population standard deviation (divides by N): the series is
// treated as the whole measured population. Values equal to a limit are in spec.
func ComputeStatistics(series []any, lower, upper float64) *Statistics {
	return computeFloats(CoerceSeries(series), lower, upper)
}

// ComputeFloatStatistics is ComputeStatistics for an already numeric series.
func ComputeFloatStatistics(values []float64, lower, upper float64) *Statistics {
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			clean = append(clean, v)
		}
	}
	return computeFloats(clean, lower, upper)
}

func computeFloats(xs []float64, lower, upper float64) *Statistics {
	if len(xs) == 0 {
		return nil
	}

	st := &Statistics{Count: len(xs), Min: xs[0], Max: xs[0]}
	var sum float64
	for _, x := range xs {
		sum += x
		if x < st.Min {
			st.Min = x
		}
		if x > st.Max {
			st.Max = x
		}
		if Classify(x, lower, upper) != WithinLimits {
			st.OutOfSpecCount++
		}
	}
	st.Mean = sum / float64(len(xs))

	var sumsq float64
	for _, x := range xs {
		d := x - st.Mean
		sumsq += d * d
	}
	st.StdDev = math.Sqrt(sumsq / float64(len(xs)))
	return st
}

// LimitClass places a value relative to its specification limits.
type LimitClass string

const (
	BelowLimit   LimitClass = "below"
	WithinLimits LimitClass = "within"
	AboveLimit   LimitClass = "above"
)

// Classify uses strict comparisons: a value equal to a limit is within.
func Classify(v, lower, upper float64) LimitClass {
	switch {
	case v < lower:
		return BelowLimit
	case v > upper:
		return AboveLimit
	default:
		return WithinLimits
	}
}
