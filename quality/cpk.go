package quality

import "strconv"

// Limits is a lower/upper specification pair.
type Limits struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// PlaceholderLimits is the ±25 pair one deployment used when a parameter
// arrives without limits. Callers pass it in explicitly; nothing in this
// package falls back to it on its own.
var PlaceholderLimits = Limits{Lower: -25, Upper: 25}

// CPKPoint is one normalized capability record.
type CPKPoint struct {
	ID          any     `json:"id"`
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	SampleCount int     `json:"sample_count"`
	LowerLimit  float64 `json:"lower_limit"`
	UpperLimit  float64 `json:"upper_limit"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Rating      Rating  `json:"rating"`
}

// NormalizeCPKPoint maps one raw capability record. Fields that are missing
// or unparsable take their defaults; limits fall back to the given pair.
func NormalizeCPKPoint(rec any, index int, limits Limits) CPKPoint {
	r := asRecord(rec)
	value := floatOr(Resolve(r, CPKValueAliases, nil), 0)
	return CPKPoint{
		ID:          idOr(Resolve(r, CPKIDAliases, nil), index),
		Name:        toString(Resolve(r, NameAliases, nil), "Parameter "+strconv.Itoa(index+1)),
		Value:       value,
		SampleCount: countOr(Resolve(r, SampleCountAliases, nil), 0),
		LowerLimit:  floatOr(Resolve(r, LowerLimitAliases, nil), limits.Lower),
		UpperLimit:  floatOr(Resolve(r, UpperLimitAliases, nil), limits.Upper),
		Mean:        floatOr(Resolve(r, MeanAliases, nil), 0),
		StdDev:      floatOr(Resolve(r, StdDevAliases, nil), 0),
		Rating:      Rate(value),
	}
}

// NormalizeCPKPoints normalizes records in order.
func NormalizeCPKPoints(records []any, limits Limits) []CPKPoint {
	points := make([]CPKPoint, 0, len(records))
	for i, rec := range records {
		points = append(points, NormalizeCPKPoint(rec, i, limits))
	}
	return points
}

// Rating buckets a CPK value.
type Rating string

const (
	RatingExcellent  Rating = "excellent"
	RatingGood       Rating = "good"
	RatingAcceptable Rating = "acceptable"
	RatingPoor       Rating = "poor"
)

// Rate classifies a CPK value: >=2.0 excellent, >=1.67 good, >=1.33 acceptable.
func Rate(cpk float64) Rating {
	switch {
	case cpk >= 2.0:
		return RatingExcellent
	case cpk >= 1.67:
		return RatingGood
	case cpk >= 1.33:
		return RatingAcceptable
	default:
		return RatingPoor
	}
}
