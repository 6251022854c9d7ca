// Package quality turns loosely shaped quality-API payloads into chart-ready
// series: CPK points, FPY stages, Pareto categories and raw measurement samples.
//
// Every function in the package is pure. Missing or malformed fields degrade to
// documented defaults; nothing here returns an error for dirty input.
package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is one decoded JSON object from the quality API.
type Record = map[string]any

// Field aliases, most canonical spelling first. Matching is exact: every casing
// observed in the wild has to be listed.
var (
	NameAliases        = []string{"ParameterName", "parameterName", "ParamName", "paramName", "Name", "name"}
	CPKValueAliases    = []string{"CPKValue", "cpkValue", "CPK", "cpk", "Value", "value"}
	SampleCountAliases = []string{"SampleCount", "sampleCount", "SampleSize", "sampleSize", "Count", "count"}
	LowerLimitAliases  = []string{"LowerLimit", "lowerLimit", "LSL", "lsl"}
	UpperLimitAliases  = []string{"UpperLimit", "upperLimit", "USL", "usl"}
	MeanAliases        = []string{"Mean", "mean", "Average", "average", "Avg", "avg"}
	StdDevAliases      = []string{"StdDev", "stdDev", "StandardDeviation", "standardDeviation", "Sigma", "sigma"}
	CPKIDAliases       = []string{"ID", "id", "ParameterID", "parameterId"}

	PassCountAliases = []string{"PassCount", "passCount", "PassQty", "passQty", "Pass", "pass"}
	FailCountAliases = []string{"FailCount", "failCount", "FailQty", "failQty", "Fail", "fail"}
	StageIDAliases   = []string{"StageID", "stageId", "StageId", "ID", "id"}
	StageNameAliases = []string{"StageName", "stageName", "Stage", "stage", "Name", "name"}

	DefectNameAliases  = []string{"DefectName", "defectName", "DefectType", "defectType", "Category", "category", "Name", "name"}
	DefectCountAliases = []string{"Count", "count", "Qty", "qty", "Quantity", "quantity", "Value", "value"}
	CumulativeAliases  = []string{"CumulativePercent", "cumulativePercent", "Cumulative", "cumulative", "CumPercent", "cumPercent"}

	SampleValueAliases = []string{"value", "y", "val", "measurement", "data"}
	ListEnvelopeKeys   = []string{"data", "Data", "items", "Items", "result", "Result"}
)

// Resolve returns the value of the first alias present in rec with a non-nil
// value, or def when none matches.
func Resolve(rec Record, aliases []string, def any) any {
	for _, k := range aliases {
		if v, ok := rec[k]; ok && v != nil {
			return v
		}
	}
	return def
}

// Has reports whether any alias key is present in rec, even with a null value.
func Has(rec Record, aliases []string) bool {
	for _, k := range aliases {
		if _, ok := rec[k]; ok {
			return true
		}
	}
	return false
}

// asRecord treats anything that is not a JSON object as an empty record.
func asRecord(v any) Record {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return Record{}
}

// ToFloat coerces numbers, json.Number and numeric strings. Booleans, empty
// strings and non-finite values are rejected.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		p, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func floatOr(v any, def float64) float64 {
	if f, ok := ToFloat(v); ok {
		return f
	}
	return def
}

// MaxCount is the largest count a record can report: the last integer a
// float64 holds exactly. Sums of two counts stay within int.
const MaxCount = 1 << 53

// countOr coerces v to an integer count in [0, MaxCount].
func countOr(v any, def int) int {
	f, ok := ToFloat(v)
	if !ok {
		return def
	}
	switch {
	case f < 0:
		return 0
	case f >= MaxCount:
		return MaxCount
	}
	return int(f)
}

func toString(v any, def string) string {
	switch s := v.(type) {
	case nil:
		return def
	case string:
		if strings.TrimSpace(s) == "" {
			return def
		}
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

// idOr keeps string and numeric identifiers as they arrived; json.Number is
// flattened to float64 so equal payloads produce equal points.
func idOr(v any, def int) any {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		if f, err := id.Float64(); err == nil {
			return f
		}
		return id.String()
	case float64, float32, int, int64, int32, uint, uint64, uint32:
		return id
	}
	return def
}

// UnwrapList returns the array carried by resp, either bare or inside one of
// the usual envelope keys. Anything else yields nil.
func UnwrapList(resp any) []any {
	switch v := resp.(type) {
	case []any:
		return v
	case map[string]any:
		for _, k := range ListEnvelopeKeys {
			if inner, ok := v[k].([]any); ok {
				return inner
			}
		}
	}
	return nil
}

// ParameterNames reads the parameter picker list. Entries may be bare
// strings or objects carrying a name alias; blanks and duplicates are skipped.
func ParameterNames(resp any) []string {
	var out []string
	seen := make(map[string]bool)
	for _, item := range UnwrapList(resp) {
		var name string
		if rec, ok := item.(map[string]any); ok {
			name = toString(Resolve(rec, NameAliases, nil), "")
		} else {
			name = toString(item, "")
		}
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
