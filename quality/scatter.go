package quality

// ScatterShape names one of the envelopes the backend uses for a sample series.
type ScatterShape string

const (
	// {config: {...}, lstVal: [...]}
	ShapeConfigObject ScatterShape = "config_object"
	// [{config: {...}, lstVal: [...]}, ...]
	ShapeConfigArray ScatterShape = "config_array"
	// [{lowerLimit, upperLimit, value}, ...]
	ShapeLimitArray ScatterShape = "limit_array"
	// [1.2, "1.3", {y: 1.4}, ...]
	ShapePlainArray ScatterShape = "plain_array"
	ShapeUnknown    ScatterShape = "unknown"
)

// DefaultMaxScatterPoints caps a series when the caller does not choose a cap.
const DefaultMaxScatterPoints = 10000

// ScatterSeries is the flat numeric series behind one CPK value.
type ScatterSeries struct {
	Values     []float64    `json:"values"`
	LowerLimit float64      `json:"lower_limit"`
	UpperLimit float64      `json:"upper_limit"`
	Shape      ScatterShape `json:"shape"`
	// Truncated is set when entries beyond maxPoints were discarded.
	Truncated bool `json:"truncated"`
	Dropped   int  `json:"dropped"`
}

// ClassifyScatter detects the envelope of resp. Shapes are tried in a fixed
// order and the first match wins.
func ClassifyScatter(resp any) ScatterShape {
	if obj, ok := resp.(map[string]any); ok && hasConfigAndValues(obj) {
		return ShapeConfigObject
	}
	arr, ok := resp.([]any)
	if !ok {
		return ShapeUnknown
	}
	if len(arr) > 0 {
		if first, ok := arr[0].(map[string]any); ok {
			if hasConfigAndValues(first) {
				return ShapeConfigArray
			}
			if Has(first, LowerLimitAliases) {
				return ShapeLimitArray
			}
		}
	}
	return ShapePlainArray
}

func hasConfigAndValues(obj map[string]any) bool {
	_, hasConfig := obj["config"]
	_, hasValues := obj["lstVal"]
	return hasConfig && hasValues
}

type scatterExtractor func(resp any, fallback Limits) (raw []any, limits Limits)

var scatterExtractors = map[ScatterShape]scatterExtractor{
	ShapeConfigObject: func(resp any, fb Limits) ([]any, Limits) {
		return fromConfig(resp.(map[string]any), fb)
	},
	ShapeConfigArray: func(resp any, fb Limits) ([]any, Limits) {
		return fromConfig(resp.([]any)[0].(map[string]any), fb)
	},
	ShapeLimitArray: func(resp any, fb Limits) ([]any, Limits) {
		arr := resp.([]any)
		first := arr[0].(map[string]any)
		limits := Limits{
			Lower: floatOr(Resolve(first, LowerLimitAliases, nil), fb.Lower),
			Upper: floatOr(Resolve(first, UpperLimitAliases, nil), fb.Upper),
		}
		raw := make([]any, len(arr))
		for i, el := range arr {
			raw[i] = Resolve(asRecord(el), SampleValueAliases, nil)
		}
		return raw, limits
	},
	ShapePlainArray: func(resp any, fb Limits) ([]any, Limits) {
		return sampleValues(resp.([]any)), fb
	},
	ShapeUnknown: func(_ any, fb Limits) ([]any, Limits) {
		return nil, fb
	},
}

func fromConfig(obj map[string]any, fb Limits) ([]any, Limits) {
	cfg := asRecord(obj["config"])
	limits := Limits{
		Lower: floatOr(Resolve(cfg, LowerLimitAliases, nil), fb.Lower),
		Upper: floatOr(Resolve(cfg, UpperLimitAliases, nil), fb.Upper),
	}
	var raw []any
	switch v := obj["lstVal"].(type) {
	case []any:
		raw = sampleValues(v)
	case nil:
	default:
		// a scalar leaked through where a list was expected
		raw = sampleValues([]any{v})
	}
	return raw, limits
}

// sampleValues maps objects to their value field and leaves the rest as is.
func sampleValues(arr []any) []any {
	out := make([]any, len(arr))
	for i, el := range arr {
		if obj, ok := el.(map[string]any); ok {
			out[i] = Resolve(obj, SampleValueAliases, nil)
			continue
		}
		out[i] = el
	}
	return out
}

// UnwrapScatterResponse extracts the sample series and effective limits from
// any recognized envelope. Unrecognized input yields no values and the
// fallback limits. Series longer than maxPoints keep only their first
// maxPoints values; maxPoints <= 0 disables the cap.
func UnwrapScatterResponse(resp any, fallbackLower, fallbackUpper float64, maxPoints int) ScatterSeries {
	shape := ClassifyScatter(resp)
	raw, limits := scatterExtractors[shape](resp, Limits{Lower: fallbackLower, Upper: fallbackUpper})

	values := CoerceSeries(raw)
	out := ScatterSeries{
		Values:     values,
		LowerLimit: limits.Lower,
		UpperLimit: limits.Upper,
		Shape:      shape,
		Dropped:    len(raw) - len(values),
	}
	if maxPoints > 0 && len(out.Values) > maxPoints {
		out.Values = out.Values[:maxPoints:maxPoints]
		out.Truncated = true
	}
	return out
}
