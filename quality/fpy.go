package quality

import "strconv"

// FPYPoint is one production stage's first pass yield.
type FPYPoint struct {
	StageID      any     `json:"stage_id"`
	StageName    string  `json:"stage_name"`
	PassCount    int     `json:"pass_count"`
	FailCount    int     `json:"fail_count"`
	YieldPercent float64 `json:"yield_percent"`
}

// NormalizeFPYPoint maps one stage record. It returns false when the record
// carries neither a pass nor a fail counter key; such records are dropped.
// A stage with zero units reports a 0% yield.
func NormalizeFPYPoint(rec any, index int) (FPYPoint, bool) {
	r := asRecord(rec)
	if !Has(r, PassCountAliases) && !Has(r, FailCountAliases) {
		return FPYPoint{}, false
	}

	pass := countOr(Resolve(r, PassCountAliases, nil), 0)
	fail := countOr(Resolve(r, FailCountAliases, nil), 0)

	p := FPYPoint{
		StageID:   idOr(Resolve(r, StageIDAliases, nil), index),
		StageName: toString(Resolve(r, StageNameAliases, nil), "Stage "+strconv.Itoa(index+1)),
		PassCount: pass,
		FailCount: fail,
	}
	if total := pass + fail; total > 0 {
		p.YieldPercent = 100 * float64(pass) / float64(total)
	}
	return p, true
}

// NormalizeFPYPoints normalizes records in order, skipping dropped ones.
// Indexes used for default names are positions in the input.
func NormalizeFPYPoints(records []any) (points []FPYPoint, dropped int) {
	points = make([]FPYPoint, 0, len(records))
	for i, rec := range records {
		p, ok := NormalizeFPYPoint(rec, i)
		if !ok {
			dropped++
			continue
		}
		points = append(points, p)
	}
	return points, dropped
}
