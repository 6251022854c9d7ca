package quality

import (
	"sort"
	"strconv"
)

// ParetoPoint is one defect category ranked by frequency.
type ParetoPoint struct {
	Name              string  `json:"name"`
	Count             int     `json:"count"`
	Percent           float64 `json:"percent"`
	CumulativePercent float64 `json:"cumulative_percent"`
}

// NormalizeParetoPoints ranks defect records by count, highest first, keeping
// the input order among equal counts. Cumulative percentages reported by the
// server are used only when every record carries one; otherwise they are
// computed from the counts.
func NormalizeParetoPoints(records []any) []ParetoPoint {
	type ranked struct {
		point      ParetoPoint
		cumulative float64
		hasCum     bool
	}

	rows := make([]ranked, 0, len(records))
	allCumulative := len(records) > 0
	total := 0
	for i, rec := range records {
		r := asRecord(rec)
		row := ranked{point: ParetoPoint{
			Name:  toString(Resolve(r, DefectNameAliases, nil), "Defect "+strconv.Itoa(i+1)),
			Count: countOr(Resolve(r, DefectCountAliases, nil), 0),
		}}
		row.cumulative, row.hasCum = ToFloat(Resolve(r, CumulativeAliases, nil))
		if !row.hasCum {
			allCumulative = false
		}
		total += row.point.Count
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(a, b int) bool {
		return rows[a].point.Count > rows[b].point.Count
	})

	points := make([]ParetoPoint, len(rows))
	running := 0
	for i, row := range rows {
		p := row.point
		if total > 0 {
			running += p.Count
			p.Percent = 100 * float64(p.Count) / float64(total)
			p.CumulativePercent = 100 * float64(running) / float64(total)
		}
		if allCumulative {
			p.CumulativePercent = row.cumulative
		}
		points[i] = p
	}
	return points
}

// VitalFew returns the leading categories that together reach threshold
// percent of all defects, including the one that crosses it.
func VitalFew(points []ParetoPoint, threshold float64) []string {
	var names []string
	for _, p := range points {
		if p.Count == 0 {
			break
		}
		names = append(names, p.Name)
		if p.CumulativePercent >= threshold {
			break
		}
	}
	return names
}
