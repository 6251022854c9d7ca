package main

import (
	"math"
	"sort"
	"time"

	"github.com/qualityboard/qa-dashboard/quality"
)

// ViewOptions carries the operator-configured defaults the view builders need.
type ViewOptions struct {
	Limits           quality.Limits
	CPKTarget        float64
	MaxScatterPoints int
	VitalFewPercent  float64
}

// CPKData is the payload behind the CPK bar chart.
type CPKData struct {
	Server      string             `json:"server"`
	Project     string             `json:"project"`
	Line        string             `json:"line,omitempty"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	Points      []quality.CPKPoint `json:"points"`
	Summary     CPKSummary         `json:"summary"`
	SnapshotID  string             `json:"snapshot_id,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type CPKSummary struct {
	Count       int           `json:"count"`
	MinCPK      float64       `json:"min_cpk"`
	MaxCPK      float64       `json:"max_cpk"`
	AvgCPK      float64       `json:"avg_cpk"`
	Target      float64       `json:"target"`
	BelowTarget int           `json:"below_target"`
	Ratings     []RatingCount `json:"ratings"`
	Worst       []NamedValue  `json:"worst"`
}

type RatingCount struct {
	Rating quality.Rating `json:"rating"`
	Count  int            `json:"count"`
}

type NamedValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FPYData is the payload behind the yield chart.
type FPYData struct {
	Server       string             `json:"server"`
	Project      string             `json:"project"`
	Line         string             `json:"line,omitempty"`
	View         quality.ViewMode   `json:"view"`
	From         time.Time          `json:"from"`
	To           time.Time          `json:"to"`
	Stages       []quality.FPYPoint `json:"stages"`
	Dropped      int                `json:"dropped"`
	TotalPass    int                `json:"total_pass"`
	TotalFail    int                `json:"total_fail"`
	OverallYield float64            `json:"overall_yield"`
	RolledYield  float64            `json:"rolled_yield"`
	WorstStage   string             `json:"worst_stage,omitempty"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// ParetoData is the payload behind the defect Pareto chart.
type ParetoData struct {
	Server       string                `json:"server"`
	Project      string                `json:"project"`
	Line         string                `json:"line,omitempty"`
	View         quality.ViewMode      `json:"view"`
	From         time.Time             `json:"from"`
	To           time.Time             `json:"to"`
	Defects      []quality.ParetoPoint `json:"defects"`
	TotalDefects int                   `json:"total_defects"`
	VitalFew     []string              `json:"vital_few"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// ScatterData is the payload behind the measurement scatter plot.
type ScatterData struct {
	Server      string               `json:"server"`
	Project     string               `json:"project"`
	Parameter   string               `json:"parameter"`
	From        time.Time            `json:"from"`
	To          time.Time            `json:"to"`
	Values      []float64            `json:"values"`
	LowerLimit  float64              `json:"lower_limit"`
	UpperLimit  float64              `json:"upper_limit"`
	Shape       quality.ScatterShape `json:"shape"`
	Truncated   bool                 `json:"truncated"`
	Dropped     int                  `json:"dropped"`
	Statistics  *quality.Statistics  `json:"statistics"`
	GeneratedAt time.Time            `json:"generated_at"`
}

func BuildCPKData(server string, q quality.Query, resp any, opts ViewOptions) *CPKData {
	points := quality.NormalizeCPKPoints(quality.UnwrapList(resp), opts.Limits)
	if points == nil {
		points = []quality.CPKPoint{}
	}
	return &CPKData{
		Server:      server,
		Project:     q.Project,
		Line:        q.Line,
		From:        q.From,
		To:          q.To,
		Points:      points,
		Summary:     summarizeCPK(points, opts.CPKTarget),
		GeneratedAt: time.Now().UTC(),
	}
}

var ratingOrder = []quality.Rating{quality.RatingExcellent, quality.RatingGood, quality.RatingAcceptable, quality.RatingPoor}

func summarizeCPK(points []quality.CPKPoint, target float64) CPKSummary {
	s := CPKSummary{Count: len(points), Target: target}
	counts := make(map[quality.Rating]int)
	if len(points) > 0 {
		s.MinCPK = math.Inf(1)
		s.MaxCPK = math.Inf(-1)
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
		s.MinCPK = math.Min(s.MinCPK, p.Value)
		s.MaxCPK = math.Max(s.MaxCPK, p.Value)
		if p.Value < target {
			s.BelowTarget++
		}
		counts[p.Rating]++
	}
	if len(points) > 0 {
		s.AvgCPK = roundTo(sum/float64(len(points)), 4)
	}
	for _, r := range ratingOrder {
		s.Ratings = append(s.Ratings, RatingCount{Rating: r, Count: counts[r]})
	}
	s.Worst = worstN(points, 5)
	return s
}

// worstN returns the n lowest CPK values, ascending.
func worstN(points []quality.CPKPoint, n int) []NamedValue {
	out := make([]NamedValue, 0, len(points))
	for _, p := range points {
		out = append(out, NamedValue{Name: p.Name, Value: p.Value})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func BuildFPYData(server string, q quality.Query, resp any) *FPYData {
	stages, dropped := quality.NormalizeFPYPoints(quality.UnwrapList(resp))
	if stages == nil {
		stages = []quality.FPYPoint{}
	}
	d := &FPYData{
		Server:      server,
		Project:     q.Project,
		Line:        q.Line,
		View:        q.View,
		From:        q.From,
		To:          q.To,
		Stages:      stages,
		Dropped:     dropped,
		GeneratedAt: time.Now().UTC(),
	}
	if dropped > 0 {
		viewLog.Debugf("fpy %s/%s: dropped %d record(s) without pass/fail counters", server, q.Project, dropped)
	}

	rolled := 1.0
	worst := math.Inf(1)
	for _, st := range stages {
		d.TotalPass += st.PassCount
		d.TotalFail += st.FailCount
		rolled *= st.YieldPercent / 100
		if st.PassCount+st.FailCount > 0 && st.YieldPercent < worst {
			worst = st.YieldPercent
			d.WorstStage = st.StageName
		}
	}
	if total := d.TotalPass + d.TotalFail; total > 0 {
		d.OverallYield = roundTo(100*float64(d.TotalPass)/float64(total), 2)
	}
	if len(stages) > 0 {
		d.RolledYield = roundTo(100*rolled, 2)
	}
	return d
}

func BuildParetoData(server string, q quality.Query, resp any, opts ViewOptions) *ParetoData {
	defects := quality.NormalizeParetoPoints(quality.UnwrapList(resp))
	if defects == nil {
		defects = []quality.ParetoPoint{}
	}
	total := 0
	for _, p := range defects {
		total += p.Count
	}
	if q.Limit > 0 && len(defects) > q.Limit {
		defects = defects[:q.Limit]
	}
	threshold := opts.VitalFewPercent
	if threshold <= 0 {
		threshold = 80
	}
	vital := quality.VitalFew(defects, threshold)
	if vital == nil {
		vital = []string{}
	}
	return &ParetoData{
		Server:       server,
		Project:      q.Project,
		Line:         q.Line,
		View:         q.View,
		From:         q.From,
		To:           q.To,
		Defects:      defects,
		TotalDefects: total,
		VitalFew:     vital,
		GeneratedAt:  time.Now().UTC(),
	}
}

func BuildScatterData(server string, q quality.Query, resp any, opts ViewOptions) *ScatterData {
	maxPoints := q.MaxPoints
	if maxPoints <= 0 {
		maxPoints = opts.MaxScatterPoints
	}
	series := quality.UnwrapScatterResponse(resp, opts.Limits.Lower, opts.Limits.Upper, maxPoints)
	if series.Truncated {
		viewLog.Infof("scatter %s/%s %s: truncated to %d points", server, q.Project, q.Parameter, maxPoints)
	}
	return &ScatterData{
		Server:      server,
		Project:     q.Project,
		Parameter:   q.Parameter,
		From:        q.From,
		To:          q.To,
		Values:      series.Values,
		LowerLimit:  series.LowerLimit,
		UpperLimit:  series.UpperLimit,
		Shape:       series.Shape,
		Truncated:   series.Truncated,
		Dropped:     series.Dropped,
		Statistics:  quality.ComputeFloatStatistics(series.Values, series.LowerLimit, series.UpperLimit),
		GeneratedAt: time.Now().UTC(),
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
