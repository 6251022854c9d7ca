package quality

import (
	"errors"
	"strings"
	"time"
)

// Domain is one of the quality API's data families.
type Domain string

const (
	DomainCPK     Domain = "cpk"
	DomainFPY     Domain = "fpy"
	DomainScatter Domain = "scatter"
	DomainPareto  Domain = "pareto"
)

// ViewMode is the aggregation period requested from the backend.
type ViewMode string

const (
	ViewDay   ViewMode = "day"
	ViewWeek  ViewMode = "week"
	ViewMonth ViewMode = "month"
)

// TimeLayout is the timestamp format the backend expects in request bodies.
const TimeLayout = "2006-01-02 15:04:05"

const defaultParetoLimit = 10

var (
	ErrMissingProject   = errors.New("project is required")
	ErrMissingParameter = errors.New("parameter is required for scatter queries")
	ErrInvalidRange     = errors.New("from must not be after to")
	ErrInvalidView      = errors.New("view must be one of day, week, month")
)

// Query is what the operator picked on the dashboard.
type Query struct {
	Server     string    `json:"server"`
	Project    string    `json:"project"`
	Line       string    `json:"line,omitempty"`
	Parameters []string  `json:"parameters,omitempty"`
	Parameter  string    `json:"parameter,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	View       ViewMode  `json:"view"`
	Limit      int       `json:"limit,omitempty"`
	MaxPoints  int       `json:"max_points,omitempty"`
}

// Normalize fills defaults for domain and validates the result. A missing
// end is now; a missing start is rangeDays before the end.
func (q Query) Normalize(domain Domain, now time.Time, rangeDays int) (Query, error) {
	q.Server = strings.TrimSpace(q.Server)
	q.Project = strings.TrimSpace(q.Project)
	q.Line = strings.TrimSpace(q.Line)
	q.Parameter = strings.TrimSpace(q.Parameter)

	if q.Project == "" {
		return q, ErrMissingProject
	}

	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		if rangeDays <= 0 {
			rangeDays = 1
		}
		q.From = q.To.AddDate(0, 0, -rangeDays)
	}
	if q.From.After(q.To) {
		return q, ErrInvalidRange
	}

	switch q.View {
	case "":
		q.View = ViewDay
	case ViewDay, ViewWeek, ViewMonth:
	default:
		return q, ErrInvalidView
	}

	q.Parameters = dedupe(q.Parameters)

	switch domain {
	case DomainScatter:
		if q.Parameter == "" && len(q.Parameters) == 1 {
			q.Parameter = q.Parameters[0]
		}
		if q.Parameter == "" {
			return q, ErrMissingParameter
		}
		if q.MaxPoints <= 0 {
			q.MaxPoints = DefaultMaxScatterPoints
		}
	case DomainPareto:
		if q.Limit <= 0 {
			q.Limit = defaultParetoLimit
		}
	}
	return q, nil
}

// Payload is the request body sent to the backend for domain.
func (q Query) Payload(domain Domain) map[string]any {
	body := map[string]any{
		"ProjectName": q.Project,
		"StartTime":   q.From.Format(TimeLayout),
		"EndTime":     q.To.Format(TimeLayout),
	}
	if q.Line != "" {
		body["LineName"] = q.Line
	}
	switch domain {
	case DomainCPK:
		if len(q.Parameters) > 0 {
			body["ParameterNames"] = q.Parameters
		}
	case DomainScatter:
		body["ParameterName"] = q.Parameter
	case DomainFPY:
		body["ViewMode"] = string(q.View)
	case DomainPareto:
		body["ViewMode"] = string(q.View)
		body["TopN"] = q.Limit
	}
	return body
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
