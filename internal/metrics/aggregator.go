// Package metrics projects timelines onto dashboard aggregates. Nothing here
// mutates its input; the same timelines always produce the same output.
package metrics

import (
	"math"
	"sort"
	"time"

	"secflow/internal/domain"
)

// TrendWindowDays is the trailing window covered by TimelineTrends.
const TrendWindowDays = 30

// Filter narrows the timelines considered. Zero values match everything;
// From and To bound last_updated inclusively.
type Filter struct {
	From        time.Time
	To          time.Time
	ClientID    string
	ServiceName string
}

func (f Filter) match(t domain.Timeline) bool {
	if f.ClientID != "" && t.ClientID != f.ClientID {
		return false
	}
	if f.ServiceName != "" && t.ServiceName != f.ServiceName {
		return false
	}
	if !f.From.IsZero() && t.LastUpdated.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.LastUpdated.After(f.To) {
		return false
	}
	return true
}

type Aggregator struct {
	timelines []domain.Timeline
	now       time.Time
}

func New(timelines []domain.Timeline, f Filter, now time.Time) Aggregator {
	var in []domain.Timeline
	for _, t := range timelines {
		if f.match(t) {
			in = append(in, t)
		}
	}
	return Aggregator{timelines: in, now: now.UTC()}
}

type Overall struct {
	TotalWorkflows     int `json:"total_workflows"`
	ActiveWorkflows    int `json:"active_workflows"`
	CompletedWorkflows int `json:"completed_workflows"`
	BlockedWorkflows   int `json:"blocked_workflows"`
	OverdueWorkflows   int `json:"overdue_workflows"`
	AverageProgress    int `json:"average_progress"`
}

type StatusCount struct {
	Status domain.StageStatus `json:"status"`
	Count  int                `json:"count"`
}

type ClientStats struct {
	ClientID           string              `json:"client_id"`
	ClientName         string              `json:"client_name,omitempty"`
	TotalWorkflows     int                 `json:"total_workflows"`
	CompletedWorkflows int                 `json:"completed_workflows"`
	AverageProgress    int                 `json:"average_progress"`
	Satisfaction       domain.Satisfaction `json:"satisfaction"`
}

type ServiceStats struct {
	ServiceName         string  `json:"service_name"`
	Count               int     `json:"count"`
	AverageProgress     int     `json:"average_progress"`
	AverageDurationDays float64 `json:"average_duration_days"`
}

type TrendPoint struct {
	Date            string `json:"date"`
	AverageProgress int    `json:"average_progress"`
	Updates         int    `json:"updates"`
}

type RoleWorkload struct {
	Role      domain.Role `json:"role"`
	Active    int         `json:"active"`
	Completed int         `json:"completed"`
	Overdue   int         `json:"overdue"`
}

type SeverityCount struct {
	Severity domain.Severity `json:"severity"`
	Open     int             `json:"open"`
	Resolved int             `json:"resolved"`
}

// mean accumulates unrounded ratios; rounding happens once in percent.
type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func (m mean) percent() int {
	return int(math.Round(m.value() * 100))
}

func finished(t domain.Timeline) bool {
	return t.ComputeCurrentStageID() >= len(t.Stages) && len(t.Stages) > 0
}

// OverallMetrics counts workflows. Blocked and overdue are unfinished
// workflows with at least one stage in that status.
func (a Aggregator) OverallMetrics() Overall {
	var (
		out  Overall
		prog mean
	)
	for _, t := range a.timelines {
		out.TotalWorkflows++
		prog.add(t.ProgressRatio())
		if finished(t) {
			out.CompletedWorkflows++
			continue
		}
		out.ActiveWorkflows++
		if t.HasStatus(domain.StatusBlocked) {
			out.BlockedWorkflows++
		}
		if t.HasStatus(domain.StatusOverdue) {
			out.OverdueWorkflows++
		}
	}
	out.AverageProgress = prog.percent()
	return out
}

// StageStatusDistribution returns a count for every status, in status order.
func (a Aggregator) StageStatusDistribution() []StatusCount {
	counts := map[domain.StageStatus]int{}
	for _, t := range a.timelines {
		for _, st := range t.Stages {
			counts[st.Status]++
		}
	}
	out := make([]StatusCount, 0, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out = append(out, StatusCount{Status: s, Count: counts[s]})
	}
	return out
}

func (a Aggregator) ClientPerformance() []ClientStats {
	type acc struct {
		stats  ClientStats
		prog   mean
		latest time.Time
	}
	byClient := map[string]*acc{}
	for _, t := range a.timelines {
		c, ok := byClient[t.ClientID]
		if !ok {
			c = &acc{stats: ClientStats{ClientID: t.ClientID, Satisfaction: domain.SatisfactionPending}}
			byClient[t.ClientID] = c
		}
		if c.stats.ClientName == "" {
			c.stats.ClientName = t.ClientName
		}
		c.stats.TotalWorkflows++
		c.prog.add(t.ProgressRatio())
		if finished(t) {
			c.stats.CompletedWorkflows++
		}
		if t.Satisfaction == domain.SatisfactionSatisfied || t.Satisfaction == domain.SatisfactionDissatisfied {
			at := t.LastUpdated
			if st := t.Stage(domain.StageClientReview); st != nil && st.CompletedAt != nil {
				at = *st.CompletedAt
			}
			if at.After(c.latest) || c.latest.IsZero() {
				c.latest = at
				c.stats.Satisfaction = t.Satisfaction
			}
		}
	}
	out := make([]ClientStats, 0, len(byClient))
	for _, c := range byClient {
		c.stats.AverageProgress = c.prog.percent()
		out = append(out, c.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (a Aggregator) ServiceTypeAnalysis() []ServiceStats {
	type acc struct {
		count int
		prog  mean
		days  mean
	}
	byService := map[string]*acc{}
	for _, t := range a.timelines {
		s, ok := byService[t.ServiceName]
		if !ok {
			s = &acc{}
			byService[t.ServiceName] = s
		}
		s.count++
		s.prog.add(t.ProgressRatio())
		end := t.LastUpdated
		if t.IsTerminal() && t.CompletedAt != nil {
			end = *t.CompletedAt
		}
		if d := end.Sub(t.CreatedAt); d > 0 {
			s.days.add(d.Hours() / 24)
		} else {
			s.days.add(0)
		}
	}
	out := make([]ServiceStats, 0, len(byService))
	for name, s := range byService {
		out = append(out, ServiceStats{
			ServiceName:         name,
			Count:               s.count,
			AverageProgress:     s.prog.percent(),
			AverageDurationDays: math.Round(s.days.value()*10) / 10,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}

// TimelineTrends buckets timelines by the UTC day of last_updated over the
// trailing window. Days without updates produce no point.
func (a Aggregator) TimelineTrends() []TrendPoint {
	today := truncateDay(a.now)
	start := today.AddDate(0, 0, -(TrendWindowDays - 1))
	byDay := map[time.Time]*mean{}
	for _, t := range a.timelines {
		day := truncateDay(t.LastUpdated.UTC())
		if day.Before(start) || day.After(today) {
			continue
		}
		m, ok := byDay[day]
		if !ok {
			m = &mean{}
			byDay[day] = m
		}
		m.add(t.ProgressRatio())
	}
	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	out := make([]TrendPoint, 0, len(days))
	for _, d := range days {
		m := byDay[d]
		out = append(out, TrendPoint{Date: d.Format(time.DateOnly), AverageProgress: m.percent(), Updates: m.n})
	}
	return out
}

// TeamWorkload buckets every stage by its assigned role. Blocked and
// awaiting-approval stages count as active.
func (a Aggregator) TeamWorkload() []RoleWorkload {
	byRole := map[domain.Role]*RoleWorkload{}
	for _, r := range domain.Roles {
		byRole[r] = &RoleWorkload{Role: r}
	}
	for _, t := range a.timelines {
		for _, st := range t.Stages {
			w, ok := byRole[st.AssignedToRole]
			if !ok {
				continue
			}
			switch st.Status {
			case domain.StatusCompleted:
				w.Completed++
			case domain.StatusOverdue:
				w.Overdue++
			case domain.StatusInProgress, domain.StatusAwaitingApproval, domain.StatusBlocked:
				w.Active++
			}
		}
	}
	out := make([]RoleWorkload, 0, len(domain.Roles))
	for _, r := range domain.Roles {
		out = append(out, *byRole[r])
	}
	return out
}

// FindingsBySeverity counts in-progress findings as open.
func (a Aggregator) FindingsBySeverity() []SeverityCount {
	bySev := map[domain.Severity]*SeverityCount{}
	for _, s := range domain.Severities {
		bySev[s] = &SeverityCount{Severity: s}
	}
	for _, t := range a.timelines {
		for _, f := range t.Findings {
			c, ok := bySev[f.Severity]
			if !ok {
				continue
			}
			if f.Status == domain.FindingResolved {
				c.Resolved++
			} else {
				c.Open++
			}
		}
	}
	out := make([]SeverityCount, 0, len(domain.Severities))
	for _, s := range domain.Severities {
		out = append(out, *bySev[s])
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
