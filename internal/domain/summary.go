package domain

import "time"

// RunSummary condenses a session for dashboards and notifications
type RunSummary struct {
	FailuresFound  int      `json:"failures_found"`
	FixesApplied   int      `json:"fixes_applied"`
	FixesFailed    int      `json:"fixes_failed"`
	Iterations     int      `json:"iterations"`
	TotalCommits   int      `json:"total_commits"`
	FinalCIStatus  CIStatus `json:"final_ci_status,omitempty"`
	TotalTimeHuman string   `json:"total_time_human"`
}

// Summarize derives a RunSummary. now is used as the end time for runs still in progress.
func Summarize(r *RunSession, now time.Time) RunSummary {
	s := RunSummary{
		Iterations:   len(r.Iterations),
		TotalCommits: r.Commits,
	}
	for _, it := range r.Iterations {
		s.FailuresFound += it.FailuresCount
	}
	for _, f := range r.Fixes {
		if f.Status == FixFixed {
			s.FixesApplied++
		} else {
			s.FixesFailed++
		}
	}
	if r.CI != nil {
		s.FinalCIStatus = r.CI.Status
	}
	end := now
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	s.TotalTimeHuman = FormatDuration(end.Sub(r.StartedAt))
	return s
}
