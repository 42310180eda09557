package domain

import (
	"fmt"
	"time"
)

// ScoreBreakdown is computed once when a run reaches a terminal status
type ScoreBreakdown struct {
	Base          int      `json:"base"`
	TimeBonus     int      `json:"time_bonus"`
	CommitPenalty int      `json:"commit_penalty"`
	Total         int      `json:"total"`
	Notes         []string `json:"notes"`
}

// ScoringPolicy holds the scoring constants
type ScoringPolicy struct {
	Base             int
	TimeBonus        int
	TimeThreshold    time.Duration
	FreeCommits      int
	PenaltyPerCommit int
}

// DefaultScoringPolicy returns base 100, +10 under five minutes, -2 per commit over 20
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		Base:             100,
		TimeBonus:        10,
		TimeThreshold:    5 * time.Minute,
		FreeCommits:      20,
		PenaltyPerCommit: 2,
	}
}

// ComputeScore scores a finished run. The time bonus is only awarded to runs
// that healed the repository through at least one iteration.
func ComputeScore(elapsed time.Duration, commits int, healed bool, p ScoringPolicy) ScoreBreakdown {
	s := ScoreBreakdown{Base: p.Base, Notes: []string{}}

	if healed && elapsed < p.TimeThreshold {
		s.TimeBonus = p.TimeBonus
		s.Notes = append(s.Notes, fmt.Sprintf("+%d speed bonus: finished in %s (under %s)",
			p.TimeBonus, FormatDuration(elapsed), FormatDuration(p.TimeThreshold)))
	}

	if extra := commits - p.FreeCommits; extra > 0 {
		s.CommitPenalty = extra * p.PenaltyPerCommit
		s.Notes = append(s.Notes, fmt.Sprintf("-%d efficiency penalty: %d commits over %d",
			s.CommitPenalty, extra, p.FreeCommits))
	}

	s.Total = max(0, s.Base+s.TimeBonus-s.CommitPenalty)
	return s
}

// FormatDuration renders a duration as "2m 34s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
