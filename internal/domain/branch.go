package domain

import (
	"regexp"
	"strings"
)

// BranchSuffix terminates every branch the orchestrator pushes to
const BranchSuffix = "_AI_Fix"

// BranchPattern matches every name BranchName can produce
var BranchPattern = regexp.MustCompile(`^[A-Z0-9_]+_AI_Fix$`)

var branchStrip = regexp.MustCompile(`[^A-Za-z0-9 ]+`)

// BranchName derives the fix branch from team and leader names,
// e.g. ("RIFT Org", "Saiyam Kumar") -> "RIFT_ORG_SAIYAM_KUMAR_AI_Fix".
func BranchName(team, leader string) string {
	return branchToken(team, "TEAM") + "_" + branchToken(leader, "LEADER") + BranchSuffix
}

func branchToken(s, fallback string) string {
	s = branchStrip.ReplaceAllString(s, "")
	words := strings.Fields(s)
	if len(words) == 0 {
		return fallback
	}
	return strings.ToUpper(strings.Join(words, "_"))
}
