package models

import "time"

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionDeny        Decision = "deny"
	DecisionAllowWarn   Decision = "allow_with_warning"
	DecisionDenyTimeout Decision = "deny_timeout"
)

// Allowed reports whether the decision permits dispatch.
func (d Decision) Allowed() bool {
	return d == DecisionAllow || d == DecisionAllowWarn
}

// PolicyVerdict is the policy engine's decision on one (job, session)
// pair. Computed fresh per evaluation, never cached across jobs.
type PolicyVerdict struct {
	Decision    Decision  `json:"decision"`
	Rules       []string  `json:"rules,omitempty"`
	Rationale   string    `json:"rationale,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
