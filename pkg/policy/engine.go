// Package policy evaluates declarative guardrail rules against a job and
// a session snapshot before the job may dispatch.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// Action is what a matched rule does to the verdict.
type Action string

const (
	// ActionDeny blocks the job; the first matching deny short-circuits.
	ActionDeny Action = "deny"
	// ActionWarn annotates an allowed verdict with the rule's rationale.
	ActionWarn Action = "warn"
)

// Condition is a pure predicate over job and session attributes. All set
// fields must hold for the rule to match; zero fields match anything.
type Condition struct {
	// Kinds restricts the rule to these command kinds.
	Kinds []models.CommandKind `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	// Destructive matches jobs whose kind is destructive.
	Destructive bool `yaml:"destructive,omitempty" json:"destructive,omitempty"`
	// BatteryBelow matches sessions reporting battery strictly below the
	// given percentage.
	BatteryBelow *int `yaml:"battery_below,omitempty" json:"battery_below,omitempty"`
	// DeviceLocked matches sessions whose screen-lock state equals it.
	DeviceLocked *bool `yaml:"device_locked,omitempty" json:"device_locked,omitempty"`
	// MissingCapability matches sessions that do not declare the job's
	// command kind in their capability set.
	MissingCapability bool `yaml:"missing_capability,omitempty" json:"missing_capability,omitempty"`
	// RolesNotIn matches requesters whose role is outside the list.
	RolesNotIn []string `yaml:"roles_not_in,omitempty" json:"roles_not_in,omitempty"`
	// SizeOver matches push/flash jobs declaring size_bytes above it.
	SizeOver *int64 `yaml:"size_over_bytes,omitempty" json:"size_over_bytes,omitempty"`
}

// Rule is one guardrail: a named, prioritized predicate with an action.
type Rule struct {
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    int       `yaml:"priority" json:"priority"`
	Action      Action    `yaml:"action" json:"action"`
	Match       Condition `yaml:"match" json:"match"`
}

func (r *Rule) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule with empty name")
	}

	if r.Action != ActionDeny && r.Action != ActionWarn {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}

	for _, k := range r.Match.Kinds {
		if !k.Known() {
			return fmt.Errorf("rule %q: unknown command kind %q", r.Name, k)
		}
	}

	if b := r.Match.BatteryBelow; b != nil && (*b < 0 || *b > 100) {
		return fmt.Errorf("rule %q: battery_below %d out of range", r.Name, *b)
	}

	return nil
}

// matches reports whether every set condition holds. Pure function of its
// inputs; no side effects, so a recorded (job, snapshot) pair replays to
// the same result.
func (r *Rule) matches(job *models.Job, session *models.SessionSnapshot) bool {
	m := &r.Match

	if len(m.Kinds) > 0 {
		found := false

		for _, k := range m.Kinds {
			if k == job.Kind {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	if m.Destructive && !job.Kind.Destructive() {
		return false
	}

	if m.BatteryBelow != nil && session.Attributes.BatteryPercent >= *m.BatteryBelow {
		return false
	}

	if m.DeviceLocked != nil && session.Attributes.Locked != *m.DeviceLocked {
		return false
	}

	if m.MissingCapability && session.Supports(job.Kind) {
		return false
	}

	if len(m.RolesNotIn) > 0 {
		for _, role := range m.RolesNotIn {
			if role == job.Role {
				return false
			}
		}
	}

	if m.SizeOver != nil {
		size, ok := paramInt64(job.Params, "size_bytes")
		if !ok || size <= *m.SizeOver {
			return false
		}
	}

	return true
}

func paramInt64(params map[string]any, name string) (int64, bool) {
	switch v := params[name].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Engine holds the active rule set and evaluates verdicts. Rule swaps via
// Replace are atomic; evaluation works from an immutable snapshot of the
// set, so concurrent evaluations and reloads never interleave.
type Engine struct {
	mu     sync.RWMutex
	rules  []Rule
	logger logger.Logger
}

// NewEngine validates the rule set and creates an engine with it.
func NewEngine(rules []Rule, log logger.Logger) (*Engine, error) {
	sorted, err := validateAndSort(rules)
	if err != nil {
		return nil, err
	}

	return &Engine{rules: sorted, logger: log}, nil
}

// Rules returns a copy of the active rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return append([]Rule(nil), e.rules...)
}

// Replace atomically swaps in a new rule set. A set that fails validation
// leaves the previous set active and returns the error.
func (e *Engine) Replace(rules []Rule) error {
	sorted, err := validateAndSort(rules)
	if err != nil {
		return fmt.Errorf("policy rule set rejected: %w", err)
	}

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()

	e.logger.Info().Int("rules", len(sorted)).Msg("policy rule set replaced")

	return nil
}

// Evaluate computes a fresh verdict for one (job, session snapshot) pair.
// Rules run in priority order; the first matching deny short-circuits.
// When no deny matches the job is allowed, carrying warnings from matched
// advisory rules.
func (e *Engine) Evaluate(job models.Job, session models.SessionSnapshot) models.PolicyVerdict {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	verdict := models.PolicyVerdict{
		Decision:    models.DecisionAllow,
		EvaluatedAt: time.Now().UTC(),
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.matches(&job, &session) {
			continue
		}

		if rule.Action == ActionDeny {
			verdict.Decision = models.DecisionDeny
			verdict.Rules = append(verdict.Rules, rule.Name)
			verdict.Rationale = rationale(rule)

			return verdict
		}

		verdict.Rules = append(verdict.Rules, rule.Name)
		verdict.Warnings = append(verdict.Warnings, rationale(rule))
	}

	if len(verdict.Warnings) > 0 {
		verdict.Decision = models.DecisionAllowWarn
	}

	return verdict
}

// DryRun evaluates without any dispatch side effects. It is the same pure
// evaluation as Evaluate, exposed for consequence previews.
func (e *Engine) DryRun(job models.Job, session models.SessionSnapshot) models.PolicyVerdict {
	return e.Evaluate(job, session)
}

func rationale(rule *Rule) string {
	if rule.Description != "" {
		return rule.Description
	}

	return rule.Name
}

func validateAndSort(rules []Rule) ([]Rule, error) {
	seen := make(map[string]struct{}, len(rules))
	out := append([]Rule(nil), rules...)

	for i := range out {
		if err := out[i].validate(); err != nil {
			return nil, err
		}

		if _, dup := seen[out[i].Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", out[i].Name)
		}

		seen[out[i].Name] = struct{}{}
	}

	// Stable: rules with equal priority keep their configured order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })

	return out, nil
}
