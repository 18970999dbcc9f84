package models

import "time"

// CommandKind is the fixed vocabulary of operations a job may request.
type CommandKind string

const (
	KindPullFile       CommandKind = "pull-file"
	KindPushFile       CommandKind = "push-file"
	KindFlashPartition CommandKind = "flash-partition"
	KindReboot         CommandKind = "reboot"
	KindRunShell       CommandKind = "run-shell"
	KindReadProperty   CommandKind = "read-property"
	KindWipeData       CommandKind = "wipe-data"
)

// Destructive reports whether the kind applies an irreversible change to
// the device. Destructive kinds get at most one retry, and only when the
// failed attempt provably never started on-device.
func (k CommandKind) Destructive() bool {
	return k == KindFlashPartition || k == KindWipeData
}

// Known reports whether the kind belongs to the command vocabulary.
func (k CommandKind) Known() bool {
	_, ok := commandSchemas[k]
	return ok
}

// Priority orders jobs within a session queue. Higher runs first; equal
// priorities keep FIFO order.
type Priority int

const (
	PriorityLow      Priority = 10
	PriorityNormal   Priority = 20
	PriorityHigh     Priority = 30
	PriorityCritical Priority = 40
)

// JobRequest is the submission envelope accepted from operators and
// automation clients.
type JobRequest struct {
	Targets        []string       `json:"targets"`
	Kind           CommandKind    `json:"kind"`
	Params         map[string]any `json:"params,omitempty"`
	RequestedBy    string         `json:"requested_by"`
	Role           string         `json:"role,omitempty"`
	Priority       Priority       `json:"priority,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
}

// Job is the immutable request envelope created at submission. Request
// fields never change after creation; lifecycle state lives in the
// per-target ExecutionRecord.
type Job struct {
	ID             string         `json:"id"`
	Targets        []string       `json:"targets"`
	Kind           CommandKind    `json:"kind"`
	Params         map[string]any `json:"params,omitempty"`
	RequestedBy    string         `json:"requested_by"`
	Role           string         `json:"role,omitempty"`
	Priority       Priority       `json:"priority"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
}

// ExecState is the lifecycle state of one job against one target session.
type ExecState string

const (
	ExecQueued        ExecState = "queued"
	ExecPolicyPending ExecState = "policy_pending"
	ExecApproved      ExecState = "approved"
	ExecDenied        ExecState = "denied"
	ExecDispatched    ExecState = "dispatched"
	ExecSucceeded     ExecState = "succeeded"
	ExecFailed        ExecState = "failed"
	ExecTimedOut      ExecState = "timed_out"
	ExecCancelled     ExecState = "cancelled"
)

// Terminal reports whether the state ends the record's lifecycle.
func (s ExecState) Terminal() bool {
	switch s {
	case ExecDenied, ExecSucceeded, ExecFailed, ExecTimedOut, ExecCancelled:
		return true
	default:
		return false
	}
}

// FailureReason distinguishes why a record reached Failed.
type FailureReason string

const (
	FailureNone        FailureReason = ""
	FailureTransport   FailureReason = "transport"
	FailureDevice      FailureReason = "device"
	FailureSessionLost FailureReason = "session_lost"
	FailureDeadline    FailureReason = "deadline_exceeded"
)

// CommandResult is the device-reported outcome of a dispatch attempt.
type CommandResult struct {
	Output   string            `json:"output,omitempty"`
	Stderr   string            `json:"stderr,omitempty"`
	ExitCode int               `json:"exit_code"`
	Props    map[string]string `json:"props,omitempty"`
}

// Attempt records timing and outcome of a single dispatch attempt.
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ExecutionRecord is the lifecycle state of one (job, target) pair. Owned
// exclusively by the router; callers receive copies.
type ExecutionRecord struct {
	JobID         string         `json:"job_id"`
	DeviceID      string         `json:"device_id"`
	State         ExecState      `json:"state"`
	Attempts      []Attempt      `json:"attempts,omitempty"`
	Result        *CommandResult `json:"result,omitempty"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	Verdict       *PolicyVerdict `json:"verdict,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// JobOutcome aggregates per-target terminal states for a whole job.
type JobOutcome string

const (
	OutcomePending        JobOutcome = "pending"
	OutcomeSucceeded      JobOutcome = "succeeded"
	OutcomeFailed         JobOutcome = "failed"
	OutcomePartialFailure JobOutcome = "partial_failure"
	OutcomeDenied         JobOutcome = "denied"
	OutcomeCancelled      JobOutcome = "cancelled"
)

// JobStatus is the point-lookup view of a job: the immutable envelope, the
// per-target records, and the aggregate outcome. Partial success is
// surfaced explicitly as OutcomePartialFailure, never collapsed.
type JobStatus struct {
	Job     Job                        `json:"job"`
	Records map[string]ExecutionRecord `json:"records"`
	Outcome JobOutcome                 `json:"outcome"`
}
