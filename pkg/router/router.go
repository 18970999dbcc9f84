// Package router orchestrates command execution: it accepts job
// requests, gates them through policy, routes them to the right device
// session, and records every transition in the audit ledger and on the
// lifecycle event stream.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/pkg/events"
	"github.com/fleetgate/fleetgate/pkg/ledger"
	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
	"github.com/fleetgate/fleetgate/pkg/policy"
	"github.com/fleetgate/fleetgate/pkg/registry"
	"github.com/fleetgate/fleetgate/pkg/transport"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultAttemptTimeout = 30 * time.Second
	defaultPolicyTimeout  = 2 * time.Second
)

// Config controls dispatch, retry, and policy timing.
type Config struct {
	// MaxAttempts bounds dispatch attempts per target, first try
	// included. Destructive kinds are capped at 2 regardless.
	MaxAttempts int `json:"max_attempts"`
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration `json:"initial_backoff"`
	// MaxBackoff caps the backoff interval.
	MaxBackoff time.Duration `json:"max_backoff"`
	// AttemptTimeout bounds each dispatch attempt, not the whole job.
	AttemptTimeout time.Duration `json:"attempt_timeout"`
	// PolicyTimeout bounds policy evaluation; an overrun is a Deny.
	PolicyTimeout time.Duration `json:"policy_timeout"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultMaxAttempts
	}

	if out.InitialBackoff <= 0 {
		out.InitialBackoff = defaultInitialBackoff
	}

	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}

	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = defaultAttemptTimeout
	}

	if out.PolicyTimeout <= 0 {
		out.PolicyTimeout = defaultPolicyTimeout
	}

	return out
}

// jobState couples the immutable job envelope with its per-target
// records and cancellation flag. Records are owned by the router;
// Status returns copies.
type jobState struct {
	job       models.Job
	records   map[string]*models.ExecutionRecord
	cancelled bool
}

// Router accepts job requests and drives them to a terminal state.
type Router struct {
	config   Config
	registry *registry.SessionRegistry
	policy   *policy.Engine
	ledger   *ledger.Ledger
	bus      *events.Bus
	logger   logger.Logger

	mu         sync.Mutex
	jobs       map[string]*jobState
	byIdemKey  map[string]string
	queues     map[string]*sessionQueue
	transports map[string]transport.Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router wired to its collaborators and installs the
// registry's event hook so session health transitions share the ledger
// and event stream with job transitions.
func New(config Config, reg *registry.SessionRegistry, pol *policy.Engine, led *ledger.Ledger, bus *events.Bus, log logger.Logger) *Router {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Router{
		config:     config.withDefaults(),
		registry:   reg,
		policy:     pol,
		ledger:     led,
		bus:        bus,
		logger:     log,
		jobs:       make(map[string]*jobState),
		byIdemKey:  make(map[string]string),
		queues:     make(map[string]*sessionQueue),
		transports: make(map[string]transport.Transport),
		ctx:        ctx,
		cancel:     cancel,
	}

	reg.SetEventHook(r.onSessionEvent)

	return r
}

// Close stops dispatch workers. In-flight attempts run to completion.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// BindTransport attaches the live transport for a device session. The
// router depends only on the transport abstraction, never on wire
// details.
func (r *Router) BindTransport(deviceID string, t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transports[deviceID] = t
}

// UnbindTransport detaches a device's transport, typically after the
// session is lost.
func (r *Router) UnbindTransport(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.transports, deviceID)
}

func (r *Router) transportFor(deviceID string) (transport.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transports[deviceID]

	return t, ok
}

// Submit validates the request, creates the job and one execution record
// per target, and enqueues dispatch. It returns the job ID immediately;
// execution is asynchronous. A resubmission with a known idempotency key
// returns the prior job's ID without creating new records; reusing a key
// for a different kind or target set is ErrDuplicateJob.
func (r *Router) Submit(request models.JobRequest) (string, error) {
	if err := validateRequest(&request); err != nil {
		return "", err
	}

	r.mu.Lock()

	if request.IdempotencyKey != "" {
		if priorID, ok := r.byIdemKey[request.IdempotencyKey]; ok {
			prior := r.jobs[priorID].job
			r.mu.Unlock()

			if prior.Kind != request.Kind || !sameTargets(prior.Targets, request.Targets) {
				return "", fmt.Errorf("%w: idempotency key %q already used by job %s for a different request",
					models.ErrDuplicateJob, request.IdempotencyKey, priorID)
			}

			r.logger.Debug().
				Str("job_id", priorID).
				Str("idempotency_key", request.IdempotencyKey).
				Msg("idempotent resubmission, returning prior job")

			return priorID, nil
		}
	}

	job := models.Job{
		ID:             uuid.New().String(),
		Targets:        append([]string(nil), request.Targets...),
		Kind:           request.Kind,
		Params:         request.Params,
		RequestedBy:    request.RequestedBy,
		Role:           request.Role,
		Priority:       request.Priority,
		IdempotencyKey: request.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
		Deadline:       request.Deadline,
	}

	if job.Priority == 0 {
		job.Priority = models.PriorityNormal
	}

	state := &jobState{
		job:     job,
		records: make(map[string]*models.ExecutionRecord, len(job.Targets)),
	}

	for _, deviceID := range job.Targets {
		state.records[deviceID] = &models.ExecutionRecord{
			JobID:     job.ID,
			DeviceID:  deviceID,
			State:     models.ExecQueued,
			UpdatedAt: job.CreatedAt,
		}
	}

	r.jobs[job.ID] = state

	if job.IdempotencyKey != "" {
		r.byIdemKey[job.IdempotencyKey] = job.ID
	}

	r.mu.Unlock()

	r.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Strs("targets", job.Targets).
		Str("requested_by", job.RequestedBy).
		Msg("job submitted")

	// One queued event per (job, target) record, appended before the
	// task becomes visible to a worker.
	for _, deviceID := range job.Targets {
		r.emitJobEvent(&job, deviceID, models.EventJobQueued, nil)
		r.enqueue(task{
			jobID:      job.ID,
			deviceID:   deviceID,
			priority:   int(job.Priority),
			enqueuedAt: job.CreatedAt,
		})
	}

	return job.ID, nil
}

// sameTargets compares target sets, ignoring order. Targets are already
// validated unique.
func sameTargets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}

	for _, id := range b {
		if _, ok := seen[id]; !ok {
			return false
		}
	}

	return true
}

func validateRequest(request *models.JobRequest) error {
	if len(request.Targets) == 0 {
		return fmt.Errorf("%w: job must name at least one target", models.ErrInvalidJobSpec)
	}

	seen := make(map[string]struct{}, len(request.Targets))

	for _, target := range request.Targets {
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("%w: empty target device id", models.ErrInvalidJobSpec)
		}

		if _, dup := seen[target]; dup {
			return fmt.Errorf("%w: duplicate target %q", models.ErrInvalidJobSpec, target)
		}

		seen[target] = struct{}{}
	}

	if strings.TrimSpace(request.RequestedBy) == "" {
		return fmt.Errorf("%w: requested_by is required", models.ErrInvalidJobSpec)
	}

	if request.Deadline != nil && request.Deadline.Before(time.Now()) {
		return fmt.Errorf("%w: deadline already passed", models.ErrInvalidJobSpec)
	}

	return models.ValidateParams(request.Kind, request.Params)
}

// Status returns the job envelope, copies of its per-target records, and
// the aggregate outcome.
func (r *Router) Status(jobID string) (models.JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return models.JobStatus{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}

	status := models.JobStatus{
		Job:     state.job,
		Records: make(map[string]models.ExecutionRecord, len(state.records)),
	}

	for deviceID, record := range state.records {
		status.Records[deviceID] = *record
	}

	status.Outcome = aggregateOutcome(status.Records)

	return status, nil
}

func aggregateOutcome(records map[string]models.ExecutionRecord) models.JobOutcome {
	var succeeded, denied, cancelled, failed int

	for _, record := range records {
		if !record.State.Terminal() {
			return models.OutcomePending
		}

		switch record.State {
		case models.ExecSucceeded:
			succeeded++
		case models.ExecDenied:
			denied++
		case models.ExecCancelled:
			cancelled++
		default:
			failed++
		}
	}

	total := len(records)

	switch {
	case succeeded == total:
		return models.OutcomeSucceeded
	case succeeded > 0:
		return models.OutcomePartialFailure
	case denied == total:
		return models.OutcomeDenied
	case cancelled == total:
		return models.OutcomeCancelled
	default:
		return models.OutcomeFailed
	}
}

// Execute submits the request and blocks until every target record is
// terminal or ctx is done. A job denied on all targets returns
// ErrPolicyDenied carrying the first rationale; every other outcome is
// reported on the returned status for the caller to interpret.
func (r *Router) Execute(ctx context.Context, request models.JobRequest) (models.JobStatus, error) {
	jobID, err := r.Submit(request)
	if err != nil {
		return models.JobStatus{}, err
	}

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		status, err := r.Status(jobID)
		if err != nil {
			return models.JobStatus{}, err
		}

		if status.Outcome != models.OutcomePending {
			if status.Outcome == models.OutcomeDenied {
				return status, fmt.Errorf("%w: %s", models.ErrPolicyDenied, denialRationale(status))
			}

			return status, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

func denialRationale(status models.JobStatus) string {
	for _, record := range status.Records {
		if record.Verdict != nil && record.Verdict.Rationale != "" {
			return record.Verdict.Rationale
		}
	}

	return "denied by policy"
}

// Cancel requests cancellation of every non-terminal record of a job.
// Queued and policy-pending records transition to Cancelled immediately;
// dispatched records get a best-effort interrupt and resolve to whatever
// terminal outcome the in-flight attempt reaches. Returns true when any
// record was affected.
func (r *Router) Cancel(jobID string) bool {
	r.mu.Lock()

	state, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	state.cancelled = true

	type pending struct {
		deviceID   string
		dispatched bool
	}

	var affected []pending

	for deviceID, record := range state.records {
		switch record.State {
		case models.ExecQueued, models.ExecPolicyPending, models.ExecApproved:
			affected = append(affected, pending{deviceID: deviceID, dispatched: false})
		case models.ExecDispatched:
			affected = append(affected, pending{deviceID: deviceID, dispatched: true})
		}
	}

	job := state.job
	r.mu.Unlock()

	if len(affected) == 0 {
		return false
	}

	for _, p := range affected {
		if !p.dispatched {
			r.transition(&job, p.deviceID, models.ExecCancelled, func(record *models.ExecutionRecord) {
				record.FailureReason = models.FailureNone
			})

			continue
		}

		// Destructive commands define themselves as non-cancellable once
		// started; everything else gets a cooperative interrupt.
		if job.Kind.Destructive() {
			continue
		}

		if t, ok := r.transportFor(p.deviceID); ok {
			t.Interrupt(job.ID)
		}
	}

	r.logger.Info().Str("job_id", jobID).Msg("cancellation requested")

	return true
}

// Preview evaluates policy for the request against each target's current
// session snapshot without dispatching anything (dry run).
func (r *Router) Preview(request models.JobRequest) (map[string]models.PolicyVerdict, error) {
	if err := validateRequest(&request); err != nil {
		return nil, err
	}

	job := models.Job{
		ID:          "preview",
		Targets:     request.Targets,
		Kind:        request.Kind,
		Params:      request.Params,
		RequestedBy: request.RequestedBy,
		Role:        request.Role,
		CreatedAt:   time.Now().UTC(),
	}

	verdicts := make(map[string]models.PolicyVerdict, len(request.Targets))

	for _, deviceID := range request.Targets {
		snapshot, err := r.registry.Lookup(deviceID)
		if err != nil {
			return nil, err
		}

		verdicts[deviceID] = r.policy.DryRun(job, snapshot)
	}

	return verdicts, nil
}

// Subscribe opens a lifecycle event subscription replayable from the
// given sequence offset (0 for the full stream).
func (r *Router) Subscribe(fromSeq uint64) *events.Subscription {
	return r.bus.Subscribe(fromSeq)
}

func (r *Router) enqueue(t task) {
	r.mu.Lock()

	q, ok := r.queues[t.deviceID]
	if !ok {
		q = newSessionQueue()
		r.queues[t.deviceID] = q

		r.wg.Add(1)

		go r.runWorker(t.deviceID, q)
	}

	r.mu.Unlock()

	q.push(t)
}

// isCancelled is the cooperative cancellation checkpoint observed by
// workers before each attempt.
func (r *Router) isCancelled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]

	return ok && state.cancelled
}

func (r *Router) jobFor(jobID string) (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}

	return state.job, true
}

func (r *Router) recordState(jobID, deviceID string) (models.ExecState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return "", false
	}

	record, ok := state.records[deviceID]
	if !ok {
		return "", false
	}

	return record.State, true
}

// transition moves one record to a new state. The terminal check, the
// ledger append, and the state change all happen under the router lock,
// so racing callers (Cancel versus a dispatch worker) serialize: a
// ledger entry is appended exactly when the transition takes effect,
// and it is durable before the new state is observable through Status.
// Terminal records never transition again, first caller wins.
func (r *Router) transition(job *models.Job, deviceID string, next models.ExecState, mutate func(*models.ExecutionRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[job.ID]
	if !ok {
		return
	}

	record, ok := state.records[deviceID]
	if !ok || record.State.Terminal() {
		return
	}

	r.emitJobEvent(job, deviceID, eventForState(next), map[string]string{"state": string(next)})

	record.State = next
	record.UpdatedAt = time.Now().UTC()

	if mutate != nil {
		mutate(record)
	}
}

func eventForState(state models.ExecState) models.EventKind {
	switch state {
	case models.ExecQueued:
		return models.EventJobQueued
	case models.ExecPolicyPending:
		return models.EventJobPolicyPending
	case models.ExecApproved:
		return models.EventJobApproved
	case models.ExecDenied:
		return models.EventJobDenied
	case models.ExecDispatched:
		return models.EventJobDispatched
	case models.ExecSucceeded:
		return models.EventJobSucceeded
	case models.ExecFailed:
		return models.EventJobFailed
	case models.ExecTimedOut:
		return models.EventJobTimedOut
	case models.ExecCancelled:
		return models.EventJobCancelled
	default:
		return models.EventJobFailed
	}
}

// emitJobEvent appends a job lifecycle entry to the ledger and publishes
// it on the event stream. A halted ledger is surfaced loudly: the event
// still reaches subscribers, but the halt is logged as an error for
// operator intervention.
func (r *Router) emitJobEvent(job *models.Job, deviceID string, kind models.EventKind, detail map[string]string) {
	_, err := r.ledger.Append(ledger.Entry{
		Actor:     job.RequestedBy,
		JobID:     job.ID,
		DeviceID:  deviceID,
		EventKind: kind,
		Payload:   detail,
	})
	if err != nil {
		r.logger.Error().Err(err).
			Str("job_id", job.ID).
			Str("device_id", deviceID).
			Str("event", string(kind)).
			Msg("audit append failed")
	}

	r.bus.Publish(models.LifecycleEvent{
		Kind:     kind,
		JobID:    job.ID,
		DeviceID: deviceID,
		Actor:    job.RequestedBy,
		Detail:   detail,
	})
}

// onSessionEvent mirrors registry health transitions onto the ledger and
// event stream.
func (r *Router) onSessionEvent(kind models.EventKind, snapshot models.SessionSnapshot) {
	_, err := r.ledger.Append(ledger.Entry{
		Actor:     "registry",
		DeviceID:  snapshot.DeviceID,
		EventKind: kind,
		Payload:   map[string]string{"health": string(snapshot.Health)},
	})
	if err != nil {
		r.logger.Error().Err(err).
			Str("device_id", snapshot.DeviceID).
			Str("event", string(kind)).
			Msg("audit append failed")
	}

	r.bus.Publish(models.LifecycleEvent{
		Kind:     kind,
		DeviceID: snapshot.DeviceID,
		Actor:    "registry",
		Detail:   map[string]string{"health": string(snapshot.Health)},
	})

	if kind == models.EventSessionLost {
		r.UnbindTransport(snapshot.DeviceID)
	}
}
