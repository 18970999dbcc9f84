package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetgate/fleetgate/pkg/models"
	"github.com/fleetgate/fleetgate/pkg/transport"
)

// readyPollInterval paces the wait for a session to leave Connecting or
// Degraded before dispatch.
const readyPollInterval = 20 * time.Millisecond

var (
	errCancelled = errors.New("job cancelled")
	errDeadline  = errors.New("job deadline exceeded")
)

// runWorker drains one session's queue. One worker per session keeps
// dispatch attempts to the same device strictly ordered while unrelated
// sessions proceed in parallel.
func (r *Router) runWorker(deviceID string, q *sessionQueue) {
	defer r.wg.Done()

	for {
		t, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-r.ctx.Done():
				return
			}
		}

		r.processTask(t)
	}
}

func (r *Router) processTask(t task) {
	job, ok := r.jobFor(t.jobID)
	if !ok {
		return
	}

	// Cancel may have already driven the record terminal while queued.
	if state, ok := r.recordState(t.jobID, t.deviceID); !ok || state.Terminal() {
		return
	}

	if r.isCancelled(t.jobID) {
		r.transition(&job, t.deviceID, models.ExecCancelled, nil)
		return
	}

	r.transition(&job, t.deviceID, models.ExecPolicyPending, nil)

	snapshot, err := r.registry.Lookup(t.deviceID)
	if err != nil {
		r.transition(&job, t.deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
			record.FailureReason = models.FailureSessionLost
		})

		return
	}

	verdict := r.evaluatePolicy(job, snapshot)

	if !verdict.Decision.Allowed() {
		r.logger.Info().
			Str("job_id", job.ID).
			Str("device_id", t.deviceID).
			Str("rationale", verdict.Rationale).
			Msg("job denied by policy")

		r.transition(&job, t.deviceID, models.ExecDenied, func(record *models.ExecutionRecord) {
			record.Verdict = &verdict
		})

		return
	}

	r.transition(&job, t.deviceID, models.ExecApproved, func(record *models.ExecutionRecord) {
		record.Verdict = &verdict
	})

	if r.isCancelled(t.jobID) {
		r.transition(&job, t.deviceID, models.ExecCancelled, nil)
		return
	}

	r.dispatch(&job, t.deviceID)
}

// evaluatePolicy bounds rule evaluation by PolicyTimeout so slow policy
// checks cannot starve dispatch throughput. An overrun is a Deny.
func (r *Router) evaluatePolicy(job models.Job, snapshot models.SessionSnapshot) models.PolicyVerdict {
	verdicts := make(chan models.PolicyVerdict, 1)

	go func() {
		verdicts <- r.policy.Evaluate(job, snapshot)
	}()

	select {
	case verdict := <-verdicts:
		return verdict
	case <-time.After(r.config.PolicyTimeout):
		return models.PolicyVerdict{
			Decision:    models.DecisionDenyTimeout,
			Rationale:   "policy evaluation exceeded its timeout",
			EvaluatedAt: time.Now().UTC(),
		}
	}
}

func (r *Router) dispatch(job *models.Job, deviceID string) {
	if err := r.waitAcquire(job, deviceID); err != nil {
		switch {
		case errors.Is(err, errCancelled):
			r.transition(job, deviceID, models.ExecCancelled, nil)
		case errors.Is(err, errDeadline):
			r.transition(job, deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
				record.FailureReason = models.FailureDeadline
			})
		default:
			r.transition(job, deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
				record.FailureReason = models.FailureSessionLost
			})
		}

		return
	}

	defer r.registry.Release(deviceID)

	tr, ok := r.transportFor(deviceID)
	if !ok {
		r.transition(job, deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
			record.FailureReason = models.FailureSessionLost
		})

		return
	}

	r.transition(job, deviceID, models.ExecDispatched, nil)

	result, err := r.sendWithRetry(job, deviceID, tr)

	switch {
	case err == nil && result != nil && result.ExitCode != 0:
		r.transition(job, deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
			record.Result = result
			record.FailureReason = models.FailureDevice
		})
	case err == nil:
		r.transition(job, deviceID, models.ExecSucceeded, func(record *models.ExecutionRecord) {
			record.Result = result
		})
	case errors.Is(err, errCancelled):
		r.transition(job, deviceID, models.ExecCancelled, nil)
	case errors.Is(err, errDeadline):
		r.transition(job, deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
			record.FailureReason = models.FailureDeadline
		})
	case errors.Is(err, models.ErrSessionLost):
		r.transition(job, deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
			record.FailureReason = models.FailureSessionLost
		})
	case errors.Is(err, models.ErrAttemptTimeout):
		r.transition(job, deviceID, models.ExecTimedOut, nil)
	default:
		r.transition(job, deviceID, models.ExecFailed, func(record *models.ExecutionRecord) {
			record.FailureReason = models.FailureTransport
		})
	}
}

// waitAcquire blocks until the target session is Ready and marked Busy
// for this dispatch. Sessions sitting in Connecting or Degraded are
// waited out; a Lost session ends the wait.
func (r *Router) waitAcquire(job *models.Job, deviceID string) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if r.isCancelled(job.ID) {
			return errCancelled
		}

		if job.Deadline != nil && time.Now().After(*job.Deadline) {
			return errDeadline
		}

		_, err := r.registry.Acquire(deviceID)
		if err == nil {
			return nil
		}

		if errors.Is(err, models.ErrSessionNotFound) {
			return err
		}

		select {
		case <-ticker.C:
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
}

// sendWithRetry drives transport attempts with exponential backoff.
// Transient transport errors and per-attempt timeouts are retried up to
// MaxAttempts; destructive kinds get at most two attempts, and a second
// one only when the first provably never started on the device. Policy
// denials never reach here, and cancellation is observed before every
// attempt.
func (r *Router) sendWithRetry(job *models.Job, deviceID string, tr transport.Transport) (*models.CommandResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.InitialBackoff
	bo.MaxInterval = r.config.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	maxAttempts := r.config.MaxAttempts
	if job.Kind.Destructive() && maxAttempts > 2 {
		maxAttempts = 2
	}

	attempt := 0

	operation := func() (*models.CommandResult, error) {
		// Cooperative cancellation checkpoint. Destructive commands are
		// non-cancellable once their first attempt has started.
		if r.isCancelled(job.ID) && !(job.Kind.Destructive() && attempt > 0) {
			return nil, backoff.Permanent(errCancelled)
		}

		if job.Deadline != nil && time.Now().After(*job.Deadline) {
			return nil, backoff.Permanent(errDeadline)
		}

		attempt++

		if attempt > 1 {
			r.emitJobEvent(job, deviceID, models.EventJobRetrying, map[string]string{
				"attempt": strconv.Itoa(attempt),
			})
		}

		r.startAttempt(job.ID, deviceID, attempt)

		ctx, cancel := context.WithTimeout(r.ctx, r.config.AttemptTimeout)
		result, err := tr.Send(ctx, transport.Command{
			JobID:   job.ID,
			Attempt: attempt,
			Kind:    job.Kind,
			Params:  job.Params,
		})
		cancel()

		r.finishAttempt(job.ID, deviceID, attempt, err)

		if err == nil {
			return result, nil
		}

		// A target that vanished mid-dispatch is SessionLost, not a
		// device failure, and is never retried.
		if _, lookupErr := r.registry.Lookup(deviceID); lookupErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", models.ErrSessionLost, err))
		}

		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}

		// Destructive retries require proof the attempt never began
		// executing, to avoid double-applying an irreversible action.
		if job.Kind.Destructive() && !errors.Is(err, transport.ErrNotStarted) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	return backoff.Retry(r.ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxAttempts)))
}

func retryable(err error) bool {
	return errors.Is(err, models.ErrTransport) || errors.Is(err, models.ErrAttemptTimeout)
}

func (r *Router) startAttempt(jobID, deviceID string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return
	}

	record, ok := state.records[deviceID]
	if !ok {
		return
	}

	record.Attempts = append(record.Attempts, models.Attempt{
		Number:    attempt,
		StartedAt: time.Now().UTC(),
	})
}

func (r *Router) finishAttempt(jobID, deviceID string, attempt int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return
	}

	record, ok := state.records[deviceID]
	if !ok {
		return
	}

	for i := range record.Attempts {
		if record.Attempts[i].Number == attempt {
			record.Attempts[i].EndedAt = time.Now().UTC()

			if err != nil {
				record.Attempts[i].Error = err.Error()
			}

			break
		}
	}
}
