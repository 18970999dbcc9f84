package models

import (
	"encoding/json"
	"time"
)

// EventKind names a lifecycle event emitted by the router or registry.
type EventKind string

const (
	EventJobQueued        EventKind = "job.queued"
	EventJobPolicyPending EventKind = "job.policy_pending"
	EventJobApproved      EventKind = "job.approved"
	EventJobDenied        EventKind = "job.denied"
	EventJobDispatched    EventKind = "job.dispatched"
	EventJobSucceeded     EventKind = "job.succeeded"
	EventJobFailed        EventKind = "job.failed"
	EventJobTimedOut      EventKind = "job.timed_out"
	EventJobCancelled     EventKind = "job.cancelled"
	EventJobRetrying      EventKind = "job.retrying"

	EventSessionRegistered EventKind = "session.registered"
	EventSessionReplaced   EventKind = "session.replaced"
	EventSessionDegraded   EventKind = "session.degraded"
	EventSessionLost       EventKind = "session.lost"
	EventSessionRecovered  EventKind = "session.recovered"

	EventPolicyReloaded   EventKind = "policy.reloaded"
	EventLedgerCheckpoint EventKind = "ledger.checkpoint"

	EventSecretStored   EventKind = "vault.secret_stored"
	EventSecretAccessed EventKind = "vault.secret_accessed"
	EventSecretDeleted  EventKind = "vault.secret_deleted"
)

// LifecycleEvent is one entry in the replayable event stream. Seq is
// assigned by the event bus and is strictly increasing.
type LifecycleEvent struct {
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id"`
	Kind      EventKind         `json:"kind"`
	JobID     string            `json:"job_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditRecord is one immutable entry in the hash-chained ledger.
type AuditRecord struct {
	Seq           uint64          `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	JobID         string          `json:"job_id,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	EventKind     EventKind       `json:"event_kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadDigest string          `json:"payload_digest"`
	PrevDigest    string          `json:"prev_digest"`
	Digest        string          `json:"digest"`
}

// AuditFilter selects audit records for a query. Zero values match all.
type AuditFilter struct {
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	EventKind EventKind `json:"event_kind,omitempty"`
	// AfterSeq and Limit paginate: records with Seq > AfterSeq, at most
	// Limit of them (0 means no limit).
	AfterSeq uint64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
