// Package registry owns the live session set. It is the single ownership
// boundary for fleet state: all mutation goes through its entry points,
// every other component works from snapshots.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

const (
	defaultHeartbeatTimeout = 15 * time.Second
	defaultExpiryTimeout    = 60 * time.Second
	defaultReplaceGrace     = 5 * time.Second
	defaultTombstoneLimit   = 1024
)

// Config controls session health timing.
type Config struct {
	// HeartbeatTimeout moves Ready/Busy sessions to Degraded when no
	// heartbeat arrives within it.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	// ExpiryTimeout moves Degraded sessions to Lost and removes them from
	// the live set.
	ExpiryTimeout time.Duration `json:"expiry_timeout"`
	// ReplaceGrace is the extra silence beyond HeartbeatTimeout after
	// which a Degraded session may be replaced by a new registration.
	ReplaceGrace time.Duration `json:"replace_grace"`
	// TombstoneLimit bounds the lost-session map kept for forensic
	// lookups against historical jobs.
	TombstoneLimit int `json:"tombstone_limit"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = defaultHeartbeatTimeout
	}

	if out.ExpiryTimeout <= 0 {
		out.ExpiryTimeout = defaultExpiryTimeout
	}

	if out.ReplaceGrace <= 0 {
		out.ReplaceGrace = defaultReplaceGrace
	}

	if out.TombstoneLimit <= 0 {
		out.TombstoneLimit = defaultTombstoneLimit
	}

	return out
}

// EventHook receives health-transition events. Installed by the router so
// session transitions share the lifecycle stream with job transitions.
type EventHook func(kind models.EventKind, snapshot models.SessionSnapshot)

type session struct {
	deviceID      string
	transport     models.TransportKind
	tags          []string
	capabilities  []models.CommandKind
	attributes    models.DeviceAttributes
	health        models.HealthState
	registeredAt  time.Time
	lastHeartbeat time.Time
}

// SessionRegistry tracks live device sessions and their health state.
// Safe for concurrent use from many dispatch workers.
type SessionRegistry struct {
	mu         sync.RWMutex
	sessions   map[string]*session
	byTag      map[string]map[string]*session
	tombstones map[string]models.SessionSnapshot
	tombOrder  []string
	config     Config
	hook       EventHook
	logger     logger.Logger
	now        func() time.Time
}

// New creates a session registry.
func New(config Config, log logger.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions:   make(map[string]*session),
		byTag:      make(map[string]map[string]*session),
		tombstones: make(map[string]models.SessionSnapshot),
		config:     config.withDefaults(),
		logger:     log,
		now:        time.Now,
	}
}

// SetEventHook installs the health-transition hook. Must be called before
// sessions are registered.
func (r *SessionRegistry) SetEventHook(hook EventHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Register creates a session for the descriptor in Connecting state. A
// registration for a known device ID atomically replaces the prior
// session only when that session is Lost, or Degraded beyond the
// configured grace; otherwise it fails with ErrSessionConflict. At most
// one session exists per device ID.
func (r *SessionRegistry) Register(descriptor models.SessionDescriptor) (models.SessionSnapshot, error) {
	deviceID := strings.TrimSpace(descriptor.DeviceID)
	if deviceID == "" {
		return models.SessionSnapshot{}, fmt.Errorf("%w: empty device id", models.ErrInvalidJobSpec)
	}

	now := r.now()
	replaced := false

	var replacedSnapshot models.SessionSnapshot

	r.mu.Lock()

	if existing, ok := r.sessions[deviceID]; ok {
		if !r.replaceableLocked(existing, now) {
			health := existing.health
			r.mu.Unlock()

			return models.SessionSnapshot{}, fmt.Errorf("%w: device %s has a live session (%s)",
				models.ErrSessionConflict, deviceID, health)
		}

		r.removeLocked(existing)

		replaced = true
		replacedSnapshot = r.tombstones[deviceID]
	}

	s := &session{
		deviceID:      deviceID,
		transport:     descriptor.Transport,
		tags:          append([]string(nil), descriptor.Tags...),
		capabilities:  append([]models.CommandKind(nil), descriptor.Capabilities...),
		attributes:    descriptor.Attributes,
		health:        models.HealthConnecting,
		registeredAt:  now,
		lastHeartbeat: now,
	}

	r.sessions[deviceID] = s
	r.indexLocked(s)

	snapshot := snapshotLocked(s)
	hook := r.hook
	r.mu.Unlock()

	r.logger.Info().
		Str("device_id", deviceID).
		Str("transport", string(descriptor.Transport)).
		Msg("session registered")

	if hook != nil {
		if replaced {
			hook(models.EventSessionReplaced, replacedSnapshot)
		}

		hook(models.EventSessionRegistered, snapshot)
	}

	return snapshot, nil
}

// MarkReady completes the handshake, moving Connecting to Ready.
func (r *SessionRegistry) MarkReady(deviceID string) error {
	r.mu.Lock()

	s, ok := r.sessions[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, deviceID)
	}

	if s.health == models.HealthConnecting {
		s.health = models.HealthReady
	}

	s.lastHeartbeat = r.now()
	r.mu.Unlock()

	return nil
}

// Heartbeat records liveness for a session. A Degraded session recovers
// to Ready; Busy sessions stay Busy with the heartbeat recorded.
func (r *SessionRegistry) Heartbeat(deviceID string) error {
	r.mu.Lock()

	s, ok := r.sessions[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, deviceID)
	}

	s.lastHeartbeat = r.now()

	recovered := s.health == models.HealthDegraded
	if recovered || s.health == models.HealthConnecting {
		s.health = models.HealthReady
	}

	var snapshot models.SessionSnapshot

	hook := r.hook
	if recovered && hook != nil {
		snapshot = snapshotLocked(s)
	}

	r.mu.Unlock()

	if recovered && hook != nil {
		hook(models.EventSessionRecovered, snapshot)
	}

	return nil
}

// ReportAttributes updates device-side attributes (battery, lock state)
// carried alongside a heartbeat.
func (r *SessionRegistry) ReportAttributes(deviceID string, attributes models.DeviceAttributes) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, deviceID)
	}

	s.attributes = attributes

	return nil
}

// Lookup returns a snapshot of the live session for a device.
func (r *SessionRegistry) Lookup(deviceID string) (models.SessionSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[deviceID]
	if !ok {
		return models.SessionSnapshot{}, fmt.Errorf("%w: %s", models.ErrSessionNotFound, deviceID)
	}

	return snapshotLocked(s), nil
}

// LookupTombstone resolves a lost session's final snapshot for forensic
// queries against historical jobs.
func (r *SessionRegistry) LookupTombstone(deviceID string) (models.SessionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, ok := r.tombstones[deviceID]

	return snapshot, ok
}

// ListByTag returns snapshots of live sessions carrying the tag, sorted
// by device ID.
func (r *SessionRegistry) ListByTag(tag string) []models.SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.byTag[tag]
	out := make([]models.SessionSnapshot, 0, len(bucket))

	for _, s := range bucket {
		out = append(out, snapshotLocked(s))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// List returns snapshots of all live sessions, sorted by device ID.
func (r *SessionRegistry) List() []models.SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshotLocked(s))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// Acquire marks a Ready session Busy for a dispatch. Dispatch-completion
// must call Release. Only the router's per-session worker calls this, so
// contention on a single session never occurs.
func (r *SessionRegistry) Acquire(deviceID string) (models.SessionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[deviceID]
	if !ok {
		return models.SessionSnapshot{}, fmt.Errorf("%w: %s", models.ErrSessionNotFound, deviceID)
	}

	if s.health != models.HealthReady {
		return models.SessionSnapshot{}, fmt.Errorf("session %s not ready (%s): %w",
			deviceID, s.health, models.ErrSessionConflict)
	}

	s.health = models.HealthBusy

	return snapshotLocked(s), nil
}

// Release reverts a Busy session after dispatch completion: back to Ready
// when heartbeats are fresh, Degraded when they are stale.
func (r *SessionRegistry) Release(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[deviceID]
	if !ok || s.health != models.HealthBusy {
		return
	}

	if r.now().Sub(s.lastHeartbeat) > r.config.HeartbeatTimeout {
		s.health = models.HealthDegraded
	} else {
		s.health = models.HealthReady
	}
}

// Unregister removes a session (clean disconnect), leaving a tombstone.
func (r *SessionRegistry) Unregister(deviceID string) {
	r.mu.Lock()

	s, ok := r.sessions[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}

	r.removeLocked(s)
	snapshot := r.tombstones[deviceID]
	hook := r.hook
	r.mu.Unlock()

	r.logger.Info().Str("device_id", deviceID).Msg("session unregistered")

	if hook != nil {
		hook(models.EventSessionLost, snapshot)
	}
}

// ExpireStale applies the health timeouts as of now and returns the
// device IDs that transitioned to Lost. Invoked on a periodic tick, never
// inline with dispatch.
func (r *SessionRegistry) ExpireStale(now time.Time) []string {
	type emit struct {
		kind     models.EventKind
		snapshot models.SessionSnapshot
	}

	var (
		expired []string
		emits   []emit
	)

	r.mu.Lock()

	hook := r.hook

	for deviceID, s := range r.sessions {
		silence := now.Sub(s.lastHeartbeat)

		switch {
		case silence > r.config.ExpiryTimeout:
			r.removeLocked(s)
			expired = append(expired, deviceID)
			emits = append(emits, emit{models.EventSessionLost, r.tombstones[deviceID]})
		case silence > r.config.HeartbeatTimeout && (s.health == models.HealthReady || s.health == models.HealthBusy):
			s.health = models.HealthDegraded
			emits = append(emits, emit{models.EventSessionDegraded, snapshotLocked(s)})
		}
	}

	r.mu.Unlock()

	sort.Strings(expired)

	if hook != nil {
		for _, e := range emits {
			hook(e.kind, e.snapshot)
		}
	}

	return expired
}

func (r *SessionRegistry) replaceableLocked(s *session, now time.Time) bool {
	if s.health == models.HealthLost {
		return true
	}

	if s.health == models.HealthDegraded {
		return now.Sub(s.lastHeartbeat) > r.config.HeartbeatTimeout+r.config.ReplaceGrace
	}

	return false
}

// removeLocked drops a session from the live set and records a tombstone.
func (r *SessionRegistry) removeLocked(s *session) {
	s.health = models.HealthLost

	snapshot := snapshotLocked(s)

	r.unindexLocked(s)
	delete(r.sessions, s.deviceID)

	if _, exists := r.tombstones[s.deviceID]; !exists {
		r.tombOrder = append(r.tombOrder, s.deviceID)
	}

	r.tombstones[s.deviceID] = snapshot

	for len(r.tombOrder) > r.config.TombstoneLimit {
		oldest := r.tombOrder[0]
		r.tombOrder = r.tombOrder[1:]
		delete(r.tombstones, oldest)
	}
}

func (r *SessionRegistry) indexLocked(s *session) {
	for _, tag := range s.tags {
		bucket := r.byTag[tag]
		if bucket == nil {
			bucket = make(map[string]*session)
			r.byTag[tag] = bucket
		}

		bucket[s.deviceID] = s
	}
}

func (r *SessionRegistry) unindexLocked(s *session) {
	for _, tag := range s.tags {
		if bucket := r.byTag[tag]; bucket != nil {
			delete(bucket, s.deviceID)

			if len(bucket) == 0 {
				delete(r.byTag, tag)
			}
		}
	}
}

func snapshotLocked(s *session) models.SessionSnapshot {
	return models.SessionSnapshot{
		DeviceID:      s.deviceID,
		Transport:     s.transport,
		Health:        s.health,
		Tags:          append([]string(nil), s.tags...),
		Capabilities:  append([]models.CommandKind(nil), s.capabilities...),
		Attributes:    s.attributes,
		RegisteredAt:  s.registeredAt,
		LastHeartbeat: s.lastHeartbeat,
	}
}
