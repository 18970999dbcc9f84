package models

import "time"

// TransportKind identifies how a device session is reached.
type TransportKind string

const (
	TransportLocalBus      TransportKind = "local-bus"
	TransportNetworkBridge TransportKind = "network-bridge"
	TransportVirtual       TransportKind = "virtual"
)

// HealthState tracks the liveness of a device session.
type HealthState string

const (
	HealthConnecting HealthState = "connecting"
	HealthReady      HealthState = "ready"
	HealthBusy       HealthState = "busy"
	HealthDegraded   HealthState = "degraded"
	HealthLost       HealthState = "lost"
)

// Live reports whether a session in this state can still accept dispatches
// or recover via heartbeat.
func (h HealthState) Live() bool {
	return h != HealthLost
}

// DeviceAttributes are the mutable device-side properties reported over
// heartbeats and consulted by policy rules.
type DeviceAttributes struct {
	BatteryPercent int  `json:"battery_percent"`
	Locked         bool `json:"locked"`
}

// SessionDescriptor is the registration request for a device session.
type SessionDescriptor struct {
	DeviceID     string           `json:"device_id"`
	Transport    TransportKind    `json:"transport"`
	Tags         []string         `json:"tags,omitempty"`
	Capabilities []CommandKind    `json:"capabilities,omitempty"`
	Attributes   DeviceAttributes `json:"attributes"`
}

// SessionSnapshot is an immutable copy of session state handed to callers.
// Policy evaluation and dispatch decisions work from snapshots only; the
// registry is the sole mutator of live session state.
type SessionSnapshot struct {
	DeviceID      string           `json:"device_id"`
	Transport     TransportKind    `json:"transport"`
	Health        HealthState      `json:"health"`
	Tags          []string         `json:"tags,omitempty"`
	Capabilities  []CommandKind    `json:"capabilities,omitempty"`
	Attributes    DeviceAttributes `json:"attributes"`
	RegisteredAt  time.Time        `json:"registered_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}

// Supports reports whether the session declared the given command kind in
// its capability set. An empty capability set supports everything.
func (s *SessionSnapshot) Supports(kind CommandKind) bool {
	if len(s.Capabilities) == 0 {
		return true
	}

	for _, c := range s.Capabilities {
		if c == kind {
			return true
		}
	}

	return false
}
