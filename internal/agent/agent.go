// Package agent manages monitoring agent identities, credentials and
// lifecycle state.
package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound           = errors.New("agent not found")
	ErrAlreadyExists      = errors.New("agent already exists")
	ErrInvalidCredentials = errors.New("invalid agent credentials")
	ErrInvalidTransition  = errors.New("invalid agent status transition")
	ErrInvalidRequest     = errors.New("invalid registration request")
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusActive   Status = "ACTIVE"
	StatusRevoked  Status = "REVOKED"
	StatusError    Status = "ERROR"
)

// Statuses lists every status in reporting order.
var Statuses = []Status{StatusActive, StatusInactive, StatusRevoked, StatusError}

// ParseStatus parses a case-insensitive status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusInactive, StatusActive, StatusRevoked, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// Transition is an event that may move an agent between statuses.
type Transition int

const (
	// TransitionHeartbeat is a successfully authenticated check-in.
	TransitionHeartbeat Transition = iota
	// TransitionRevoke permanently disables the agent.
	TransitionRevoke
	// TransitionDeactivate is an administrative pause.
	TransitionDeactivate
	// TransitionFault records an agent-side failure.
	TransitionFault
)

func (t Transition) String() string {
	switch t {
	case TransitionHeartbeat:
		return "heartbeat"
	case TransitionRevoke:
		return "revoke"
	case TransitionDeactivate:
		return "deactivate"
	case TransitionFault:
		return "fault"
	}
	return fmt.Sprintf("transition(%d)", int(t))
}

// Apply returns the status that results from t. REVOKED is absorbing:
// heartbeats leave it unchanged and every other transition except a repeat
// revoke is rejected.
func (s Status) Apply(t Transition) (Status, error) {
	if s == StatusRevoked {
		switch t {
		case TransitionRevoke, TransitionHeartbeat:
			return StatusRevoked, nil
		}
		return s, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, s)
	}

	switch t {
	case TransitionHeartbeat:
		return StatusActive, nil
	case TransitionRevoke:
		return StatusRevoked, nil
	case TransitionDeactivate:
		return StatusInactive, nil
	case TransitionFault:
		return StatusError, nil
	}
	return s, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, s)
}

// Agent is a registered monitoring agent. CredentialHash is never
// marshaled; use Details for anything that leaves the process.
type Agent struct {
	ID              string
	Hostname        string
	OperatingSystem string
	AgentVersion    string
	IPAddress       string
	CredentialHash  string `json:"-"`
	Status          Status
	RegisteredAt    time.Time
	LastHeartbeat   time.Time
}

// Details is the externally visible view of an agent.
type Details struct {
	ID              string     `json:"id"`
	Hostname        string     `json:"hostname"`
	OperatingSystem string     `json:"operatingSystem,omitempty"`
	AgentVersion    string     `json:"agentVersion,omitempty"`
	IPAddress       string     `json:"ipAddress,omitempty"`
	Status          Status     `json:"status"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	LastHeartbeat   *time.Time `json:"lastHeartbeat,omitempty"`
	Stale           bool       `json:"stale"`
}

// Details returns the public view of a, evaluating staleness at now.
func (a *Agent) Details(now time.Time, threshold time.Duration) Details {
	d := Details{
		ID:              a.ID,
		Hostname:        a.Hostname,
		OperatingSystem: a.OperatingSystem,
		AgentVersion:    a.AgentVersion,
		IPAddress:       a.IPAddress,
		Status:          a.Status,
		RegisteredAt:    a.RegisteredAt,
		Stale:           a.IsStale(now, threshold),
	}
	if !a.LastHeartbeat.IsZero() {
		hb := a.LastHeartbeat
		d.LastHeartbeat = &hb
	}
	return d
}

// IsStale reports whether the agent has never checked in or last checked in
// more than threshold before now. Status is not considered.
func (a *Agent) IsStale(now time.Time, threshold time.Duration) bool {
	if a.LastHeartbeat.IsZero() {
		return true
	}
	return now.Sub(a.LastHeartbeat) > threshold
}

// Clone returns a copy safe to hand to callers.
func (a *Agent) Clone() *Agent {
	c := *a
	return &c
}
