// Package alert stores security alerts raised by analysis.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("alert not found")
	ErrInvalidStatus = errors.New("invalid alert status")
)

// Severity ranks an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every severity, most severe first.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// ParseSeverity parses a case-insensitive severity name. The second result
// is false when s is not a known severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	switch sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	}
	return "", false
}

// Status is the triage state of an alert.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusReviewed Status = "REVIEWED"
	StatusResolved Status = "RESOLVED"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{StatusNew, StatusReviewed, StatusResolved}

// ParseStatus parses a case-insensitive status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusReviewed, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Alert is a persisted security alert.
type Alert struct {
	ID             string    `json:"id"`
	Severity       Severity  `json:"severity"`
	ThreatType     string    `json:"threatType"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
	SourceAgentID  string    `json:"sourceAgentId,omitempty"`
	SampleID       string    `json:"sampleId,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	AgentID  string
	Status   Status
	Severity Severity
}

// Matches reports whether a satisfies f.
func (f Filter) Matches(a *Alert) bool {
	if f.AgentID != "" && a.SourceAgentID != f.AgentID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	return true
}

// Stats counts alerts by severity and by status.
type Stats struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"bySeverity"`
	ByStatus   map[Status]int   `json:"byStatus"`
}

// NewStats returns Stats with every bucket present at zero.
func NewStats() Stats {
	s := Stats{
		BySeverity: make(map[Severity]int, len(Severities)),
		ByStatus:   make(map[Status]int, len(Statuses)),
	}
	for _, sev := range Severities {
		s.BySeverity[sev] = 0
	}
	for _, st := range Statuses {
		s.ByStatus[st] = 0
	}
	return s
}

// Store persists alerts. List returns newest first.
type Store interface {
	Save(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, f Filter) ([]*Alert, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Alert, error)
	Stats(ctx context.Context) (Stats, error)
}

// FindByAgent lists the alerts raised for one agent.
func FindByAgent(ctx context.Context, s Store, agentID string) ([]*Alert, error) {
	return s.List(ctx, Filter{AgentID: agentID})
}

// FindByStatus lists the alerts in one triage status.
func FindByStatus(ctx context.Context, s Store, status Status) ([]*Alert, error) {
	return s.List(ctx, Filter{Status: status})
}

// FindBySeverity lists the alerts of one severity.
func FindBySeverity(ctx context.Context, s Store, severity Severity) ([]*Alert, error) {
	return s.List(ctx, Filter{Severity: severity})
}
