// Package analysis classifies accepted telemetry samples and raises alerts
// for risky hosts.
package analysis

import (
	"context"
	"strings"

	"github.com/lvonguyen/sentinelforge/internal/alert"
)

// Risk levels a classifier may return. Anything else is treated as
// MEDIUM when an alert is raised.
const (
	RiskSafe     = "SAFE"
	RiskNone     = "NONE"
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// Defaults applied to missing verdict fields.
const (
	DefaultThreatType     = "Unknown"
	DefaultDescription    = "No description provided"
	DefaultRecommendation = "Investigate manually"
)

// Verdict is a classifier's assessment of one sample.
type Verdict struct {
	RiskLevel      string `json:"risk_level"`
	ThreatType     string `json:"threat_type"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// Normalize upper-cases the risk level and fills missing fields.
func (v Verdict) Normalize() Verdict {
	v.RiskLevel = NormalizeRisk(v.RiskLevel)
	if strings.TrimSpace(v.ThreatType) == "" {
		v.ThreatType = DefaultThreatType
	}
	if strings.TrimSpace(v.Description) == "" {
		v.Description = DefaultDescription
	}
	if strings.TrimSpace(v.Recommendation) == "" {
		v.Recommendation = DefaultRecommendation
	}
	return v
}

// NormalizeRisk upper-cases level, defaulting to LOW when empty.
func NormalizeRisk(level string) string {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		return RiskLow
	}
	return level
}

// ShouldAlert reports whether a normalized risk level warrants an alert.
func ShouldAlert(level string) bool {
	switch level {
	case RiskSafe, RiskLow, RiskNone:
		return false
	}
	return true
}

// SeverityFor maps an alerting risk level to an alert severity.
func SeverityFor(level string) alert.Severity {
	if sev, ok := alert.ParseSeverity(level); ok {
		return sev
	}
	return alert.SeverityMedium
}

// Classifier assesses the risk of a sample in context.
type Classifier interface {
	Classify(ctx context.Context, in Context) (Verdict, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, in Context) (Verdict, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, in Context) (Verdict, error) {
	return f(ctx, in)
}
