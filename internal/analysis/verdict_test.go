package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/sentinelforge/internal/alert"
	"github.com/lvonguyen/sentinelforge/internal/enrichment"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

func TestVerdictNormalize(t *testing.T) {
	v := Verdict{RiskLevel: " high "}.Normalize()
	assert.Equal(t, RiskHigh, v.RiskLevel)
	assert.Equal(t, DefaultThreatType, v.ThreatType)
	assert.Equal(t, DefaultDescription, v.Description)
	assert.Equal(t, DefaultRecommendation, v.Recommendation)

	assert.Equal(t, RiskLow, Verdict{}.Normalize().RiskLevel)
}

func TestShouldAlert(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{RiskSafe, false},
		{RiskNone, false},
		{RiskLow, false},
		{RiskMedium, true},
		{RiskHigh, true},
		{RiskCritical, true},
		{"SEVERE", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldAlert(tt.level), tt.level)
	}
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, alert.SeverityHigh, SeverityFor(RiskHigh))
	assert.Equal(t, alert.SeverityCritical, SeverityFor(RiskCritical))
	assert.Equal(t, alert.SeverityMedium, SeverityFor(RiskMedium))
	assert.Equal(t, alert.SeverityMedium, SeverityFor("SEVERE"))
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"raw", `{"risk_level":"high","threat_type":"Miner"}`, RiskHigh, false},
		{"fenced", "```json\n{\"risk_level\":\"CRITICAL\"}\n```", RiskCritical, false},
		{"bare fence", "```\n{\"risk_level\":\"low\"}\n```", RiskLow, false},
		{"prose around", "Here you go: {\"risk_level\":\"MEDIUM\"} hope it helps", RiskMedium, false},
		{"missing level", `{"threat_type":"x"}`, RiskLow, false},
		{"no object", "I cannot help with that", "", true},
		{"broken json", `{"risk_level": }`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVerdict(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidVerdict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.RiskLevel)
		})
	}
}

func TestContextNetworkSummary(t *testing.T) {
	assert.Equal(t, "No active network connections.", Context{}.NetworkSummary())

	c := Context{Findings: []Finding{
		{ProcessName: "miner", Reputation: enrichment.Reputation{IP: "203.0.113.9", Country: "Netherlands", Malicious: true}},
		{Reputation: enrichment.Reputation{IP: "10.0.0.2", Country: "Private"}},
	}}
	lines := strings.Split(c.NetworkSummary(), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "- Process: miner | Remote IP: 203.0.113.9 | Location: Netherlands | Reputation: MALICIOUS", lines[0])
	assert.Equal(t, "- Process: Unknown | Remote IP: 10.0.0.2 | Location: Private | Reputation: Safe", lines[1])
}

func TestContextPrompt(t *testing.T) {
	c := Context{
		CPUUsage:       95.5,
		RAMUsedPercent: 40,
		UploadMBps:     4.76837,
		DownloadMBps:   0.1,
		Processes:      []telemetry.Process{{PID: 666, Name: "suspicious_miner.exe", CPUUsage: 70.5}},
		Knowledge:      "T1496 Resource Hijacking",
	}
	p := c.Prompt()

	assert.Contains(t, p, "- Hostname: Unknown-Host")
	assert.Contains(t, p, "- CPU Usage: 95.5%")
	assert.Contains(t, p, "- Network Upload Speed: 4.77 MB/s")
	assert.Contains(t, p, "- Network Download Speed: 0.10 MB/s")
	assert.Contains(t, p, "suspicious_miner.exe (pid 666, cpu 70.5%)")
	assert.Contains(t, p, "T1496 Resource Hijacking")
	assert.Contains(t, p, "No active network connections.")
	assert.Contains(t, p, "SAFE, LOW, MEDIUM, HIGH or CRITICAL")

	assert.Contains(t, Context{}.Prompt(), "- Active Processes: No processes")
}
