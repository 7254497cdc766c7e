package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/sentinelforge/internal/enrichment"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

func TestHeuristicClassifier(t *testing.T) {
	malicious := Finding{ProcessName: "svchost", Reputation: enrichment.Reputation{IP: "203.0.113.9", Malicious: true}}

	tests := []struct {
		name       string
		in         Context
		wantLevel  string
		wantThreat string
	}{
		{"idle host", Context{CPUUsage: 20.5, RAMUsedPercent: 20}, RiskSafe, "None"},
		{"elevated cpu", Context{CPUUsage: 80}, RiskLow, "Elevated Resource Usage"},
		{"high cpu", Context{CPUUsage: 95}, RiskMedium, "Resource Hijacking"},
		{"high upload", Context{UploadMBps: 12}, RiskMedium, "Possible Data Exfiltration"},
		{"cpu and upload", Context{CPUUsage: 95.5, UploadMBps: 5}, RiskCritical, "Ransomware / Data Exfiltration"},
		{"known miner", Context{Processes: []telemetry.Process{{Name: "xmrig"}}}, RiskHigh, "Malicious Tool"},
		{"malicious ip", Context{Findings: []Finding{malicious}}, RiskHigh, "C2 Communication"},
		{"malicious ip under load", Context{CPUUsage: 99, Findings: []Finding{malicious}}, RiskCritical, "C2 Communication"},
	}

	h := NewHeuristicClassifier(DefaultHeuristicConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := h.Classify(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, v.RiskLevel)
			assert.Equal(t, tt.wantThreat, v.ThreatType)
			assert.NotEmpty(t, v.Recommendation)
		})
	}
}

func TestHeuristicClassifier_ProcessFromConnection(t *testing.T) {
	h := NewHeuristicClassifier(DefaultHeuristicConfig())
	v, err := h.Classify(context.Background(), Context{Findings: []Finding{
		{ProcessName: "Mimikatz.exe", Reputation: enrichment.Reputation{IP: "8.8.8.8"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, v.RiskLevel)
	assert.Contains(t, v.Description, "Mimikatz.exe")
}
