package analysis

import (
	"context"
	"fmt"
	"strings"
)

// HeuristicConfig holds the thresholds of the rule-based classifier.
type HeuristicConfig struct {
	CPUHighPercent     float64
	CPUElevatedPercent float64
	UploadHighMBps     float64
	SuspiciousNames    []string
}

// DefaultHeuristicConfig returns the default thresholds.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		CPUHighPercent:     90,
		CPUElevatedPercent: 75,
		UploadHighMBps:     5,
		SuspiciousNames: []string{
			"xmrig", "minerd", "cpuminer", "cryptonight", "kdevtmpfsi", "kinsing",
			"mimikatz", "procdump", "lazagne", "ncat", "netcat", "socat", "chisel",
		},
	}
}

// HeuristicClassifier scores a sample with fixed rules. It is used when no
// model endpoint is configured.
type HeuristicClassifier struct {
	config HeuristicConfig
}

// NewHeuristicClassifier creates a HeuristicClassifier.
func NewHeuristicClassifier(cfg HeuristicConfig) *HeuristicClassifier {
	return &HeuristicClassifier{config: cfg}
}

var riskRank = map[string]int{
	RiskSafe:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Classify applies every rule and keeps the most severe result.
func (h *HeuristicClassifier) Classify(_ context.Context, in Context) (Verdict, error) {
	best := Verdict{
		RiskLevel:      RiskSafe,
		ThreatType:     "None",
		Description:    "Telemetry within normal bounds",
		Recommendation: "No action required",
	}
	consider := func(v Verdict) {
		if riskRank[v.RiskLevel] > riskRank[best.RiskLevel] {
			best = v
		}
	}

	highCPU := in.CPUUsage >= h.config.CPUHighPercent
	highUpload := in.UploadMBps >= h.config.UploadHighMBps

	if bad := in.MaliciousFindings(); len(bad) > 0 {
		level := RiskHigh
		if highCPU || highUpload {
			level = RiskCritical
		}
		ips := make([]string, 0, len(bad))
		for _, f := range bad {
			ips = append(ips, f.Reputation.IP)
		}
		consider(Verdict{
			RiskLevel:      level,
			ThreatType:     "C2 Communication",
			Description:    fmt.Sprintf("Connections to known malicious addresses: %s", strings.Join(ips, ", ")),
			Recommendation: "Isolate the host and block the listed addresses",
		})
	}

	if names := h.suspiciousProcesses(in); len(names) > 0 {
		consider(Verdict{
			RiskLevel:      RiskHigh,
			ThreatType:     "Malicious Tool",
			Description:    fmt.Sprintf("Known offensive or mining tools running: %s", strings.Join(names, ", ")),
			Recommendation: "Terminate the processes and investigate how they were installed",
		})
	}

	switch {
	case highCPU && highUpload:
		consider(Verdict{
			RiskLevel:      RiskCritical,
			ThreatType:     "Ransomware / Data Exfiltration",
			Description:    fmt.Sprintf("CPU at %.1f%% while uploading %.2f MB/s", in.CPUUsage, in.UploadMBps),
			Recommendation: "Isolate the host from the network immediately",
		})
	case highUpload:
		consider(Verdict{
			RiskLevel:      RiskMedium,
			ThreatType:     "Possible Data Exfiltration",
			Description:    fmt.Sprintf("Sustained upload of %.2f MB/s", in.UploadMBps),
			Recommendation: "Identify the process responsible for the outbound traffic",
		})
	case highCPU:
		consider(Verdict{
			RiskLevel:      RiskMedium,
			ThreatType:     "Resource Hijacking",
			Description:    fmt.Sprintf("CPU usage at %.1f%%", in.CPUUsage),
			Recommendation: "Review the top CPU consumers for unknown binaries",
		})
	case in.CPUUsage >= h.config.CPUElevatedPercent:
		consider(Verdict{
			RiskLevel:      RiskLow,
			ThreatType:     "Elevated Resource Usage",
			Description:    fmt.Sprintf("CPU usage at %.1f%%", in.CPUUsage),
			Recommendation: "Monitor the host",
		})
	}

	return best, nil
}

func (h *HeuristicClassifier) suspiciousProcesses(in Context) []string {
	seen := make(map[string]bool)
	var out []string
	check := func(name string) {
		lower := strings.ToLower(name)
		for _, bad := range h.config.SuspiciousNames {
			if strings.Contains(lower, bad) && !seen[lower] {
				seen[lower] = true
				out = append(out, name)
				return
			}
		}
	}
	for _, p := range in.Processes {
		check(p.Name)
	}
	for _, f := range in.Findings {
		check(f.ProcessName)
	}
	return out
}
