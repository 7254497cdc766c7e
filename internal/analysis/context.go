package analysis

import (
	"fmt"
	"strings"

	"github.com/lvonguyen/sentinelforge/internal/enrichment"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

// Finding is one network connection with its reputation.
type Finding struct {
	ProcessName string                `json:"processName"`
	RemotePort  uint32                `json:"remotePort"`
	Reputation  enrichment.Reputation `json:"reputation"`
}

// Context is everything a classifier sees for one sample.
type Context struct {
	Hostname       string
	CPUUsage       float64
	RAMUsedPercent float64
	UploadMBps     float64
	DownloadMBps   float64
	Processes      []telemetry.Process
	Findings       []Finding
	Knowledge      string
}

// MaliciousFindings returns the findings whose remote address is malicious.
func (c Context) MaliciousFindings() []Finding {
	var out []Finding
	for _, f := range c.Findings {
		if f.Reputation.Malicious {
			out = append(out, f)
		}
	}
	return out
}

// NetworkSummary renders one line per finding for the analyst prompt.
func (c Context) NetworkSummary() string {
	if len(c.Findings) == 0 {
		return "No active network connections."
	}

	lines := make([]string, 0, len(c.Findings))
	for _, f := range c.Findings {
		name := f.ProcessName
		if name == "" {
			name = "Unknown"
		}
		lines = append(lines, fmt.Sprintf("- Process: %s | Remote IP: %s | Location: %s | Reputation: %s",
			name, f.Reputation.IP, f.Reputation.Country, f.Reputation.Label()))
	}
	return strings.Join(lines, "\n")
}

// ProcessSummary renders the process list for the analyst prompt.
func (c Context) ProcessSummary() string {
	if len(c.Processes) == 0 {
		return "No processes"
	}

	parts := make([]string, 0, len(c.Processes))
	for _, p := range c.Processes {
		entry := fmt.Sprintf("%s (pid %d, cpu %.1f%%", p.Name, p.PID, p.CPUUsage)
		if p.Username != "" {
			entry += ", user " + p.Username
		}
		parts = append(parts, entry+")")
	}
	return strings.Join(parts, ", ")
}

const promptTemplate = `You are a cybersecurity analyst performing real-time threat detection.
Analyze the host telemetry and intelligence context below and identify likely breaches such as ransomware, spyware or command-and-control traffic.

--- INTELLIGENCE CONTEXT ---
Knowledge Base (MITRE ATT&CK):
%s

Network Intelligence (GeoIP & Reputation):
%s

--- LIVE SYSTEM TELEMETRY ---
- Hostname: %s
- CPU Usage: %.1f%%
- RAM Usage: %.1f%%
- Network Upload Speed: %.2f MB/s
- Network Download Speed: %.2f MB/s
- Active Processes: %s

--- ANALYSIS INSTRUCTIONS ---
1. REPUTATION CHECK: if any remote IP in Network Intelligence is MALICIOUS, raise the risk immediately.
2. ANOMALY DETECTION: high upload speed together with high CPU points to exfiltration or encryption (ransomware, data theft).
3. PROCESS SCRUTINY: flag unknown binaries that talk to external addresses.
4. RISK DETERMINATION: classify the risk as SAFE, LOW, MEDIUM, HIGH or CRITICAL.

--- OUTPUT ---
Respond with a JSON object with the string fields "risk_level", "threat_type", "description" and "recommendation".
Return ONLY the raw JSON object, without markdown code fences or any text outside it.`

// Prompt renders the analyst prompt for c.
func (c Context) Prompt() string {
	hostname := c.Hostname
	if hostname == "" {
		hostname = "Unknown-Host"
	}
	return fmt.Sprintf(promptTemplate,
		c.Knowledge,
		c.NetworkSummary(),
		hostname,
		c.CPUUsage,
		c.RAMUsedPercent,
		c.UploadMBps,
		c.DownloadMBps,
		c.ProcessSummary(),
	)
}
